package stream

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// EventType classifies a decoded push frame. The set is closed: anything the
// protocol does not name decodes to EventProgress with its raw payload intact.
type EventType string

const (
	// EventConnected is the backend's explicit acknowledgment. It flips the
	// connectivity flag and is not forwarded to consumers.
	EventConnected EventType = "connected"
	// EventHeartbeat is a liveness no-op. It only re-arms the watchdog.
	EventHeartbeat EventType = "heartbeat"
	// EventCompletion signals that a backend-tracked message finished.
	EventCompletion EventType = "completion"
	// EventProgress is any other frame, forwarded as a generic update.
	EventProgress EventType = "progress"
)

// Event is one decoded push frame. Frames are decoded exactly once, here at
// the connection boundary.
type Event struct {
	Type      EventType
	Label     string // original discriminator for progress frames
	Status    string // completion outcome: completed or failed
	MessageID string
	Message   string
	Details   json.RawMessage
	Timestamp time.Time
}

var errEmptyFrame = errors.New("empty frame")

type wireFrame struct {
	Type      string          `json:"type"`
	Status    string          `json:"status,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// decodeFrame turns raw frame bytes into a typed event. Malformed frames are
// protocol errors; the caller drops them without killing the connection.
func decodeFrame(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, errEmptyFrame
	}

	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(frame.Type) == "" {
		return Event{}, errors.New("frame missing type discriminator")
	}

	event := Event{
		Status:    frame.Status,
		MessageID: frame.MessageID,
		Message:   frame.Message,
		Details:   frame.Details,
	}
	if frame.Timestamp != "" {
		// Invalid backend timestamps are tolerated; consumers fall back to
		// local clocks for ordering.
		if ts, err := time.Parse(time.RFC3339, frame.Timestamp); err == nil {
			event.Timestamp = ts
		}
	}

	switch frame.Type {
	case "connected":
		event.Type = EventConnected
	case "heartbeat":
		event.Type = EventHeartbeat
	case "completion":
		event.Type = EventCompletion
		if event.Status != "completed" && event.Status != "failed" {
			return Event{}, errors.New("completion frame with unknown status " + frame.Status)
		}
		if event.MessageID == "" {
			return Event{}, errors.New("completion frame missing message_id")
		}
	default:
		event.Type = EventProgress
		event.Label = frame.Type
	}

	return event, nil
}
