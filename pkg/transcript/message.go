package transcript

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind is the tagged message variant decided by the backend response type.
type Kind string

const (
	KindPlain         Kind = "plain"
	KindClarification Kind = "clarification"
	KindResult        Kind = "result"
	KindError         Kind = "error"
)

// Status is the per-message lifecycle state. User messages carry no status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether the message is still being computed.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusRunning
}

// Message is one transcript unit. Payload stays opaque to this package; the
// presentation layer interprets it per Kind.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Kind      Kind            `json:"kind"`
	Status    Status          `json:"status,omitempty"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Patch is a partial message update. Nil fields are left untouched. NewID
// rebinds a locally assigned id to the backend-assigned one.
type Patch struct {
	NewID   *string
	Kind    *Kind
	Status  *Status
	Content *string
	Payload *json.RawMessage
}

// StatusOf is a convenience for building status-only patches.
func StatusOf(s Status) *Status { return &s }

// ContentOf is a convenience for building content patches.
func ContentOf(c string) *string { return &c }

// KindOf is a convenience for building kind patches.
func KindOf(k Kind) *Kind { return &k }
