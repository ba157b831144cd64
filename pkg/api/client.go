package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"fathom/pkg/config"
	"fathom/pkg/transcript"
)

// Client talks to the analysis backend's REST surface. The push channel is
// handled separately by pkg/stream; StreamURL derives its endpoint from the
// same base URL.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	authHeader     string
	requestTimeout time.Duration
	fetchTimeout   time.Duration
}

// MessagePage is one contiguous slice of a session's message history.
// Offset/Total/HasOlder are backend-authoritative.
type MessagePage struct {
	Messages []transcript.Message `json:"messages"`
	Offset   int                  `json:"offset"`
	Limit    int                  `json:"limit"`
	Total    int                  `json:"total"`
	HasOlder bool                 `json:"has_older"`
}

// ChatTurn is the discriminated response to a submitted chat turn.
type ChatTurn struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Chat turn response discriminators. Any other value is treated as an
// analysis kind and rendered as a result.
const (
	TurnChatResponse      = "chat_response"
	TurnNeedsClarify      = "needs_clarification"
	TurnNeedsConfirmation = "needs_confirmation"
	TurnScriptGeneration  = "script_generation"
	TurnMeaningless       = "meaningless"
)

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// New builds a backend client from config.
func New(cfg *config.Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	if baseURL == "" {
		return nil, config.ErrBackendURLRequired
	}

	authHeader := ""
	if token := strings.TrimSpace(os.Getenv(cfg.Backend.TokenEnv)); token != "" {
		authHeader = "Bearer " + token
	}

	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		authHeader:     authHeader,
		requestTimeout: cfg.Backend.RequestTimeout(),
		fetchTimeout:   cfg.Backend.FetchTimeout(),
	}, nil
}

// Health checks backend availability at startup.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	log := apiLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("backend request started")

	var response healthResponse
	if err := c.getJSON(ctx, "/health", nil, &response); err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "backend unhealthy")
		return NewError(ErrorBackend, "backend reported unhealthy status")
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)
	return nil
}

// GetMessage fetches the authoritative snapshot of one message. This is the
// fetch half of the registry's fetch-first completion reconciliation, so it
// runs under the shorter fetch timeout.
func (c *Client) GetMessage(ctx context.Context, sessionID string, messageID string) (transcript.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	log := apiLogger().With("operation", "get_message")
	startedAt := time.Now()
	log.Debug("backend request started", "session_id", sessionID, "message_id", messageID)

	var msg transcript.Message
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(messageID)
	if err := c.getJSON(ctx, path, nil, &msg); err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return transcript.Message{}, fmt.Errorf("get message %s: %w", messageID, err)
	}
	if msg.ID == "" {
		msg.ID = messageID
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "status", string(msg.Status))
	return msg, nil
}

// ListMessages fetches one history page. A negative offset asks the backend
// for the latest page; the response carries the authoritative offset.
func (c *Client) ListMessages(ctx context.Context, sessionID string, offset int, limit int) (MessagePage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	log := apiLogger().With("operation", "list_messages")
	startedAt := time.Now()
	log.Debug("backend request started", "session_id", sessionID, "offset", offset, "limit", limit)

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if offset >= 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	var page MessagePage
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.getJSON(ctx, path, query, &page); err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	log.Debug("backend request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"count", len(page.Messages),
		"offset", page.Offset,
		"total", page.Total,
		"has_older", page.HasOlder,
	)
	return page, nil
}

// SendChat submits one chat turn and returns the discriminated acceptance
// response. The final answer arrives later through the push channel.
func (c *Client) SendChat(ctx context.Context, sessionID string, text string) (ChatTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	log := apiLogger().With("operation", "send_chat")
	startedAt := time.Now()
	log.Debug("backend request started", "session_id", sessionID, "text_length", len(text))

	body, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return ChatTurn{}, fmt.Errorf("encode chat turn: %w", err)
	}

	var turn ChatTurn
	path := "/sessions/" + url.PathEscape(sessionID) + "/chat"
	if err := c.postJSON(ctx, path, body, &turn); err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return ChatTurn{}, fmt.Errorf("send chat turn: %w", err)
	}
	if turn.Type == "" {
		return ChatTurn{}, NewError(ErrorProtocol, "chat response missing type discriminator")
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "type", turn.Type, "message_id", turn.MessageID)
	return turn, nil
}

// StreamURL derives the per-session push channel endpoint from the REST base.
func (c *Client) StreamURL(sessionID string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", parsed.Scheme)
	}

	return parsed.JoinPath("sessions", sessionID, "stream").String(), nil
}

// AuthHeader exposes the resolved Authorization value for the push channel
// handshake. Empty when no token is configured.
func (c *Client) AuthHeader() string {
	return c.authHeader
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Category: ErrorTransport, Detail: "request timed out"}
		}
		return &Error{Category: ErrorTransport, Detail: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Category: ErrorTransport, Detail: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, backendDetail(payload, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Category: ErrorProtocol, Detail: "malformed response body"}
	}
	return nil
}

// backendDetail pulls a human-readable error out of a failure body when the
// backend sent one.
func backendDetail(payload []byte, statusCode int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}

	return "unexpected status " + strconv.Itoa(statusCode)
}

func apiLogger() *slog.Logger {
	return slog.Default().With("component", "api.client")
}
