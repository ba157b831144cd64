// Package registry bridges push completion events to per-message handlers.
//
// Registration and resolution race freely: a completion can arrive before the
// interested party registers (fast backend, client remount) and vice versa.
// The registry is two-phase to close that race — an unmatched resolution is
// stored for a bounded time and handed to the next Register synchronously.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Status is the terminal outcome carried by a completion event.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome is what a completion handler receives. Data is the push payload,
// which callers treat as a notification rather than a trusted snapshot.
type Outcome struct {
	Status Status
	Data   json.RawMessage
}

// Handler is a one-shot completion callback for a single message id.
type Handler func(Outcome)

const defaultOutcomeTTL = 2 * time.Minute

// Registry maps backend message ids to one-shot completion handlers.
type Registry struct {
	log *slog.Logger
	ttl time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	stored   map[string]Outcome
	timers   map[string]*time.Timer
	closed   bool
}

// New returns a registry whose unmatched resolutions live for ttl before
// being discarded. A non-positive ttl selects the default.
func New(ttl time.Duration, log *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultOutcomeTTL
	}
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		log:      log.With("component", "registry"),
		ttl:      ttl,
		handlers: make(map[string]Handler),
		stored:   make(map[string]Outcome),
		timers:   make(map[string]*time.Timer),
	}
}

// Register installs the completion handler for a message id. If the outcome
// already arrived, the handler fires synchronously with the stored value and
// no entry is kept. Registering twice replaces the prior handler.
func (r *Registry) Register(messageID string, handler Handler) {
	if messageID == "" || handler == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	if outcome, ok := r.stored[messageID]; ok {
		r.dropStoredLocked(messageID)
		r.mu.Unlock()
		handler(outcome)
		return
	}

	r.handlers[messageID] = handler
	r.mu.Unlock()
}

// Resolve delivers a completion outcome. A registered handler fires exactly
// once and is removed; with no handler present the outcome is stored so a
// late Register still resolves.
func (r *Registry) Resolve(messageID string, status Status, data json.RawMessage) {
	if messageID == "" {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	if handler, ok := r.handlers[messageID]; ok {
		delete(r.handlers, messageID)
		r.mu.Unlock()
		handler(Outcome{Status: status, Data: data})
		return
	}

	r.dropStoredLocked(messageID)
	r.stored[messageID] = Outcome{Status: status, Data: data}
	r.timers[messageID] = time.AfterFunc(r.ttl, func() {
		r.expire(messageID)
	})
	r.mu.Unlock()

	r.log.Debug("completion stored for late registration", "message_id", messageID, "status", string(status))
}

// Pending reports whether a live handler exists for the id.
func (r *Registry) Pending(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handlers[messageID]
	return ok
}

// Cancel destroys the entry for one id without firing it.
func (r *Registry) Cancel(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, messageID)
	r.dropStoredLocked(messageID)
}

// CancelAll destroys every entry without firing. Used on session teardown so
// stale completions cannot land in a new session's transcript.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[string]Handler)
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.stored = make(map[string]Outcome)
}

// Close cancels everything and rejects further use.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.handlers = make(map[string]Handler)
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.stored = make(map[string]Outcome)
}

func (r *Registry) expire(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stored[messageID]; !ok {
		return
	}
	delete(r.stored, messageID)
	delete(r.timers, messageID)
	r.log.Debug("stored completion expired unclaimed", "message_id", messageID)
}

func (r *Registry) dropStoredLocked(messageID string) {
	if timer, ok := r.timers[messageID]; ok {
		timer.Stop()
		delete(r.timers, messageID)
	}
	delete(r.stored, messageID)
}
