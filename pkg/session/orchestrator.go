// Package session wires user input, the push connection, the completion
// registry, the transcript store, and the history pager into one consistent
// conversation view.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"fathom/pkg/api"
	"fathom/pkg/config"
	"fathom/pkg/pager"
	"fathom/pkg/registry"
	"fathom/pkg/stream"
	"fathom/pkg/transcript"
)

// Backend is the REST surface the orchestrator consumes. *api.Client
// satisfies it; tests substitute fakes.
type Backend interface {
	GetMessage(ctx context.Context, sessionID string, messageID string) (transcript.Message, error)
	ListMessages(ctx context.Context, sessionID string, offset int, limit int) (api.MessagePage, error)
	SendChat(ctx context.Context, sessionID string, text string) (api.ChatTurn, error)
	StreamURL(sessionID string) (string, error)
	AuthHeader() string
}

// Stream is the push connection surface the orchestrator consumes.
type Stream interface {
	Open(ctx context.Context, sessionID string, url string, header http.Header) (<-chan stream.Event, error)
	Close()
	State() stream.State
	Errors() <-chan error
}

// Orchestrator owns one session's live state. It is created and disposed
// explicitly; nothing about a session lives in package globals.
type Orchestrator struct {
	sessionID string
	backend   Backend
	stream    Stream
	store     *transcript.Store
	registry  *registry.Registry
	pager     *pager.Pager
	debounce  *pager.Debouncer
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	connErr  string
	fetchSeq map[string]uint64
	disposed bool

	subMu       sync.Mutex
	subscribers map[uint64]chan struct{}
	nextSubID   uint64
}

// New builds an orchestrator for one session. Call Start to begin syncing
// and Dispose to tear everything down.
func New(ctx context.Context, sessionID string, cfg *config.Config, backend Backend, streamMgr Stream, log *slog.Logger) (*Orchestrator, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if backend == nil {
		return nil, errors.New("backend client is required")
	}
	if streamMgr == nil {
		return nil, errors.New("stream manager is required")
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if log == nil {
		log = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	log = log.With("component", "session.orchestrator", "session_id", sessionID)

	store := transcript.NewStore()
	o := &Orchestrator{
		sessionID:   sessionID,
		backend:     backend,
		stream:      streamMgr,
		store:       store,
		registry:    registry.New(0, log),
		debounce:    pager.NewDebouncer(cfg.Pager.Debounce()),
		log:         log,
		ctx:         runCtx,
		cancel:      cancel,
		fetchSeq:    make(map[string]uint64),
		subscribers: make(map[uint64]chan struct{}),
	}

	pageSize := cfg.Pager.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	o.pager = pager.New(store, func(ctx context.Context, offset int, limit int) (api.MessagePage, error) {
		return backend.ListMessages(ctx, sessionID, offset, limit)
	}, pageSize, log)

	return o, nil
}

// Start fills the transcript with the latest history page and opens the push
// connection. History failure is fatal; the caller has nothing to show.
func (o *Orchestrator) Start() error {
	if err := o.pager.LoadLatest(o.ctx); err != nil {
		return err
	}
	o.notify()

	url, err := o.backend.StreamURL(o.sessionID)
	if err != nil {
		return fmt.Errorf("derive stream url: %w", err)
	}

	header := http.Header{}
	if auth := o.backend.AuthHeader(); auth != "" {
		header.Set("Authorization", auth)
	}

	feed, err := o.stream.Open(o.ctx, o.sessionID, url, header)
	if err != nil {
		return fmt.Errorf("open push connection: %w", err)
	}

	go o.pump(feed)
	go o.watchConnectivity(o.stream.Errors())

	return nil
}

// SendMessage submits one user turn: the user message and a pending
// assistant placeholder land in the transcript immediately, the turn goes to
// the backend, and the placeholder is bound to the backend message id so the
// eventual completion event patches it.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("message text is required")
	}
	if ctx == nil {
		ctx = o.ctx
	}

	o.store.Append(transcript.Message{
		Role:    transcript.RoleUser,
		Kind:    transcript.KindPlain,
		Content: text,
	})
	placeholder := o.store.Append(transcript.Message{
		Role:   transcript.RoleAssistant,
		Kind:   transcript.KindPlain,
		Status: transcript.StatusPending,
	})
	o.notify()

	turn, err := o.backend.SendChat(ctx, o.sessionID, text)
	if err != nil {
		o.store.PatchByID(placeholder.ID, transcript.Patch{
			Status:  transcript.StatusOf(transcript.StatusFailed),
			Kind:    transcript.KindOf(transcript.KindError),
			Content: transcript.ContentOf(userFacingError(err)),
		})
		o.notify()
		return err
	}

	patch := transcript.Patch{Kind: transcript.KindOf(kindForTurn(turn.Type))}
	if turn.Content != "" {
		patch.Content = transcript.ContentOf(turn.Content)
	}
	if len(turn.Payload) > 0 {
		payload := turn.Payload
		patch.Payload = &payload
	}

	if turn.MessageID == "" {
		// The backend answered inline; there is nothing to wait for.
		patch.Status = transcript.StatusOf(transcript.StatusCompleted)
		o.store.PatchByID(placeholder.ID, patch)
		o.notify()
		return nil
	}

	patch.NewID = &turn.MessageID
	patch.Status = transcript.StatusOf(transcript.StatusRunning)
	o.store.PatchByID(placeholder.ID, patch)
	o.registry.Register(turn.MessageID, o.completionHandler(turn.MessageID))
	o.notify()

	o.log.Debug("chat turn accepted", "message_id", turn.MessageID, "type", turn.Type)
	return nil
}

// LoadOlder requests the previous history page. Calls are debounced so a
// burst of scroll triggers collapses into one fetch.
func (o *Orchestrator) LoadOlder() {
	o.debounce.Trigger(func() {
		inserted, err := o.pager.LoadOlder(o.ctx)
		if err != nil {
			// Transport-level; the current transcript stays valid.
			o.log.Warn("older page load failed", "error", err)
			return
		}
		if inserted > 0 {
			o.notify()
		}
	})
}

// Dispose tears the session down: push connection, watchdog, reconnect
// timers, debounce timer, and every live registry entry.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	o.mu.Unlock()

	o.cancel()
	o.stream.Close()
	o.debounce.Stop()
	o.registry.Close()
	o.closeSubscribers()
	o.log.Info("session disposed")
}

// SessionID returns the owning session id.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Messages returns the transcript in display order.
func (o *Orchestrator) Messages() []transcript.Message { return o.store.Messages() }

// Connected reports push channel connectivity.
func (o *Orchestrator) Connected() bool { return o.stream.State().Connected }

// ReconnectAttempts reports consecutive failed reconnects.
func (o *Orchestrator) ReconnectAttempts() int { return o.stream.State().ReconnectAttempts }

// ConnectionError returns the persistent connectivity error, if any.
func (o *Orchestrator) ConnectionError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connErr
}

// IsLoadingOlder reports whether a history fetch is in flight.
func (o *Orchestrator) IsLoadingOlder() bool { return o.pager.IsLoading() }

// CanLoadOlder reports whether older history remains.
func (o *Orchestrator) CanLoadOlder() bool { return o.pager.CanLoadOlder() }

// pump forwards decoded push events to their consumers until the feed
// closes: completions to the registry, anything else into transcript patches.
func (o *Orchestrator) pump(feed <-chan stream.Event) {
	for event := range feed {
		switch event.Type {
		case stream.EventCompletion:
			o.registry.Resolve(event.MessageID, registry.Status(event.Status), event.Details)
		case stream.EventProgress:
			o.applyProgress(event)
		}
		o.notify()
	}
	// Feed closed: either Dispose or backoff exhaustion. Connectivity state
	// changed either way.
	o.notify()
}

// applyProgress turns a generic progress frame into a running-state patch.
func (o *Orchestrator) applyProgress(event stream.Event) {
	if event.MessageID == "" {
		o.log.Debug("progress frame without message id dropped", "label", event.Label)
		return
	}

	patch := transcript.Patch{Status: transcript.StatusOf(transcript.StatusRunning)}
	if event.Message != "" {
		patch.Content = transcript.ContentOf(event.Message)
	}
	if len(event.Details) > 0 {
		details := event.Details
		patch.Payload = &details
	}
	o.store.PatchByID(event.MessageID, patch)
}

func (o *Orchestrator) watchConnectivity(errs <-chan error) {
	if errs == nil {
		return
	}
	select {
	case <-o.ctx.Done():
		return
	case err, ok := <-errs:
		if !ok || err == nil {
			return
		}
		o.mu.Lock()
		o.connErr = err.Error()
		o.mu.Unlock()
		o.notify()
	}
}

// pushPayload is the denormalized shape carried by completion frames. It is
// a notification, not a snapshot: for successful completions the REST
// resource wins and these fields are only a fallback.
type pushPayload struct {
	Content string          `json:"content"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

// completionHandler builds the one-shot handler for one backend message id.
func (o *Orchestrator) completionHandler(messageID string) registry.Handler {
	return func(outcome registry.Outcome) {
		switch outcome.Status {
		case registry.StatusFailed:
			// Failed completions are push-authoritative; no re-fetch.
			o.applyFailure(messageID, outcome.Data)
			o.notify()
		default:
			go o.reconcileCompleted(messageID, outcome)
		}
	}
}

// reconcileCompleted re-fetches the finished message and patches the store
// from the authoritative snapshot, falling back to the push payload when the
// fetch fails. Only the newest outstanding fetch for an id may apply.
func (o *Orchestrator) reconcileCompleted(messageID string, outcome registry.Outcome) {
	seq := o.bumpFetchSeq(messageID)

	msg, err := o.backend.GetMessage(o.ctx, o.sessionID, messageID)

	if !o.isCurrentFetch(messageID, seq) {
		return
	}
	if o.ctx.Err() != nil {
		return
	}

	if err != nil {
		o.log.Warn("completion re-fetch failed, using push payload", "message_id", messageID, "error", err)
		o.applyCompletionFallback(messageID, outcome.Data)
		o.notify()
		return
	}

	patch := transcript.Patch{
		Status:  transcript.StatusOf(transcript.StatusCompleted),
		Content: transcript.ContentOf(msg.Content),
	}
	if msg.Kind != "" {
		patch.Kind = transcript.KindOf(msg.Kind)
	} else {
		patch.Kind = transcript.KindOf(transcript.KindResult)
	}
	if len(msg.Payload) > 0 {
		payload := msg.Payload
		patch.Payload = &payload
	}

	o.store.PatchByID(messageID, patch)
	o.notify()
}

func (o *Orchestrator) applyCompletionFallback(messageID string, data json.RawMessage) {
	var payload pushPayload
	_ = json.Unmarshal(data, &payload)

	content := payload.Content
	if content == "" {
		content = payload.Message
	}

	patch := transcript.Patch{
		Status: transcript.StatusOf(transcript.StatusCompleted),
		Kind:   transcript.KindOf(transcript.KindResult),
	}
	if payload.Kind != "" {
		patch.Kind = transcript.KindOf(transcript.Kind(payload.Kind))
	}
	if content != "" {
		patch.Content = transcript.ContentOf(content)
	}
	if len(payload.Payload) > 0 {
		inner := payload.Payload
		patch.Payload = &inner
	}

	o.store.PatchByID(messageID, patch)
}

func (o *Orchestrator) applyFailure(messageID string, data json.RawMessage) {
	var payload pushPayload
	_ = json.Unmarshal(data, &payload)

	detail := payload.Error
	if detail == "" {
		detail = payload.Message
	}
	if detail == "" {
		detail = "analysis failed"
	}

	o.store.PatchByID(messageID, transcript.Patch{
		Status:  transcript.StatusOf(transcript.StatusFailed),
		Kind:    transcript.KindOf(transcript.KindError),
		Content: transcript.ContentOf(detail),
	})
}

func (o *Orchestrator) bumpFetchSeq(messageID string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetchSeq[messageID]++
	return o.fetchSeq[messageID]
}

func (o *Orchestrator) isCurrentFetch(messageID string, seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetchSeq[messageID] == seq
}

// kindForTurn maps the chat response discriminator to a message kind. Any
// unnamed discriminator is an analysis response rendered as a result.
func kindForTurn(turnType string) transcript.Kind {
	switch turnType {
	case api.TurnChatResponse:
		return transcript.KindPlain
	case api.TurnNeedsClarify, api.TurnNeedsConfirmation:
		return transcript.KindClarification
	case api.TurnMeaningless:
		return transcript.KindPlain
	default:
		return transcript.KindResult
	}
}

func userFacingError(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}
