package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"fathom/pkg/api"
	"fathom/pkg/config"
	"fathom/pkg/stream"
	"fathom/pkg/transcript"
)

type fakeBackend struct {
	mu sync.Mutex

	history []transcript.Message

	chatTurn api.ChatTurn
	chatErr  error

	fetched    map[string]transcript.Message
	fetchErr   error
	fetchCalls int
}

func (b *fakeBackend) GetMessage(ctx context.Context, sessionID string, messageID string) (transcript.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	if b.fetchErr != nil {
		return transcript.Message{}, b.fetchErr
	}
	msg, ok := b.fetched[messageID]
	if !ok {
		return transcript.Message{}, &api.Error{Category: api.ErrorNotFound, StatusCode: 404, Detail: "message not found"}
	}
	return msg, nil
}

func (b *fakeBackend) ListMessages(ctx context.Context, sessionID string, offset int, limit int) (api.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := len(b.history)
	if offset < 0 {
		offset = total - limit
		if offset < 0 {
			offset = 0
		}
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := api.MessagePage{Offset: offset, Limit: limit, Total: total, HasOlder: offset > 0}
	page.Messages = append(page.Messages, b.history[offset:end]...)
	return page, nil
}

func (b *fakeBackend) SendChat(ctx context.Context, sessionID string, text string) (api.ChatTurn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chatErr != nil {
		return api.ChatTurn{}, b.chatErr
	}
	return b.chatTurn, nil
}

func (b *fakeBackend) StreamURL(sessionID string) (string, error) {
	return "ws://backend.test/v1/sessions/" + sessionID + "/stream", nil
}

func (b *fakeBackend) AuthHeader() string { return "Bearer test-token" }

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls
}

type fakeStream struct {
	mu     sync.Mutex
	feed   chan stream.Event
	errs   chan error
	state  stream.State
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		feed:  make(chan stream.Event, 16),
		errs:  make(chan error, 1),
		state: stream.State{Connected: true},
	}
}

func (s *fakeStream) Open(ctx context.Context, sessionID string, url string, header http.Header) (<-chan stream.Event, error) {
	return s.feed, nil
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.feed)
	}
}

func (s *fakeStream) State() stream.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStream) Errors() <-chan error { return s.errs }

func newTestOrchestrator(t *testing.T, backend *fakeBackend) (*Orchestrator, *fakeStream) {
	t.Helper()

	fs := newFakeStream()
	cfg := &config.Config{}
	cfg.Pager.PageSize = 50
	cfg.Pager.DebounceMillis = 1

	orch, err := New(context.Background(), "sess-1", cfg, backend, fs, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := orch.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(orch.Dispose)
	return orch, fs
}

func findMessage(t *testing.T, orch *Orchestrator, id string) transcript.Message {
	t.Helper()
	for _, msg := range orch.Messages() {
		if msg.ID == id {
			return msg
		}
	}
	t.Fatalf("message %s not in transcript", id)
	return transcript.Message{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSendMessageBindsPlaceholderToBackendID(t *testing.T) {
	backend := &fakeBackend{
		chatTurn: api.ChatTurn{Type: "analysis", MessageID: "srv-77", Content: "Running analysis"},
	}
	orch, _ := newTestOrchestrator(t, backend)

	if err := orch.SendMessage(context.Background(), "Analyze AAPL"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	msgs := orch.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != transcript.RoleUser || msgs[0].Content != "Analyze AAPL" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}

	assistant := msgs[1]
	if assistant.ID != "srv-77" {
		t.Fatalf("placeholder not rebound: id=%s", assistant.ID)
	}
	if assistant.Status != transcript.StatusRunning {
		t.Fatalf("expected running, got %s", assistant.Status)
	}
	if assistant.Kind != transcript.KindResult {
		t.Fatalf("expected result kind for analysis turn, got %s", assistant.Kind)
	}
	if assistant.Content != "Running analysis" {
		t.Fatalf("unexpected content: %q", assistant.Content)
	}
	if !orch.registry.Pending("srv-77") {
		t.Fatal("completion handler not registered")
	}
}

func TestSendMessageInlineTurnCompletesImmediately(t *testing.T) {
	backend := &fakeBackend{
		chatTurn: api.ChatTurn{Type: api.TurnNeedsClarify, Content: "Which ticker?"},
	}
	orch, _ := newTestOrchestrator(t, backend)

	if err := orch.SendMessage(context.Background(), "Analyze"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	assistant := orch.Messages()[1]
	if assistant.Status != transcript.StatusCompleted {
		t.Fatalf("inline turn should complete immediately, got %s", assistant.Status)
	}
	if assistant.Kind != transcript.KindClarification {
		t.Fatalf("expected clarification kind, got %s", assistant.Kind)
	}
}

func TestSendMessageBackendErrorFailsPlaceholder(t *testing.T) {
	backend := &fakeBackend{
		chatErr: &api.Error{Category: api.ErrorBackend, StatusCode: 500, Detail: "analysis engine unavailable"},
	}
	orch, _ := newTestOrchestrator(t, backend)

	if err := orch.SendMessage(context.Background(), "Analyze AAPL"); err == nil {
		t.Fatal("expected error from SendMessage")
	}

	msgs := orch.Messages()
	if len(msgs) != 2 {
		t.Fatalf("user message and placeholder should both remain, got %d", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Status != transcript.StatusFailed {
		t.Fatalf("expected failed, got %s", assistant.Status)
	}
	if assistant.Content != "analysis engine unavailable" {
		t.Fatalf("expected backend detail in content, got %q", assistant.Content)
	}
}

func TestCompletionEventFetchesAuthoritativeSnapshot(t *testing.T) {
	backend := &fakeBackend{
		chatTurn: api.ChatTurn{Type: "analysis", MessageID: "srv-1"},
		fetched: map[string]transcript.Message{
			"srv-1": {
				ID:      "srv-1",
				Role:    transcript.RoleAssistant,
				Kind:    transcript.KindResult,
				Status:  transcript.StatusCompleted,
				Content: "AAPL is up 3% this quarter",
				Payload: json.RawMessage(`{"chart":"aapl-q3"}`),
			},
		},
	}
	orch, fs := newTestOrchestrator(t, backend)

	if err := orch.SendMessage(context.Background(), "Analyze AAPL"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	fs.feed <- stream.Event{
		Type:      stream.EventCompletion,
		Status:    "completed",
		MessageID: "srv-1",
		Details:   json.RawMessage(`{"content":"stale push summary"}`),
	}

	waitFor(t, func() bool {
		return findMessage(t, orch, "srv-1").Status == transcript.StatusCompleted
	})

	msg := findMessage(t, orch, "srv-1")
	if msg.Content != "AAPL is up 3% this quarter" {
		t.Fatalf("re-fetched snapshot should win over push payload, got %q", msg.Content)
	}
	if string(msg.Payload) != `{"chart":"aapl-q3"}` {
		t.Fatalf("unexpected payload: %s", msg.Payload)
	}
	if backend.fetchCount() != 1 {
		t.Fatalf("expected exactly 1 re-fetch, got %d", backend.fetchCount())
	}
}

func TestCompletionFetchFailureFallsBackToPushPayload(t *testing.T) {
	backend := &fakeBackend{
		chatTurn: api.ChatTurn{Type: "analysis", MessageID: "srv-2"},
		fetchErr: errors.New("dial tcp: connection refused"),
	}
	orch, fs := newTestOrchestrator(t, backend)

	if err := orch.SendMessage(context.Background(), "Analyze TSLA"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	fs.feed <- stream.Event{
		Type:      stream.EventCompletion,
		Status:    "completed",
		MessageID: "srv-2",
		Details:   json.RawMessage(`{"content":"TSLA summary from push"}`),
	}

	waitFor(t, func() bool {
		return findMessage(t, orch, "srv-2").Status == transcript.StatusCompleted
	})

	msg := findMessage(t, orch, "srv-2")
	if msg.Content != "TSLA summary from push" {
		t.Fatalf("push payload should apply when fetch fails, got %q", msg.Content)
	}
}

func TestFailedCompletionIsPushAuthoritative(t *testing.T) {
	backend := &fakeBackend{
		chatTurn: api.ChatTurn{Type: "analysis", MessageID: "srv-3"},
	}
	orch, fs := newTestOrchestrator(t, backend)

	if err := orch.SendMessage(context.Background(), "Analyze NVDA"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	fs.feed <- stream.Event{
		Type:      stream.EventCompletion,
		Status:    "failed",
		MessageID: "srv-3",
		Details:   json.RawMessage(`{"error":"data source timed out"}`),
	}

	waitFor(t, func() bool {
		return findMessage(t, orch, "srv-3").Status == transcript.StatusFailed
	})

	msg := findMessage(t, orch, "srv-3")
	if msg.Kind != transcript.KindError {
		t.Fatalf("expected error kind, got %s", msg.Kind)
	}
	if msg.Content != "data source timed out" {
		t.Fatalf("unexpected failure detail: %q", msg.Content)
	}
	if backend.fetchCount() != 0 {
		t.Fatalf("failed completions must not re-fetch, got %d calls", backend.fetchCount())
	}
}

func TestProgressEventPatchesRunningContent(t *testing.T) {
	backend := &fakeBackend{
		chatTurn: api.ChatTurn{Type: "analysis", MessageID: "srv-4"},
	}
	orch, fs := newTestOrchestrator(t, backend)

	if err := orch.SendMessage(context.Background(), "Analyze MSFT"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	fs.feed <- stream.Event{
		Type:      stream.EventProgress,
		Label:     "analysis_step",
		MessageID: "srv-4",
		Message:   "Fetching quarterly filings",
	}

	waitFor(t, func() bool {
		return findMessage(t, orch, "srv-4").Content == "Fetching quarterly filings"
	})

	if status := findMessage(t, orch, "srv-4").Status; status != transcript.StatusRunning {
		t.Fatalf("progress should keep message running, got %s", status)
	}
}

func TestTerminalStreamErrorSurfacesConnectivity(t *testing.T) {
	backend := &fakeBackend{}
	orch, fs := newTestOrchestrator(t, backend)

	fs.errs <- stream.ErrBackoffExhausted

	waitFor(t, func() bool { return orch.ConnectionError() != "" })

	if got := orch.ConnectionError(); got != stream.ErrBackoffExhausted.Error() {
		t.Fatalf("unexpected connectivity error: %q", got)
	}
}

func TestSubscribeTicksOnTranscriptChange(t *testing.T) {
	backend := &fakeBackend{
		chatTurn: api.ChatTurn{Type: api.TurnChatResponse, Content: "hello"},
	}
	orch, _ := newTestOrchestrator(t, backend)

	updates, unsubscribe := orch.Subscribe()
	defer unsubscribe()

	if err := orch.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	select {
	case _, ok := <-updates:
		if !ok {
			t.Fatal("update channel closed unexpectedly")
		}
	case <-time.After(time.Second):
		t.Fatal("no update tick after SendMessage")
	}
}

func TestUnsubscribeStopsTicksAndClosesChannel(t *testing.T) {
	backend := &fakeBackend{}
	orch, _ := newTestOrchestrator(t, backend)

	updates, unsubscribe := orch.Subscribe()
	unsubscribe()
	unsubscribe() // idempotent

	if _, ok := <-updates; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestStartPrimesTranscriptFromLatestPage(t *testing.T) {
	backend := &fakeBackend{}
	for i := 0; i < 7; i++ {
		backend.history = append(backend.history, transcript.Message{
			ID:      "hist-" + string(rune('a'+i)),
			Role:    transcript.RoleUser,
			Status:  transcript.StatusCompleted,
			Content: "earlier turn",
		})
	}
	orch, _ := newTestOrchestrator(t, backend)

	if got := len(orch.Messages()); got != 7 {
		t.Fatalf("expected 7 history messages, got %d", got)
	}
	if orch.CanLoadOlder() {
		t.Fatal("no older history should remain")
	}
}
