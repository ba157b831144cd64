package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn serves scripted frames and honors read deadlines, so watchdog
// behavior is observable without a real websocket.
type fakeConn struct {
	frames chan []byte

	mu       sync.Mutex
	deadline time.Time
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, nil, timeoutError{}
	}

	select {
	case data, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("connection reset")
		}
		return 1, data, nil
	case <-time.After(wait):
		return 0, nil, timeoutError{}
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testOptions() Options {
	return Options{
		HeartbeatWindow:      100 * time.Millisecond,
		BackoffBase:          10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func TestOpenRequiresSessionID(t *testing.T) {
	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		t.Fatal("dial should not be called")
		return nil, nil
	}, nil)

	if _, err := m.Open(context.Background(), "", "ws://backend/stream", nil); err == nil {
		t.Fatal("expected an error for empty session id")
	}
}

func TestConnectedOnlyAfterAck(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		return conn, nil
	}, nil)
	t.Cleanup(m.Close)

	feed, err := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	if m.State().Connected {
		t.Fatal("connected before the ack frame")
	}

	conn.push(`{"type":"connected"}`)
	conn.push(`{"type":"report_progress","message":"crunching"}`)

	event := waitEvent(t, feed)
	if event.Type != EventProgress || event.Label != "report_progress" {
		t.Fatalf("event = %+v, want progress/report_progress", event)
	}
	if !m.State().Connected {
		t.Fatal("not connected after ack frame")
	}
}

func TestCompletionFrameIsForwarded(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		return conn, nil
	}, nil)
	t.Cleanup(m.Close)

	feed, _ := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)

	conn.push(`{"type":"connected"}`)
	conn.push(`{"type":"completion","status":"completed","message_id":"m-7","details":{"content":"42"}}`)

	event := waitEvent(t, feed)
	if event.Type != EventCompletion {
		t.Fatalf("type = %q, want completion", event.Type)
	}
	if event.MessageID != "m-7" || event.Status != "completed" {
		t.Fatalf("event = %+v", event)
	}
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		return conn, nil
	}, nil)
	t.Cleanup(m.Close)

	feed, _ := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)

	conn.push(`{not json`)
	conn.push(`{"type":"completion"}`) // missing message_id
	conn.push(`{"type":"analysis_step","message":"still here"}`)

	event := waitEvent(t, feed)
	if event.Label != "analysis_step" {
		t.Fatalf("survived frame = %+v", event)
	}
}

func TestWatchdogTriggersSingleReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	conns := []*fakeConn{newFakeConn(), newFakeConn()}

	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if dials >= len(conns) {
			return nil, errors.New("no more scripted connections")
		}
		conn := conns[dials]
		dials++
		return conn, nil
	}, nil)
	t.Cleanup(m.Close)

	feed, _ := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)
	conns[0].push(`{"type":"connected"}`)

	// Stay silent for the full heartbeat window: the watchdog must close the
	// first connection and dial exactly one replacement.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := dials
		mu.Unlock()
		if count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want 2", count)
		}
		time.Sleep(5 * time.Millisecond)
	}

	conns[0].mu.Lock()
	firstClosed := conns[0].closed
	conns[0].mu.Unlock()
	if !firstClosed {
		t.Fatal("dead connection was not closed")
	}

	// The replacement works; connectivity and the attempt counter recover.
	conns[1].push(`{"type":"connected"}`)
	conns[1].push(`{"type":"update","message":"back"}`)
	waitEvent(t, feed)

	state := m.State()
	if !state.Connected {
		t.Fatal("not connected after successful reconnect")
	}
	if state.ReconnectAttempts != 0 {
		t.Fatalf("reconnect attempts = %d, want 0 after successful receipt", state.ReconnectAttempts)
	}
}

func TestBackoffBudgetSurfacesOneTerminalError(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return nil, errors.New("connection refused")
	}, nil)
	t.Cleanup(m.Close)

	feed, _ := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)
	errs := m.Errors()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrBackoffExhausted) {
			t.Fatalf("terminal error = %v, want ErrBackoffExhausted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal error surfaced")
	}

	// The feed closes; no second error ever arrives.
	if _, open := <-feed; open {
		t.Fatal("feed still open after exhaustion")
	}
	select {
	case err, open := <-errs:
		if open {
			t.Fatalf("second terminal error surfaced: %v", err)
		}
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	totalDials := dials
	mu.Unlock()
	if totalDials != 4 {
		t.Fatalf("dial attempts = %d, want initial + 3 retries", totalDials)
	}
}

func TestOpenForNewSessionClosesPriorConnection(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	var mu sync.Mutex
	dials := 0

	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}, nil)
	t.Cleanup(m.Close)

	firstFeed, _ := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)
	first.push(`{"type":"connected"}`)

	secondFeed, err := m.Open(context.Background(), "s-2", "ws://backend/stream", nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if secondFeed == firstFeed {
		t.Fatal("expected a fresh feed for the new session")
	}

	// The first session's feed drains and closes.
	deadline := time.Now().Add(time.Second)
	for {
		if _, open := <-firstFeed; !open {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first feed never closed")
		}
	}

	second.push(`{"type":"connected"}`)
	second.push(`{"type":"note","message":"hello"}`)
	waitEvent(t, secondFeed)
}

func TestReopenSameSessionReturnsLiveFeed(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(testOptions(), func(context.Context, string, http.Header) (Conn, error) {
		return conn, nil
	}, nil)
	t.Cleanup(m.Close)

	firstFeed, _ := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)
	secondFeed, err := m.Open(context.Background(), "s-1", "ws://backend/stream", nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if firstFeed != secondFeed {
		t.Fatal("reopening the same session replaced the live feed")
	}
}

func waitEvent(t *testing.T, feed <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-feed:
		if !ok {
			t.Fatal("feed closed while waiting for an event")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}
