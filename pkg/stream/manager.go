package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoffDelay  = 30 * time.Second
	feedBuffer       = 64
)

// ErrBackoffExhausted is the single terminal connectivity error surfaced
// after the reconnect budget is used up.
var ErrBackoffExhausted = errors.New("push connection lost: reconnect attempts exhausted")

// Conn is the subset of a websocket connection the manager reads from.
// *websocket.Conn satisfies it; tests substitute scripted connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc establishes one push connection attempt.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options holds the watchdog and reconnect settings.
type Options struct {
	HeartbeatWindow      time.Duration
	BackoffBase          time.Duration
	MaxReconnectAttempts int
}

// DefaultOptions provides sensible production values.
var DefaultOptions = Options{
	HeartbeatWindow:      15 * time.Second,
	BackoffBase:          time.Second,
	MaxReconnectAttempts: 4,
}

func (o Options) withDefaults() Options {
	if o.HeartbeatWindow <= 0 {
		o.HeartbeatWindow = DefaultOptions.HeartbeatWindow
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultOptions.BackoffBase
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultOptions.MaxReconnectAttempts
	}
	return o
}

// State is a snapshot of connection health for the presentation layer.
type State struct {
	Connected         bool
	LastEventAt       time.Time
	ReconnectAttempts int
}

// Manager owns at most one push connection, scoped to one session. It keeps
// the connection alive with a heartbeat watchdog, reconnects with bounded
// exponential backoff, and emits decoded completion/progress events on the
// feed returned by Open.
type Manager struct {
	opts Options
	dial DialFunc
	log  *slog.Logger

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	feed      chan Event
	errs      chan error
	state     State
	gen       uint64
}

// NewManager builds a manager. A nil dial selects the websocket transport.
func NewManager(opts Options, dial DialFunc, log *slog.Logger) *Manager {
	if dial == nil {
		dial = gorillaDial
	}
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		opts: opts.withDefaults(),
		dial: dial,
		log:  log.With("component", "stream.manager"),
	}
}

// Open establishes the push connection for a session and returns its event
// feed. Opening while a connection for a different session is live closes
// that connection first; reopening the same session returns the live feed.
// The feed is closed when the connection is closed or the backoff budget is
// exhausted.
func (m *Manager) Open(ctx context.Context, sessionID string, url string, header http.Header) (<-chan Event, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		if m.sessionID == sessionID {
			return m.feed, nil
		}
		m.closeLocked()
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.sessionID = sessionID
	m.cancel = cancel
	m.feed = make(chan Event, feedBuffer)
	m.errs = make(chan error, 1)
	m.state = State{}
	m.gen++

	go m.run(runCtx, m.gen, url, header, m.feed, m.errs)

	m.log.Info("push connection opening", "session_id", sessionID)
	return m.feed, nil
}

// Close tears down the connection, the watchdog, and any scheduled reconnect.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Manager) closeLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.sessionID = ""
	m.state.Connected = false
	m.log.Info("push connection closed")
}

// State returns a connectivity snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Errors returns the channel carrying the single terminal connectivity
// error, if one ever occurs.
func (m *Manager) Errors() <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs
}

// run is the connection loop: dial, read until dead, back off, repeat.
// attempts counts consecutive failures since the last received frame.
func (m *Manager) run(ctx context.Context, gen uint64, url string, header http.Header, feed chan Event, errs chan error) {
	defer close(feed)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dial(ctx, url, header)
		if err == nil {
			readErr := m.readLoop(ctx, gen, conn, feed, &attempts)
			conn.Close()
			m.setConnected(gen, false)
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("push connection dropped", "error", readErr)
		} else {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("push connection dial failed", "error", err)
		}

		attempts++
		m.setAttempts(gen, attempts)
		if attempts > m.opts.MaxReconnectAttempts {
			// Exhaustion is fatal and reported exactly once.
			errs <- fmt.Errorf("%w after %d attempts", ErrBackoffExhausted, m.opts.MaxReconnectAttempts)
			m.log.Error("reconnect budget exhausted", "attempts", m.opts.MaxReconnectAttempts)
			return
		}

		delay := backoffDelay(m.opts.BackoffBase, attempts)
		m.log.Info("reconnect scheduled", "attempt", attempts, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// readLoop consumes frames until the connection dies. The read deadline is
// the heartbeat watchdog: it is re-armed before every read, so a silent
// window kills exactly one connection and triggers exactly one reconnect.
func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn, feed chan Event, attempts *int) error {
	window := m.opts.HeartbeatWindow

	for {
		if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			return fmt.Errorf("arm watchdog: %w", err)
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("heartbeat watchdog expired after %s", window)
			}
			return err
		}

		event, err := decodeFrame(data)
		if err != nil {
			// Protocol errors drop the frame, never the connection.
			m.log.Warn("malformed frame dropped", "error", err)
			continue
		}

		*attempts = 0
		m.touch(gen)

		switch event.Type {
		case EventConnected:
			m.setConnected(gen, true)
			m.log.Info("push connection acknowledged")
		case EventHeartbeat:
			// Watchdog already re-armed; nothing to forward.
		default:
			select {
			case feed <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > maxBackoffDelay || delay <= 0 {
		delay = maxBackoffDelay
	}
	return delay
}

// touch records a successful receipt: the attempt counter resets and the
// last-event clock advances.
func (m *Manager) touch(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.state.LastEventAt = time.Now().UTC()
	m.state.ReconnectAttempts = 0
}

func (m *Manager) setConnected(gen uint64, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.state.Connected = connected
}

func (m *Manager) setAttempts(gen uint64, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.state.ReconnectAttempts = attempts
}
