package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"fathom/pkg/api"
	"fathom/pkg/config"
	"fathom/pkg/stream"
)

// Manager owns orchestrators keyed by session id. Sessions are created and
// disposed explicitly; switching sessions means disposing one orchestrator
// and creating another.
type Manager struct {
	ctx     context.Context
	cfg     *config.Config
	backend *api.Client
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Orchestrator
}

// NewManager builds a session manager over one backend client.
func NewManager(ctx context.Context, cfg *config.Config, backend *api.Client, log *slog.Logger) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		backend:  backend,
		log:      log.With("component", "session.manager"),
		sessions: make(map[string]*Orchestrator),
	}
}

// Open returns the live orchestrator for a session id, creating and starting
// one on first use.
func (m *Manager) Open(sessionID string) (*Orchestrator, error) {
	m.mu.RLock()
	orch, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return orch, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	orch, ok = m.sessions[sessionID]
	if ok {
		return orch, nil
	}

	streamMgr := stream.NewManager(stream.Options{
		HeartbeatWindow:      m.cfg.Stream.HeartbeatWindow(),
		BackoffBase:          m.cfg.Stream.BackoffBase(),
		MaxReconnectAttempts: m.cfg.Stream.MaxReconnectAttempts,
	}, nil, m.log)

	orch, err := New(m.ctx, sessionID, m.cfg, m.backend, streamMgr, m.log)
	if err != nil {
		return nil, err
	}
	if err := orch.Start(); err != nil {
		orch.Dispose()
		return nil, fmt.Errorf("start session %s: %w", sessionID, err)
	}

	m.sessions[sessionID] = orch
	m.log.Info("session opened", "session_id", sessionID)
	return orch, nil
}

// Dispose tears down one session if it is open.
func (m *Manager) Dispose(sessionID string) {
	m.mu.Lock()
	orch, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		orch.Dispose()
	}
}

// Close disposes every open session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Orchestrator)
	m.mu.Unlock()

	for _, orch := range sessions {
		orch.Dispose()
	}
}
