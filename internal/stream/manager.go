// Package stream tracks the render sessions of connected publishers,
// providing create/remove/list operations used by the ingest side and the
// control API.
package stream

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/sprd/internal/pipeline"
)

// ErrNotRendering is returned for a session whose pipeline has not been
// attached yet.
var ErrNotRendering = errors.New("stream: session not rendering")

// Renderer is the running pipeline of a session.
type Renderer interface {
	Snapshot() pipeline.Snapshot
	RequestResync()
	SetPathDelay(us int64)
}

// Session is one render session.
type Session struct {
	Key       string
	StartedAt time.Time
	done      chan struct{}

	mu       sync.RWMutex
	renderer Renderer
}

// Info is the JSON summary of a session.
type Info struct {
	Key       string             `json:"key"`
	StartedAt int64              `json:"startedAt"`
	Rendering bool               `json:"rendering"`
	Pipeline  *pipeline.Snapshot `json:"pipeline,omitempty"`
}

// Attach binds the running pipeline to the session.
func (s *Session) Attach(r Renderer) {
	s.mu.Lock()
	s.renderer = r
	s.mu.Unlock()
}

// Renderer returns the attached pipeline.
func (s *Session) Renderer() (Renderer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.renderer == nil {
		return nil, ErrNotRendering
	}
	return s.renderer, nil
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns the session summary.
func (s *Session) Info() Info {
	info := Info{Key: s.Key, StartedAt: s.StartedAt.UnixMilli()}
	if r, err := s.Renderer(); err == nil {
		snap := r.Snapshot()
		info.Rendering = true
		info.Pipeline = &snap
	}
	return info
}

// Manager manages the lifecycle of render sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "stream-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session. Returns the session and true if created,
// or nil and false if a session with this key already exists.
func (m *Manager) Create(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.sessions[key] = s
	m.log.Info("session created", "key", key)
	return s, true
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Remove removes a session from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key, "uptime", time.Since(s.StartedAt))
	}
}

// List returns all active sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions
}
