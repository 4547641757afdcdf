// Package session tracks live client sessions and their namespace
// bindings. A session binds to exactly one namespace at open and the
// binding never changes; callers that contradict it are rejected and
// disconnected by the dispatcher.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/types"
)

// Session is one bound client connection.
type Session struct {
	ID        string           `json:"id"`
	Namespace string           `json:"namespace"`
	Source    namespace.Source `json:"source"`
	Client    types.ClientInfo `json:"client"`
	CreatedAt time.Time        `json:"created_at"`

	mu          sync.Mutex
	initialized bool
}

// MarkInitialized records a completed initialize handshake.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether the handshake has completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Manager is the in-process session table. Writes happen only on open
// and close; everything else is lookups.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates an empty session table.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open resolves the namespace from the presented candidates and binds a
// new session to it.
func (m *Manager) Open(candidates []namespace.Candidate, client types.ClientInfo) (*Session, error) {
	ns, src, err := namespace.Resolve(candidates)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		Namespace: ns,
		Source:    src,
		Client:    client,
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.Info("session opened",
		zap.String("session_id", s.ID),
		zap.String("namespace", ns),
		zap.String("source", src.String()))
	return s, nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close removes the session. Idempotent.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.logger.Info("session closed",
			zap.String("session_id", id),
			zap.String("namespace", s.Namespace))
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
