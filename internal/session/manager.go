package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/taskhub/internal/transport"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
)

type Session struct {
	ID             string       `json:"session_id"`
	UserID         string       `json:"user_id"`
	Status         Status       `json:"status"`
	Capabilities   Capabilities `json:"capabilities"`
	Transport      string       `json:"transport,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

type entry struct {
	session   Session
	transport transport.Transport
}

// Manager owns session lifecycle and the one live transport each session may
// have attached.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onEnd             func(Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetEndHook registers a callback run after a session ends, explicitly or by
// inactivity. It runs outside the manager lock.
func (m *Manager) SetEndHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) Create(userID string, caps Capabilities) Session {
	now := time.Now().UTC()
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "anonymous"
	}
	s := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		Capabilities:   caps,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &entry{session: s}
	return s
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.session, nil
}

// Active returns the session when it exists and has not ended.
func (m *Manager) Active(sessionID string) (Session, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status != StatusActive {
		return Session{}, ErrEnded
	}
	return s, nil
}

func (m *Manager) SupportsElicitation(sessionID string) bool {
	s, err := m.Active(sessionID)
	return err == nil && s.Capabilities.Elicitation
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// Attach makes tr the session's transport. A previously attached transport
// is closed.
func (m *Manager) Attach(sessionID string, tr transport.Transport) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.session.Status != StatusActive {
		m.mu.Unlock()
		return ErrEnded
	}
	prev := e.transport
	e.transport = tr
	e.session.Transport = tr.Kind()
	e.session.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	if prev != nil && prev != tr {
		_ = prev.Close()
	}
	return nil
}

// Detach clears the transport only if tr is still the attached one, so a
// reconnect is not undone by the old connection shutting down.
func (m *Manager) Detach(sessionID string, tr transport.Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.transport != tr {
		return false
	}
	e.transport = nil
	e.session.Transport = ""
	e.session.LastActivityAt = time.Now().UTC()
	return true
}

// Transport returns the live transport of an active session.
func (m *Manager) Transport(sessionID string) (transport.Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.transport == nil || e.session.Status != StatusActive {
		return nil, false
	}
	return e.transport, true
}

func (m *Manager) End(sessionID string) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNotFound
	}
	if e.session.Status == StatusEnded {
		s := e.session
		m.mu.Unlock()
		return s, nil
	}
	tr := m.endLocked(e, time.Now().UTC())
	s := e.session
	hook := m.onEnd
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	if hook != nil {
		hook(s)
	}
	return s, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// ConnectedCount returns the number of active sessions with a live
// transport.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive && e.transport != nil {
			count++
		}
	}
	return count
}

// expireInactive ends idle sessions. A session with a live transport is
// never idle.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []Session

	m.mu.Lock()
	for _, e := range m.sessions {
		if e.session.Status != StatusActive || e.transport != nil {
			continue
		}
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(e, now)
		expired = append(expired, e.session)
	}
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) endLocked(e *entry, now time.Time) transport.Transport {
	tr := e.transport
	e.transport = nil
	e.session.Status = StatusEnded
	e.session.Transport = ""
	e.session.LastActivityAt = now
	return tr
}
