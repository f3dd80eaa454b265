// Package session is the bearer-token session store. It authenticates both
// human users and third-party agent sessions; the hub and the HTTP layer
// resolve tokens here before touching any plan state.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planloop/planloop/internal/plans"
)

type Kind string

const (
	KindUser  Kind = "user"
	KindAgent Kind = "agent"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

type Session struct {
	Token          string    `json:"token"`
	Kind           Kind      `json:"kind"`
	UserID         string    `json:"user_id"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Actor maps the session to the identity used in authorization and history.
func (s *Session) Actor() plans.Actor {
	if s.Kind == KindAgent {
		return plans.Actor{UserID: s.UserID, AgentSessionID: s.AgentSessionID, AgentName: s.AgentName}
	}
	return plans.Actor{UserID: s.UserID}
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

func (m *Manager) CreateUserSession(userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	return m.create(&Session{
		Kind:   KindUser,
		UserID: userID,
	}), nil
}

// CreateAgentSession issues a session for an automation agent acting on a
// user's behalf. The AgentSessionID is what access grants are keyed on.
func (m *Manager) CreateAgentSession(userID, agentName string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	return m.create(&Session{
		Kind:           KindAgent,
		UserID:         userID,
		AgentSessionID: uuid.NewString(),
		AgentName:      strings.TrimSpace(agentName),
	}), nil
}

func (m *Manager) create(s *Session) *Session {
	now := time.Now().UTC()
	s.Token = uuid.NewString()
	s.CreatedAt = now
	s.LastSeenAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
	return clone(s)
}

// Authenticate resolves a bearer token. Expiry is lazy: a stale session
// fails here even before the janitor reaps it.
func (m *Manager) Authenticate(token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	if now.Sub(s.LastSeenAt) > m.ttl {
		delete(m.sessions, token)
		return nil, ErrExpired
	}
	s.LastSeenAt = now
	return clone(s), nil
}

func (m *Manager) End(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, token)
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartJanitor reaps stale sessions in the background until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireStale()
			}
		}
	}()
}

func (m *Manager) expireStale() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, s := range m.sessions {
		if now.Sub(s.LastSeenAt) > m.ttl {
			delete(m.sessions, token)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
