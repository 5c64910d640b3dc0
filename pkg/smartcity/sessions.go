package smartcity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/fabric/pkg/capability"
)

const (
	tableSessions = "sessions"

	// DefaultSessionTTL bounds how long a session stays usable.
	DefaultSessionTTL = 24 * time.Hour
)

// Session is a scoped client interaction context. Anonymous sessions have
// no tenant; upgrading binds user and tenant after token verification.
type Session struct {
	SessionID string                 `json:"session_id"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Active reports whether the session has been upgraded.
func (s Session) Active() bool { return s.TenantID != "" && s.UserID != "" }

// SessionManager owns session rows.
type SessionManager struct {
	rows   capability.RowStore
	tokens *TokenManager
	ttl    time.Duration
	clock  func() time.Time
	newID  func() string
}

// NewSessionManager creates a manager over the row store.
func NewSessionManager(rows capability.RowStore, tokens *TokenManager) *SessionManager {
	return &SessionManager{
		rows:   rows,
		tokens: tokens,
		ttl:    DefaultSessionTTL,
		clock:  time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock for testing.
func (m *SessionManager) WithClock(clock func() time.Time) *SessionManager {
	m.clock = clock
	return m
}

// WithTTL overrides the session lifetime.
func (m *SessionManager) WithTTL(ttl time.Duration) *SessionManager {
	m.ttl = ttl
	return m
}

// CreateAnonymous starts a session with no tenant binding.
func (m *SessionManager) CreateAnonymous(ctx context.Context, metadata map[string]interface{}) (Session, error) {
	now := m.clock().UTC()
	session := Session{
		SessionID: m.newID(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		Metadata:  metadata,
	}
	if err := m.put(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Upgrade binds a verified identity to an anonymous session.
func (m *SessionManager) Upgrade(ctx context.Context, sessionID, userID, tenantID, accessToken string) (Session, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.Active() {
		return Session{}, ErrSessionUpgraded
	}

	identity, err := m.tokens.Verify(accessToken)
	if err != nil {
		return Session{}, err
	}
	if identity.UserID != userID || identity.TenantID != tenantID {
		return Session{}, fmt.Errorf("%w: token subject mismatch", ErrTokenInvalid)
	}

	session.UserID = userID
	session.TenantID = tenantID
	if err := m.put(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Get returns a live session. When tenantID is non-empty the session must
// belong to that tenant.
func (m *SessionManager) Get(ctx context.Context, sessionID, tenantID string) (Session, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if tenantID != "" && session.TenantID != tenantID {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (m *SessionManager) load(ctx context.Context, sessionID string) (Session, error) {
	doc, err := m.rows.Get(ctx, tableSessions, sessionID)
	if errors.Is(err, capability.ErrNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session load failed: %w", err)
	}
	var session Session
	data, err := json.Marshal(doc)
	if err != nil {
		return Session{}, fmt.Errorf("session doc marshal failed: %w", err)
	}
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("corrupt session row: %w", err)
	}
	if m.clock().UTC().After(session.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return session, nil
}

func (m *SessionManager) put(ctx context.Context, session Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("session doc decode failed: %w", err)
	}
	if err := m.rows.Put(ctx, tableSessions, session.SessionID, doc); err != nil {
		return fmt.Errorf("session put failed: %w", err)
	}
	return nil
}
