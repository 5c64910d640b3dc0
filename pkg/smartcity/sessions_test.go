package smartcity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/fabric/pkg/capability"
)

func newSessionFixture(t *testing.T) (*SessionManager, *TokenManager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens := NewTokenManager([]byte("test-secret")).WithClock(clock)
	sessions := NewSessionManager(capability.NewMemoryRowStore(), tokens).WithClock(clock)
	return sessions, tokens, &now
}

func TestAnonymousThenUpgrade(t *testing.T) {
	ctx := context.Background()
	sessions, tokens, _ := newSessionFixture(t)

	session, err := sessions.CreateAnonymous(ctx, map[string]interface{}{"ua": "cli"})
	require.NoError(t, err)
	assert.False(t, session.Active())
	assert.Empty(t, session.TenantID)

	token, err := tokens.Issue("user-1", "t1", nil, time.Hour)
	require.NoError(t, err)

	upgraded, err := sessions.Upgrade(ctx, session.SessionID, "user-1", "t1", token)
	require.NoError(t, err)
	assert.True(t, upgraded.Active())
	assert.Equal(t, "t1", upgraded.TenantID)

	_, err = sessions.Upgrade(ctx, session.SessionID, "user-1", "t1", token)
	assert.ErrorIs(t, err, ErrSessionUpgraded)
}

func TestUpgradeRejectsMismatchedToken(t *testing.T) {
	ctx := context.Background()
	sessions, tokens, _ := newSessionFixture(t)

	session, err := sessions.CreateAnonymous(ctx, nil)
	require.NoError(t, err)

	token, err := tokens.Issue("user-1", "t1", nil, time.Hour)
	require.NoError(t, err)

	_, err = sessions.Upgrade(ctx, session.SessionID, "user-2", "t1", token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	sessions, _, now := newSessionFixture(t)

	session, err := sessions.CreateAnonymous(ctx, nil)
	require.NoError(t, err)

	*now = now.Add(DefaultSessionTTL + time.Minute)
	_, err = sessions.Get(ctx, session.SessionID, "")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestGetScopedByTenant(t *testing.T) {
	ctx := context.Background()
	sessions, tokens, _ := newSessionFixture(t)

	session, err := sessions.CreateAnonymous(ctx, nil)
	require.NoError(t, err)
	token, err := tokens.Issue("user-1", "t1", nil, time.Hour)
	require.NoError(t, err)
	_, err = sessions.Upgrade(ctx, session.SessionID, "user-1", "t1", token)
	require.NoError(t, err)

	_, err = sessions.Get(ctx, session.SessionID, "t2")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := sessions.Get(ctx, session.SessionID, "t1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}
