package smartcity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tm := NewTokenManager([]byte("test-secret")).WithClock(func() time.Time { return now })

	token, err := tm.Issue("user-1", "t1", []string{"member"}, time.Hour)
	require.NoError(t, err)

	identity, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "t1", identity.TenantID)
	assert.Equal(t, []string{"member"}, identity.Roles)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tm := NewTokenManager([]byte("test-secret")).WithClock(func() time.Time { return now })

	token, err := tm.Issue("user-1", "t1", nil, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = tm.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager([]byte("secret-a"))
	token, err := tm.Issue("user-1", "t1", nil, time.Hour)
	require.NoError(t, err)

	_, err = NewTokenManager([]byte("secret-b")).Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthorizeTenantMismatch(t *testing.T) {
	identity := Identity{UserID: "u1", TenantID: "t1"}

	decision := Authorize(identity, "t2", nil)
	assert.False(t, decision.Allow)
	assert.Contains(t, decision.Reason, "does not match")

	decision = Authorize(identity, "t1", nil)
	assert.True(t, decision.Allow)
}

func TestAuthorizePredicate(t *testing.T) {
	identity := Identity{UserID: "u1", TenantID: "t1", Roles: []string{"viewer"}}

	admins := func(id Identity) bool {
		for _, role := range id.Roles {
			if role == "admin" {
				return true
			}
		}
		return false
	}
	assert.False(t, Authorize(identity, "t1", admins).Allow)

	identity.Roles = append(identity.Roles, "admin")
	assert.True(t, Authorize(identity, "t1", admins).Allow)
}
