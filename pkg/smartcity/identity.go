package smartcity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is a verified principal.
type Identity struct {
	UserID   string
	TenantID string
	Roles    []string
}

// IdentityClaims is the JWT claim shape issued and accepted by the fabric.
type IdentityClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// TokenManager signs and verifies access tokens.
type TokenManager struct {
	secret []byte
	clock  func() time.Time
}

// NewTokenManager creates a manager around an HS256 signing secret.
func NewTokenManager(secret []byte) *TokenManager {
	return &TokenManager{secret: secret, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	m.clock = clock
	return m
}

// Issue creates a signed token for a user within a tenant.
func (m *TokenManager) Issue(userID, tenantID string, roles []string, ttl time.Duration) (string, error) {
	now := m.clock().UTC()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "fabric/identity",
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("token signing failed: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the identity it carries.
func (m *TokenManager) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithTimeFunc(func() time.Time { return m.clock() }),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrTokenInvalid
	}
	return Identity{UserID: claims.Subject, TenantID: claims.TenantID, Roles: claims.Roles}, nil
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow  bool
	Reason string
}

// Allow builds an allow decision.
func Allow() Decision { return Decision{Allow: true} }

// Deny builds a deny decision with a reason.
func Deny(format string, args ...interface{}) Decision {
	return Decision{Allow: false, Reason: fmt.Sprintf(format, args...)}
}

// Authorize checks that an identity may submit an intent for a tenant.
// Permission predicates come from the intent's registration.
func Authorize(identity Identity, tenantID string, permitted func(Identity) bool) Decision {
	if identity.TenantID != tenantID {
		return Deny("identity tenant %q does not match intent tenant %q", identity.TenantID, tenantID)
	}
	if permitted != nil && !permitted(identity) {
		return Deny("intent not permitted for user %s", identity.UserID)
	}
	return Allow()
}
