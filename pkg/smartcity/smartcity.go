// Package smartcity holds the governance primitives: identity and
// authorization, sessions, data boundary contracts with two-phase
// materialization, materialization policy evaluation, records of fact,
// platform DNA curation, and retry counsel. These are decision surfaces;
// side effects go through the capability layer only.
package smartcity

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrContractState   = errors.New("contract not in required state")
	ErrScopeDenied     = errors.New("requester outside reference scope")
	ErrTokenInvalid    = errors.New("access token invalid")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionUpgraded = errors.New("session already active")
	ErrNotGeneralized  = errors.New("artifact not generalized for promotion")
)
