// Package fault defines the error taxonomy shared by the runtime, realms,
// and the experience edge. Handlers classify infrastructure errors into one
// of these kinds; raw errors never cross the runtime boundary.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error classification.
type Kind string

const (
	KindInvalidParameters  Kind = "invalid_parameters"
	KindUnknownIntentType  Kind = "unknown_intent_type"
	KindTenantMismatch     Kind = "tenant_mismatch"
	KindDeniedByPolicy     Kind = "denied_by_policy"
	KindOverloaded         Kind = "overloaded"
	KindNotFound           Kind = "not_found"
	KindAlreadyTerminal    Kind = "already_terminal"
	KindTransientIO        Kind = "transient_io"
	KindRateLimited        Kind = "rate_limited"
	KindIntegrityViolation Kind = "integrity_violation"
	KindPolicyRevoked      Kind = "policy_revoked"
	KindAccessRevoked      Kind = "access_revoked"
	KindTimeout            Kind = "timeout"
	KindHandlerFault       Kind = "handler_fault"
)

// Error is a classified fabric error.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

// New creates a classified error.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a classified error with a formatted detail.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an error chain.
// Unclassified errors map to handler_fault; nil maps to the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindHandlerFault
}

// Retriable reports whether a kind is eligible for runtime retry.
func Retriable(k Kind) bool {
	return k == KindTransientIO || k == KindRateLimited
}

// HTTPStatus maps a kind to the HTTP status the edge surfaces.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidParameters, KindUnknownIntentType:
		return http.StatusBadRequest
	case KindTenantMismatch, KindDeniedByPolicy, KindPolicyRevoked, KindAccessRevoked:
		return http.StatusForbidden
	case KindOverloaded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyTerminal:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
