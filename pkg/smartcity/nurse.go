package smartcity

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/loomworks/fabric/pkg/fault"
)

// RetryPolicy bounds how a failed execution may be retried. Jitter is
// deterministic: the same execution and attempt always get the same delay,
// so replay reproduces scheduling decisions.
type RetryPolicy struct {
	MaxAttempts int
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// DefaultRetryPolicy is three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseMs: 250, MaxMs: 10_000, MaxJitterMs: 250}
}

// RetryDecision is the nurse's counsel for one failed attempt.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// Nurse decides whether failed executions deserve another attempt.
type Nurse struct {
	policy RetryPolicy
}

// NewNurse creates a nurse with the given policy.
func NewNurse(policy RetryPolicy) *Nurse {
	return &Nurse{policy: policy}
}

// Decide returns the retry decision for an attempt (1-based). Only
// retriable fault kinds qualify.
func (n *Nurse) Decide(executionID string, attempt int, kind fault.Kind) RetryDecision {
	if !fault.Retriable(kind) {
		return RetryDecision{}
	}
	if attempt >= n.policy.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: n.backoff(executionID, attempt)}
}

func (n *Nurse) backoff(executionID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := n.policy.BaseMs * factor
	if delay > n.policy.MaxMs {
		delay = n.policy.MaxMs
	}
	return time.Duration(delay+n.jitter(executionID, attempt)) * time.Millisecond
}

func (n *Nurse) jitter(executionID string, attempt int) int64 {
	if n.policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", executionID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(n.policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
