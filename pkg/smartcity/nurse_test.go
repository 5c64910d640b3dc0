package smartcity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/fabric/pkg/fault"
)

func TestRetryOnlyForRetriableKinds(t *testing.T) {
	n := NewNurse(DefaultRetryPolicy())

	assert.True(t, n.Decide("e1", 1, fault.KindTransientIO).Retry)
	assert.True(t, n.Decide("e1", 1, fault.KindRateLimited).Retry)
	assert.False(t, n.Decide("e1", 1, fault.KindInvalidParameters).Retry)
	assert.False(t, n.Decide("e1", 1, fault.KindHandlerFault).Retry)
}

func TestRetryBoundedByMaxAttempts(t *testing.T) {
	n := NewNurse(DefaultRetryPolicy())

	assert.True(t, n.Decide("e1", 2, fault.KindTransientIO).Retry)
	assert.False(t, n.Decide("e1", 3, fault.KindTransientIO).Retry)
}

func TestJitterIsDeterministic(t *testing.T) {
	n := NewNurse(DefaultRetryPolicy())

	a := n.Decide("e1", 1, fault.KindTransientIO)
	b := n.Decide("e1", 1, fault.KindTransientIO)
	assert.Equal(t, a.Delay, b.Delay)

	other := n.Decide("e2", 1, fault.KindTransientIO)
	next := n.Decide("e1", 2, fault.KindTransientIO)
	// Different seeds give different delays; the exponential floor still
	// grows with the attempt.
	assert.NotEqual(t, a.Delay, next.Delay)
	_ = other
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	n := NewNurse(RetryPolicy{MaxAttempts: 40, BaseMs: 100, MaxMs: 1000, MaxJitterMs: 0})

	d1 := n.Decide("e1", 1, fault.KindTransientIO).Delay
	d2 := n.Decide("e1", 2, fault.KindTransientIO).Delay
	d10 := n.Decide("e1", 10, fault.KindTransientIO).Delay

	assert.Less(t, d1, d2)
	assert.Equal(t, d10, n.Decide("e1", 35, fault.KindTransientIO).Delay) // capped
}
