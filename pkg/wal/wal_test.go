package wal

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/fabric/pkg/capability"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestAppendAssignsPerTenantSequences(t *testing.T) {
	ctx := context.Background()
	log := NewLog(capability.NewMemoryRowStore()).WithClock(fixedClock())

	e1, err := log.Append(ctx, "t1", "s1", "e1", KindIntentAdmitted, map[string]interface{}{"intent_type": "ingest_file"})
	require.NoError(t, err)
	e2, err := log.Append(ctx, "t1", "s1", "e1", KindStepStarted, nil)
	require.NoError(t, err)
	other, err := log.Append(ctx, "t2", "s2", "e9", KindIntentAdmitted, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(1), other.Seq)
	assert.Contains(t, e1.PayloadHash, "sha256:")
	assert.Empty(t, e2.PayloadHash)
}

func TestAppendRequiresTenant(t *testing.T) {
	log := NewLog(capability.NewMemoryRowStore())
	_, err := log.Append(context.Background(), "", "", "e1", KindIntentAdmitted, nil)
	assert.Error(t, err)
}

func TestReadReturnsSequenceOrder(t *testing.T) {
	ctx := context.Background()
	log := NewLog(capability.NewMemoryRowStore()).WithClock(fixedClock())

	kinds := []Kind{KindIntentAdmitted, KindStepStarted, KindStepCompleted, KindExecutionTerminal}
	for _, kind := range kinds {
		_, err := log.Append(ctx, "t1", "s1", "e1", kind, nil)
		require.NoError(t, err)
	}

	events, err := log.Read(ctx, "t1", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, KindStepStarted, events[0].Kind)
	assert.Equal(t, KindStepCompleted, events[1].Kind)
}

func TestReplayExecutionFilters(t *testing.T) {
	ctx := context.Background()
	log := NewLog(capability.NewMemoryRowStore()).WithClock(fixedClock())

	_, err := log.Append(ctx, "t1", "s1", "e1", KindIntentAdmitted, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "t1", "s1", "e2", KindIntentAdmitted, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "t1", "s1", "e1", KindExecutionTerminal, map[string]interface{}{"status": "completed"})
	require.NoError(t, err)

	events, err := log.ReplayExecution(ctx, "t1", "e1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindIntentAdmitted, events[0].Kind)
	assert.Equal(t, KindExecutionTerminal, events[1].Kind)
	assert.Equal(t, "completed", events[1].Payload["status"])
}

func TestHashChainAdvancesAndRecovers(t *testing.T) {
	ctx := context.Background()
	rows := capability.NewMemoryRowStore()
	log := NewLog(rows).WithClock(fixedClock())

	empty, err := log.Hash(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = log.Append(ctx, "t1", "s1", "e1", KindIntentAdmitted, nil)
	require.NoError(t, err)
	h1, err := log.Hash(ctx, "t1")
	require.NoError(t, err)
	assert.NotEmpty(t, h1)

	_, err = log.Append(ctx, "t1", "s1", "e1", KindExecutionTerminal, nil)
	require.NoError(t, err)
	h2, err := log.Hash(ctx, "t1")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	// A fresh instance over the same store recovers the same chain.
	recovered, err := NewLog(rows).Hash(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, h2, recovered)
}

func TestAppendOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("read order equals append order", prop.ForAll(
		func(payloads []string) bool {
			ctx := context.Background()
			log := NewLog(capability.NewMemoryRowStore()).WithClock(fixedClock())
			for i, p := range payloads {
				event, err := log.Append(ctx, "t1", "s1", "e1", KindEventEmitted, map[string]interface{}{"data": p})
				if err != nil || event.Seq != uint64(i+1) {
					return false
				}
			}
			events, err := log.Read(ctx, "t1", 1, 0)
			if err != nil || len(events) != len(payloads) {
				return false
			}
			for i, event := range events {
				if event.Seq != uint64(i+1) || event.Payload["data"] != payloads[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
