package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/fabric/pkg/observability"
	"github.com/loomworks/fabric/pkg/runtime"
)

var _ runtime.Metrics = (*observability.Provider)(nil)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := observability.New(ctx, observability.Config{})
	require.NoError(t, err)

	// No exporter configured: recording must be a no-op, not a panic.
	p.RecordAdmission(ctx, "t1", "ingest_file")
	p.RecordRejection(ctx, "overloaded")
	p.RecordExecution(ctx, "ingest_file", "completed", 120*time.Millisecond)
	require.NoError(t, p.ObserveQueueDepth(func() int { return 3 }))

	_, span := p.StartSpan(ctx, "noop")
	span.End()

	require.NoError(t, p.Shutdown(ctx))
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, slog.LevelWarn)

	logger.Info("dropped")
	logger.Warn("kept", "tenant_id", "t1")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "t1", entry["tenant_id"])
}
