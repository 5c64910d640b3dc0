// Package wal provides the per-tenant write-ahead log. Every execution
// event is appended before its effect is observable, keyed by a monotonic
// per-tenant sequence, and the log is the source of truth for replay.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/fabric/pkg/canonicalize"
	"github.com/loomworks/fabric/pkg/capability"
)

// Kind classifies a log event.
type Kind string

const (
	KindIntentAdmitted    Kind = "intent_admitted"
	KindStepStarted       Kind = "step_started"
	KindStepCompleted     Kind = "step_completed"
	KindArtifactProduced  Kind = "artifact_produced"
	KindEventEmitted      Kind = "event_emitted"
	KindSagaCompensation  Kind = "saga_compensation"
	KindExecutionTerminal Kind = "execution_terminal"
)

// Event is one immutable log record.
type Event struct {
	Seq         uint64                 `json:"seq"`
	TenantID    string                 `json:"tenant_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	ExecutionID string                 `json:"execution_id"`
	Kind        Kind                   `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	PayloadHash string                 `json:"payload_hash"`
	TS          time.Time              `json:"ts"`
}

// record is the persisted shape. Seq lives in the stream envelope, not in
// the record bytes, so the hash chain is stable under replay.
type record struct {
	TenantID    string                 `json:"tenant_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	ExecutionID string                 `json:"execution_id"`
	Kind        Kind                   `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	PayloadHash string                 `json:"payload_hash"`
	TS          time.Time              `json:"ts"`
}

// Log appends and reads per-tenant event streams. Each tenant's stream
// carries a cumulative hash chained over the canonical record bytes, so any
// mutation of history is detectable.
type Log struct {
	rows  capability.RowStore
	clock func() time.Time

	mu     sync.Mutex
	chains map[string]string // tenant -> cumulative hash
}

// NewLog creates a log over the given row store.
func NewLog(rows capability.RowStore) *Log {
	return &Log{rows: rows, clock: time.Now, chains: make(map[string]string)}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

func streamName(tenantID string) string { return "wal:" + tenantID }

// Append writes one event and returns it with its assigned sequence.
func (l *Log) Append(ctx context.Context, tenantID, sessionID, executionID string, kind Kind, payload map[string]interface{}) (Event, error) {
	if tenantID == "" {
		return Event{}, fmt.Errorf("wal append: tenant id required")
	}

	payloadHash := ""
	if payload != nil {
		data, err := canonicalize.JCS(payload)
		if err != nil {
			return Event{}, fmt.Errorf("wal payload canonicalization failed: %w", err)
		}
		payloadHash = canonicalize.ContentHash(data)
	}

	rec := record{
		TenantID:    tenantID,
		SessionID:   sessionID,
		ExecutionID: executionID,
		Kind:        kind,
		Payload:     payload,
		PayloadHash: payloadHash,
		TS:          l.clock().UTC(),
	}
	data, err := canonicalize.JCS(rec)
	if err != nil {
		return Event{}, fmt.Errorf("wal record canonicalization failed: %w", err)
	}

	// Hold the lock across the append so the in-memory chain advances in
	// the same order sequences are assigned.
	l.mu.Lock()
	defer l.mu.Unlock()

	chain, err := l.chainLocked(ctx, tenantID)
	if err != nil {
		return Event{}, err
	}

	seq, err := l.rows.AppendSeq(ctx, streamName(tenantID), data)
	if err != nil {
		return Event{}, fmt.Errorf("wal append failed: %w", err)
	}
	l.chains[tenantID] = chainNext(chain, data)

	return Event{
		Seq:         seq,
		TenantID:    rec.TenantID,
		SessionID:   rec.SessionID,
		ExecutionID: rec.ExecutionID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		PayloadHash: rec.PayloadHash,
		TS:          rec.TS,
	}, nil
}

// Read returns events for a tenant starting at from (1-based), in sequence
// order. limit 0 means no limit.
func (l *Log) Read(ctx context.Context, tenantID string, from uint64, limit int) ([]Event, error) {
	entries, err := l.rows.ReadSeq(ctx, streamName(tenantID), from, limit)
	if err != nil {
		return nil, fmt.Errorf("wal read failed: %w", err)
	}
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		event, err := decodeEvent(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// LastSeq returns the highest sequence appended for a tenant, 0 if none.
func (l *Log) LastSeq(ctx context.Context, tenantID string) (uint64, error) {
	return l.rows.LastSeq(ctx, streamName(tenantID))
}

// ReplayExecution returns every event of one execution in sequence order.
func (l *Log) ReplayExecution(ctx context.Context, tenantID, executionID string) ([]Event, error) {
	all, err := l.Read(ctx, tenantID, 1, 0)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, event := range all {
		if event.ExecutionID == executionID {
			out = append(out, event)
		}
	}
	return out, nil
}

// Hash returns the tenant's cumulative log hash. A fresh Log instance
// recovers the chain by replaying the stream.
func (l *Log) Hash(ctx context.Context, tenantID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainLocked(ctx, tenantID)
}

func (l *Log) chainLocked(ctx context.Context, tenantID string) (string, error) {
	if chain, ok := l.chains[tenantID]; ok {
		return chain, nil
	}
	entries, err := l.rows.ReadSeq(ctx, streamName(tenantID), 1, 0)
	if err != nil {
		return "", fmt.Errorf("wal chain recovery failed: %w", err)
	}
	chain := ""
	for _, entry := range entries {
		chain = chainNext(chain, entry.Payload)
	}
	l.chains[tenantID] = chain
	return chain, nil
}

func chainNext(prev string, data []byte) string {
	buf := make([]byte, 0, len(prev)+len(data))
	buf = append(buf, prev...)
	buf = append(buf, data...)
	return canonicalize.HashBytes(buf)
}

func decodeEvent(entry capability.SeqEntry) (Event, error) {
	var rec record
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		return Event{}, fmt.Errorf("corrupt wal record at seq %d: %w", entry.Seq, err)
	}
	return Event{
		Seq:         entry.Seq,
		TenantID:    rec.TenantID,
		SessionID:   rec.SessionID,
		ExecutionID: rec.ExecutionID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		PayloadHash: rec.PayloadHash,
		TS:          rec.TS,
	}, nil
}
