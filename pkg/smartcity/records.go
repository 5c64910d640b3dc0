package smartcity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/fabric/pkg/capability"
)

const tableRecords = "records_of_fact"

// RecordType classifies persistent interpreted meaning.
type RecordType string

const (
	RecordDeterministicEmbedding RecordType = "deterministic_embedding"
	RecordSemanticEmbedding      RecordType = "semantic_embedding"
	RecordInterpretation         RecordType = "interpretation"
	RecordConclusion             RecordType = "conclusion"
)

// Record is a Record of Fact: meaning that outlives its source. Purging
// the source sets SourceExpiredAt but never removes the record.
type Record struct {
	RecordID                 string                 `json:"record_id"`
	TenantID                 string                 `json:"tenant_id"`
	RecordType               RecordType             `json:"record_type"`
	SourceFileID             string                 `json:"source_file_id,omitempty"`
	SourceBoundaryContractID string                 `json:"source_boundary_contract_id,omitempty"`
	SourceExpiredAt          *time.Time             `json:"source_expired_at,omitempty"`
	EmbeddingID              string                 `json:"embedding_id,omitempty"`
	InterpretationID         string                 `json:"interpretation_id,omitempty"`
	Content                  map[string]interface{} `json:"content,omitempty"`
	PromotedAt               time.Time              `json:"promoted_at"`
	PromotedBy               string                 `json:"promoted_by,omitempty"`
	PromotionReason          string                 `json:"promotion_reason,omitempty"`
}

// RecordStore owns records_of_fact rows.
type RecordStore struct {
	rows  capability.RowStore
	clock func() time.Time
}

// NewRecordStore creates a store over the row store.
func NewRecordStore(rows capability.RowStore) *RecordStore {
	return &RecordStore{rows: rows, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *RecordStore) WithClock(clock func() time.Time) *RecordStore {
	s.clock = clock
	return s
}

// Promote persists a new record of fact.
func (s *RecordStore) Promote(ctx context.Context, rec Record) (Record, error) {
	if rec.TenantID == "" || rec.RecordType == "" {
		return Record{}, fmt.Errorf("tenant id and record type required")
	}
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.PromotedAt.IsZero() {
		rec.PromotedAt = s.clock().UTC()
	}
	doc, err := docFromRecord(rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.rows.Put(ctx, tableRecords, rec.RecordID, doc); err != nil {
		return Record{}, fmt.Errorf("record put failed: %w", err)
	}
	return rec, nil
}

// Get returns a record within a tenant.
func (s *RecordStore) Get(ctx context.Context, tenantID, recordID string) (Record, error) {
	doc, err := s.rows.Get(ctx, tableRecords, recordID)
	if errors.Is(err, capability.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("record get failed: %w", err)
	}
	rec, err := recordFromDoc(doc)
	if err != nil {
		return Record{}, err
	}
	if rec.TenantID != tenantID {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns tenant records, optionally filtered by type.
func (s *RecordStore) List(ctx context.Context, tenantID string, recordType RecordType) ([]Record, error) {
	filter := capability.Filter{"tenant_id": tenantID}
	if recordType != "" {
		filter["record_type"] = string(recordType)
	}
	docs, err := s.rows.Query(ctx, tableRecords, filter, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("record query failed: %w", err)
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkSourceExpired stamps every record derived from a source file. The
// records themselves persist.
func (s *RecordStore) MarkSourceExpired(ctx context.Context, tenantID, sourceFileID string, at time.Time) (int, error) {
	docs, err := s.rows.Query(ctx, tableRecords, capability.Filter{
		"tenant_id":      tenantID,
		"source_file_id": sourceFileID,
	}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("record query failed: %w", err)
	}
	marked := 0
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			return marked, err
		}
		if rec.SourceExpiredAt != nil {
			continue
		}
		ts := at.UTC()
		rec.SourceExpiredAt = &ts
		updated, err := docFromRecord(rec)
		if err != nil {
			return marked, err
		}
		if err := s.rows.Put(ctx, tableRecords, rec.RecordID, updated); err != nil {
			return marked, fmt.Errorf("record update failed: %w", err)
		}
		marked++
	}
	return marked, nil
}

func docFromRecord(rec Record) (map[string]interface{}, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("record marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("record doc decode failed: %w", err)
	}
	return doc, nil
}

func recordFromDoc(doc map[string]interface{}) (Record, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Record{}, fmt.Errorf("record doc marshal failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("corrupt record row: %w", err)
	}
	return rec, nil
}
