package capability

import (
	"context"
	"time"
)

// Filter selects rows whose document fields equal the given values.
// A nil value matches rows where the field is absent or null.
type Filter map[string]interface{}

// Op is one mutation in an atomic batch. A nil Doc deletes the row.
type Op struct {
	Table string
	ID    string
	Doc   map[string]interface{}
}

// SeqEntry is one record of a monotonic stream.
type SeqEntry struct {
	Seq        uint64    `json:"seq"`
	Payload    []byte    `json:"payload"`
	AppendedAt time.Time `json:"appended_at"`
}

// RowStore is the transactional document/row capability. Rows live in named
// tables keyed by id, with equality predicate queries over document fields.
// Streams provide per-stream monotonic sequences for the WAL.
//
// Ordering contract: Query returns rows in insertion order; AppendSeq
// assigns strictly increasing sequence numbers per stream, serializing
// concurrent appends.
type RowStore interface {
	// Put inserts or replaces a row.
	Put(ctx context.Context, table, id string, doc map[string]interface{}) error

	// Get retrieves a row, or ErrNotFound.
	Get(ctx context.Context, table, id string) (map[string]interface{}, error)

	// Delete removes a row. Deleting an absent row is not an error.
	Delete(ctx context.Context, table, id string) error

	// Query returns rows matching the filter, paginated. limit <= 0 means
	// no limit.
	Query(ctx context.Context, table string, filter Filter, limit, offset int) ([]map[string]interface{}, error)

	// Update performs a read-modify-write on one row under a lock. The
	// mutate function receives the current document and returns the
	// replacement. Returning an error aborts without writing.
	Update(ctx context.Context, table, id string, mutate func(doc map[string]interface{}) (map[string]interface{}, error)) error

	// Apply executes a batch of mutations atomically (all-or-nothing).
	Apply(ctx context.Context, ops []Op) error

	// AppendSeq appends a payload to a stream and returns its sequence
	// number (1-based, strictly increasing per stream).
	AppendSeq(ctx context.Context, stream string, payload []byte) (uint64, error)

	// ReadSeq returns entries with seq >= from, in sequence order.
	// limit <= 0 means no limit.
	ReadSeq(ctx context.Context, stream string, from uint64, limit int) ([]SeqEntry, error)

	// LastSeq returns the highest committed sequence for a stream (0 when
	// the stream is empty).
	LastSeq(ctx context.Context, stream string) (uint64, error)
}
