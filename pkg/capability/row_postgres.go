package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRowStore implements RowStore with JSONB documents and a
// per-stream sequence table. Predicate queries use JSONB containment so the
// GIN index applies.
type PostgresRowStore struct {
	db *sql.DB
}

const pgRowSchema = `
CREATE TABLE IF NOT EXISTS fabric_rows (
	table_name TEXT NOT NULL,
	id TEXT NOT NULL,
	doc JSONB NOT NULL,
	inserted_at BIGSERIAL,
	PRIMARY KEY (table_name, id)
);

CREATE INDEX IF NOT EXISTS fabric_rows_doc_gin ON fabric_rows USING GIN (doc);

CREATE TABLE IF NOT EXISTS fabric_streams (
	stream TEXT NOT NULL,
	seq BIGINT NOT NULL,
	payload BYTEA NOT NULL,
	appended_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stream, seq)
);
`

// NewPostgresRowStore wraps an open *sql.DB and ensures the schema.
func NewPostgresRowStore(db *sql.DB) (*PostgresRowStore, error) {
	s := &PostgresRowStore{db: db}
	if _, err := db.ExecContext(context.Background(), pgRowSchema); err != nil {
		return nil, fmt.Errorf("row store migration failed: %w", err)
	}
	return s, nil
}

// OpenPostgresRowStore opens a connection from a DSN and ensures the schema.
func OpenPostgresRowStore(dsn string) (*PostgresRowStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return NewPostgresRowStore(db)
}

func (s *PostgresRowStore) Put(ctx context.Context, table, id string, doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("doc marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fabric_rows (table_name, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (table_name, id) DO UPDATE SET doc = EXCLUDED.doc`,
		table, id, data)
	if err != nil {
		return fmt.Errorf("row put failed: %w", err)
	}
	return nil
}

func (s *PostgresRowStore) Get(ctx context.Context, table, id string) (map[string]interface{}, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM fabric_rows WHERE table_name = $1 AND id = $2`,
		table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("row get failed: %w", err)
	}
	return unmarshalDoc(data)
}

func (s *PostgresRowStore) Delete(ctx context.Context, table, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fabric_rows WHERE table_name = $1 AND id = $2`, table, id)
	if err != nil {
		return fmt.Errorf("row delete failed: %w", err)
	}
	return nil
}

func (s *PostgresRowStore) Query(ctx context.Context, table string, filter Filter, limit, offset int) ([]map[string]interface{}, error) {
	query := `SELECT doc FROM fabric_rows WHERE table_name = $1`
	args := []interface{}{table}

	if len(filter) > 0 {
		contains, err := json.Marshal(map[string]interface{}(filter))
		if err != nil {
			return nil, fmt.Errorf("filter marshal failed: %w", err)
		}
		query += ` AND doc @> $2`
		args = append(args, contains)
	}
	query += ` ORDER BY inserted_at`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("row query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []map[string]interface{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		doc, err := unmarshalDoc(data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

func (s *PostgresRowStore) Update(ctx context.Context, table, id string, mutate func(doc map[string]interface{}) (map[string]interface{}, error)) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var data []byte
		err := tx.QueryRowContext(ctx,
			`SELECT doc FROM fabric_rows WHERE table_name = $1 AND id = $2 FOR UPDATE`,
			table, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("row lock failed: %w", err)
		}

		doc, err := unmarshalDoc(data)
		if err != nil {
			return err
		}
		next, err := mutate(doc)
		if err != nil {
			return err
		}
		nextData, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("doc marshal failed: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE fabric_rows SET doc = $3 WHERE table_name = $1 AND id = $2`,
			table, id, nextData)
		if err != nil {
			return fmt.Errorf("row update failed: %w", err)
		}
		return nil
	})
}

func (s *PostgresRowStore) Apply(ctx context.Context, ops []Op) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			if op.Doc == nil {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM fabric_rows WHERE table_name = $1 AND id = $2`,
					op.Table, op.ID); err != nil {
					return fmt.Errorf("batch delete failed: %w", err)
				}
				continue
			}
			data, err := json.Marshal(op.Doc)
			if err != nil {
				return fmt.Errorf("doc marshal failed: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fabric_rows (table_name, id, doc) VALUES ($1, $2, $3)
				ON CONFLICT (table_name, id) DO UPDATE SET doc = EXCLUDED.doc`,
				op.Table, op.ID, data); err != nil {
				return fmt.Errorf("batch put failed: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresRowStore) AppendSeq(ctx context.Context, stream string, payload []byte) (uint64, error) {
	var seq uint64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Single-statement max+insert; the stream's rows are locked by the
		// insert conflict range, serializing concurrent appends.
		return tx.QueryRowContext(ctx, `
			INSERT INTO fabric_streams (stream, seq, payload, appended_at)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3 FROM fabric_streams WHERE stream = $1
			RETURNING seq`,
			stream, payload, time.Now().UTC()).Scan(&seq)
	})
	if err != nil {
		return 0, fmt.Errorf("stream append failed: %w", err)
	}
	return seq, nil
}

func (s *PostgresRowStore) ReadSeq(ctx context.Context, stream string, from uint64, limit int) ([]SeqEntry, error) {
	query := `SELECT seq, payload, appended_at FROM fabric_streams WHERE stream = $1 AND seq >= $2 ORDER BY seq`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, stream, from)
	if err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SeqEntry
	for rows.Next() {
		var e SeqEntry
		if err := rows.Scan(&e.Seq, &e.Payload, &e.AppendedAt); err != nil {
			return nil, fmt.Errorf("stream scan failed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream iteration failed: %w", err)
	}
	return out, nil
}

func (s *PostgresRowStore) LastSeq(ctx context.Context, stream string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM fabric_streams WHERE stream = $1`,
		stream).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("stream last seq failed: %w", err)
	}
	return seq, nil
}

func (s *PostgresRowStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func unmarshalDoc(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt row document: %w", err)
	}
	return doc, nil
}
