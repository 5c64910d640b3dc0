package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRowStore implements RowStore on an embedded SQLite database for
// dev and single-node deployments. Predicate queries use json_extract.
// SQLite serializes writers itself; the mutex keeps read-modify-write
// sections coherent at the Go level.
type SQLiteRowStore struct {
	db *sql.DB
	mu sync.Mutex
}

const sqliteRowSchema = `
CREATE TABLE IF NOT EXISTS fabric_rows (
	table_name TEXT NOT NULL,
	id TEXT NOT NULL,
	doc TEXT NOT NULL,
	inserted_at INTEGER NOT NULL,
	PRIMARY KEY (table_name, id)
);

CREATE TABLE IF NOT EXISTS fabric_streams (
	stream TEXT NOT NULL,
	seq INTEGER NOT NULL,
	payload BLOB NOT NULL,
	appended_at DATETIME NOT NULL,
	PRIMARY KEY (stream, seq)
);
`

// NewSQLiteRowStore wraps an open *sql.DB and ensures the schema.
func NewSQLiteRowStore(db *sql.DB) (*SQLiteRowStore, error) {
	s := &SQLiteRowStore{db: db}
	if _, err := db.ExecContext(context.Background(), sqliteRowSchema); err != nil {
		return nil, fmt.Errorf("row store migration failed: %w", err)
	}
	return s, nil
}

// OpenSQLiteRowStore opens (or creates) a database file and ensures the schema.
func OpenSQLiteRowStore(path string) (*SQLiteRowStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open failed: %w", err)
	}
	return NewSQLiteRowStore(db)
}

func (s *SQLiteRowStore) Put(ctx context.Context, table, id string, doc map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitePut(ctx, s.db, table, id, doc)
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func sqlitePut(ctx context.Context, db sqliteExecer, table, id string, doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("doc marshal failed: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO fabric_rows (table_name, id, doc, inserted_at)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(inserted_at), 0) + 1 FROM fabric_rows))
		ON CONFLICT (table_name, id) DO UPDATE SET doc = excluded.doc`,
		table, id, string(data))
	if err != nil {
		return fmt.Errorf("row put failed: %w", err)
	}
	return nil
}

func (s *SQLiteRowStore) Get(ctx context.Context, table, id string) (map[string]interface{}, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM fabric_rows WHERE table_name = ? AND id = ?`,
		table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("row get failed: %w", err)
	}
	return unmarshalDoc([]byte(data))
}

func (s *SQLiteRowStore) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fabric_rows WHERE table_name = ? AND id = ?`, table, id)
	if err != nil {
		return fmt.Errorf("row delete failed: %w", err)
	}
	return nil
}

func (s *SQLiteRowStore) Query(ctx context.Context, table string, filter Filter, limit, offset int) ([]map[string]interface{}, error) {
	query := `SELECT doc FROM fabric_rows WHERE table_name = ?`
	args := []interface{}{table}

	for key, want := range filter {
		if want == nil {
			query += ` AND json_extract(doc, '$.' || ?) IS NULL`
			args = append(args, key)
			continue
		}
		query += ` AND json_extract(doc, '$.' || ?) = ?`
		args = append(args, key, sqliteScalar(want))
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
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		doc, err := unmarshalDoc([]byte(data))
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

func (s *SQLiteRowStore) Update(ctx context.Context, table, id string, mutate func(doc map[string]interface{}) (map[string]interface{}, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Get(ctx, table, id)
	if err != nil {
		return err
	}
	next, err := mutate(doc)
	if err != nil {
		return err
	}
	return sqlitePut(ctx, s.db, table, id, next)
}

func (s *SQLiteRowStore) Apply(ctx context.Context, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	for _, op := range ops {
		if op.Doc == nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM fabric_rows WHERE table_name = ? AND id = ?`,
				op.Table, op.ID); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("batch delete failed: %w", err)
			}
			continue
		}
		if err := sqlitePut(ctx, tx, op.Table, op.ID, op.Doc); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *SQLiteRowStore) AppendSeq(ctx context.Context, stream string, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fabric_streams (stream, seq, payload, appended_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM fabric_streams WHERE stream = ?
		RETURNING seq`,
		stream, payload, time.Now().UTC(), stream).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("stream append failed: %w", err)
	}
	return seq, nil
}

func (s *SQLiteRowStore) ReadSeq(ctx context.Context, stream string, from uint64, limit int) ([]SeqEntry, error) {
	query := `SELECT seq, payload, appended_at FROM fabric_streams WHERE stream = ? AND seq >= ? ORDER BY seq`
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

func (s *SQLiteRowStore) LastSeq(ctx context.Context, stream string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM fabric_streams WHERE stream = ?`,
		stream).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("stream last seq failed: %w", err)
	}
	return seq, nil
}

// sqliteScalar normalizes filter values to what json_extract returns.
func sqliteScalar(v interface{}) interface{} {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return v
	}
}
