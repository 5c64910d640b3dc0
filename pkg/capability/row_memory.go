package capability

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// MemoryRowStore is the reference RowStore for tests and single-process use.
// Rows keep insertion order per table; streams keep append order.
type MemoryRowStore struct {
	mu      sync.RWMutex
	tables  map[string]*memTable
	streams map[string][]SeqEntry
	clock   func() time.Time
}

type memTable struct {
	rows  map[string]map[string]interface{}
	order []string
}

// NewMemoryRowStore creates an empty in-memory row store.
func NewMemoryRowStore() *MemoryRowStore {
	return &MemoryRowStore{
		tables:  make(map[string]*memTable),
		streams: make(map[string][]SeqEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryRowStore) WithClock(clock func() time.Time) *MemoryRowStore {
	s.clock = clock
	return s
}

func (s *MemoryRowStore) Put(ctx context.Context, table, id string, doc map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(table, id, doc)
	return nil
}

func (s *MemoryRowStore) put(table, id string, doc map[string]interface{}) {
	t := s.tables[table]
	if t == nil {
		t = &memTable{rows: make(map[string]map[string]interface{})}
		s.tables[table] = t
	}
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	t.rows[id] = deepCopyDoc(doc)
}

func (s *MemoryRowStore) Get(ctx context.Context, table, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[table]
	if t == nil {
		return nil, ErrNotFound
	}
	doc, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopyDoc(doc), nil
}

func (s *MemoryRowStore) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delete(table, id)
	return nil
}

func (s *MemoryRowStore) delete(table, id string) {
	t := s.tables[table]
	if t == nil {
		return
	}
	if _, ok := t.rows[id]; !ok {
		return
	}
	delete(t.rows, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (s *MemoryRowStore) Query(ctx context.Context, table string, filter Filter, limit, offset int) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[table]
	if t == nil {
		return nil, nil
	}

	var out []map[string]interface{}
	skipped := 0
	for _, id := range t.order {
		doc := t.rows[id]
		if !matchesFilter(doc, filter) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, deepCopyDoc(doc))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryRowStore) Update(ctx context.Context, table, id string, mutate func(doc map[string]interface{}) (map[string]interface{}, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[table]
	if t == nil {
		return ErrNotFound
	}
	doc, ok := t.rows[id]
	if !ok {
		return ErrNotFound
	}

	next, err := mutate(deepCopyDoc(doc))
	if err != nil {
		return err
	}
	t.rows[id] = deepCopyDoc(next)
	return nil
}

func (s *MemoryRowStore) Apply(ctx context.Context, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if op.Doc == nil {
			s.delete(op.Table, op.ID)
		} else {
			s.put(op.Table, op.ID, op.Doc)
		}
	}
	return nil
}

func (s *MemoryRowStore) AppendSeq(ctx context.Context, stream string, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.streams[stream]
	seq := uint64(len(entries)) + 1
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.streams[stream] = append(entries, SeqEntry{Seq: seq, Payload: cp, AppendedAt: s.clock().UTC()})
	return seq, nil
}

func (s *MemoryRowStore) ReadSeq(ctx context.Context, stream string, from uint64, limit int) ([]SeqEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.streams[stream]
	var out []SeqEntry
	for _, e := range entries {
		if e.Seq < from {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryRowStore) LastSeq(ctx context.Context, stream string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[stream])), nil
}

func matchesFilter(doc map[string]interface{}, filter Filter) bool {
	for key, want := range filter {
		got, present := doc[key]
		if want == nil {
			if present && got != nil {
				return false
			}
			continue
		}
		if !present || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares values the way JSON round-tripping would: numeric
// types compare by value so int(1) matches float64(1).
func looseEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func deepCopyDoc(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyDoc(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
