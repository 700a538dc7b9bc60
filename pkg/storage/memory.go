package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is the in-process KV adaptor used by tests and single-node
// deployments. All operations are linearized under one mutex; conditional
// semantics match the SQL adaptors exactly.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]Record)}
}

func (m *MemoryStore) table(name string) map[string]Record {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]Record)
		m.tables[name] = t
	}
	return t
}

func cloneRecord(r Record) Record {
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	attrs := make(map[string]string, len(r.Attrs))
	for k, v := range r.Attrs {
		attrs[k] = v
	}
	return Record{Key: r.Key, Body: body, Attrs: attrs, Version: r.Version}
}

// PutIfAbsent implements KV.
func (m *MemoryStore) PutIfAbsent(_ context.Context, table string, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	if _, exists := t[rec.Key]; exists {
		return false, nil
	}
	rec.Version = 1
	t[rec.Key] = cloneRecord(rec)
	return true, nil
}

// Get implements KV.
func (m *MemoryStore) Get(_ context.Context, table, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.table(table)[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// QueryByAttr implements KV.
func (m *MemoryStore) QueryByAttr(_ context.Context, table, attr, value string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.table(table) {
		if rec.Attrs[attr] == value {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return truncateRecords(out, limit), nil
}

// QueryRange implements KV.
func (m *MemoryStore) QueryRange(_ context.Context, table string, eq map[string]string, rangeAttr, from, to string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.table(table) {
		if !attrsMatch(rec.Attrs, eq) {
			continue
		}
		v, ok := rec.Attrs[rangeAttr]
		if !ok {
			continue
		}
		// Inclusive start, exclusive end.
		if strings.Compare(v, from) >= 0 && strings.Compare(v, to) < 0 {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return truncateRecords(out, limit), nil
}

// UpdateVersioned implements KV.
func (m *MemoryStore) UpdateVersioned(_ context.Context, table, key string, expect int64, body []byte, attrs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	rec, ok := t[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != expect {
		return ErrVersionConflict
	}
	t[key] = cloneRecord(Record{Key: key, Body: body, Attrs: attrs, Version: expect + 1})
	return nil
}

func attrsMatch(attrs, eq map[string]string) bool {
	for k, v := range eq {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

// sortRecords orders by key so query results are deterministic regardless of
// map iteration order.
func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}

func truncateRecords(recs []Record, limit int) []Record {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
