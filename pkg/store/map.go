package store

import "sort"

// Map is a key-ordered string map backed by the store. Entries are
// loaded from the map's current root when the map is opened and are
// written back as fresh leaf/node pages on the next commit.
type Map struct {
	store        *Store
	name         string
	id           int
	entries      map[string]string
	dirty        bool
	singleWriter bool
}

// MapOption configures how a map is opened.
type MapOption func(*Map)

// SingleWriter marks the map as written by at most one writer. The
// flag is recorded with the map and must match between the source and
// target of a compaction copy.
func SingleWriter() MapOption {
	return func(m *Map) { m.singleWriter = true }
}

// Name returns the map's registered name. The meta map has no name.
func (m *Map) Name() string { return m.name }

// ID returns the map id. The meta map is id 0.
func (m *Map) ID() int { return m.id }

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// IsSingleWriter reports whether the map was opened in single-writer
// mode.
func (m *Map) IsSingleWriter() bool { return m.singleWriter }

// Get returns the value stored for key.
func (m *Map) Get(key string) (string, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Set stores a value. On a writable store this may trigger an
// automatic commit if the auto-commit delay has elapsed.
func (m *Map) Set(key, value string) {
	if old, ok := m.entries[key]; ok && old == value {
		return
	}
	m.entries[key] = value
	m.dirty = true
	m.store.maybeAutoCommit()
}

// Delete removes a key.
func (m *Map) Delete(key string) {
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	m.dirty = true
	m.store.maybeAutoCommit()
}

// Keys returns all keys in ascending order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
