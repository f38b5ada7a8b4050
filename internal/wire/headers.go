package wire

import "iter"

// Header is a single header field as delivered by the proxy.
type Header struct {
	Name  string
	Value string
}

// HeaderMap is a string to string mapping with unique keys that remembers
// insertion order. Order carries no meaning for the authorization service
// but is kept so encoded payloads mirror what the proxy saw.
type HeaderMap struct {
	keys   []string
	values map[string]string
}

// NewHeaderMap creates an empty map with room for n entries.
func NewHeaderMap(n int) *HeaderMap {
	return &HeaderMap{
		keys:   make([]string, 0, n),
		values: make(map[string]string, n),
	}
}

// HeaderMapOf builds a map from alternating key, value pairs.
// It is mostly useful in tests.
func HeaderMapOf(kv ...string) *HeaderMap {
	m := NewHeaderMap(len(kv) / 2)
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

// Set inserts or overwrites key. Overwriting keeps the original position.
func (m *HeaderMap) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m *HeaderMap) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of entries. A nil map is empty.
func (m *HeaderMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// All iterates entries in insertion order.
func (m *HeaderMap) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if m == nil {
			return
		}
		for _, k := range m.keys {
			if !yield(k, m.values[k]) {
				return
			}
		}
	}
}

// Keys returns the keys in insertion order.
func (m *HeaderMap) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Map returns a plain Go map copy.
func (m *HeaderMap) Map() map[string]string {
	out := make(map[string]string, m.Len())
	for k, v := range m.All() {
		out[k] = v
	}
	return out
}
