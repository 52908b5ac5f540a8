package crdt

import "encoding/json"

type field struct {
	value []byte
	ts    stamp
}

// Map is a last-writer-wins map of JSON values.
type Map struct {
	fields map[string]field
}

func (m *Map) integrateSet(op *Op) {
	ts := stamp{lamport: op.Lamport, client: op.ID.Client}
	if cur, ok := m.fields[op.Key]; ok && !ts.greater(cur.ts) {
		return
	}
	m.fields[op.Key] = field{value: op.Value, ts: ts}
}

// Get returns the raw JSON value stored under key.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	f, ok := m.fields[key]
	if !ok {
		return nil, false
	}
	return json.RawMessage(f.value), true
}

// Unmarshal decodes the value stored under key into v.
func (m *Map) Unmarshal(key string, v any) (bool, error) {
	raw, ok := m.Get(key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}
