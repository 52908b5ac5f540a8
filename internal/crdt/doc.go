package crdt

import (
	"fmt"
	"slices"
)

/*
LEARNING: OPERATION-BASED CRDT

Every replica numbers its own operations 0, 1, 2, ... so "what have I seen"
collapses to one counter per replica: the state vector. Computing the diff a
peer is missing is then a filter over the op history:

  peer state vector {A: 3, B: 1}
  -> send A's ops with clock >= 3 and B's ops with clock >= 1

An update is integrated all or nothing. Its ops may come in any order, but
each one must depend only on ops the document already holds or the same
update carries, and must have a higher Lamport time than those. Every diff produced by EncodeStateAsUpdate satisfies this, so
nothing is ever parked waiting for ops that may never arrive.
*/

// maxUpdateOps bounds the number of ops a single update may carry.
const maxUpdateOps = 1 << 16

// Doc is a replicated document holding named texts and field maps.
// A Doc is not safe for concurrent use.
type Doc struct {
	client  ClientID
	lamport uint64
	sv      StateVector
	history map[ClientID][]Op
	texts   map[string]*Text
	maps    map[string]*Map
}

// NewDoc creates an empty document whose local edits are attributed to client.
func NewDoc(client ClientID) *Doc {
	return &Doc{
		client:  client,
		sv:      StateVector{},
		history: make(map[ClientID][]Op),
		texts:   make(map[string]*Text),
		maps:    make(map[string]*Map),
	}
}

// StateVector returns a copy of the integrated state.
func (d *Doc) StateVector() StateVector {
	return d.sv.Clone()
}

// Empty reports whether no operation was ever integrated.
func (d *Doc) Empty() bool {
	return len(d.sv) == 0
}

// Text returns the named text, creating it when needed.
func (d *Doc) Text(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = &Text{}
		d.texts[name] = t
	}
	return t
}

// Map returns the named field map, creating it when needed.
func (d *Doc) Map(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{fields: make(map[string]field)}
		d.maps[name] = m
	}
	return m
}

// Apply decodes an update and integrates the ops the document has not seen
// yet, returning how many were integrated. An update that is malformed or
// depends on unknown ops is rejected and leaves the document untouched.
func (d *Doc) Apply(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	ops, err := decodeUpdate(b)
	if err != nil {
		return 0, err
	}
	if len(ops) > maxUpdateOps {
		return 0, fmt.Errorf("update carries %d operations, limit is %d", len(ops), maxUpdateOps)
	}
	order, err := d.plan(ops)
	if err != nil {
		return 0, err
	}
	for _, i := range order {
		d.integrate(&ops[i])
	}
	return len(order), nil
}

type readiness int

const (
	waiting readiness = iota
	ready
	duplicate
)

// insertRun records a run of characters planned but not yet integrated.
type insertRun struct {
	target string
	length uint32
}

// plan works out an integration order for ops without touching the
// document. Duplicates are left out of the order.
//
// An op always has a higher Lamport time than everything it depends on, so
// one pass in Lamport order either finds every op ready or proves that some
// dependency is missing.
func (d *Doc) plan(ops []Op) ([]int, error) {
	next := d.sv.Clone()
	planned := make(map[ID]insertRun)
	exists := func(target string, id CharID) bool {
		if run, ok := planned[id.Op]; ok {
			return run.target == target && id.Offset < run.length
		}
		t, ok := d.texts[target]
		return ok && t.find(id) >= 0
	}

	byLamport := make([]int, len(ops))
	for i := range byLamport {
		byLamport[i] = i
	}
	slices.SortStableFunc(byLamport, func(a, b int) int {
		return compareOps(&ops[a], &ops[b])
	})

	order := make([]int, 0, len(ops))
	for _, i := range byLamport {
		op := &ops[i]
		switch readinessOf(op, next, exists) {
		case duplicate:
			continue
		case waiting:
			return nil, fmt.Errorf("operation %d:%d depends on operations this document does not have",
				op.ID.Client, op.ID.Clock)
		}
		order = append(order, i)
		next[op.ID.Client] = op.ID.Clock + 1
		if op.Kind == OpInsert {
			planned[op.ID] = insertRun{target: op.Target, length: uint32(op.span())}
		}
	}
	return order, nil
}

func readinessOf(op *Op, next StateVector, exists func(string, CharID) bool) readiness {
	want := next[op.ID.Client]
	switch {
	case op.ID.Clock < want:
		return duplicate
	case op.ID.Clock > want:
		return waiting
	}

	switch op.Kind {
	case OpInsert:
		if op.Origin != nil && !exists(op.Target, *op.Origin) {
			return waiting
		}
	case OpDelete:
		for _, id := range op.Deleted {
			if !exists(op.Target, id) {
				return waiting
			}
		}
	}
	return ready
}

func (d *Doc) integrate(op *Op) {
	switch op.Kind {
	case OpInsert:
		d.Text(op.Target).integrateInsert(op)
	case OpDelete:
		d.Text(op.Target).integrateDelete(op)
	case OpSet:
		d.Map(op.Target).integrateSet(op)
	}
	d.history[op.ID.Client] = append(d.history[op.ID.Client], *op)
	d.sv[op.ID.Client] = op.ID.Clock + 1
	if last := op.Lamport + op.span() - 1; last > d.lamport {
		d.lamport = last
	}
}

// EncodeStateAsUpdate encodes every integrated op the holder of the given
// encoded state vector has not seen, oldest first.
func (d *Doc) EncodeStateAsUpdate(encodedStateVector []byte) ([]byte, error) {
	remote, err := DecodeStateVector(encodedStateVector)
	if err != nil {
		return nil, err
	}

	var ops []Op
	for client, history := range d.history {
		from := remote[client]
		if from >= uint64(len(history)) {
			continue
		}
		ops = append(ops, history[from:]...)
	}
	slices.SortFunc(ops, func(a, b Op) int { return compareOps(&a, &b) })
	return encodeUpdate(ops)
}

// compareOps orders ops by Lamport time, then client, then clock.
func compareOps(a, b *Op) int {
	switch {
	case a.Lamport != b.Lamport:
		return cmpUint(a.Lamport, b.Lamport)
	case a.ID.Client != b.ID.Client:
		return cmpUint(uint64(a.ID.Client), uint64(b.ID.Client))
	default:
		return cmpUint(a.ID.Clock, b.ID.Clock)
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
