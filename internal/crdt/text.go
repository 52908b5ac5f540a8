package crdt

import "strings"

type char struct {
	id      CharID
	ts      stamp
	r       rune
	deleted bool
}

// Text is a replicated sequence of characters. Deleted characters stay in
// place as tombstones so later inserts can still reference them.
//
// Concurrent inserts after the same origin are ordered by descending stamp;
// every character inserted later has a higher Lamport time than its origin,
// so skipping over greater stamps skips whole subtrees.
type Text struct {
	chars   []char
	visible int
}

func (t *Text) find(id CharID) int {
	for i := range t.chars {
		if t.chars[i].id == id {
			return i
		}
	}
	return -1
}

func (t *Text) integrateInsert(op *Op) {
	pos := 0
	if op.Origin != nil {
		pos = t.find(*op.Origin) + 1
	}
	first := stamp{lamport: op.Lamport, client: op.ID.Client}
	for pos < len(t.chars) && t.chars[pos].ts.greater(first) {
		pos++
	}

	runes := []rune(op.Text)
	run := make([]char, len(runes))
	for i, r := range runes {
		run[i] = char{
			id: CharID{Op: op.ID, Offset: uint32(i)},
			ts: stamp{lamport: op.Lamport + uint64(i), client: op.ID.Client},
			r:  r,
		}
	}
	t.chars = append(t.chars[:pos], append(run, t.chars[pos:]...)...)
	t.visible += len(run)
}

func (t *Text) integrateDelete(op *Op) {
	for _, id := range op.Deleted {
		i := t.find(id)
		if i >= 0 && !t.chars[i].deleted {
			t.chars[i].deleted = true
			t.visible--
		}
	}
}

// at returns the id of the visible character at index.
func (t *Text) at(index int) (CharID, bool) {
	n := 0
	for i := range t.chars {
		if t.chars[i].deleted {
			continue
		}
		if n == index {
			return t.chars[i].id, true
		}
		n++
	}
	return CharID{}, false
}

// Len is the number of visible characters.
func (t *Text) Len() int {
	return t.visible
}

func (t *Text) String() string {
	var sb strings.Builder
	sb.Grow(t.visible)
	for i := range t.chars {
		if !t.chars[i].deleted {
			sb.WriteRune(t.chars[i].r)
		}
	}
	return sb.String()
}
