package crdt

import (
	"encoding/json"
	"fmt"
)

// Txn collects local edits made inside Doc.Transact.
type Txn struct {
	doc *Doc
	ops []Op
}

// Transact runs fn and returns the update encoding every op it produced, or
// nil when fn made no change. Ops produced before fn fails stay integrated.
func (d *Doc) Transact(fn func(tx *Txn) error) ([]byte, error) {
	tx := &Txn{doc: d}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if len(tx.ops) == 0 {
		return nil, nil
	}
	return encodeUpdate(tx.ops)
}

func (tx *Txn) local(op Op) {
	d := tx.doc
	op.ID = ID{Client: d.client, Clock: d.sv[d.client]}
	op.Lamport = d.lamport + 1
	d.integrate(&op)
	tx.ops = append(tx.ops, op)
}

// Insert inserts s into the named text before the visible character at index.
func (tx *Txn) Insert(text string, index int, s string) error {
	if s == "" {
		return nil
	}
	t := tx.doc.Text(text)
	if index < 0 || index > t.Len() {
		return fmt.Errorf("insert index %d out of range [0, %d]", index, t.Len())
	}
	op := Op{Kind: OpInsert, Target: text, Text: s}
	if index > 0 {
		origin, _ := t.at(index - 1)
		op.Origin = &origin
	}
	tx.local(op)
	return nil
}

// Delete removes length visible characters of the named text starting at index.
func (tx *Txn) Delete(text string, index, length int) error {
	if length == 0 {
		return nil
	}
	t := tx.doc.Text(text)
	if index < 0 || length < 0 || index+length > t.Len() {
		return fmt.Errorf("delete range [%d, %d) out of range [0, %d)", index, index+length, t.Len())
	}
	deleted := make([]CharID, 0, length)
	for i := index; i < index+length; i++ {
		id, _ := t.at(i)
		deleted = append(deleted, id)
	}
	tx.local(Op{Kind: OpDelete, Target: text, Deleted: deleted})
	return nil
}

// Replace swaps the whole content of the named text for s.
func (tx *Txn) Replace(text string, s string) error {
	if err := tx.Delete(text, 0, tx.doc.Text(text).Len()); err != nil {
		return err
	}
	return tx.Insert(text, 0, s)
}

// Set assigns key of the named field map to the JSON encoding of value.
func (tx *Txn) Set(mapName, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s.%s: %w", mapName, key, err)
	}
	tx.local(Op{Kind: OpSet, Target: mapName, Key: key, Value: raw})
	return nil
}
