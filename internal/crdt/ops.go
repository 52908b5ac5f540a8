package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// OpKind selects what an operation does.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1 // insert a run of characters into a text
	OpDelete                   // tombstone characters of a text
	OpSet                      // assign a key of a field map
)

// ID names an operation: the replica that created it and its clock there.
type ID struct {
	Client ClientID `msgpack:"c"`
	Clock  uint64   `msgpack:"k"`
}

// CharID names one character: the insert operation and the rune offset in
// its run.
type CharID struct {
	Op     ID     `msgpack:"i"`
	Offset uint32 `msgpack:"o"`
}

// Op is one integrated change. Ops of a replica are applied strictly in
// clock order.
type Op struct {
	ID      ID     `msgpack:"id"`
	Lamport uint64 `msgpack:"l"`
	Kind    OpKind `msgpack:"t"`
	Target  string `msgpack:"n"` // name of the text or field map

	// OpInsert
	Origin *CharID `msgpack:"a,omitempty"` // left neighbour, nil for the start
	Text   string  `msgpack:"s,omitempty"`

	// OpDelete
	Deleted []CharID `msgpack:"d,omitempty"`

	// OpSet
	Key   string `msgpack:"key,omitempty"`
	Value []byte `msgpack:"v,omitempty"` // JSON encoded
}

// span is the number of Lamport ticks the op consumes.
func (op *Op) span() uint64 {
	if op.Kind == OpInsert {
		return uint64(len([]rune(op.Text)))
	}
	return 1
}

func (op *Op) validate() error {
	if op.Target == "" {
		return errors.New("op without target")
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return errors.New("insert without text")
		}
	case OpDelete:
		if len(op.Deleted) == 0 {
			return errors.New("delete without targets")
		}
	case OpSet:
		if op.Key == "" {
			return errors.New("set without key")
		}
		if !json.Valid(op.Value) {
			return errors.New("set with invalid JSON value")
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

// update is the wire representation of a batch of ops.
type update struct {
	Ops []Op `msgpack:"ops"`
}

func encodeUpdate(ops []Op) ([]byte, error) {
	b, err := msgpack.Marshal(&update{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("failed to encode update: %w", err)
	}
	return b, nil
}

func decodeUpdate(b []byte) ([]Op, error) {
	var u update
	if err := msgpack.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("failed to decode update: %w", err)
	}
	for i := range u.Ops {
		if err := u.Ops[i].validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}
	return u.Ops, nil
}

// stamp orders characters and field assignments: higher Lamport wins, ties
// broken by client.
type stamp struct {
	lamport uint64
	client  ClientID
}

func (a stamp) greater(b stamp) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.client > b.client
}
