package documents

import (
	"fmt"

	"collab-relay/internal/crdt"
)

// Adapter wraps the CRDT document of one room. Every kind exposes the same
// capability set; what differs is how the replicated state renders to a
// source file.
//
// An Adapter is owned by a single room and is not safe for concurrent use.
type Adapter interface {
	// Kind is the document kind this adapter renders.
	Kind() string

	// Apply integrates an encoded update. A malformed update returns an
	// error and leaves the document unchanged.
	Apply(update []byte) error

	// EncodeUpdate returns everything the holder of stateVector is missing.
	EncodeUpdate(stateVector []byte) ([]byte, error)

	// StateVector encodes what this document has integrated.
	StateVector() []byte

	// TryMaterialize renders the current state as a source file. It reports
	// false while the document is not renderable yet, e.g. before any
	// content was set.
	TryMaterialize() (string, bool)

	// SetSource replaces the content with source as a local edit and
	// returns the update describing it.
	SetSource(source string) ([]byte, error)

	// Version counts the changes integrated so far. A save that started at
	// one version only clears the dirty flag if no change landed since.
	Version() uint64

	IsDirty() bool
	ClearDirty()
}

// base carries the state shared by every adapter kind.
type base struct {
	doc     *crdt.Doc
	dirty   bool
	version uint64
}

func newBase(client crdt.ClientID) base {
	return base{doc: crdt.NewDoc(client)}
}

func (b *base) Apply(update []byte) error {
	n, err := b.doc.Apply(update)
	if err != nil {
		return err
	}
	if n > 0 {
		b.touch()
	}
	return nil
}

func (b *base) touch() {
	b.dirty = true
	b.version++
}

func (b *base) Version() uint64 {
	return b.version
}

func (b *base) EncodeUpdate(stateVector []byte) ([]byte, error) {
	diff, err := b.doc.EncodeStateAsUpdate(stateVector)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state as update: %w", err)
	}
	return diff, nil
}

func (b *base) StateVector() []byte {
	return b.doc.StateVector().Encode()
}

func (b *base) IsDirty() bool {
	return b.dirty
}

func (b *base) ClearDirty() {
	b.dirty = false
}
