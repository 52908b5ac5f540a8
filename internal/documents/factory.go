package documents

import (
	"encoding/binary"
	"fmt"
	"slices"

	"collab-relay/internal/crdt"

	"github.com/google/uuid"
)

// Constructor builds an empty adapter whose local edits use client.
type Constructor func(client crdt.ClientID) Adapter

// Factory maps document kinds to adapter constructors. Unknown kinds fall
// back to the plain file adapter.
type Factory struct {
	constructors map[string]Constructor
	fallback     string
	newClientID  func() crdt.ClientID
}

// NewFactory returns a factory knowing the file and notebook kinds.
func NewFactory() *Factory {
	f := &Factory{
		constructors: make(map[string]Constructor),
		fallback:     KindFile,
		newClientID:  randomClientID,
	}
	f.Register(KindFile, NewFile)
	f.Register(KindNotebook, NewNotebook)
	return f
}

// Register adds or replaces the constructor for kind.
func (f *Factory) Register(kind string, c Constructor) {
	f.constructors[kind] = c
}

// New builds the adapter for kind, or the fallback adapter when the kind is
// unknown. Every adapter gets a fresh replica id.
func (f *Factory) New(kind string) Adapter {
	c, ok := f.constructors[kind]
	if !ok {
		c = f.constructors[f.fallback]
	}
	return c(f.newClientID())
}

// Known reports whether kind has its own constructor.
func (f *Factory) Known(kind string) bool {
	_, ok := f.constructors[kind]
	return ok
}

// Kinds lists the registered kinds in sorted order.
func (f *Factory) Kinds() []string {
	kinds := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Validate builds one adapter of every kind and checks it honours the
// adapter contract: clean and not renderable when empty, and able to
// exchange its own state with a fresh replica.
func (f *Factory) Validate() error {
	if _, ok := f.constructors[f.fallback]; !ok {
		return fmt.Errorf("fallback kind %q is not registered", f.fallback)
	}
	for _, kind := range f.Kinds() {
		a := f.constructors[kind](f.newClientID())
		if a == nil {
			return fmt.Errorf("kind %q: constructor returned nil", kind)
		}
		if a.IsDirty() {
			return fmt.Errorf("kind %q: new document is dirty", kind)
		}
		if _, ok := a.TryMaterialize(); ok {
			return fmt.Errorf("kind %q: empty document is renderable", kind)
		}
		diff, err := a.EncodeUpdate(crdt.StateVector{}.Encode())
		if err != nil {
			return fmt.Errorf("kind %q: encode update: %w", kind, err)
		}
		if err := f.constructors[kind](f.newClientID()).Apply(diff); err != nil {
			return fmt.Errorf("kind %q: apply own update: %w", kind, err)
		}
	}
	return nil
}

// randomClientID derives a replica id from a random UUID so restarted
// servers never reuse the clocks of a previous run.
func randomClientID() crdt.ClientID {
	id := uuid.New()
	return crdt.ClientID(binary.BigEndian.Uint32(id[:4]))
}
