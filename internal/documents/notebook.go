package documents

import (
	"bytes"
	"encoding/json"
	"fmt"

	"collab-relay/internal/crdt"
)

const (
	// KindNotebook is a structured notebook rendered as pretty-printed JSON.
	KindNotebook = "notebook"

	// NotebookFields is the shared field map holding the notebook parts.
	NotebookFields = "notebook"
)

// Keys of the notebook field map.
const (
	FieldCells         = "cells"
	FieldMetadata      = "metadata"
	FieldNBFormat      = "nbformat"
	FieldNBFormatMinor = "nbformat_minor"
)

// notebookSource is the on-disk layout, fields in the order they are written.
type notebookSource struct {
	Cells         []map[string]any `json:"cells"`
	Metadata      map[string]any   `json:"metadata"`
	NBFormat      int              `json:"nbformat"`
	NBFormatMinor int              `json:"nbformat_minor"`
}

// Notebook renders its field map as an nbformat document.
type Notebook struct {
	base
}

// NewNotebook creates an empty notebook document.
func NewNotebook(client crdt.ClientID) Adapter {
	return &Notebook{base: newBase(client)}
}

func (n *Notebook) Kind() string {
	return KindNotebook
}

// TryMaterialize needs at least the cells and the format version.
// Cell ids are stripped for nbformat 4.0 to 4.4, which predate them.
func (n *Notebook) TryMaterialize() (string, bool) {
	m := n.doc.Map(NotebookFields)

	var nb notebookSource
	if ok, err := m.Unmarshal(FieldNBFormat, &nb.NBFormat); !ok || err != nil {
		return "", false
	}
	if ok, err := m.Unmarshal(FieldCells, &nb.Cells); !ok || err != nil {
		return "", false
	}
	if _, err := m.Unmarshal(FieldNBFormatMinor, &nb.NBFormatMinor); err != nil {
		return "", false
	}
	if _, err := m.Unmarshal(FieldMetadata, &nb.Metadata); err != nil {
		return "", false
	}
	if nb.Cells == nil {
		nb.Cells = []map[string]any{}
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]any{}
	}

	if nb.NBFormat == 4 && nb.NBFormatMinor <= 4 {
		for _, cell := range nb.Cells {
			delete(cell, "id")
		}
	}

	// Whole numbers decoded as float64 are written back without a fraction.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&nb); err != nil {
		return "", false
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), true
}

// SetSource loads a serialized notebook.
func (n *Notebook) SetSource(source string) ([]byte, error) {
	var nb notebookSource
	if err := json.Unmarshal([]byte(source), &nb); err != nil {
		return nil, fmt.Errorf("invalid notebook: %w", err)
	}
	if nb.Cells == nil {
		nb.Cells = []map[string]any{}
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]any{}
	}

	update, err := n.doc.Transact(func(tx *crdt.Txn) error {
		if err := tx.Set(NotebookFields, FieldCells, nb.Cells); err != nil {
			return err
		}
		if err := tx.Set(NotebookFields, FieldMetadata, nb.Metadata); err != nil {
			return err
		}
		if err := tx.Set(NotebookFields, FieldNBFormat, nb.NBFormat); err != nil {
			return err
		}
		return tx.Set(NotebookFields, FieldNBFormatMinor, nb.NBFormatMinor)
	})
	if err != nil {
		return nil, err
	}
	n.touch()
	return update, nil
}
