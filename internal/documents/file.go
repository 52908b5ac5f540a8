package documents

import "collab-relay/internal/crdt"

const (
	// KindFile is a plain text file.
	KindFile = "file"

	// FileSourceText is the shared text holding the file content.
	FileSourceText = "source"
)

// File renders the shared text "source" verbatim.
type File struct {
	base
}

// NewFile creates an empty plain text document.
func NewFile(client crdt.ClientID) Adapter {
	return &File{base: newBase(client)}
}

func (f *File) Kind() string {
	return KindFile
}

func (f *File) TryMaterialize() (string, bool) {
	if f.doc.Empty() {
		return "", false
	}
	return f.doc.Text(FileSourceText).String(), true
}

func (f *File) SetSource(source string) ([]byte, error) {
	update, err := f.doc.Transact(func(tx *crdt.Txn) error {
		return tx.Replace(FileSourceText, source)
	})
	if err != nil {
		return nil, err
	}
	if update != nil {
		f.touch()
	}
	return update, nil
}
