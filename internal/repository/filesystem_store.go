package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// FileStore writes documents below a base directory. Room keys are
// interpreted as paths relative to that directory, even when they start
// with a slash.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if needed
func NewFileStore(basePath string) (*FileStore, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

// resolve maps a room key to a file below basePath and rejects keys that
// would escape it.
func (s *FileStore) resolve(path string) (string, error) {
	rel := filepath.Clean("/" + filepath.FromSlash(path))
	if rel == string(filepath.Separator) {
		return "", fmt.Errorf("invalid path %q: no file name", path)
	}
	full := filepath.Join(s.basePath, rel)
	if r, err := filepath.Rel(s.basePath, full); err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", fmt.Errorf("invalid path %q: access denied", path)
	}
	return full, nil
}

// Write replaces the file atomically: the content goes to a temporary file
// in the same directory which is then renamed over the target.
func (s *FileStore) Write(ctx context.Context, path, content string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"path": path, "file_path": full})

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		log.WithError(err).Error("Failed to create parent directory")
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		log.WithError(err).Error("Failed to replace document")
		return fmt.Errorf("failed to replace document: %w", err)
	}

	log.WithField("bytes", len(content)).Debug("Document written")
	return nil
}

func (s *FileStore) Read(ctx context.Context, path string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return string(data), nil
}
