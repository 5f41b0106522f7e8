// Package blob stores raw file contents on the local filesystem, addressed
// by sanitized filename. It never inspects the bytes it holds.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Store is a filesystem-backed content store rooted at a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save writes content to a blob named name and returns the number of bytes
// written. An existing blob with the same name is replaced.
func (s *Store) Save(name string, content io.Reader) (int64, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	path := s.path(name)
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create blob: %w", err)
	}
	defer file.Close()

	size, err := io.Copy(file, content)
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write blob content: %w", err)
	}
	return size, nil
}

// Open returns a reader over the blob's content.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	file, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", name)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return file, nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Exists reports whether a blob with the given name is present.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// SizeOf returns the blob's size in bytes.
func (s *Store) SizeOf(name string) (int64, error) {
	info, err := os.Stat(s.path(name))
	if err != nil {
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), nil
}

// ModTime returns the blob's last modification time.
func (s *Store) ModTime(name string) (time.Time, error) {
	info, err := os.Stat(s.path(name))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.ModTime(), nil
}

// List returns the names of all blobs in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read blob directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// path confines name to the store directory. Names are sanitized upstream;
// taking the base is a second line of defense against traversal.
func (s *Store) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}
