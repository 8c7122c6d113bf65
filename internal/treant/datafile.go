package treant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoData is returned when loading or deleting a payload that was
// never stored.
var ErrNoData = errors.New("no such data payload")

// DataStore is the capability contract the catalog consumes from the
// payload storage collaborator. Payload serialization is opaque to this
// module; payloads are stored and returned as raw bytes.
type DataStore interface {
	// Store persists payload under name and returns the path it was
	// written to.
	Store(name string, payload []byte) (string, error)

	// Load returns the payload stored under name.
	Load(name string) ([]byte, error)

	// Delete removes the payload stored under name.
	Delete(name string) error
}

// LocalDataStore keeps payloads as files under a treant's directory,
// one subdirectory per payload name. Writes go through a temp file and
// rename so readers never observe a partial payload.
type LocalDataStore struct {
	root string
}

// dataFilename is the leaf file holding a payload inside its named
// subdirectory.
const dataFilename = "data"

// NewLocalDataStore creates a payload store rooted at dir.
func NewLocalDataStore(dir string) *LocalDataStore {
	return &LocalDataStore{root: dir}
}

func (s *LocalDataStore) payloadPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("payload name cannot be empty")
	}
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("payload name %q escapes the treant directory", name)
	}
	return filepath.Join(s.root, clean, dataFilename), nil
}

// Store implements DataStore.
func (s *LocalDataStore) Store(name string, payload []byte) (string, error) {
	path, err := s.payloadPath(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create payload directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".data-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp payload file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close temp payload file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize payload: %w", err)
	}
	return path, nil
}

// Load implements DataStore.
func (s *LocalDataStore) Load(name string) ([]byte, error) {
	path, err := s.payloadPath(name)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNoData, name)
		}
		return nil, fmt.Errorf("failed to load payload %q: %w", name, err)
	}
	return payload, nil
}

// Delete implements DataStore. Deleting removes the payload's
// subdirectory entirely.
func (s *LocalDataStore) Delete(name string) error {
	path, err := s.payloadPath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %q", ErrNoData, name)
		}
		return err
	}
	return os.RemoveAll(filepath.Dir(path))
}

// List returns the names of all stored payloads, sorted.
func (s *LocalDataStore) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if entry.IsDir() || entry.Name() != dataFilename {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, filepath.Dir(path))
		if rerr != nil {
			return nil
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list payloads: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
