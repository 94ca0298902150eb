package store

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/logging"
)

// Store is the durable view of the managed set. The engine needs
// atomic single-row upsert and a consistent-read listing, nothing more.
type Store interface {
	Upsert(c container.Managed) error
	Delete(name string) error
	List() ([]container.Managed, error)
}

// stateDocument is the on-disk shape of the managed set.
type stateDocument struct {
	Containers []container.Managed `yaml:"containers"`
}

// FileStore persists the managed set as a single YAML document,
// rewritten atomically (temp file + rename) on every mutation. At
// home-lab scale the set is small enough that whole-file rewrite is the
// simple, correct choice.
type FileStore struct {
	path   string
	mutex  sync.Mutex
	rows   map[string]container.Managed
	logger logging.Logger
}

// OpenFileStore loads the state file, creating the parent directory if
// needed. A missing file is an empty managed set, not an error.
func OpenFileStore(path string, logger logging.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.NewValidationError("state file path cannot be empty", nil)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewIOError("failed to create state directory", err).WithContext("path", path)
	}

	store := &FileStore{
		path:   path,
		rows:   make(map[string]container.Managed),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Infof("No state file found, starting with an empty managed set, path: %s", path)
			return store, nil
		}
		return nil, errors.NewIOError("failed to read state file", err).WithContext("path", path)
	}

	var doc stateDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewIOError("failed to parse state file", err).WithContext("path", path)
	}

	for _, row := range doc.Containers {
		store.rows[row.Name] = row
	}
	logger.Infof("Loaded %d managed containers from state file, path: %s", len(store.rows), path)
	return store, nil
}

func (s *FileStore) Upsert(c container.Managed) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.rows[c.Name] = c
	return s.flushLocked()
}

func (s *FileStore) Delete(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.rows[name]; !exists {
		return nil
	}
	delete(s.rows, name)
	return s.flushLocked()
}

func (s *FileStore) List() ([]container.Managed, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.sortedRowsLocked(), nil
}

func (s *FileStore) flushLocked() error {
	doc := stateDocument{Containers: s.sortedRowsLocked()}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return errors.NewInternalError("failed to marshal state", err)
	}

	// Write-then-rename keeps the state file whole under crashes.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewIOError("failed to write state file", err).WithContext("path", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.NewIOError("failed to replace state file", err).WithContext("path", s.path)
	}
	return nil
}

func (s *FileStore) sortedRowsLocked() []container.Managed {
	rows := make([]container.Managed, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows
}
