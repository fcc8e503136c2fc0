package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store persists server descriptors.
type Store interface {
	Load(ctx context.Context) ([]*Descriptor, error)
	Save(ctx context.Context, servers []*Descriptor) error
}

// registryFile is the on-disk layout.
type registryFile struct {
	Servers []*Descriptor `yaml:"servers"`
}

// FileStore persists descriptors as YAML. Writes go through a temp file and
// rename so a crash mid-write never corrupts the registry, and the file is
// created 0600 because it carries tokens.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the registry file. A missing file is an empty registry, not an
// error.
func (s *FileStore) Load(_ context.Context) ([]*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading registry %s: %w", s.path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", s.path, err)
	}
	return file.Servers, nil
}

// Save writes the registry file atomically.
func (s *FileStore) Save(_ context.Context, servers []*Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(registryFile{Servers: servers})
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating registry directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting registry permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing registry file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing registry %s: %w", s.path, err)
	}
	return nil
}

// MemoryStore keeps descriptors in memory, for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	servers []*Descriptor
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) ([]*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Descriptor, len(s.servers))
	for i, d := range s.servers {
		out[i] = d.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, servers []*Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = make([]*Descriptor, len(servers))
	for i, d := range servers {
		s.servers[i] = d.Clone()
	}
	return nil
}
