package config

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore reads and writes a single YAML document mapping service name to
// property map. It is meant for running the tooling locally; a single-writer
// process discipline is assumed.
type FileStore struct {
	path string

	mu    sync.Mutex
	cache map[string]*DbConfig
}

// NewFileStore loads the document at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", s.path, err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", s.path, err)
	}
	cache := make(map[string]*DbConfig, len(doc))
	for name, props := range doc {
		cache[name] = NewDbConfig(name, props)
	}
	s.cache = cache
	return nil
}

// Keys returns the known service names, sorted.
func (s *FileStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the config for a service.
func (s *FileStore) Get(service string) (*DbConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cache[service]
	if !ok {
		return nil, fmt.Errorf("%q: %w", service, ErrNotFound)
	}
	return cfg, nil
}

// Save re-reads the file, merges patch into the service entry, and rewrites
// the whole document. The merge is atomic per call under the store's lock.
func (s *FileStore) Save(service string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", s.path, err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", s.path, err)
	}
	props, ok := doc[service]
	if !ok {
		return fmt.Errorf("%q: %w", service, ErrNotFound)
	}
	for k, v := range patch {
		props[k] = v
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o644); err != nil {
		return fmt.Errorf("failed to update %s: %w", s.path, err)
	}

	cache := make(map[string]*DbConfig, len(doc))
	for name, p := range doc {
		cache[name] = NewDbConfig(name, p)
	}
	s.cache = cache
	return nil
}
