// Package storage provides the key-value state store that survives process
// restarts. Persisted sections are the per-tab records, the retailer
// directory snapshot, and the admission flags; everything else in the
// coordinator is process-lifetime only.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// Well-known section names.
const (
	SectionRecords   = "records"
	SectionRetailers = "retailers"
	SectionAdmission = "admission"
)

const storeVersion = "1"

// Store is a section-keyed JSON store with atomic writes. Values are kept
// raw; callers decode into their own types on Get.
type Store struct {
	path string
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewStore opens (or creates) a store at path. If path is empty it defaults
// to ~/.sidecart/state.json. An existing file is loaded eagerly so a corrupt
// state file fails fast at startup.
func NewStore(path string) (*Store, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".sidecart", "state.json")
	}

	s := &Store{
		path: path,
		data: make(map[string]json.RawMessage),
	}

	if err := s.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state from %s: %w", path, err)
	}
	return s, nil
}

// Load replaces the in-memory sections with the file contents.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = make(map[string]json.RawMessage)
			return nil
		}
		return err
	}

	var file struct {
		Version  string                     `json:"version"`
		Sections map[string]json.RawMessage `json:"sections"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to decode state file: %w", err)
	}

	if file.Sections != nil {
		s.data = file.Sections
	} else {
		s.data = make(map[string]json.RawMessage)
	}
	return nil
}

// Save writes all sections to disk via a temp file and rename, so a crash
// mid-write never leaves a truncated state file.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	payload := struct {
		Version  string                     `json:"version"`
		Sections map[string]json.RawMessage `json:"sections"`
	}{Version: storeVersion, Sections: s.data}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0600); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Get decodes a section into out. The bool reports whether the section
// exists; a missing section is not an error.
func (s *Store) Get(section string, out interface{}) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[section]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to decode section %q: %w", section, err)
	}
	return true, nil
}

// Put encodes v into a section and persists immediately.
func (s *Store) Put(section string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode section %q: %w", section, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[section] = raw
	return s.saveLocked()
}

// Delete removes a section and persists immediately. Deleting a missing
// section is a no-op.
func (s *Store) Delete(section string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[section]; !ok {
		return nil
	}
	delete(s.data, section)
	return s.saveLocked()
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }
