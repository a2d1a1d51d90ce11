package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the trading configuration as a single JSON file. Writes
// use atomic file replacement (write to .tmp, then rename) so the file is
// never left in a partial state. All operations are mutex-protected.
type Store struct {
	path string
	mu   sync.Mutex
}

// OpenStore binds a store to dir/config.json, creating the directory and
// seeding the default config when the file does not exist yet.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	s := &Store{path: filepath.Join(dir, "config.json")}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		raw, err := toMap(DefaultFile())
		if err != nil {
			return nil, err
		}
		if err := s.writeLocked(raw); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return s, nil
}

// Load reads and decodes the typed configuration.
func (s *Store) Load() (File, error) {
	raw, err := s.Read()
	if err != nil {
		return File{}, err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return File{}, fmt.Errorf("encode config: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("decode config: %w", err)
	}
	return f, nil
}

// Read returns the raw configuration document.
func (s *Store) Read() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw, nil
}

// Write replaces the whole document.
func (s *Store) Write(raw map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(raw)
}

// Update deep-merges patch into the current document and persists the
// result. Nested objects merge key by key; everything else is replaced.
// The lock is held across the read-merge-write cycle, so concurrent
// updates serialize and none is lost.
func (s *Store) Update(patch map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	merged := deepMerge(current, patch)
	if err := s.writeLocked(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) writeLocked(raw map[string]any) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func toMap(f File) (map[string]any, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode default config: %w", err)
	}
	return raw, nil
}

func deepMerge(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		pv, pok := v.(map[string]any)
		bv, bok := merged[k].(map[string]any)
		if pok && bok {
			merged[k] = deepMerge(bv, pv)
			continue
		}
		merged[k] = v
	}
	return merged
}
