// Package prefs persists small client preferences in a YAML file.
package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type Store interface {
	Bool(key string) (value, ok bool)
	SetBool(key string, value bool) error
}

type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]bool
}

// Open loads path if it exists. A missing file yields an empty store that is
// created on the first write.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: map[string]bool{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	if s.values == nil {
		s.values = map[string]bool{}
	}
	return s, nil
}

func (s *FileStore) Bool(key string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileStore) SetBool(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value

	data, err := yaml.Marshal(s.values)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create preferences dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Memory is a Store that lives only as long as the process.
type Memory struct {
	mu     sync.Mutex
	values map[string]bool
}

func NewMemory() *Memory {
	return &Memory{values: map[string]bool{}}
}

func (m *Memory) Bool(key string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) SetBool(key string, value bool) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}
