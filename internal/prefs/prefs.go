// Package prefs persists the client's own settings: the display name shown
// while the user is composing input and the auth token attached to every
// outbound frame. They live in a small YAML key-value file next to the
// config.
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

// DefaultDisplayName is used until the user picks a name.
const DefaultDisplayName = "User"

// file is the on-disk shape.
type file struct {
	DisplayName string `yaml:"display_name"`
	Token       string `yaml:"token"`
}

// Store holds the preferences in memory and writes them back on [Store.Save].
//
// All methods are safe for concurrent use.
type Store struct {
	path string

	mu   sync.RWMutex
	data file
}

// Load reads the preferences at path. A missing file is not an error: the
// returned Store holds the defaults and Save creates the file.
func Load(path string) (*Store, error) {
	s := &Store{path: path, data: file{DisplayName: DefaultDisplayName}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefs: read %q: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("prefs: parse %q: %w", path, err)
	}
	if f.DisplayName != "" {
		s.data.DisplayName = f.DisplayName
	}
	s.data.Token = f.Token
	return s, nil
}

// Path returns the file the store was loaded from.
func (s *Store) Path() string { return s.path }

// DisplayName returns the user's display name.
func (s *Store) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DisplayName
}

// Token returns the auth token, empty when none has been issued.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Token
}

// SetDisplayName changes the display name. An empty name restores the
// default.
func (s *Store) SetDisplayName(name string) {
	if name == "" {
		name = DefaultDisplayName
	}
	s.mu.Lock()
	s.data.DisplayName = name
	s.mu.Unlock()
}

// SetToken replaces the auth token.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.data.Token = token
	s.mu.Unlock()
}

// Save writes the preferences to disk. The file is replaced atomically and
// readable only by the owner, since it holds the token.
func (s *Store) Save() error {
	s.mu.RLock()
	raw, err := yaml.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("prefs: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prefs: create %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".prefs-*")
	if err != nil {
		return fmt.Errorf("prefs: save: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: save: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("prefs: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("prefs: save: %w", err)
	}
	return nil
}
