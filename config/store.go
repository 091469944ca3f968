package config

import (
	"fmt"
	"sync/atomic"
)

// Store holds the process-wide configuration snapshot. Readers call Current
// and get an immutable Config; Reload swaps in a new snapshot atomically so
// readers never observe a half-applied configuration.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore loads the initial snapshot from the given dotenv path (may be
// empty) and the environment.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Reload re-reads the file and environment and swaps the snapshot. On
// error the previous snapshot stays active.
func (s *Store) Reload() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload configuration: %w", err)
	}
	s.current.Store(cfg)
	return cfg, nil
}
