package config

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNotInitialized = errors.New("config: startup configuration not initialized")

// Source is the host-provided origin of the startup configuration.
type Source interface {
	Load() (*Config, error)
}

// FileSource loads a YAML file.
type FileSource struct {
	Path string
}

func (s FileSource) Load() (*Config, error) {
	return Load(s.Path)
}

// BytesSource parses an in-memory YAML document.
type BytesSource []byte

func (s BytesSource) Load() (*Config, error) {
	return Parse(s)
}

// StaticSource hands over an already built configuration.
type StaticSource struct {
	Config *Config
}

func (s StaticSource) Load() (*Config, error) {
	if s.Config == nil {
		return nil, &ConfigError{Field: "source", Reason: "nil configuration"}
	}
	cfg := s.Config.Clone()
	cfg.ApplyDefaults()
	return cfg, nil
}

// Store holds the write-once startup configuration. The zero value is ready
// to use.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewStore() *Store {
	return &Store{}
}

// Initialize loads and validates the configuration exactly once. Calls after a
// successful initialization are no-ops. A failed call retains nothing.
func (s *Store) Initialize(src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg != nil {
		return nil
	}
	if src == nil {
		return &ConfigError{Field: "source", Reason: "no configuration source"}
	}

	cfg, err := src.Load()
	if err != nil {
		return fmt.Errorf("load startup config: %w", err)
	}
	if cfg == nil {
		return &ConfigError{Field: "source", Reason: "empty configuration"}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.cfg = cfg.Clone()
	return nil
}

func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg != nil
}

// StartupConfig returns a copy of the tunnel address and rules. Mutating the
// result never affects the store.
func (s *Store) StartupConfig() (StartupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return StartupConfig{}, ErrNotInitialized
	}
	return s.cfg.StartupConfig(), nil
}

// Config returns a copy of the full configuration.
func (s *Store) Config() (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, ErrNotInitialized
	}
	return s.cfg.Clone(), nil
}
