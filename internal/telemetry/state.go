// Package telemetry reads per-job energy logs, signs EnergyAttestation
// typed data, and submits it to the oracle contract or its HTTP API.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the submitter's durable replay and nonce-ceiling record.
// Processed maps "agent:jobId" (lower-cased) to the lastUpdated timestamp
// of the attested log. APINonces maps lower-cased signer addresses to the
// highest confirmed nonce, as a decimal string.
type State struct {
	Processed map[string]string `json:"processed"`
	APINonces map[string]string `json:"apiNonces"`
}

// StateStore loads and persists State with atomic writes. Single writer:
// the submitter loop.
type StateStore struct {
	path string

	mu    sync.Mutex
	state State
}

// LoadState reads the state file, starting empty when it does not exist.
func LoadState(path string) (*StateStore, error) {
	s := &StateStore{
		path: path,
		state: State{
			Processed: map[string]string{},
			APINonces: map[string]string{},
		},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if s.state.Processed == nil {
		s.state.Processed = map[string]string{}
	}
	if s.state.APINonces == nil {
		s.state.APINonces = map[string]string{}
	}
	return s, nil
}

// AlreadyProcessed reports whether the log keyed by key was attested at or
// after lastUpdated.
func (s *StateStore) AlreadyProcessed(key, lastUpdated string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.state.Processed[key]
	if !ok {
		return false
	}
	prevAt, err1 := time.Parse(time.RFC3339, prev)
	nextAt, err2 := time.Parse(time.RFC3339, lastUpdated)
	if err1 != nil || err2 != nil {
		// Fall back to string comparison; RFC 3339 sorts lexicographically.
		return prev >= lastUpdated
	}
	return !prevAt.Before(nextAt)
}

// MarkProcessed records a successful attestation for key.
func (s *StateStore) MarkProcessed(key, lastUpdated string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Processed[key] = lastUpdated
}

// APINonce returns the persisted nonce ceiling for an address key.
func (s *StateStore) APINonce(addrKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.APINonces[addrKey]
	return v, ok
}

// SetAPINonce persists a new nonce ceiling for an address key.
func (s *StateStore) SetAPINonce(addrKey, nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.APINonces[addrKey] = nonce
}

// Save writes the state to disk via a temp file and rename, so a crash
// mid-write never leaves a truncated file.
func (s *StateStore) Save() error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
