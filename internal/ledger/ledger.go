// Package ledger records, per container, the last revision confirmed healthy.
// It is the rollback target when a later update of that container fails.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Ledger is a JSON file mapping container name to revision. Updates merge
// into the existing content. The read-modify-write is serialized in process
// but is not crash-atomic: a crash in between may lose the latest entry.
type Ledger struct {
	path string
	mu   sync.RWMutex
}

// New creates a ledger stored at path. The parent directory is created if needed.
func New(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create revision ledger directory: %w", err)
	}
	return &Ledger{path: path}, nil
}

// Get returns the last healthy revision of a container
func (l *Ledger) Get(name string) (string, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := l.load()
	if err != nil {
		return "", false, err
	}
	rev, ok := entries[name]
	return rev, ok, nil
}

// Set records rev as the healthy revision of a container
func (l *Ledger) Set(name, rev string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return err
	}
	entries[name] = rev

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode revision ledger: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write revision ledger: %w", err)
	}
	return nil
}

// All returns a copy of every entry
func (l *Ledger) All() (map[string]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.load()
}

// load reads the file, treating a missing file as empty (assumes mu is held)
func (l *Ledger) load() (map[string]string, error) {
	entries := make(map[string]string)

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to read revision ledger: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode revision ledger %s: %w", l.path, err)
	}
	return entries, nil
}
