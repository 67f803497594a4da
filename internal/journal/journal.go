// Package journal keeps the single record that carries an OS action across
// the reboot that activates it. The record is written right before the
// reboot and consumed the next time an OS chunk is processed.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ota-agent/internal/ddi"
)

// Record is the feedback that will be sent once the next boot confirms
// what is actually running.
type Record struct {
	ActionID  string        `json:"action_id"`
	Execution ddi.Execution `json:"status_execution"`
	Result    ddi.Result    `json:"status_result"`
	Msg       string        `json:"msg"`
}

// Feedback converts the record into the report sent to the server
func (r *Record) Feedback() ddi.Feedback {
	return ddi.Feedback{
		Execution: r.Execution,
		Result:    r.Result,
		Details:   []string{r.Msg},
	}
}

// Journal is a file-backed single record store
type Journal struct {
	path string
}

// New creates a journal stored at path. The parent directory is created if needed.
func New(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reboot journal directory: %w", err)
	}
	return &Journal{path: path}, nil
}

// Path returns the location of the record file
func (j *Journal) Path() string {
	return j.path
}

// Write replaces the record. The file is written to a temporary sibling,
// synced and renamed so a reboot never leaves a partial record behind.
func (j *Journal) Write(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode reboot record: %w", err)
	}

	tmp := j.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create reboot record: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write reboot record: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync reboot record: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close reboot record: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install reboot record: %w", err)
	}

	// persist the rename itself
	if dir, err := os.Open(filepath.Dir(j.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Read returns the stored record, or nil when there is none
func (j *Journal) Read() (*Record, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reboot record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode reboot record %s: %w", j.path, err)
	}
	return &rec, nil
}

// Remove deletes the record. Removing a missing record is not an error.
func (j *Journal) Remove() error {
	if err := os.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove reboot record: %w", err)
	}
	return nil
}
