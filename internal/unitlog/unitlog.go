// Package unitlog reads the most recent journal entries of a systemd unit,
// used to explain why a container failed to come up.
package unitlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
)

// Entry is one journal line of a unit
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// String formats the entry as a single report line
func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Timestamp.UTC().Format(time.RFC3339), e.Level, e.Message)
}

// Reader tails unit logs from the local journal
type Reader struct{}

// NewReader creates a journal reader
func NewReader() *Reader {
	return &Reader{}
}

// Tail returns up to n most recent entries logged by unit, oldest first
func (r *Reader) Tail(unit string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	journal, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	if err := journal.AddMatch(sdjournal.SD_JOURNAL_FIELD_SYSTEMD_UNIT + "=" + unit); err != nil {
		return nil, fmt.Errorf("failed to add journal match: %w", err)
	}
	if err := journal.SeekTail(); err != nil {
		return nil, fmt.Errorf("failed to seek journal tail: %w", err)
	}

	entries := make([]Entry, 0, n)
	for len(entries) < n {
		moved, err := journal.Previous()
		if err != nil {
			return nil, fmt.Errorf("journal read error: %w", err)
		}
		if moved == 0 {
			break
		}

		msg, err := journal.GetDataValue(sdjournal.SD_JOURNAL_FIELD_MESSAGE)
		if err != nil {
			continue
		}
		entry := Entry{Message: msg, Level: "info"}
		if usec, err := journal.GetRealtimeUsec(); err == nil {
			entry.Timestamp = time.UnixMicro(int64(usec))
		}
		if priority, err := journal.GetDataValue(sdjournal.SD_JOURNAL_FIELD_PRIORITY); err == nil {
			entry.Level = Level(priority)
		}
		entries = append(entries, entry)
	}

	// collected newest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Level maps a syslog priority to a log level name
func Level(priority string) string {
	switch strings.TrimSpace(priority) {
	case "0", "1", "2", "3":
		return "error"
	case "4":
		return "warn"
	case "7":
		return "debug"
	default:
		return "info"
	}
}

// Lines formats entries for a feedback report
func Lines(entries []Entry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.String())
	}
	return lines
}
