package unitlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, "error", Level("2"))
	assert.Equal(t, "error", Level("3"))
	assert.Equal(t, "warn", Level("4"))
	assert.Equal(t, "info", Level("6"))
	assert.Equal(t, "debug", Level("7"))
	assert.Equal(t, "info", Level(""))
}

func TestLines(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	lines := Lines([]Entry{
		{Timestamp: ts, Level: "error", Message: "bind: address in use"},
		{Timestamp: ts.Add(time.Second), Level: "info", Message: "exiting"},
	})
	assert.Equal(t, []string{
		"2024-03-01T12:00:00Z [error] bind: address in use",
		"2024-03-01T12:00:01Z [info] exiting",
	}, lines)
}

func TestTailZero(t *testing.T) {
	entries, err := NewReader().Tail("app1.service", 0)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
