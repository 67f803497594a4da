package systemd

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceUnit = `[Unit]
Description=app1 container

[Service]
Type=notify
ExecStart=/usr/bin/runc run app1
ExecStartPost=/usr/bin/ota-notify app1

[Install]
WantedBy=multi-user.target
`

func TestValidateUnit(t *testing.T) {
	assert.NoError(t, ValidateUnit([]byte(serviceUnit)))

	err := ValidateUnit([]byte("[Unit]\nDescription=x\n"))
	assert.ErrorIs(t, err, ErrInvalidUnit)

	err = ValidateUnit([]byte("[Service\nExecStart=/bin/true\n"))
	assert.ErrorIs(t, err, ErrInvalidUnit)
}

func TestInstallUnit(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{
		unitsDir: filepath.Join(dir, "units"),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	src := filepath.Join(dir, "systemd.service")
	require.NoError(t, os.WriteFile(src, []byte(serviceUnit), 0o644))

	assert.False(t, m.HasUnitFile("app1.service"))
	require.NoError(t, m.InstallUnit(src, "app1.service"))
	assert.True(t, m.HasUnitFile("app1.service"))

	data, err := os.ReadFile(m.UnitPath("app1.service"))
	require.NoError(t, err)
	assert.Equal(t, serviceUnit, string(data))

	bad := filepath.Join(dir, "bad.service")
	require.NoError(t, os.WriteFile(bad, []byte("[Unit]\n"), 0o644))
	assert.ErrorIs(t, m.InstallUnit(bad, "bad.service"), ErrInvalidUnit)
	assert.False(t, m.HasUnitFile("bad.service"))

	assert.Error(t, m.InstallUnit(filepath.Join(dir, "missing"), "missing.service"))
}
