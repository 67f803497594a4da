package systemd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/unit"
)

// ErrInvalidUnit is returned for unit files systemd would not accept
var ErrInvalidUnit = errors.New("invalid unit file")

// UnitState is the runtime state of a unit
type UnitState struct {
	Name        string `json:"name"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}

// ServiceResult is what systemd recorded about a service's last run
type ServiceResult struct {
	Result         string `json:"result"`
	ExecMainCode   int    `json:"exec_main_code"`
	ExecMainStatus int    `json:"exec_main_status"`
}

// ValidateUnit checks that data parses as a unit with a [Service] section
func ValidateUnit(data []byte) error {
	options, err := unit.DeserializeOptions(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}
	for _, opt := range options {
		if opt.Section == "Service" {
			return nil
		}
	}
	return fmt.Errorf("%w: no [Service] section", ErrInvalidUnit)
}

// UnitPath returns where the unit file of name is installed
func (m *Manager) UnitPath(name string) string {
	return filepath.Join(m.unitsDir, name)
}

// HasUnitFile reports whether the unit file is installed
func (m *Manager) HasUnitFile(name string) bool {
	_, err := os.Stat(m.UnitPath(name))
	return err == nil
}

// InstallUnit validates the unit file at src and copies it into the units directory
func (m *Manager) InstallUnit(src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read unit file: %w", err)
	}
	if err := ValidateUnit(data); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	if err := os.MkdirAll(m.unitsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create units directory: %w", err)
	}
	if err := os.WriteFile(m.UnitPath(name), data, 0o644); err != nil {
		return fmt.Errorf("failed to install unit %s: %w", name, err)
	}
	m.logger.Info("installed unit file", "unit", name, "path", m.UnitPath(name))
	return nil
}
