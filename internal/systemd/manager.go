// Package systemd supervises container units through the systemd D-Bus API.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

const (
	modeReplace       = "replace"
	rebootTarget      = "reboot.target"
	modeIrreversibly  = "replace-irreversibly"
	loadStateLoaded   = "loaded"
	jobResultDone     = "done"
	servicePropResult = "Result"
)

// Manager drives unit lifecycle for the agent
type Manager struct {
	conn     *sddbus.Conn
	unitsDir string
	logger   *slog.Logger
}

// New connects to systemd. An empty socket uses the system bus; otherwise
// the private manager socket at that path is dialed directly.
func New(ctx context.Context, socket, unitsDir string, logger *slog.Logger) (*Manager, error) {
	var (
		conn *sddbus.Conn
		err  error
	)
	if socket == "" {
		conn, err = sddbus.NewWithContext(ctx)
	} else {
		conn, err = sddbus.NewConnection(privateDialer(socket))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}

	return &Manager{
		conn:     conn,
		unitsDir: unitsDir,
		logger:   logger.With("component", "systemd"),
	}, nil
}

func privateDialer(socket string) func() (*dbus.Conn, error) {
	return func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + socket)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to systemd socket %s: %w", socket, err)
		}
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		if err := conn.Auth(methods); err != nil {
			conn.Close()
			return nil, fmt.Errorf("unable to authenticate with systemd: %w", err)
		}
		return conn, nil
	}
}

// Close releases the bus connection
func (m *Manager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// IsLoaded reports whether systemd currently has the unit loaded
func (m *Manager) IsLoaded(ctx context.Context, unit string) (bool, error) {
	units, err := m.conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return false, fmt.Errorf("failed to list unit %s: %w", unit, err)
	}
	for _, u := range units {
		if u.Name == unit && u.LoadState == loadStateLoaded {
			return true, nil
		}
	}
	return false, nil
}

// Units returns the state of the named units
func (m *Manager) Units(ctx context.Context, names []string) ([]UnitState, error) {
	units, err := m.conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	states := make([]UnitState, 0, len(units))
	for _, u := range units {
		states = append(states, UnitState{
			Name:        u.Name,
			LoadState:   u.LoadState,
			ActiveState: u.ActiveState,
			SubState:    u.SubState,
		})
	}
	return states, nil
}

// Reload makes systemd re-read unit files
func (m *Manager) Reload(ctx context.Context) error {
	if err := m.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	return nil
}

// Enable enables the unit
func (m *Manager) Enable(ctx context.Context, unit string) error {
	m.logger.Info("enabling unit", "unit", unit)
	if _, _, err := m.conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return fmt.Errorf("failed to enable %s: %w", unit, err)
	}
	return nil
}

// Disable disables the unit
func (m *Manager) Disable(ctx context.Context, unit string) error {
	m.logger.Info("disabling unit", "unit", unit)
	if _, err := m.conn.DisableUnitFilesContext(ctx, []string{unit}, false); err != nil {
		return fmt.Errorf("failed to disable %s: %w", unit, err)
	}
	return nil
}

// Start queues a start job without waiting for it. Notify units report
// health on their own channel.
func (m *Manager) Start(ctx context.Context, unit string) error {
	m.logger.Info("starting unit", "unit", unit)
	if _, err := m.conn.StartUnitContext(ctx, unit, modeReplace, nil); err != nil {
		return fmt.Errorf("failed to start %s: %w", unit, err)
	}
	return nil
}

// Stop stops the unit and waits for the job to finish
func (m *Manager) Stop(ctx context.Context, unit string) error {
	m.logger.Info("stopping unit", "unit", unit)
	done := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, unit, modeReplace, done); err != nil {
		return fmt.Errorf("failed to stop %s: %w", unit, err)
	}
	select {
	case result := <-done:
		if result != jobResultDone {
			return fmt.Errorf("failed to stop %s: job %s", unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServiceResult reads the outcome systemd recorded for a service's main process
func (m *Manager) ServiceResult(ctx context.Context, unit string) (ServiceResult, error) {
	var result ServiceResult

	prop, err := m.conn.GetServicePropertyContext(ctx, unit, servicePropResult)
	if err != nil {
		return result, fmt.Errorf("failed to query %s: %w", unit, err)
	}
	result.Result, _ = prop.Value.Value().(string)

	if prop, err := m.conn.GetServicePropertyContext(ctx, unit, "ExecMainCode"); err == nil {
		if code, ok := prop.Value.Value().(int32); ok {
			result.ExecMainCode = int(code)
		}
	}
	if prop, err := m.conn.GetServicePropertyContext(ctx, unit, "ExecMainStatus"); err == nil {
		if status, ok := prop.Value.Value().(int32); ok {
			result.ExecMainStatus = int(status)
		}
	}
	return result, nil
}

// Reboot asks systemd to reboot the machine
func (m *Manager) Reboot(ctx context.Context) error {
	m.logger.Warn("rebooting")
	if _, err := m.conn.StartUnitContext(ctx, rebootTarget, modeIrreversibly, nil); err != nil {
		return fmt.Errorf("failed to start %s: %w", rebootTarget, err)
	}
	return nil
}
