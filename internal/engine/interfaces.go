package engine

import (
	"context"
	"time"

	"ota-agent/internal/ddi"
	"ota-agent/internal/journal"
	"ota-agent/internal/notify"
	"ota-agent/internal/systemd"
	"ota-agent/internal/unitlog"
)

// Server is the update server's controller API
type Server interface {
	DeploymentBase(ctx context.Context, actionID, resource string) (*ddi.DeploymentBase, error)
	DeploymentFeedback(ctx context.Context, actionID string, fb ddi.Feedback) error
	CancelAction(ctx context.Context, actionID string) (*ddi.CancelAction, error)
	CancelFeedback(ctx context.Context, stopID string, fb ddi.Feedback) error
	ConfigData(ctx context.Context, attributes map[string]string) error
}

// ContentStore is a content-addressed repository of trees
type ContentStore interface {
	Exists() bool
	Init(ctx context.Context, mode string) error
	HasRemote(ctx context.Context, name string) (bool, error)
	AddRemote(ctx context.Context, name, url string, gpgVerify bool) error
	Pull(ctx context.Context, remote, rev string) error
	SetRef(ctx context.Context, name, rev string) error
	Refs(ctx context.Context) ([]string, error)
	ResolveRev(ctx context.Context, ref string) (string, error)
	Checkout(ctx context.Context, rev, dest string) error
}

// Sysroot stages and inspects OS deployments
type Sysroot interface {
	Stage(ctx context.Context, rev string) error
	BootedRevision(ctx context.Context) (string, error)
	RemovePending(ctx context.Context) error
}

// BootMarker is the bootloader's update-in-progress flag
type BootMarker interface {
	Clear(ctx context.Context) error
}

// Supervisor manages container units
type Supervisor interface {
	IsLoaded(ctx context.Context, unit string) (bool, error)
	InstallUnit(src, unit string) error
	Reload(ctx context.Context) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	ServiceResult(ctx context.Context, unit string) (systemd.ServiceResult, error)
}

// Rebooter restarts the machine
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Journal persists the reboot record
type Journal interface {
	Write(rec *journal.Record) error
	Read() (*journal.Record, error)
	Remove() error
}

// Ledger keeps the last healthy revision per container
type Ledger interface {
	Get(name string) (string, bool, error)
	Set(name, rev string) error
}

// Notifier binds a health control endpoint for a container
type Notifier interface {
	Listen(name string) (NotifyListener, error)
}

// NotifyListener waits for one health signal
type NotifyListener interface {
	Wait(ctx context.Context, timeout time.Duration) (notify.Signal, error)
	Close() error
}

// UnitLog reads a unit's recent log lines
type UnitLog interface {
	Tail(unit string, n int) ([]unitlog.Entry, error)
}
