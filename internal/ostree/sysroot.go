package ostree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrNotBooted is returned when the host was not booted from an OSTree deployment
var ErrNotBooted = errors.New("not booted in an ostree system")

// Deployment is one entry of the sysroot's deployment list
type Deployment struct {
	Index    int
	OSName   string
	Checksum string
	Serial   int
	Booted   bool
	Pending  bool
	Staged   bool
	Rollback bool
}

// Unconfirmed reports whether the deployment is queued for a boot that has
// not happened yet
func (d Deployment) Unconfirmed() bool {
	return d.Pending || d.Staged
}

// "* osname <checksum>.<serial> (state)"
var deploymentLine = regexp.MustCompile(`^(\*)?\s*(\S+)\s+([0-9a-f]{64})\.(\d+)(?:\s+\(([a-z ]+)\))?\s*$`)

// ParseStatus parses the output of "ostree admin status"
func ParseStatus(out string) ([]Deployment, error) {
	var deployments []Deployment
	for _, line := range strings.Split(out, "\n") {
		m := deploymentLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		serial, err := strconv.Atoi(m[4])
		if err != nil {
			return nil, fmt.Errorf("invalid deployment serial in %q: %w", line, err)
		}
		d := Deployment{
			Index:    len(deployments),
			OSName:   m[2],
			Checksum: m[3],
			Serial:   serial,
			Booted:   m[1] == "*",
		}
		for _, state := range strings.Fields(m[5]) {
			switch state {
			case "pending":
				d.Pending = true
			case "staged":
				d.Staged = true
			case "rollback":
				d.Rollback = true
			}
		}
		deployments = append(deployments, d)
	}
	return deployments, nil
}

// Sysroot manages the deployments of the booted system
type Sysroot struct {
	run    Runner
	osName string
	logger *slog.Logger
}

// NewSysroot creates a sysroot handle. An empty osName stages new
// deployments under the booted deployment's OS name.
func NewSysroot(run Runner, osName string, logger *slog.Logger) *Sysroot {
	return &Sysroot{
		run:    run,
		osName: osName,
		logger: logger.With("component", "sysroot"),
	}
}

// Deployments returns the current deployment list
func (s *Sysroot) Deployments(ctx context.Context) ([]Deployment, error) {
	out, err := s.run.Run(ctx, "ostree", "admin", "status")
	if err != nil {
		return nil, fmt.Errorf("failed to read sysroot status: %w", err)
	}
	return ParseStatus(string(out))
}

// Booted returns the deployment the system is running from
func (s *Sysroot) Booted(ctx context.Context) (Deployment, error) {
	deployments, err := s.Deployments(ctx)
	if err != nil {
		return Deployment{}, err
	}
	for _, d := range deployments {
		if d.Booted {
			return d, nil
		}
	}
	return Deployment{}, ErrNotBooted
}

// BootedRevision returns the commit checksum of the booted deployment
func (s *Sysroot) BootedRevision(ctx context.Context) (string, error) {
	booted, err := s.Booted(ctx)
	if err != nil {
		return "", err
	}
	return booted.Checksum, nil
}

// Stage queues rev as the next-boot deployment. The running root is untouched.
func (s *Sysroot) Stage(ctx context.Context, rev string) error {
	booted, err := s.Booted(ctx)
	if err != nil {
		return err
	}
	osName := s.osName
	if osName == "" {
		osName = booted.OSName
	}
	s.logger.Info("staging deployment", "os", osName, "rev", rev, "booted_rev", booted.Checksum)

	if _, err := s.run.Run(ctx, "ostree", "admin", "deploy", "--stage", "--os="+osName, rev); err != nil {
		return fmt.Errorf("failed to stage %s: %w", rev, err)
	}
	return nil
}

// RemovePending drops every deployment queued for a boot that never took
// over, so the booted deployment stays the default
func (s *Sysroot) RemovePending(ctx context.Context) error {
	deployments, err := s.Deployments(ctx)
	if err != nil {
		return err
	}

	var indexes []int
	for _, d := range deployments {
		if d.Unconfirmed() && !d.Booted {
			indexes = append(indexes, d.Index)
		}
	}
	// highest first so earlier indexes stay valid
	sort.Sort(sort.Reverse(sort.IntSlice(indexes)))

	for _, idx := range indexes {
		s.logger.Info("removing pending deployment", "index", idx, "rev", deployments[idx].Checksum)
		if _, err := s.run.Run(ctx, "ostree", "admin", "undeploy", strconv.Itoa(idx)); err != nil {
			return fmt.Errorf("failed to undeploy %d: %w", idx, err)
		}
	}
	return nil
}

// BootMarker is the bootloader environment variable flagging an update in progress
type BootMarker struct {
	run      Runner
	variable string
}

// NewBootMarker creates a marker backed by the U-Boot environment
func NewBootMarker(run Runner, variable string) *BootMarker {
	return &BootMarker{run: run, variable: variable}
}

// Clear unsets the marker
func (m *BootMarker) Clear(ctx context.Context) error {
	if _, err := m.run.Run(ctx, "fw_setenv", m.variable); err != nil {
		return fmt.Errorf("failed to clear boot marker %s: %w", m.variable, err)
	}
	return nil
}
