package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	internalPaths "ota-agent/internal"
	"ota-agent/internal/ostree"
)

// Bootstrap prepares the device before the first poll: it creates the
// containers repository, registers remotes, finishes checkouts interrupted
// by a crash and starts the containers marked for autostart.
func (e *Engine) Bootstrap(ctx context.Context) error {
	store := e.deps.AppStore

	if !store.Exists() {
		e.logger.Info("no containers repository, creating one")
		if err := store.Init(ctx, ostree.ModeBareUserOnly); err != nil {
			return err
		}
	}

	ok, err := e.deps.OSStore.HasRemote(ctx, e.cfg.OSRemote)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Info("adding OS remote", "remote", e.cfg.OSRemote)
		if err := e.deps.OSStore.AddRemote(ctx, e.cfg.OSRemote, e.cfg.RemoteURL, e.cfg.GPGVerify); err != nil {
			return err
		}
	}

	refs, err := store.Refs(ctx)
	if err != nil {
		return err
	}

	var (
		errs      []error
		installed []string
		autostart []string
	)
	for _, ref := range refs {
		name := ref
		if i := strings.LastIndex(ref, ":"); i >= 0 {
			name = ref[i+1:]
		}

		hasUnit, start, err := e.restore(ctx, name)
		if err != nil {
			e.logger.Error("failed to restore container", "container", name, "error", err)
			errs = append(errs, fmt.Errorf("container %s: %w", name, err))
			continue
		}
		if hasUnit {
			installed = append(installed, name)
		}
		if start {
			autostart = append(autostart, name)
		}
	}

	if len(installed) > 0 {
		if err := e.deps.Supervisor.Reload(ctx); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}

	for _, name := range autostart {
		unit := internalPaths.UnitName(name)
		if err := e.deps.Supervisor.Enable(ctx, unit); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", name, err))
			continue
		}
		if err := e.deps.Supervisor.Start(ctx, unit); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", name, err))
		}
	}

	e.logger.Info("bootstrap complete", "containers", len(refs), "autostart", len(autostart), "errors", len(errs))
	return errors.Join(errs...)
}

// restore repairs one container's install directory and reinstalls its
// unit file. A missing directory means the tree was removed on purpose.
func (e *Engine) restore(ctx context.Context, name string) (hasUnit, autostart bool, err error) {
	if err := e.ensureRemote(ctx, name); err != nil {
		return false, false, err
	}

	dir := internalPaths.AppDir(e.cfg.AppsDir, name)
	if _, err = os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}

	marker := filepath.Join(dir, internalPaths.AutostartMarker)
	_, err = os.Stat(marker)
	autostart = err == nil

	if _, err := os.Stat(filepath.Join(dir, internalPaths.CheckoutMarker)); err != nil {
		e.logger.Warn("checkout was interrupted, checking out again", "container", name)
		rev, err := e.deps.AppStore.ResolveRev(ctx, name)
		if err != nil {
			return false, false, err
		}
		if err := e.checkout(ctx, name, rev); err != nil {
			return false, false, err
		}
		if err := chownTree(dir, e.cfg.ContainerUID, e.cfg.ContainerGID); err != nil {
			return false, false, fmt.Errorf("failed to change owner of %s: %w", dir, err)
		}
		if autostart {
			if err := touch(marker); err != nil {
				return false, false, fmt.Errorf("failed to write autostart marker: %w", err)
			}
		}
	}

	src := filepath.Join(dir, internalPaths.UnitFileName)
	if _, err := os.Stat(src); err != nil {
		return false, false, nil
	}
	if err := e.deps.Supervisor.InstallUnit(src, internalPaths.UnitName(name)); err != nil {
		return false, false, err
	}
	return true, autostart, nil
}
