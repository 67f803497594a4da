package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	internalPaths "ota-agent/internal"
)

// processContainer applies a container chunk. On failure it returns the
// message the action fails with.
func (e *Engine) processContainer(ctx context.Context, act *action, chunk Chunk) (string, bool) {
	log := e.logger.With("action_id", act.id, "container", chunk.Name, "rev", chunk.Revision)
	log.Info("updating container", "version", chunk.Version,
		"autostart", chunk.Autostart, "autoremove", chunk.Autoremove, "notify", chunk.Notify)

	armed, err := e.updateContainer(ctx, chunk, act)
	if err != nil {
		msg := fmt.Sprintf("%s Deployment failed\n %v", chunk.Label(), err)
		log.Error("container update failed", "error", err)
		return msg, false
	}

	if armed {
		act.pending[chunk.Name] = struct{}{}
		e.publish()
		return "", true
	}

	msg := chunk.Label() + " Deployment succeed"
	log.Info(msg)
	act.messages = append(act.messages, msg)
	return msg, true
}

// updateContainer installs chunk's revision and reconciles its unit. When
// owner is set and the chunk confirms health asynchronously, a notify
// listener is armed before the unit starts and true is returned.
func (e *Engine) updateContainer(ctx context.Context, chunk Chunk, owner *action) (bool, error) {
	// store and unit operations run to completion once started
	opCtx := context.WithoutCancel(ctx)

	name := chunk.Name
	unit := internalPaths.UnitName(name)
	dir := internalPaths.AppDir(e.cfg.AppsDir, name)

	if err := e.ensureRemote(opCtx, name); err != nil {
		return false, err
	}
	if err := e.deps.AppStore.Pull(opCtx, name, chunk.Revision); err != nil {
		return false, err
	}
	if err := e.deps.AppStore.SetRef(opCtx, name, chunk.Revision); err != nil {
		return false, err
	}

	loaded, err := e.deps.Supervisor.IsLoaded(opCtx, unit)
	if err != nil {
		return false, err
	}
	if loaded {
		if err := e.deps.Supervisor.Stop(opCtx, unit); err != nil {
			return false, err
		}
		if err := e.deps.Supervisor.Disable(opCtx, unit); err != nil {
			return false, err
		}
	}

	if err := e.checkout(opCtx, name, chunk.Revision); err != nil {
		return false, err
	}
	if err := chownTree(dir, e.cfg.ContainerUID, e.cfg.ContainerGID); err != nil {
		return false, fmt.Errorf("failed to change owner of %s: %w", dir, err)
	}

	if chunk.Autoremove {
		e.logger.Info("removing container tree", "container", name, "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return false, fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		return false, nil
	}

	var listener NotifyListener
	if owner != nil && chunk.armsListener() {
		e.awaitListener(name)
		listener, err = e.deps.Notifier.Listen(name)
		if err != nil {
			return false, err
		}
	}

	if err := e.reconcileUnit(opCtx, chunk, !loaded); err != nil {
		if listener != nil {
			listener.Close()
		}
		return false, err
	}

	if listener != nil {
		e.watch(ctx, listener, owner, chunk)
		return true, nil
	}
	return false, nil
}

// ensureRemote registers the container's remote with the OS remote's trust settings
func (e *Engine) ensureRemote(ctx context.Context, name string) error {
	ok, err := e.deps.AppStore.HasRemote(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	e.logger.Info("new container, adding its remote", "container", name)
	return e.deps.AppStore.AddRemote(ctx, name, e.cfg.RemoteURL, e.cfg.GPGVerify)
}

// checkout replaces the container's install directory with rev. The
// completion marker is written last.
func (e *Engine) checkout(ctx context.Context, name, rev string) error {
	dir := internalPaths.AppDir(e.cfg.AppsDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create apps directory: %w", err)
	}
	if err := e.deps.AppStore.Checkout(ctx, rev, dir); err != nil {
		return err
	}
	if err := touch(filepath.Join(dir, internalPaths.CheckoutMarker)); err != nil {
		return fmt.Errorf("failed to mark checkout of %s: %w", name, err)
	}
	return nil
}

// reconcileUnit installs the container's unit file and brings the unit to
// the state chunk asks for
func (e *Engine) reconcileUnit(ctx context.Context, chunk Chunk, firstInstall bool) error {
	sup := e.deps.Supervisor
	unit := internalPaths.UnitName(chunk.Name)
	dir := internalPaths.AppDir(e.cfg.AppsDir, chunk.Name)
	marker := filepath.Join(dir, internalPaths.AutostartMarker)

	if err := sup.InstallUnit(filepath.Join(dir, internalPaths.UnitFileName), unit); err != nil {
		return err
	}
	if err := sup.Reload(ctx); err != nil {
		return err
	}

	if !chunk.Autostart {
		if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove autostart marker: %w", err)
		}
		if firstInstall {
			return sup.Enable(ctx, unit)
		}
		return nil
	}

	if err := touch(marker); err != nil {
		return fmt.Errorf("failed to write autostart marker: %w", err)
	}
	if err := sup.Enable(ctx, unit); err != nil {
		return err
	}
	return sup.Start(ctx, unit)
}

func chownTree(root string, uid, gid int) error {
	return filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
