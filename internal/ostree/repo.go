package ostree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ModeBareUserOnly is the repository mode used for container trees
const ModeBareUserOnly = "bare-user-only"

// Repo is one OSTree repository on disk
type Repo struct {
	path   string
	run    Runner
	logger *slog.Logger
}

// NewRepo creates a handle on the repository at path
func NewRepo(path string, run Runner, logger *slog.Logger) *Repo {
	return &Repo{
		path:   path,
		run:    run,
		logger: logger.With("repo", path),
	}
}

// Path returns the repository location
func (r *Repo) Path() string {
	return r.path
}

// Exists reports whether the repository has been initialized
func (r *Repo) Exists() bool {
	_, err := os.Stat(filepath.Join(r.path, "config"))
	return err == nil
}

// Init creates the repository in the given mode
func (r *Repo) Init(ctx context.Context, mode string) error {
	if err := os.MkdirAll(r.path, 0o755); err != nil {
		return fmt.Errorf("failed to create repo directory: %w", err)
	}
	if _, err := r.ostree(ctx, "init", "--mode="+mode); err != nil {
		return fmt.Errorf("failed to init repo: %w", err)
	}
	r.logger.Info("created ostree repo", "mode", mode)
	return nil
}

// Remotes lists the configured remote names
func (r *Repo) Remotes(ctx context.Context) ([]string, error) {
	out, err := r.ostree(ctx, "remote list")
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}
	return lines(out), nil
}

// HasRemote reports whether a remote named name is configured
func (r *Repo) HasRemote(ctx context.Context, name string) (bool, error) {
	remotes, err := r.Remotes(ctx)
	if err != nil {
		return false, err
	}
	for _, remote := range remotes {
		if remote == name {
			return true, nil
		}
	}
	return false, nil
}

// AddRemote registers a remote unless one with the same name exists
func (r *Repo) AddRemote(ctx context.Context, name, url string, gpgVerify bool) error {
	_, err := r.ostree(ctx, "remote add", "--if-not-exists",
		"--set=gpg-verify="+strconv.FormatBool(gpgVerify), name, url)
	if err != nil {
		return fmt.Errorf("failed to add remote %s: %w", name, err)
	}
	r.logger.Info("added ostree remote", "remote", name, "url", url, "gpg_verify", gpgVerify)
	return nil
}

// Pull fetches a single commit (no history) from remote
func (r *Repo) Pull(ctx context.Context, remote, rev string) error {
	r.logger.Info("pulling", "remote", remote, "rev", rev)
	if _, err := r.ostree(ctx, "pull", "--depth=1", remote, rev); err != nil {
		return fmt.Errorf("failed to pull %s from %s: %w", rev, remote, err)
	}
	return nil
}

// SetRef points the local ref name at rev
func (r *Repo) SetRef(ctx context.Context, name, rev string) error {
	if _, err := r.ostree(ctx, "refs", "--force", "--create="+name, rev); err != nil {
		return fmt.Errorf("failed to set ref %s: %w", name, err)
	}
	return nil
}

// Refs lists the local refs
func (r *Repo) Refs(ctx context.Context) ([]string, error) {
	out, err := r.ostree(ctx, "refs")
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	return lines(out), nil
}

// ResolveRev returns the commit checksum a ref points at
func (r *Repo) ResolveRev(ctx context.Context, ref string) (string, error) {
	out, err := r.ostree(ctx, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Checkout materializes rev at dest as plain user files
func (r *Repo) Checkout(ctx context.Context, rev, dest string) error {
	_, err := r.ostree(ctx, "checkout", "--user-mode", "--union-identical",
		"--whiteouts", "--bareuseronly-dirs", rev, dest)
	if err != nil {
		return fmt.Errorf("failed to checkout %s: %w", rev, err)
	}
	return nil
}

// ostree runs a subcommand ("pull", "remote add", ...) against this repo
func (r *Repo) ostree(ctx context.Context, sub string, args ...string) ([]byte, error) {
	full := strings.Fields(sub)
	full = append(full, "--repo="+r.path)
	full = append(full, args...)
	return r.run.Run(ctx, "ostree", full...)
}

// lines splits command output into trimmed non-empty lines
func lines(out []byte) []string {
	var result []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result = append(result, line)
		}
	}
	return result
}
