// Package notify implements the control endpoint a container reports its
// health on after start. The unit's start hook connects to a unix socket and
// writes one line: "<result> <exit_code> <exit_status>".
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned when no health signal arrived in time
var ErrTimeout = errors.New("the socket timed out")

const maxMessage = 1024

// Signal is the message written by the container start hook
type Signal struct {
	Result     string
	ExitCode   string
	ExitStatus string
}

// OK reports whether the container declared itself healthy
func (s Signal) OK() bool {
	return s.Result == "success"
}

// ParseSignal splits a raw message into its fields. Missing fields are empty.
func ParseSignal(raw string) Signal {
	fields := strings.Fields(raw)
	var sig Signal
	if len(fields) > 0 {
		sig.Result = fields[0]
	}
	if len(fields) > 1 {
		sig.ExitCode = fields[1]
	}
	if len(fields) > 2 {
		sig.ExitStatus = fields[2]
	}
	return sig
}

// Listener is a bound control endpoint waiting for a single signal
type Listener struct {
	path      string
	ln        *net.UnixListener
	closeOnce sync.Once
}

// Listen binds the control endpoint at path, replacing a stale socket file
func Listen(path string) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notify directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale notify socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to bind notify socket %s: %w", path, err)
	}
	// the file is removed by Close, not by the runtime
	ln.SetUnlinkOnClose(false)

	return &Listener{path: path, ln: ln}, nil
}

// Path returns the socket location
func (l *Listener) Path() string {
	return l.path
}

// Wait accepts one connection and reads its signal. It returns ErrTimeout
// when nothing arrives within timeout, and ctx.Err() when ctx is cancelled.
// The endpoint is closed and removed on every return.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) (Signal, error) {
	defer l.Close()

	deadline := time.Now().Add(timeout)
	if err := l.ln.SetDeadline(deadline); err != nil {
		return Signal{}, fmt.Errorf("failed to arm notify timeout: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return Signal{}, l.waitError(ctx, err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(deadline); err != nil {
		return Signal{}, fmt.Errorf("failed to arm notify timeout: %w", err)
	}

	buf := make([]byte, maxMessage)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return Signal{}, l.waitError(ctx, err)
	}
	return ParseSignal(string(buf[:n])), nil
}

func (l *Listener) waitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("failed to read notify socket: %w", err)
}

// Close shuts the endpoint and removes the socket file
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}
