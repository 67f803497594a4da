package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	internalPaths "ota-agent/internal"
	"ota-agent/internal/notify"
	"ota-agent/internal/unitlog"
)

type socketNotifier struct {
	dir string
}

// NewSocketNotifier binds control endpoints as unix sockets under dir
func NewSocketNotifier(dir string) Notifier {
	return &socketNotifier{dir: dir}
}

func (n *socketNotifier) Listen(name string) (NotifyListener, error) {
	l, err := notify.Listen(internalPaths.NotifySocketPath(n.dir, name))
	if err != nil {
		return nil, err
	}
	return l, nil
}

// awaitListener blocks until the previous listener of a container has exited
func (e *Engine) awaitListener(name string) {
	done, ok := e.listeners[name]
	if !ok {
		return
	}
	select {
	case <-done:
	default:
		e.logger.Info("waiting for the previous listener to exit", "container", name)
		<-done
	}
	delete(e.listeners, name)
}

// awaitListeners blocks until every running listener, including one still
// rolling back, has exited
func (e *Engine) awaitListeners(ctx context.Context) {
	for name, done := range e.listeners {
		select {
		case <-done:
			continue
		default:
		}
		e.logger.Info("waiting for listener before reboot", "container", name)
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

// watch runs the listener on its own goroutine. Exactly one report is sent
// unless ctx is cancelled first.
func (e *Engine) watch(ctx context.Context, l NotifyListener, act *action, chunk Chunk) {
	done := make(chan struct{})
	e.listeners[chunk.Name] = done

	timeout := chunk.Timeout
	if timeout <= 0 {
		timeout = e.cfg.NotifyTimeout
	}
	report := Report{
		ActionID:  act.id,
		RunID:     act.runID,
		Container: chunk.Name,
		Revision:  chunk.Revision,
	}

	go func() {
		result, ok := e.listen(ctx, l, chunk, timeout, report)
		close(done)
		if !ok {
			return
		}
		select {
		case e.results <- result:
		case <-ctx.Done():
		}
	}()
}

// listen waits for the health signal and handles it, rolling back on failure
func (e *Engine) listen(ctx context.Context, l NotifyListener, chunk Chunk, timeout time.Duration, report Report) (Report, bool) {
	log := e.logger.With("action_id", report.ActionID, "container", chunk.Name)
	log.Info("waiting for container health signal", "timeout", timeout.String())

	unit := internalPaths.UnitName(chunk.Name)
	sig, err := l.Wait(ctx, timeout)
	opCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil && sig.OK():
		report.Success = true
		report.Message = fmt.Sprintf("Container %s started successfully", chunk.Name)
		log.Info(report.Message)
		if err := e.deps.Ledger.Set(chunk.Name, chunk.Revision); err != nil {
			log.Error("failed to record healthy revision", "error", err)
		}

	case err == nil:
		log.Warn("container reported failure", "result", sig.Result, "exit_code", sig.ExitCode, "exit_status", sig.ExitStatus)
		report.Message = fmt.Sprintf("Container %s failed to start with result :"+
			"\n\tSERVICE_RESULT=%s\n\tEXIT_CODE=%s\n\tEXIT_STATUS=%s",
			chunk.Name, sig.Result, sig.ExitCode, sig.ExitStatus) +
			e.unitLogTail(unit) +
			e.rollback(opCtx, chunk)

	case ctx.Err() != nil:
		log.Info("listener stopped")
		return report, false

	case errors.Is(err, notify.ErrTimeout):
		log.Warn("container health signal timed out")
		report.Message = fmt.Sprintf("Container %s failed to start : the socket timed out.", chunk.Name) +
			e.serviceResult(opCtx, unit) +
			e.unitLogTail(unit) +
			e.rollback(opCtx, chunk)

	default:
		log.Error("listener failed", "error", err)
		report.Message = fmt.Sprintf("Container %s failed to start : %v", chunk.Name, err) +
			e.rollback(opCtx, chunk)
	}
	return report, true
}

// serviceResult describes what systemd recorded for the unit, if available
func (e *Engine) serviceResult(ctx context.Context, unit string) string {
	res, err := e.deps.Supervisor.ServiceResult(ctx, unit)
	if err != nil {
		e.logger.Debug("no service result", "unit", unit, "error", err)
		return ""
	}
	return fmt.Sprintf("\n\tSERVICE_RESULT=%s\n\tEXIT_CODE=%d\n\tEXIT_STATUS=%d",
		res.Result, res.ExecMainCode, res.ExecMainStatus)
}

// unitLogTail returns the unit's last journal lines, if available
func (e *Engine) unitLogTail(unit string) string {
	if e.deps.UnitLog == nil || e.cfg.JournalLines <= 0 {
		return ""
	}
	entries, err := e.deps.UnitLog.Tail(unit, e.cfg.JournalLines)
	if err != nil {
		e.logger.Debug("no unit log", "unit", unit, "error", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	return "\nLast log lines:\n\t" + strings.Join(unitlog.Lines(entries), "\n\t")
}
