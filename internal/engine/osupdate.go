package engine

import (
	"context"
	"fmt"

	"ota-agent/internal/config"
	"ota-agent/internal/ddi"
	"ota-agent/internal/journal"
)

// processOS applies an OS chunk. It reports whether dispatch continues with
// the next chunk; when it does not, the action has already been resolved.
func (e *Engine) processOS(ctx context.Context, act *action, chunk Chunk, more bool) (bool, error) {
	log := e.logger.With("action_id", act.id, "chunk", chunk.Name, "rev", chunk.Revision)

	rec, err := e.reconcile(ctx, chunk.Revision, act.id)
	if err != nil {
		log.Error("reboot reconciliation failed", "error", err)
		return false, e.fail(ctx, act, fmt.Sprintf("%s Deployment failed\n %v", chunk.Label(), err))
	}

	if rec != nil {
		if e.cfg.RebootPolicy == config.RebootImmediate && more && rec.Result == ddi.ResultSuccess {
			log.Info("staged deployment is booted, continuing with the remaining chunks")
			e.act = act
			act.messages = append(act.messages, rec.Msg)
			e.publish()
			return true, nil
		}

		log.Info("reporting the deployment activated by the last reboot", "result", rec.Result)
		e.record(rec.ActionID, rec.Result, []string{rec.Msg}, false)
		return false, e.deps.Server.DeploymentFeedback(ctx, rec.ActionID, rec.Feedback())
	}

	log.Info("updating OS")
	if err := e.updateOS(ctx, chunk.Revision); err != nil {
		log.Error("OS update failed", "error", err)
		return false, e.fail(ctx, act, fmt.Sprintf("%s Deployment failed\n %v", chunk.Label(), err))
	}

	msg := chunk.Label() + " Deployment succeed"
	log.Info(msg)

	rec = &journal.Record{
		ActionID:  act.id,
		Execution: ddi.ExecutionClosed,
		Result:    ddi.ResultSuccess,
		Msg:       msg,
	}
	if err := e.deps.Journal.Write(rec); err != nil {
		log.Error("failed to persist reboot record", "error", err)
		return false, e.fail(ctx, act, fmt.Sprintf("%s Deployment failed\n %v", chunk.Label(), err))
	}

	act.reboot = rec
	act.messages = append(act.messages, msg)
	if e.cfg.RebootPolicy == config.RebootImmediate {
		act.halted = true
	}
	e.publish()
	return true, nil
}

// updateOS pulls rev and stages it for the next boot. It never reboots.
func (e *Engine) updateOS(ctx context.Context, rev string) error {
	// pulls and staging run to completion once started
	ctx = context.WithoutCancel(ctx)

	if err := e.deps.OSStore.Pull(ctx, e.cfg.OSRemote, rev); err != nil {
		return err
	}
	if err := e.deps.Sysroot.Stage(ctx, rev); err != nil {
		return err
	}
	if err := e.deps.BootMarker.Clear(ctx); err != nil {
		return err
	}
	return nil
}
