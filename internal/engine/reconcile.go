package engine

import (
	"context"
	"fmt"

	"ota-agent/internal/ddi"
	"ota-agent/internal/journal"
)

const msgRolledBack = "Deployment has failed and system has rollbacked"

// reconcile consumes the reboot record left by an earlier OS chunk and
// checks it against what actually booted. It returns nil when there is no
// record. Otherwise the record, amended on mismatch, is deleted and returned
// for the caller to report exactly once, and the in-flight action is cleared.
func (e *Engine) reconcile(ctx context.Context, revision, actionID string) (*journal.Record, error) {
	rec, err := e.deps.Journal.Read()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	log := e.logger.With("action_id", actionID, "record_action_id", rec.ActionID)

	if rec.ActionID != actionID {
		log.Warn("reboot record belongs to another action")
		rec.Msg = fmt.Sprintf("Deployment has failed: the pending reboot record of action %s was never confirmed", rec.ActionID)
		rec.ActionID = actionID
		rec.Result = ddi.ResultFailure
	} else {
		booted, err := e.deps.Sysroot.BootedRevision(ctx)
		if err != nil {
			return nil, err
		}
		if booted != revision {
			log.Warn("booted revision differs from the staged one, system has rolled back",
				"booted", booted, "expected", revision)
			rec.Result = ddi.ResultFailure
			rec.Msg = msgRolledBack
			if err := e.deps.Sysroot.RemovePending(context.WithoutCancel(ctx)); err != nil {
				log.Error("failed to remove the pending deployment", "error", err)
			}
		} else {
			log.Info("staged deployment is booted", "rev", booted)
		}
	}

	if err := e.deps.Journal.Remove(); err != nil {
		log.Error("failed to remove reboot record", "error", err)
	}
	e.act = nil
	e.publish()
	return rec, nil
}
