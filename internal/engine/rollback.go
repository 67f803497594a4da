package engine

import (
	"context"
)

const (
	msgFirstInstall   = "\nFirst installation of the container, cannot rollback."
	msgRollbackDone   = "\nContainer has rollbacked."
	msgRollbackFailed = "\nContainer has failed to rollback."
)

// rollback reinstalls the last healthy revision of a container and returns
// the sentence appended to the failure report
func (e *Engine) rollback(ctx context.Context, chunk Chunk) string {
	log := e.logger.With("container", chunk.Name)

	prev, ok, err := e.deps.Ledger.Get(chunk.Name)
	if err != nil {
		log.Error("failed to read revision ledger", "error", err)
		return msgRollbackFailed
	}
	if !ok {
		log.Warn("no healthy revision recorded, cannot roll back")
		return msgFirstInstall
	}

	log.Info("rolling back container", "from", chunk.Revision, "to", prev)
	target := chunk
	target.Revision = prev
	target.Notify = false

	if _, err := e.updateContainer(ctx, target, nil); err != nil {
		log.Error("rollback failed", "error", err)
		return msgRollbackFailed
	}
	return msgRollbackDone
}
