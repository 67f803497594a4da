package engine

import (
	"context"
	"fmt"

	"ota-agent/internal/ddi"
)

const msgCancelRejected = "Cancelling not supported"

// Cancel answers a cancelAction link. Cancellation is never honoured: the
// request is always rejected and the in-flight action is left alone.
func (e *Engine) Cancel(ctx context.Context, href string) error {
	actionID, err := ddi.ParseCancelLink(href)
	if err != nil {
		return err
	}

	cancel, err := e.deps.Server.CancelAction(ctx, actionID)
	if err != nil {
		return fmt.Errorf("failed to fetch cancel request %s: %w", actionID, err)
	}
	stopID := cancel.CancelAction.StopID

	e.logger.Info("rejecting cancel request", "action_id", actionID, "stop_id", stopID)
	return e.deps.Server.CancelFeedback(ctx, stopID, ddi.Feedback{
		Execution: ddi.ExecutionRejected,
		Result:    ddi.ResultSuccess,
		Details:   []string{msgCancelRejected},
	})
}

// Identify publishes the target attributes to the server
func (e *Engine) Identify(ctx context.Context) error {
	e.logger.Info("sending target attributes", "count", len(e.cfg.Attributes))
	if err := e.deps.Server.ConfigData(ctx, e.cfg.Attributes); err != nil {
		return fmt.Errorf("failed to send target attributes: %w", err)
	}
	return nil
}
