package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ota-agent/internal/ddi"

	"github.com/google/uuid"
)

const (
	msgProceeding = "Proceeding"
	msgNoChunks   = "Deployment without chunks found. Ignoring"
)

// Process runs the action behind a deploymentBase link. Local failures are
// reported to the server as failure feedback; only server communication
// errors and malformed descriptors are returned.
func (e *Engine) Process(ctx context.Context, href string) error {
	if e.act != nil {
		e.logger.Info("deployment is already in progress", "action_id", e.act.id)
		return nil
	}

	actionID, resource, err := ddi.ParseDeploymentLink(href)
	if err != nil {
		return err
	}

	desc, err := e.deps.Server.DeploymentBase(ctx, actionID, resource)
	if err != nil {
		return fmt.Errorf("failed to fetch deployment %s: %w", actionID, err)
	}

	chunks := desc.Deployment.Chunks
	if len(chunks) == 0 {
		fb := ddi.Feedback{
			Execution: ddi.ExecutionClosed,
			Result:    ddi.ResultFailure,
			Details:   []string{msgNoChunks},
		}
		if err := e.deps.Server.DeploymentFeedback(ctx, actionID, fb); err != nil {
			return err
		}
		return fmt.Errorf("%w: action %s has no chunks", ddi.ErrProtocol, actionID)
	}

	parsed := make([]Chunk, 0, len(chunks))
	for i, c := range chunks {
		chunk, err := ParseChunk(c)
		if err != nil {
			e.logger.Error("invalid chunk", "action_id", actionID, "chunk", i, "error", err)
			fb := ddi.Feedback{
				Execution: ddi.ExecutionClosed,
				Result:    ddi.ResultFailure,
				Details:   []string{fmt.Sprintf("Chunk %s rejected: %v", c.Name, err)},
			}
			if ferr := e.deps.Server.DeploymentFeedback(ctx, actionID, fb); ferr != nil {
				return ferr
			}
			return fmt.Errorf("action %s: %w", actionID, err)
		}
		parsed = append(parsed, chunk)
	}

	fb := ddi.Feedback{
		Execution: ddi.ExecutionProceeding,
		Result:    ddi.ResultNone,
		Details:   []string{msgProceeding},
		Progress:  &ddi.Progress{Cnt: 0, Of: len(parsed)},
	}
	if err := e.deps.Server.DeploymentFeedback(ctx, actionID, fb); err != nil {
		return err
	}

	act := e.begin(actionID, len(parsed))
	act.dispatched = e.resumeIndex(actionID, parsed)

	return e.dispatch(ctx, act, parsed)
}

// begin marks a new action in flight
func (e *Engine) begin(actionID string, total int) *action {
	act := &action{
		id:      actionID,
		runID:   uuid.NewString(),
		total:   total,
		pending: make(map[string]struct{}),
		started: time.Now(),
	}
	e.act = act
	e.logger.Info("processing deployment", "action_id", actionID, "run_id", act.runID, "chunks", total)
	e.publish()
	return act
}

// resumeIndex skips the chunks already applied before the reboot that
// activated this action's OS chunk
func (e *Engine) resumeIndex(actionID string, chunks []Chunk) int {
	rec, err := e.deps.Journal.Read()
	if err != nil || rec == nil || rec.ActionID != actionID {
		return 0
	}
	for i, c := range chunks {
		if c.Part == PartOS {
			if i > 0 {
				e.logger.Info("resuming action after reboot", "action_id", actionID, "chunk", i)
			}
			return i
		}
	}
	return 0
}

// dispatch applies chunks in descriptor order starting at act.dispatched
func (e *Engine) dispatch(ctx context.Context, act *action, chunks []Chunk) error {
	for i := act.dispatched; i < len(chunks); i++ {
		chunk := chunks[i]
		switch chunk.Part {
		case PartOS:
			next, err := e.processOS(ctx, act, chunk, i+1 < len(chunks))
			if err != nil || !next {
				return err
			}
		case PartContainer:
			if msg, ok := e.processContainer(ctx, act, chunk); !ok {
				return e.fail(ctx, act, msg)
			}
		}

		if e.act != act {
			return nil
		}
		act.dispatched = i + 1
		e.publish()

		if act.halted {
			break
		}
		if act.dispatched < act.total {
			if err := e.progress(ctx, act); err != nil {
				return err
			}
		}
	}
	return e.settle(ctx, act)
}

func (e *Engine) progress(ctx context.Context, act *action) error {
	return e.deps.Server.DeploymentFeedback(ctx, act.id, ddi.Feedback{
		Execution: ddi.ExecutionProceeding,
		Result:    ddi.ResultNone,
		Details:   []string{msgProceeding},
		Progress:  &ddi.Progress{Cnt: act.dispatched, Of: act.total},
	})
}

// HandleReport folds a listener outcome into its action
func (e *Engine) HandleReport(ctx context.Context, r Report) error {
	act := e.act
	if act == nil || act.runID != r.RunID {
		e.logger.Info("dropping listener report of a finished action",
			"action_id", r.ActionID, "container", r.Container, "success", r.Success)
		return nil
	}
	if _, ok := act.pending[r.Container]; !ok {
		e.logger.Warn("unexpected listener report", "action_id", act.id, "container", r.Container)
		return nil
	}

	delete(act.pending, r.Container)
	e.logger.Info("container health resolved", "action_id", act.id, "container", r.Container, "success", r.Success)

	if !r.Success {
		return e.fail(ctx, act, r.Message)
	}
	act.messages = append(act.messages, r.Message)
	e.publish()
	return e.settle(ctx, act)
}

// fail aborts the action and resolves it right away
func (e *Engine) fail(ctx context.Context, act *action, msg string) error {
	act.failed = true
	act.halted = true
	if msg != "" {
		act.messages = append(act.messages, msg)
	}
	act.pending = make(map[string]struct{})
	return e.resolve(ctx, act)
}

// settle resolves the action once nothing is left to dispatch or wait for
func (e *Engine) settle(ctx context.Context, act *action) error {
	if e.act != act || len(act.pending) > 0 {
		e.publish()
		return nil
	}
	if !act.halted && act.dispatched < act.total {
		return nil
	}
	return e.resolve(ctx, act)
}

// resolve sends the terminal report, or hands it to the reboot record when
// the action staged an OS deployment
func (e *Engine) resolve(ctx context.Context, act *action) error {
	result := ddi.ResultSuccess
	if act.failed {
		result = ddi.ResultFailure
	}
	e.clear(act, result)

	if act.reboot != nil {
		rec := *act.reboot
		if act.failed {
			rec.Result = ddi.ResultFailure
		}
		rec.Msg = strings.Join(act.messages, "\n")
		if err := e.deps.Journal.Write(&rec); err != nil {
			e.logger.Error("failed to persist reboot record, not rebooting", "action_id", act.id, "error", err)
			return e.deps.Server.DeploymentFeedback(ctx, act.id, ddi.Feedback{
				Execution: ddi.ExecutionClosed,
				Result:    ddi.ResultFailure,
				Details:   append(act.messages, fmt.Sprintf("Reboot record could not be written: %v", err)),
			})
		}
		e.awaitListeners(ctx)
		e.logger.Warn("rebooting to activate the staged deployment", "action_id", act.id, "result", rec.Result)
		return e.deps.Rebooter.Reboot(context.WithoutCancel(ctx))
	}

	return e.deps.Server.DeploymentFeedback(ctx, act.id, ddi.Feedback{
		Execution: ddi.ExecutionClosed,
		Result:    result,
		Details:   act.messages,
	})
}

// clear drops the in-flight action
func (e *Engine) clear(act *action, result ddi.Result) {
	if e.act == act {
		e.act = nil
	}
	e.logger.Info("action finished", "action_id", act.id, "run_id", act.runID, "result", result,
		"duration", time.Since(act.started).String())
	e.record(act.id, result, act.messages, act.reboot != nil)
}

// record remembers how the last action ended
func (e *Engine) record(actionID string, result ddi.Result, messages []string, reboot bool) {
	e.last = &Outcome{
		ActionID: actionID,
		Result:   string(result),
		Messages: messages,
		Reboot:   reboot,
		At:       time.Now(),
	}
	e.publish()
}

// Abandon forgets the in-flight action so the server can hand it out again.
// An OS deployment staged by the abandoned run is withdrawn.
func (e *Engine) Abandon(ctx context.Context) {
	act := e.act
	if act == nil {
		return
	}
	e.act = nil
	e.logger.Warn("abandoning in-flight action", "action_id", act.id, "pending", len(act.pending))

	if act.reboot != nil {
		if err := e.deps.Journal.Remove(); err != nil {
			e.logger.Error("failed to drop reboot record", "error", err)
		}
		if err := e.deps.Sysroot.RemovePending(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("failed to withdraw staged deployment", "error", err)
		}
	}
	e.publish()
}
