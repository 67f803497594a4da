// Package poller runs the agent's main loop: it polls the update server,
// dispatches the links it returns to the engine and feeds notify listener
// outcomes back to the engine while it sleeps.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ota-agent/internal/ddi"
	"ota-agent/internal/engine"
)

// Controller fetches the controller base resource
type Controller interface {
	Poll(ctx context.Context) (*ddi.Base, error)
}

// Engine is the part of the update engine driven by the poller
type Engine interface {
	Identify(ctx context.Context) error
	Process(ctx context.Context, href string) error
	Cancel(ctx context.Context, href string) error
	HandleReport(ctx context.Context, r engine.Report) error
	Results() <-chan engine.Report
	Abandon(ctx context.Context)
}

// Poller is the single owner of the engine's state
type Poller struct {
	controller Controller
	engine     Engine
	backoff    time.Duration
	logger     *slog.Logger
}

// New creates a poller. backoff is the pause after a failed cycle.
func New(controller Controller, eng Engine, backoff time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		controller: controller,
		engine:     eng,
		backoff:    backoff,
		logger:     logger.With("component", "poller"),
	}
}

// Run polls until ctx is cancelled. It only returns nil.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "retry_backoff", p.backoff.String())

	for {
		sleep, err := p.cycle(ctx)
		if ctx.Err() != nil {
			p.logger.Info("polling cancelled")
			return nil
		}
		if err != nil {
			if ddi.IsTransient(err) {
				p.logger.Warn("poll cycle failed, retrying", "error", err, "retry_in", p.backoff.String())
			} else {
				p.logger.Error("poll cycle failed, retrying", "error", err, "retry_in", p.backoff.String())
			}
			p.engine.Abandon(ctx)
			sleep = p.backoff
		}

		if !p.wait(ctx, sleep) {
			p.logger.Info("polling cancelled")
			return nil
		}
	}
}

// cycle runs one poll and returns the interval the server asked for
func (p *Poller) cycle(ctx context.Context) (sleep time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panicked", "panic", r)
			err = fmt.Errorf("poll cycle panicked: %v", r)
		}
	}()

	base, err := p.controller.Poll(ctx)
	if err != nil {
		return 0, err
	}
	sleep, err = base.SleepDuration()
	if err != nil {
		return 0, err
	}

	links := base.Links
	if links.ConfigData != nil {
		if err := p.engine.Identify(ctx); err != nil {
			return 0, err
		}
	}
	if links.DeploymentBase != nil {
		if err := p.engine.Process(ctx, links.DeploymentBase.Href); err != nil {
			return 0, err
		}
	}
	if links.CancelAction != nil {
		if err := p.engine.Cancel(ctx, links.CancelAction.Href); err != nil {
			return 0, err
		}
	}

	p.logger.Debug("poll cycle done", "sleep", sleep.String())
	return sleep, nil
}

// wait sleeps for d while handing listener reports to the engine. It
// reports whether the full interval elapsed.
func (p *Poller) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case r := <-p.engine.Results():
			if err := p.engine.HandleReport(ctx, r); err != nil {
				p.logger.Warn("failed to report listener outcome", "action_id", r.ActionID, "container", r.Container, "error", err)
			}
		}
	}
}
