// Package engine drives update actions end to end: it fetches deployment
// descriptors, applies OS and container chunks, carries OS actions across
// the activating reboot and reports one terminal result per action.
//
// All engine state is owned by the goroutine calling Process, Cancel,
// Identify, HandleReport and Abandon. Notify listeners run on their own
// goroutines and hand their outcome back through Results.
package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"ota-agent/internal/config"
	"ota-agent/internal/journal"
)

const resultsBuffer = 16

// Config is the local behaviour of the engine
type Config struct {
	OSRemote      string
	RemoteURL     string
	GPGVerify     bool
	AppsDir       string
	ContainerUID  int
	ContainerGID  int
	RebootPolicy  config.RebootPolicy
	NotifyTimeout time.Duration
	JournalLines  int
	Attributes    map[string]string
}

// Deps are the collaborators the engine acts through
type Deps struct {
	Server     Server
	OSStore    ContentStore
	AppStore   ContentStore
	Sysroot    Sysroot
	BootMarker BootMarker
	Supervisor Supervisor
	Rebooter   Rebooter
	Journal    Journal
	Ledger     Ledger
	Notifier   Notifier
	UnitLog    UnitLog
}

// Report is the outcome of one notify listener
type Report struct {
	ActionID  string
	RunID     string
	Container string
	Revision  string
	Success   bool
	Message   string
}

// action is the in-flight deployment
type action struct {
	id         string
	runID      string
	total      int
	dispatched int
	halted     bool
	failed     bool
	pending    map[string]struct{}
	messages   []string
	reboot     *journal.Record
	started    time.Time
}

// Outcome is how the last action ended
type Outcome struct {
	ActionID string    `json:"action_id"`
	Result   string    `json:"result"`
	Messages []string  `json:"messages"`
	Reboot   bool      `json:"reboot"`
	At       time.Time `json:"at"`
}

// Status is a point-in-time view of the engine for the local API
type Status struct {
	ActionID      string    `json:"action_id,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	Started       time.Time `json:"started,omitempty"`
	Total         int       `json:"total"`
	Dispatched    int       `json:"dispatched"`
	Pending       []string  `json:"pending,omitempty"`
	Failed        bool      `json:"failed"`
	RebootPending bool      `json:"reboot_pending"`
	Listeners     []string  `json:"listeners,omitempty"`
	Last          *Outcome  `json:"last,omitempty"`
}

// Engine is the update orchestration state machine
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	results   chan Report
	act       *action
	listeners map[string]chan struct{}
	last      *Outcome

	mu       sync.RWMutex
	snapshot Status
}

// New creates an engine
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Minute
	}
	if cfg.RebootPolicy == "" {
		cfg.RebootPolicy = config.RebootDeferred
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "engine"),
		results:   make(chan Report, resultsBuffer),
		listeners: make(map[string]chan struct{}),
	}
}

// Results delivers notify listener outcomes. The owner of the engine feeds
// each one back through HandleReport.
func (e *Engine) Results() <-chan Report {
	return e.results
}

// InFlight returns the id of the action being processed, if any
func (e *Engine) InFlight() (string, bool) {
	if e.act == nil {
		return "", false
	}
	return e.act.id, true
}

// Status returns the last published snapshot. Safe from any goroutine.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// publish refreshes the snapshot served by Status
func (e *Engine) publish() {
	st := Status{Last: e.last}
	for name, done := range e.listeners {
		select {
		case <-done:
		default:
			st.Listeners = append(st.Listeners, name)
		}
	}
	sort.Strings(st.Listeners)

	if act := e.act; act != nil {
		st.ActionID = act.id
		st.RunID = act.runID
		st.Started = act.started
		st.Total = act.total
		st.Dispatched = act.dispatched
		st.Failed = act.failed
		st.RebootPending = act.reboot != nil
		for name := range act.pending {
			st.Pending = append(st.Pending, name)
		}
		sort.Strings(st.Pending)
	}

	e.mu.Lock()
	e.snapshot = st
	e.mu.Unlock()
}
