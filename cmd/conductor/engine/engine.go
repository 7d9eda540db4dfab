// Package engine owns the fleet of live run coordinators. It starts one
// coordinator per run, routes API operations to the right one, and falls
// back to the store for runs that already finished.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumenflow/conductor/cmd/conductor/coordinator"
	"github.com/lumenflow/conductor/cmd/conductor/gateway"
	"github.com/lumenflow/conductor/cmd/conductor/planner"
	"github.com/lumenflow/conductor/cmd/conductor/store"
	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/logger"
	"github.com/lumenflow/conductor/common/metrics"
	"github.com/lumenflow/conductor/common/models"
)

// ErrRunNotFound is returned for unknown run ids
var ErrRunNotFound = store.ErrNotFound

// ErrRunFinished is returned when an operation needs a live run
var ErrRunFinished = fmt.Errorf("run already finished")

// ErrRunActive is returned when an operation needs a finished run
var ErrRunActive = fmt.Errorf("run still active")

// Opts wires an Engine
type Opts struct {
	Store    store.RunStore
	Gateway  *gateway.Gateway
	Executor coordinator.Executor
	Hub      *trace.Hub
	Relay    *trace.Relay
	Metrics  *metrics.Metrics
	Logger   *logger.Logger

	DefaultTaskTimeout time.Duration
	MaxRetryAttempts   int
	MaxTokensPerRun    int
}

// Engine manages live coordinators and serves run operations
type Engine struct {
	store    store.RunStore
	gateway  *gateway.Gateway
	executor coordinator.Executor
	hub      *trace.Hub
	relay    *trace.Relay
	metrics  *metrics.Metrics
	log      *logger.Logger
	planner  *planner.Planner

	defaultTaskTimeout time.Duration
	maxRetryAttempts   int

	mu   sync.RWMutex
	runs map[string]*coordinator.Coordinator
}

// New creates an engine
func New(opts Opts) *Engine {
	return &Engine{
		store:    opts.Store,
		gateway:  opts.Gateway,
		executor: opts.Executor,
		hub:      opts.Hub,
		relay:    opts.Relay,
		metrics:  opts.Metrics,
		log:      opts.Logger.WithComponent("engine"),
		planner:  planner.New(planner.Opts{MaxTokensPerRun: opts.MaxTokensPerRun}),

		defaultTaskTimeout: opts.DefaultTaskTimeout,
		maxRetryAttempts:   opts.MaxRetryAttempts,
		runs:               map[string]*coordinator.Coordinator{},
	}
}

// StartRun creates a run for the referenced definition and begins executing
// it. It returns once the start pass committed; execution continues in the
// background.
func (e *Engine) StartRun(ctx context.Context, definitionRef, definitionVersion string, input map[string]any) (*models.Run, error) {
	def, err := e.gateway.Workflow(ctx, definitionRef, definitionVersion)
	if err != nil {
		return nil, err
	}

	run := models.NewRun(definitionRef, definitionVersion, input)
	runID := run.RunID.String()

	c, err := coordinator.New(coordinator.Opts{
		Run:      run,
		Def:      def,
		Store:    e.store,
		Gateway:  e.gateway,
		Executor: e.executor,
		Hub:      e.hub,
		Relay:    e.relay,
		Metrics:  e.metrics,
		Logger:   e.log,
		Planner:  e.planner,

		DefaultTaskTimeout: e.defaultTaskTimeout,
		MaxRetryAttempts:   e.maxRetryAttempts,
		OnTerminal:         e.unregister,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.runs[runID] = c
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RunsStarted.Inc()
		e.metrics.ActiveRuns.Inc()
	}
	e.log.Info("run started",
		"run_id", runID,
		"definition_ref", definitionRef,
		"definition_version", definitionVersion)

	if err := c.Start(input); err != nil {
		return nil, err
	}
	view := c.Run()
	return &view, nil
}

// unregister detaches a finished coordinator; invoked from the actor
// goroutine when the run turns terminal
func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	_, live := e.runs[runID]
	delete(e.runs, runID)
	e.mu.Unlock()

	if live && e.metrics != nil {
		e.metrics.ActiveRuns.Dec()
	}
	e.log.Info("run finished", "run_id", runID)
}

func (e *Engine) live(runID string) (*coordinator.Coordinator, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.runs[runID]
	return c, ok
}

// GetRun returns the current view of a run, live or persisted
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	if c, ok := e.live(runID); ok {
		run := c.Run()
		return &run, nil
	}
	return e.store.GetRun(ctx, runID)
}

// GetTokens returns a run's committed tokens
func (e *Engine) GetTokens(ctx context.Context, runID string) ([]models.Token, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.GetTokens(ctx, runID)
}

// CancelRun requests cancellation of a live run
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	if c, ok := e.live(runID); ok {
		return c.Cancel(reason)
	}
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrRunFinished
}

// Trace lists a run's committed trace events after sinceSequence
func (e *Engine) Trace(ctx context.Context, runID string, sinceSequence int64, typePrefix string, limit int) ([]models.TraceEvent, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListTraceEvents(ctx, runID, sinceSequence, typePrefix, limit)
}

// Subscribe attaches a live subscription to a run's event flow. The caller
// must Unsubscribe through the hub when done.
func (e *Engine) Subscribe(opts trace.SubscribeOptions) *trace.Subscription {
	return e.hub.Subscribe(opts)
}

// Hub exposes the event hub for transports that manage subscriptions
func (e *Engine) Hub() *trace.Hub {
	return e.hub
}

// DeleteRun removes a finished run and its trace. Live runs must be
// cancelled first.
func (e *Engine) DeleteRun(ctx context.Context, runID string) error {
	if _, ok := e.live(runID); ok {
		return ErrRunActive
	}
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return err
	}
	if err := e.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	e.hub.CloseRun(runID)
	e.log.Info("run deleted", "run_id", runID)
	return nil
}

// ActiveRuns reports how many coordinators are live
func (e *Engine) ActiveRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runs)
}

// Shutdown cancels every live run and waits for their final commits
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	live := make([]*coordinator.Coordinator, 0, len(e.runs))
	for _, c := range e.runs {
		live = append(live, c)
	}
	e.mu.RUnlock()

	for _, c := range live {
		if err := c.Cancel("coordinator shutting down"); err != nil {
			e.log.Warn("shutdown cancel failed", "error", err)
		}
	}
	for _, c := range live {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
