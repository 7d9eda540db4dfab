// Package coordinator runs one actor per workflow run. The actor owns
// exclusive write access to the run's token store, context store, and trace
// log; every trigger (start, task result, cancel) is marshalled onto its
// mailbox and handled as one plan/apply pass. Parallelism exists across
// runs and in the executor calls, never inside a run's write path.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/lumenflow/conductor/cmd/conductor/applier"
	"github.com/lumenflow/conductor/cmd/conductor/contextstore"
	"github.com/lumenflow/conductor/cmd/conductor/gateway"
	"github.com/lumenflow/conductor/cmd/conductor/planner"
	"github.com/lumenflow/conductor/cmd/conductor/store"
	"github.com/lumenflow/conductor/cmd/conductor/tokenstore"
	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/clients"
	"github.com/lumenflow/conductor/common/logger"
	"github.com/lumenflow/conductor/common/metrics"
	"github.com/lumenflow/conductor/common/models"
	"github.com/lumenflow/conductor/common/schema"
)

// Executor is the coordinator's view of the external task runner
type Executor interface {
	Invoke(ctx context.Context, req clients.InvokeRequest) (*clients.InvokeResult, error)
	Cancel(ctx context.Context, runID, tokenID string) error
}

type message interface {
	isMessage()
}

type startMsg struct {
	input map[string]any
	reply chan error
}

type taskResultMsg struct {
	tokenID string
	attempt int
	output  map[string]any
	err     *models.WorkflowError
}

type cancelMsg struct {
	reason string
	reply  chan error
}

func (startMsg) isMessage()      {}
func (taskResultMsg) isMessage() {}
func (cancelMsg) isMessage()     {}

// Opts wires a coordinator for one run
type Opts struct {
	Run      *models.Run
	Def      *models.WorkflowDefinition
	Store    store.RunStore
	Gateway  *gateway.Gateway
	Executor Executor
	Hub      *trace.Hub
	Relay    *trace.Relay
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	Planner  *planner.Planner

	DefaultTaskTimeout time.Duration
	MaxRetryAttempts   int
	MailboxSize        int
	StartSequence      int64

	// OnTerminal is called once, from the actor goroutine, when the run
	// reaches a terminal status
	OnTerminal func(runID string)
}

// Coordinator is the single-writer actor for one run
type Coordinator struct {
	run      *models.Run
	def      *models.WorkflowDefinition
	context  *contextstore.Store
	tokens   *tokenstore.Store
	planner  *planner.Planner
	applier  *applier.Applier
	gateway  *gateway.Gateway
	executor Executor
	metrics  *metrics.Metrics
	log      *logger.Logger

	defaultTaskTimeout time.Duration
	maxRetryAttempts   int
	onTerminal         func(string)

	mailbox chan message
	done    chan struct{}

	// attempts, inflight, and schemas belong to the actor goroutine
	attempts map[string]int
	inflight map[string]context.CancelFunc
	schemas  map[string]*schema.Schema

	viewMu sync.RWMutex
	view   models.Run

	terminalOnce sync.Once
}

// New creates a coordinator for a run. Call Start to begin execution.
func New(opts Opts) (*Coordinator, error) {
	cs, err := contextstore.New(opts.Run.RunID.String(), opts.Def)
	if err != nil {
		return nil, err
	}
	ts := tokenstore.New(opts.Run.RunID.String())

	log := opts.Logger.WithRunID(opts.Run.RunID.String())
	mailboxSize := opts.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = 64
	}

	c := &Coordinator{
		run:      opts.Run,
		def:      opts.Def,
		context:  cs,
		tokens:   ts,
		planner:  opts.Planner,
		gateway:  opts.Gateway,
		executor: opts.Executor,
		metrics:  opts.Metrics,
		log:      log,

		defaultTaskTimeout: opts.DefaultTaskTimeout,
		maxRetryAttempts:   opts.MaxRetryAttempts,
		onTerminal:         opts.OnTerminal,

		mailbox:  make(chan message, mailboxSize),
		done:     make(chan struct{}),
		attempts: map[string]int{},
		inflight: map[string]context.CancelFunc{},
		schemas:  map[string]*schema.Schema{},
		view:     *opts.Run,
	}
	c.applier = applier.New(applier.Opts{
		Run:           opts.Run,
		Context:       cs,
		Tokens:        ts,
		Store:         opts.Store,
		Hub:           opts.Hub,
		Relay:         opts.Relay,
		Metrics:       opts.Metrics,
		Logger:        log,
		StartSequence: opts.StartSequence,
	})

	go c.loop()
	return c, nil
}

// Start installs the run input and begins dispatching. It returns once the
// start pass committed.
func (c *Coordinator) Start(input map[string]any) error {
	reply := make(chan error, 1)
	select {
	case c.mailbox <- startMsg{input: input, reply: reply}:
		return <-reply
	case <-c.done:
		return models.NewInternalError("coordinator stopped")
	}
}

// Cancel requests owner-initiated cancellation. It returns once the
// cancellation pass committed.
func (c *Coordinator) Cancel(reason string) error {
	reply := make(chan error, 1)
	select {
	case c.mailbox <- cancelMsg{reason: reason, reply: reply}:
		return <-reply
	case <-c.done:
		return nil // already terminal
	}
}

// Run returns a copy of the run's committed view
func (c *Coordinator) Run() models.Run {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view
}

// Done is closed when the run reaches a terminal status
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) post(msg message) {
	select {
	case c.mailbox <- msg:
	case <-c.done:
	}
}

func (c *Coordinator) loop() {
	for {
		select {
		case msg := <-c.mailbox:
			switch m := msg.(type) {
			case startMsg:
				m.reply <- c.handleStart(m.input)
			case taskResultMsg:
				c.handleTaskResult(m)
			case cancelMsg:
				m.reply <- c.handleCancel(m.reason)
			}
			if c.run.Status.Terminal() {
				c.finish()
				return
			}
		case <-c.done:
			return
		}
	}
}

// state marshals committed state into the planner's input. The snapshot is
// logged through the pass recorder.
func (c *Coordinator) state(rec *trace.Recorder) planner.State {
	return planner.State{
		RunID:    c.run.RunID.String(),
		Def:      c.def,
		Snapshot: c.context.Snapshot(rec),
		Tokens:   c.tokens,
	}
}

// apply commits a plan, refreshes the public view, and issues advisory
// executor cancellations for tokens the plan cancelled mid-flight
func (c *Coordinator) apply(plan *planner.Plan, rec *trace.Recorder) error {
	cancelled := c.cancelledInflight(plan)

	if err := c.applier.Apply(context.Background(), plan, rec); err != nil {
		return err
	}

	c.viewMu.Lock()
	c.view = *c.run
	c.viewMu.Unlock()

	for _, tokenID := range cancelled {
		if cancelInvoke, ok := c.inflight[tokenID]; ok {
			cancelInvoke()
		}
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.executor.Cancel(ctx, c.run.RunID.String(), id); err != nil {
				c.log.Debug("advisory cancel failed", "token_id", id, "error", err)
			}
		}(tokenID)
	}
	return nil
}

// cancelledInflight lists tokens the plan moves from running to cancelled
func (c *Coordinator) cancelledInflight(plan *planner.Plan) []string {
	var out []string
	for _, d := range plan.Decisions {
		set, ok := d.(planner.SetTokenStatus)
		if !ok || set.Status != models.TokenCancelled {
			continue
		}
		if tok, found := c.tokens.Get(set.TokenID); found && tok.Status == models.TokenRunning {
			out = append(out, set.TokenID)
		}
	}
	return out
}

func (c *Coordinator) handleStart(input map[string]any) error {
	rec := trace.NewRecorder(c.run.RunID.String())
	plan := c.planner.PlanStart(c.state(rec), input)
	if err := c.apply(plan, rec); err != nil {
		c.failRun(models.AsWorkflowError(err))
		return err
	}
	// A rejected start (invalid input, broken definition) commits the run as
	// failed; surface the recorded error to the caller
	if c.run.Status == models.RunStatusFailed && c.run.Error != nil {
		return c.run.Error
	}
	c.dispatchPending()
	return nil
}

func (c *Coordinator) handleCancel(reason string) error {
	if c.run.Status.Terminal() {
		return nil
	}
	rec := trace.NewRecorder(c.run.RunID.String())
	plan := c.planner.PlanCancelRun(c.state(rec), reason)
	return c.apply(plan, rec)
}

// failRun is the escape hatch for invariant violations outside a normal
// planning pass
func (c *Coordinator) failRun(werr *models.WorkflowError) {
	if c.run.Status.Terminal() {
		return
	}
	rec := trace.NewRecorder(c.run.RunID.String())
	plan := c.planner.PlanRunFailure(c.state(rec), werr)
	if err := c.apply(plan, rec); err != nil {
		c.log.Error("failed to mark run failed", "error", err)
	}
}

// checkCompletion runs the completion pass after an apply settled
func (c *Coordinator) checkCompletion() {
	if c.run.Status.Terminal() {
		return
	}
	rec := trace.NewRecorder(c.run.RunID.String())
	plan := c.planner.PlanCompletionCheck(c.state(rec), c.run.Status)
	if plan == nil {
		return
	}
	if err := c.apply(plan, rec); err != nil {
		c.log.Error("completion pass failed", "error", err)
		c.failRun(models.AsWorkflowError(err))
	}
}

func (c *Coordinator) finish() {
	for _, cancelInvoke := range c.inflight {
		cancelInvoke()
	}
	c.terminalOnce.Do(func() {
		close(c.done)
		if c.onTerminal != nil {
			c.onTerminal(c.run.RunID.String())
		}
	})
}
