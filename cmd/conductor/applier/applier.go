// Package applier executes plans transactionally. It is the only writer of
// tokens, context, run rows, and trace events for its run; every decision
// batch commits atomically or not at all, and sequence numbers are assigned
// here, in commit order, contiguous from 1.
package applier

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenflow/conductor/cmd/conductor/contextstore"
	"github.com/lumenflow/conductor/cmd/conductor/planner"
	"github.com/lumenflow/conductor/cmd/conductor/store"
	"github.com/lumenflow/conductor/cmd/conductor/tokenstore"
	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/logger"
	"github.com/lumenflow/conductor/common/metrics"
	"github.com/lumenflow/conductor/common/models"
)

// Applier owns the write path of one run
type Applier struct {
	run     *models.Run
	context *contextstore.Store
	tokens  *tokenstore.Store
	store   store.RunStore
	hub     *trace.Hub
	relay   *trace.Relay
	metrics *metrics.Metrics
	log     *logger.Logger
	seq     int64
}

// Opts wires an Applier. StartSequence seeds the counter when resuming a
// run that already has committed events.
type Opts struct {
	Run           *models.Run
	Context       *contextstore.Store
	Tokens        *tokenstore.Store
	Store         store.RunStore
	Hub           *trace.Hub
	Relay         *trace.Relay
	Metrics       *metrics.Metrics
	Logger        *logger.Logger
	StartSequence int64
}

// New creates an applier for one run
func New(opts Opts) *Applier {
	return &Applier{
		run:     opts.Run,
		context: opts.Context,
		tokens:  opts.Tokens,
		store:   opts.Store,
		hub:     opts.Hub,
		relay:   opts.Relay,
		metrics: opts.Metrics,
		log:     opts.Logger,
		seq:     opts.StartSequence,
	}
}

// Sequence returns the last committed sequence number
func (a *Applier) Sequence() int64 {
	return a.seq
}

// Apply executes a plan against staged copies of the run state, persists
// everything in one transaction, then installs the staged state and fans the
// committed events out. On error nothing is visible: the caller must discard
// the recorder, whose events were never sequenced.
//
// The recorder may already hold events recorded before planning (dispatch
// bookkeeping); the plan's own events are appended here so the committed
// order is pre-plan, planner, then store-level events.
func (a *Applier) Apply(ctx context.Context, plan *planner.Plan, rec *trace.Recorder) error {
	if plan.Empty() && rec.Len() == 0 {
		return nil
	}

	rec.AddTrace(plan.Trace...)
	rec.AddWorkflow(plan.Events...)

	stagedCtx := a.context.Clone()
	stagedToks := a.tokens.Clone()
	stagedRun := *a.run

	tokensCreated := 0
	for i, d := range plan.Decisions {
		if err := a.execute(stagedCtx, stagedToks, &stagedRun, d, rec); err != nil {
			return fmt.Errorf("decision %d (%T): %w", i, d, err)
		}
		if _, ok := d.(planner.CreateToken); ok {
			tokensCreated++
		}
	}

	events := rec.TraceEvents()
	for i := range events {
		a.seq++
		events[i].Sequence = a.seq
	}

	dirty := stagedToks.TakeDirty()
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveRun(ctx, &stagedRun); err != nil {
			return err
		}
		if len(dirty) > 0 {
			if err := tx.UpsertTokens(ctx, stagedRun.RunID.String(), dirty); err != nil {
				return err
			}
		}
		for ns, doc := range stagedCtx.Namespaces() {
			if err := tx.PutContextNamespace(ctx, stagedRun.RunID.String(), ns, doc); err != nil {
				return err
			}
		}
		if len(events) > 0 {
			return tx.AppendTraceEvents(ctx, events)
		}
		return nil
	})
	if err != nil {
		a.seq -= int64(len(events))
		return fmt.Errorf("apply commit: %w", err)
	}

	prevStatus := a.run.Status
	a.context.CopyFrom(stagedCtx)
	a.tokens.CopyFrom(stagedToks)
	*a.run = stagedRun

	if a.metrics != nil {
		a.metrics.TraceEvents.Add(float64(len(events)))
		a.metrics.TokensCreated.Add(float64(tokensCreated))
		if prevStatus != stagedRun.Status {
			switch stagedRun.Status {
			case models.RunStatusCompleted:
				a.metrics.RunsCompleted.Inc()
			case models.RunStatusFailed:
				a.metrics.RunsFailed.Inc()
			}
		}
	}

	if a.hub != nil {
		a.hub.PublishTrace(events)
		a.hub.PublishWorkflow(rec.WorkflowEvents())
	}
	a.relay.Publish(ctx, rec.WorkflowEvents())

	a.log.Debug("plan applied",
		"decisions", len(plan.Decisions),
		"events", len(events),
		"sequence", a.seq)
	return nil
}

func (a *Applier) execute(
	stagedCtx *contextstore.Store,
	stagedToks *tokenstore.Store,
	stagedRun *models.Run,
	d planner.Decision,
	rec *trace.Recorder,
) error {
	switch dec := d.(type) {
	case planner.InitContext:
		if err := stagedCtx.Initialize(dec.Input, rec); err != nil {
			return err
		}
		stagedRun.Input = dec.Input
		return nil

	case planner.CreateToken:
		if err := stagedToks.Create(dec.Token, rec); err != nil {
			return err
		}
		stagedCtx.SeedBranch(dec.Token.ID, dec.BranchBindings)
		return nil

	case planner.SetTokenStatus:
		return stagedToks.UpdateStatus(dec.TokenID, dec.Status, dec.Reason, rec)

	case planner.WriteContext:
		return stagedCtx.Write(dec.Path, dec.Value, dec.Mode, rec)

	case planner.ApplyOutputMapping:
		return stagedCtx.ApplyOutputMapping(dec.Mapping, dec.Source, dec.BranchKey, rec)

	case planner.PerformMerge:
		contribs := make([]contextstore.BranchContribution, 0, len(dec.Sources))
		for _, src := range dec.Sources {
			contribs = append(contribs, contextstore.BranchContribution{
				TokenID:     src.TokenID,
				BranchIndex: src.BranchIndex,
				Table:       stagedCtx.BranchTable(src.TokenID),
			})
		}
		return stagedCtx.Merge(dec.Spec, contribs, rec)

	case planner.CompleteWorkflow:
		stagedRun.Status = models.RunStatusCompleted
		stagedRun.FinalOutput = dec.FinalOutput
		stagedRun.UpdatedAt = time.Now().UTC()
		return nil

	case planner.FailWorkflow:
		stagedRun.Status = models.RunStatusFailed
		stagedRun.Error = dec.Error
		stagedRun.UpdatedAt = time.Now().UTC()
		return nil

	default:
		return models.NewInternalError(fmt.Sprintf("unknown decision type %T", d))
	}
}
