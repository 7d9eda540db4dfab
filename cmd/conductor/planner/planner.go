// Package planner holds the decision logic of the coordinator as a pure
// function: given a committed snapshot and a trigger it produces decisions
// plus the trace events explaining them. It performs no I/O; everything it
// reads is marshalled into State by the caller.
package planner

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lumenflow/conductor/cmd/conductor/condition"
	"github.com/lumenflow/conductor/cmd/conductor/contextstore"
	"github.com/lumenflow/conductor/cmd/conductor/tokenstore"
	"github.com/lumenflow/conductor/common/models"
	"github.com/lumenflow/conductor/common/schema"
)

// State is the committed run state a planning pass reads. Tokens is queried
// read-only; the snapshot is already frozen.
type State struct {
	RunID    string
	Def      *models.WorkflowDefinition
	Snapshot contextstore.Snapshot
	Tokens   *tokenstore.Store
}

// Planner computes plans. It is safe for use across runs; per-pass state
// lives in the plan builder.
type Planner struct {
	conditions *condition.Evaluator
	newID      func() string
	now        func() time.Time
	maxTokens  int
}

// Opts configures a Planner. Zero-value fields get defaults.
type Opts struct {
	Conditions      *condition.Evaluator
	NewID           func() string
	Now             func() time.Time
	MaxTokensPerRun int
}

// New creates a Planner
func New(opts Opts) *Planner {
	p := &Planner{
		conditions: opts.Conditions,
		newID:      opts.NewID,
		now:        opts.Now,
		maxTokens:  opts.MaxTokensPerRun,
	}
	if p.conditions == nil {
		p.conditions = condition.NewEvaluator()
	}
	if p.newID == nil {
		p.newID = func() string { return ulid.Make().String() }
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p
}

// builder accumulates one pass's plan
type builder struct {
	*Plan
	runID string
	now   func() time.Time
}

func (pl *Planner) newBuilder(runID string) *builder {
	return &builder{Plan: &Plan{}, runID: runID, now: pl.now}
}

func (b *builder) decide(d ...Decision) {
	b.Decisions = append(b.Decisions, d...)
}

func (b *builder) trace(t models.TraceType, payload map[string]any) {
	b.Trace = append(b.Trace, models.TraceEvent{
		RunID:     b.runID,
		Type:      t,
		Timestamp: b.now(),
		Payload:   payload,
	})
}

func (b *builder) event(t models.WorkflowEventType, payload map[string]any) {
	b.Events = append(b.Events, models.WorkflowEvent{
		RunID:     b.runID,
		Type:      t,
		Timestamp: b.now(),
		Payload:   payload,
	})
}

// PlanStart handles the WorkflowStart trigger: install input, mint the root
// token at the initial node. Input violating the workflow's input schema is
// workflow-fatal: the plan fails the run instead of initializing context.
func (pl *Planner) PlanStart(st State, input map[string]any) *Plan {
	b := pl.newBuilder(st.RunID)

	if st.Def.Node(st.Def.InitialNodeRef) == nil {
		return pl.failPlan(st, models.NewDefinitionError(
			fmt.Sprintf("initial node %q not defined", st.Def.InitialNodeRef)), nil)
	}

	if input == nil {
		input = map[string]any{}
	}
	inputSchema, err := schema.Compile(st.Def.InputSchema)
	if err != nil {
		return pl.failPlan(st, models.NewDefinitionError(fmt.Sprintf("input_schema: %v", err)), nil)
	}
	if err := inputSchema.Validate(input); err != nil {
		return pl.failPlan(st, models.AsWorkflowError(err), nil)
	}

	b.decide(InitContext{Input: input})
	b.decide(CreateToken{Token: models.Token{
		ID:      pl.newID(),
		NodeRef: st.Def.InitialNodeRef,
		Status:  models.TokenPending,
	}})
	b.event(models.EventWorkflowStarted, map[string]any{
		"definition_ref":     st.Def.ID,
		"definition_version": st.Def.Version,
	})
	return b.Plan
}

// PlanTaskCompleted handles a successful task result for a running token:
// apply the node's output mapping, complete the token, and route.
func (pl *Planner) PlanTaskCompleted(st State, tokenID string, output map[string]any) (*Plan, error) {
	tok, ok := st.Tokens.Get(tokenID)
	if !ok {
		return nil, models.NewInternalError(fmt.Sprintf("task result for unknown token %s", tokenID))
	}
	if tok.Status != models.TokenRunning {
		return nil, models.NewInternalError(
			fmt.Sprintf("task result for token %s in status %s", tokenID, tok.Status))
	}

	b := pl.newBuilder(st.RunID)
	node := st.Def.Node(tok.NodeRef)
	if node == nil {
		return pl.failPlan(st, models.NewDefinitionError(
			fmt.Sprintf("token %s at unknown node %q", tokenID, tok.NodeRef)), nil), nil
	}

	// Sibling output stays isolated in the token's branch table until merged
	branchKey := ""
	if tok.InSiblingGroup() {
		branchKey = tok.ID
	}
	if len(node.OutputMapping) > 0 {
		b.decide(ApplyOutputMapping{
			Mapping:   node.OutputMapping,
			Source:    output,
			BranchKey: branchKey,
		})
	}
	b.decide(SetTokenStatus{TokenID: tok.ID, Status: models.TokenCompleted})

	if err := pl.route(st, b, tok); err != nil {
		werr := models.AsWorkflowError(err)
		werr.TokenID = tok.ID
		werr.NodeRef = tok.NodeRef
		fb := pl.newBuilder(st.RunID)
		// Keep the completed mapping writes; routing failed, not the task
		if len(node.OutputMapping) > 0 {
			fb.decide(ApplyOutputMapping{
				Mapping:   node.OutputMapping,
				Source:    output,
				BranchKey: branchKey,
			})
		}
		fb.decide(SetTokenStatus{TokenID: tok.ID, Status: models.TokenFailed, Reason: string(werr.Kind)})
		pl.appendFailure(st, fb, werr, map[string]bool{tok.ID: true})
		return fb.Plan, nil
	}
	return b.Plan, nil
}

// PlanTaskFailed handles a terminally failed task (retries already
// exhausted by the dispatcher): fail the token and the run
func (pl *Planner) PlanTaskFailed(st State, tokenID string, werr *models.WorkflowError) (*Plan, error) {
	tok, ok := st.Tokens.Get(tokenID)
	if !ok {
		return nil, models.NewInternalError(fmt.Sprintf("task failure for unknown token %s", tokenID))
	}
	if tok.Status != models.TokenRunning {
		return nil, models.NewInternalError(
			fmt.Sprintf("task failure for token %s in status %s", tokenID, tok.Status))
	}

	werr.TokenID = tok.ID
	werr.NodeRef = tok.NodeRef

	b := pl.newBuilder(st.RunID)
	b.decide(SetTokenStatus{TokenID: tok.ID, Status: models.TokenFailed, Reason: string(werr.Kind)})
	pl.appendFailure(st, b, werr, map[string]bool{tok.ID: true})
	return b.Plan, nil
}

// PlanRetry requeues a running token whose task failed retryably
func (pl *Planner) PlanRetry(st State, tokenID string, attempt int) (*Plan, error) {
	tok, ok := st.Tokens.Get(tokenID)
	if !ok || tok.Status != models.TokenRunning {
		return nil, models.NewInternalError(fmt.Sprintf("retry for token %s not running", tokenID))
	}
	b := pl.newBuilder(st.RunID)
	b.decide(SetTokenStatus{
		TokenID: tok.ID,
		Status:  models.TokenPending,
		Reason:  fmt.Sprintf("retry_%d", attempt),
	})
	return b.Plan, nil
}

// PlanCompletionCheck fires after every apply: when no active tokens remain
// the run completes with its projected final output
func (pl *Planner) PlanCompletionCheck(st State, status models.RunStatus) *Plan {
	if status.Terminal() || len(st.Tokens.ListActive()) > 0 || st.Tokens.Count() == 0 {
		return nil
	}

	final := contextstore.EvalMapping(st.Def.OutputMapping, st.Snapshot, "")

	outputSchema, err := schema.Compile(st.Def.OutputSchema)
	if err != nil {
		return pl.failPlan(st, models.NewDefinitionError(fmt.Sprintf("output_schema: %v", err)), nil)
	}
	if err := outputSchema.Validate(final); err != nil {
		return pl.failPlan(st, models.AsWorkflowError(err), nil)
	}

	b := pl.newBuilder(st.RunID)
	b.decide(CompleteWorkflow{FinalOutput: final})
	b.trace(models.TraceCompletionComplete, map[string]any{"final_output": final})
	b.event(models.EventWorkflowCompleted, map[string]any{"final_output": final})
	return b.Plan
}

// PlanCancelRun handles owner-initiated cancellation
func (pl *Planner) PlanCancelRun(st State, reason string) *Plan {
	if reason == "" {
		reason = "cancelled by run owner"
	}
	return pl.failPlan(st, models.NewCancelledError(reason), nil)
}

// PlanRunFailure fails the run with an arbitrary error; used by the
// coordinator for invariant violations surfaced outside a planning pass
func (pl *Planner) PlanRunFailure(st State, werr *models.WorkflowError) *Plan {
	return pl.failPlan(st, werr, nil)
}

// failPlan builds a fresh run-failure plan
func (pl *Planner) failPlan(st State, werr *models.WorkflowError, exclude map[string]bool) *Plan {
	b := pl.newBuilder(st.RunID)
	pl.appendFailure(st, b, werr, exclude)
	return b.Plan
}

// appendFailure cancels all still-active tokens and fails the run
func (pl *Planner) appendFailure(st State, b *builder, werr *models.WorkflowError, exclude map[string]bool) {
	for _, tok := range st.Tokens.ListActive() {
		if exclude[tok.ID] {
			continue
		}
		b.decide(SetTokenStatus{TokenID: tok.ID, Status: models.TokenCancelled, Reason: "run_failed"})
	}
	b.decide(FailWorkflow{Error: werr})
	b.trace(models.TraceCompletionFail, map[string]any{"error": werr})
	b.event(models.EventWorkflowFailed, map[string]any{"error": werr})
}
