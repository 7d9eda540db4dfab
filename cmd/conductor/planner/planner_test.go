package planner

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenflow/conductor/cmd/conductor/contextstore"
	"github.com/lumenflow/conductor/cmd/conductor/tokenstore"
	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/models"
)

func testPlanner() *Planner {
	n := 0
	return New(Opts{
		NewID: func() string { n++; return fmt.Sprintf("tok-%02d", n) },
		Now:   func() time.Time { return time.Unix(0, 0).UTC() },
	})
}

func runningToken(t *testing.T, ts *tokenstore.Store, tok models.Token) {
	t.Helper()
	rec := trace.NewRecorder("run-1")
	tok.Status = models.TokenPending
	require.NoError(t, ts.Create(tok, rec))
	require.NoError(t, ts.UpdateStatus(tok.ID, models.TokenRunning, "", rec))
}

func linearDef() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:             "wf",
		Version:        "1",
		InitialNodeRef: "a",
		Nodes: []models.NodeDef{
			{Ref: "a", TaskRef: "task-a", OutputMapping: map[string]string{"state.value": "$.value"}},
			{Ref: "b", TaskRef: "task-b"},
		},
		Transitions: []models.TransitionDef{
			{Ref: "t_ab", FromNodeRef: "a", ToNodeRef: "b", Priority: 1},
		},
	}
}

func stateFor(def *models.WorkflowDefinition, ts *tokenstore.Store) State {
	return State{
		RunID:    "run-1",
		Def:      def,
		Snapshot: contextstore.Snapshot{},
		Tokens:   ts,
	}
}

func decisionTypes(p *Plan) []string {
	var out []string
	for _, d := range p.Decisions {
		out = append(out, fmt.Sprintf("%T", d))
	}
	return out
}

func createsIn(p *Plan) []CreateToken {
	var out []CreateToken
	for _, d := range p.Decisions {
		if c, ok := d.(CreateToken); ok {
			out = append(out, c)
		}
	}
	return out
}

func traceTypes(p *Plan) []models.TraceType {
	var out []models.TraceType
	for _, ev := range p.Trace {
		out = append(out, ev.Type)
	}
	return out
}

func TestPlanStart(t *testing.T) {
	pl := testPlanner()
	st := stateFor(linearDef(), tokenstore.New("run-1"))

	plan := pl.PlanStart(st, map[string]any{"k": "v"})

	require.Len(t, plan.Decisions, 2)
	init := plan.Decisions[0].(InitContext)
	assert.Equal(t, map[string]any{"k": "v"}, init.Input)

	root := plan.Decisions[1].(CreateToken)
	assert.Equal(t, "a", root.Token.NodeRef)
	assert.Equal(t, models.TokenPending, root.Token.Status)
	assert.Empty(t, root.Token.ParentTokenID)

	require.Len(t, plan.Events, 1)
	assert.Equal(t, models.EventWorkflowStarted, plan.Events[0].Type)
}

func TestPlanStartUnknownInitialNode(t *testing.T) {
	pl := testPlanner()
	def := linearDef()
	def.InitialNodeRef = "nope"
	st := stateFor(def, tokenstore.New("run-1"))

	plan := pl.PlanStart(st, nil)

	require.Len(t, plan.Decisions, 1)
	fail := plan.Decisions[0].(FailWorkflow)
	assert.Equal(t, models.ErrKindDefinition, fail.Error.Kind)
	assert.Equal(t, []models.TraceType{models.TraceCompletionFail}, traceTypes(plan))
}

func TestPlanStartInputSchemaViolation(t *testing.T) {
	pl := testPlanner()
	def := linearDef()
	def.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"name"},
	}
	st := stateFor(def, tokenstore.New("run-1"))

	plan := pl.PlanStart(st, map[string]any{})

	require.Len(t, plan.Decisions, 1)
	fail := plan.Decisions[0].(FailWorkflow)
	assert.Equal(t, models.ErrKindSchemaViolation, fail.Error.Kind)
	assert.Equal(t, []models.TraceType{models.TraceCompletionFail}, traceTypes(plan))

	require.Len(t, plan.Events, 1)
	assert.Equal(t, models.EventWorkflowFailed, plan.Events[0].Type)
}

func TestPlanTaskCompletedLinear(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})
	st := stateFor(linearDef(), ts)

	plan, err := pl.PlanTaskCompleted(st, "root", map[string]any{"value": 42})
	require.NoError(t, err)

	require.Equal(t, []string{
		"planner.ApplyOutputMapping",
		"planner.SetTokenStatus",
		"planner.CreateToken",
	}, decisionTypes(plan))

	mapping := plan.Decisions[0].(ApplyOutputMapping)
	assert.Empty(t, mapping.BranchKey, "non-sibling writes shared context")
	assert.Equal(t, map[string]any{"value": 42}, mapping.Source)

	done := plan.Decisions[1].(SetTokenStatus)
	assert.Equal(t, models.TokenCompleted, done.Status)

	next := plan.Decisions[2].(CreateToken)
	assert.Equal(t, "b", next.Token.NodeRef)
	assert.Equal(t, "root", next.Token.ParentTokenID)

	assert.Equal(t, []models.TraceType{models.TraceRoutingMatch}, traceTypes(plan))
}

func TestPlanTaskCompletedNotRunning(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	rec := trace.NewRecorder("run-1")
	require.NoError(t, ts.Create(models.Token{ID: "root", NodeRef: "a", Status: models.TokenPending}, rec))
	st := stateFor(linearDef(), ts)

	_, err := pl.PlanTaskCompleted(st, "root", nil)
	require.Error(t, err)
	_, err = pl.PlanTaskCompleted(st, "ghost", nil)
	require.Error(t, err)
}

func TestFirstMatchPolicy(t *testing.T) {
	def := linearDef()
	def.Nodes = append(def.Nodes, models.NodeDef{Ref: "c"})
	def.Transitions = []models.TransitionDef{
		{Ref: "t1", FromNodeRef: "a", ToNodeRef: "b", Priority: 1,
			Condition: &models.Condition{Expression: `state.kind == "x"`}},
		{Ref: "t2", FromNodeRef: "a", ToNodeRef: "c", Priority: 2},
	}

	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})
	st := stateFor(def, ts)
	st.Snapshot = contextstore.Snapshot{State: map[string]any{"kind": "x"}}

	plan, err := pl.PlanTaskCompleted(st, "root", nil)
	require.NoError(t, err)

	creates := createsIn(plan)
	require.Len(t, creates, 1)
	assert.Equal(t, "b", creates[0].Token.NodeRef)

	assert.Equal(t, []models.TraceType{
		models.TraceRoutingMatch,
		models.TraceRoutingNoMatch,
	}, traceTypes(plan))
	assert.Equal(t, "first_match_policy", plan.Trace[1].Payload["reason"])
}

func TestConditionFalseFallsThrough(t *testing.T) {
	def := linearDef()
	def.Nodes = append(def.Nodes, models.NodeDef{Ref: "c"})
	def.Transitions = []models.TransitionDef{
		{Ref: "t1", FromNodeRef: "a", ToNodeRef: "b", Priority: 1,
			Condition: &models.Condition{Expression: `state.kind == "x"`}},
		{Ref: "t2", FromNodeRef: "a", ToNodeRef: "c", Priority: 2},
	}

	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})
	st := stateFor(def, ts)
	st.Snapshot = contextstore.Snapshot{State: map[string]any{"kind": "y"}}

	plan, err := pl.PlanTaskCompleted(st, "root", nil)
	require.NoError(t, err)

	creates := createsIn(plan)
	require.Len(t, creates, 1)
	assert.Equal(t, "c", creates[0].Token.NodeRef)
	assert.Equal(t, "condition_false", plan.Trace[0].Payload["reason"])
}

func TestPriorityZeroParallelGroup(t *testing.T) {
	def := linearDef()
	def.Nodes = append(def.Nodes, models.NodeDef{Ref: "c"}, models.NodeDef{Ref: "d"})
	def.Transitions = []models.TransitionDef{
		{Ref: "t1", FromNodeRef: "a", ToNodeRef: "b", Priority: 0},
		{Ref: "t2", FromNodeRef: "a", ToNodeRef: "c", Priority: 0},
		{Ref: "t3", FromNodeRef: "a", ToNodeRef: "d", Priority: 1},
	}

	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})

	plan, err := pl.PlanTaskCompleted(stateFor(def, ts), "root", nil)
	require.NoError(t, err)

	creates := createsIn(plan)
	require.Len(t, creates, 2, "both priority-0 transitions fire")
	assert.Equal(t, "b", creates[0].Token.NodeRef)
	assert.Equal(t, "c", creates[1].Token.NodeRef)
	assert.Equal(t, "first_match_policy", plan.Trace[2].Payload["reason"])
}

func TestStaticFanOut(t *testing.T) {
	def := linearDef()
	def.Transitions = []models.TransitionDef{
		{Ref: "t_fan", FromNodeRef: "a", ToNodeRef: "b", SpawnCount: 3, SiblingGroup: "g"},
	}

	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})

	plan, err := pl.PlanTaskCompleted(stateFor(def, ts), "root", nil)
	require.NoError(t, err)

	creates := createsIn(plan)
	require.Len(t, creates, 3)
	for i, c := range creates {
		assert.Equal(t, "g", c.Token.SiblingGroupID)
		assert.Equal(t, "t_fan", c.Token.FanOutTransitionRef)
		assert.Equal(t, i, c.Token.BranchIndex)
		assert.Equal(t, 3, c.Token.BranchTotal)
		assert.Equal(t, "root", c.Token.ParentTokenID)
	}
}

func TestFanOutAutoGroupID(t *testing.T) {
	def := linearDef()
	def.Transitions = []models.TransitionDef{
		{Ref: "t_fan", FromNodeRef: "a", ToNodeRef: "b", SpawnCount: 2},
	}

	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})

	plan, err := pl.PlanTaskCompleted(stateFor(def, ts), "root", nil)
	require.NoError(t, err)
	assert.Equal(t, "t_fan#root", createsIn(plan)[0].Token.SiblingGroupID)
}

func TestForeachFanOut(t *testing.T) {
	def := linearDef()
	def.Transitions = []models.TransitionDef{
		{Ref: "t_each", FromNodeRef: "a", ToNodeRef: "b", SiblingGroup: "g",
			Foreach: &models.ForeachSpec{Collection: "$.state.items", ItemVar: "it"}},
	}

	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})
	st := stateFor(def, ts)
	st.Snapshot = contextstore.Snapshot{State: map[string]any{"items": []any{"a", "b"}}}

	plan, err := pl.PlanTaskCompleted(st, "root", nil)
	require.NoError(t, err)

	creates := createsIn(plan)
	require.Len(t, creates, 2)
	assert.Equal(t, map[string]any{"it": "a"}, creates[0].BranchBindings)
	assert.Equal(t, map[string]any{"it": "b"}, creates[1].BranchBindings)
	assert.Equal(t, 2, creates[0].Token.BranchTotal)
}

func TestForeachEmptyCollection(t *testing.T) {
	def := linearDef()
	def.Transitions = []models.TransitionDef{
		{Ref: "t_each", FromNodeRef: "a", ToNodeRef: "b",
			Foreach: &models.ForeachSpec{Collection: "$.state.items", ItemVar: "it"}},
	}

	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})

	plan, err := pl.PlanTaskCompleted(stateFor(def, ts), "root", nil)
	require.NoError(t, err)

	assert.Empty(t, createsIn(plan), "empty collection spawns nothing")
	require.Len(t, plan.Trace, 1)
	assert.Equal(t, models.TraceRoutingNoMatch, plan.Trace[0].Type)
	assert.Equal(t, "empty_collection", plan.Trace[0].Payload["reason"])
}

func syncDef(strategy models.SyncStrategy, quorum int) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:             "wf",
		Version:        "1",
		InitialNodeRef: "a",
		Nodes: []models.NodeDef{
			{Ref: "b", OutputMapping: map[string]string{"output.result": "$.result"}},
			{Ref: "c"},
		},
		Transitions: []models.TransitionDef{
			{Ref: "t_join", FromNodeRef: "b", ToNodeRef: "c",
				Synchronization: &models.SyncSpec{
					Strategy:     strategy,
					SiblingGroup: "g",
					Quorum:       quorum,
					Merge: &models.MergeSpec{
						Source:   "_branch.output.result",
						Target:   "state.results",
						Strategy: models.MergeAppend,
					},
				}},
		},
	}
}

func seedSiblings(t *testing.T, ts *tokenstore.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		runningToken(t, ts, models.Token{
			ID:                  fmt.Sprintf("sib-%d", i),
			NodeRef:             "b",
			SiblingGroupID:      "g",
			FanOutTransitionRef: "t_fan",
			BranchIndex:         i,
			BranchTotal:         n,
		})
	}
}

func TestSyncAllNotReadyUntilLastArrival(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	seedSiblings(t, ts, 3)

	plan, err := pl.PlanTaskCompleted(stateFor(syncDef(models.SyncAll, 0), ts), "sib-0", map[string]any{"result": "r0"})
	require.NoError(t, err)

	creates := createsIn(plan)
	require.Len(t, creates, 1, "only the arrival token")
	arrival := creates[0].Token
	assert.Equal(t, models.TokenWaitingAtFanIn, arrival.Status)
	assert.Equal(t, "sib-0", arrival.ParentTokenID)
	assert.Equal(t, "t_join", arrival.FanOutTransitionRef)
	assert.Equal(t, 0, arrival.BranchIndex)

	types := traceTypes(plan)
	assert.Contains(t, types, models.TraceSyncArrival)
	assert.NotContains(t, types, models.TraceSyncReady)
}

func TestSyncAllReadyMergeAndContinuation(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	seedSiblings(t, ts, 3)
	rec := trace.NewRecorder("run-1")

	// Two siblings already arrived and wait
	for i := 0; i < 2; i++ {
		require.NoError(t, ts.UpdateStatus(fmt.Sprintf("sib-%d", i), models.TokenCompleted, "", rec))
		require.NoError(t, ts.Create(models.Token{
			ID:                  fmt.Sprintf("arr-%d", i),
			NodeRef:             "c",
			Status:              models.TokenWaitingAtFanIn,
			ParentTokenID:       fmt.Sprintf("sib-%d", i),
			SiblingGroupID:      "g",
			FanOutTransitionRef: "t_join",
			BranchIndex:         i,
			BranchTotal:         3,
		}, rec))
	}

	plan, err := pl.PlanTaskCompleted(stateFor(syncDef(models.SyncAll, 0), ts), "sib-2", map[string]any{"result": "r2"})
	require.NoError(t, err)

	types := traceTypes(plan)
	assert.Contains(t, types, models.TraceSyncReady)
	assert.Contains(t, types, models.TraceSyncMerge)

	var ready models.TraceEvent
	for _, ev := range plan.Trace {
		if ev.Type == models.TraceSyncReady {
			ready = ev
		}
	}
	ids := ready.Payload["arrival_token_ids"].([]string)
	require.Len(t, ids, 3)
	assert.Equal(t, []string{"arr-0", "arr-1"}, ids[:2], "arrivals ordered by branch index")

	var merge PerformMerge
	var continuation *CreateToken
	completedArrivals := 0
	for _, d := range plan.Decisions {
		switch dec := d.(type) {
		case PerformMerge:
			merge = dec
		case CreateToken:
			if dec.Token.Status == models.TokenPending {
				c := dec
				continuation = &c
			}
		case SetTokenStatus:
			if dec.Reason == "fan_in_consumed" {
				assert.Equal(t, models.TokenCompleted, dec.Status)
				completedArrivals++
			}
		}
	}
	require.Len(t, merge.Sources, 3)
	assert.Equal(t, "sib-0", merge.Sources[0].TokenID, "merge reads the spawn siblings' branches")
	assert.Equal(t, 3, completedArrivals)
	require.NotNil(t, continuation)
	assert.Equal(t, "c", continuation.Token.NodeRef)
	assert.Empty(t, continuation.Token.SiblingGroupID, "continuation is outside the group")
}

func TestSyncAnyCancelsStragglers(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	seedSiblings(t, ts, 3)

	plan, err := pl.PlanTaskCompleted(stateFor(syncDef(models.SyncAny, 0), ts), "sib-1", map[string]any{"result": "r1"})
	require.NoError(t, err)

	assert.Contains(t, traceTypes(plan), models.TraceSyncReady)

	var cancelled []string
	var sawCancelBeforeContinuation bool
	for _, d := range plan.Decisions {
		switch dec := d.(type) {
		case SetTokenStatus:
			if dec.Status == models.TokenCancelled {
				cancelled = append(cancelled, dec.TokenID)
			}
		case CreateToken:
			if dec.Token.Status == models.TokenPending {
				sawCancelBeforeContinuation = len(cancelled) == 2
			}
		}
	}
	assert.ElementsMatch(t, []string{"sib-0", "sib-2"}, cancelled)
	assert.True(t, sawCancelBeforeContinuation, "stragglers cancelled before the continuation token")
}

func TestSyncMOfN(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	seedSiblings(t, ts, 3)

	st := stateFor(syncDef(models.SyncMOfN, 2), ts)
	plan, err := pl.PlanTaskCompleted(st, "sib-0", map[string]any{"result": "r0"})
	require.NoError(t, err)
	assert.NotContains(t, traceTypes(plan), models.TraceSyncReady, "quorum of 2 not met by first arrival")

	rec := trace.NewRecorder("run-1")
	require.NoError(t, ts.UpdateStatus("sib-0", models.TokenCompleted, "", rec))
	require.NoError(t, ts.Create(models.Token{
		ID: "arr-0", NodeRef: "c", Status: models.TokenWaitingAtFanIn,
		ParentTokenID: "sib-0", SiblingGroupID: "g", FanOutTransitionRef: "t_join",
		BranchIndex: 0, BranchTotal: 3,
	}, rec))

	plan, err = pl.PlanTaskCompleted(st, "sib-1", map[string]any{"result": "r1"})
	require.NoError(t, err)
	assert.Contains(t, traceTypes(plan), models.TraceSyncReady)

	var cancelled []string
	for _, d := range plan.Decisions {
		if dec, ok := d.(SetTokenStatus); ok && dec.Status == models.TokenCancelled {
			cancelled = append(cancelled, dec.TokenID)
		}
	}
	assert.Equal(t, []string{"sib-2"}, cancelled)
}

func TestSiblingOutputGoesToBranch(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	seedSiblings(t, ts, 3)

	plan, err := pl.PlanTaskCompleted(stateFor(syncDef(models.SyncAll, 0), ts), "sib-0", map[string]any{"result": "r0"})
	require.NoError(t, err)

	mapping := plan.Decisions[0].(ApplyOutputMapping)
	assert.Equal(t, "sib-0", mapping.BranchKey)
}

func TestPlanTaskFailed(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})
	runningToken(t, ts, models.Token{ID: "other", NodeRef: "b"})

	werr := models.NewTaskError("step_failure", "boom", false)
	plan, err := pl.PlanTaskFailed(stateFor(linearDef(), ts), "root", werr)
	require.NoError(t, err)

	require.Equal(t, []string{
		"planner.SetTokenStatus",
		"planner.SetTokenStatus",
		"planner.FailWorkflow",
	}, decisionTypes(plan))

	failed := plan.Decisions[0].(SetTokenStatus)
	assert.Equal(t, models.TokenFailed, failed.Status)
	assert.Equal(t, "root", failed.TokenID)

	cancelledOther := plan.Decisions[1].(SetTokenStatus)
	assert.Equal(t, models.TokenCancelled, cancelledOther.Status)
	assert.Equal(t, "other", cancelledOther.TokenID)

	fail := plan.Decisions[2].(FailWorkflow)
	assert.Equal(t, "root", fail.Error.TokenID)
	assert.Equal(t, "a", fail.Error.NodeRef)

	assert.Equal(t, []models.TraceType{models.TraceCompletionFail}, traceTypes(plan))
	require.Len(t, plan.Events, 1)
	assert.Equal(t, models.EventWorkflowFailed, plan.Events[0].Type)
}

func TestPlanRetry(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})

	plan, err := pl.PlanRetry(stateFor(linearDef(), ts), "root", 2)
	require.NoError(t, err)

	require.Len(t, plan.Decisions, 1)
	retry := plan.Decisions[0].(SetTokenStatus)
	assert.Equal(t, models.TokenPending, retry.Status)
	assert.Equal(t, "retry_2", retry.Reason)
}

func TestPlanCompletionCheck(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	rec := trace.NewRecorder("run-1")
	require.NoError(t, ts.Create(models.Token{ID: "root", NodeRef: "a", Status: models.TokenPending}, rec))

	def := linearDef()
	def.OutputMapping = map[string]string{"greeting": "$.output.greeting"}
	st := stateFor(def, ts)
	st.Snapshot = contextstore.Snapshot{Output: map[string]any{"greeting": "hi"}}

	// Active token: not done yet
	assert.Nil(t, pl.PlanCompletionCheck(st, models.RunStatusRunning))

	require.NoError(t, ts.UpdateStatus("root", models.TokenRunning, "", rec))
	require.NoError(t, ts.UpdateStatus("root", models.TokenCompleted, "", rec))

	plan := pl.PlanCompletionCheck(st, models.RunStatusRunning)
	require.NotNil(t, plan)
	require.Len(t, plan.Decisions, 1)
	complete := plan.Decisions[0].(CompleteWorkflow)
	assert.Equal(t, map[string]any{"greeting": "hi"}, complete.FinalOutput)
	assert.Equal(t, []models.TraceType{models.TraceCompletionComplete}, traceTypes(plan))
	require.Len(t, plan.Events, 1)
	assert.Equal(t, models.EventWorkflowCompleted, plan.Events[0].Type)

	// Terminal runs never re-complete
	assert.Nil(t, pl.PlanCompletionCheck(st, models.RunStatusCompleted))
}

func TestPlanCompletionCheckSchemaViolation(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	rec := trace.NewRecorder("run-1")
	require.NoError(t, ts.Create(models.Token{ID: "root", NodeRef: "a", Status: models.TokenPending}, rec))
	require.NoError(t, ts.UpdateStatus("root", models.TokenRunning, "", rec))
	require.NoError(t, ts.UpdateStatus("root", models.TokenCompleted, "", rec))

	def := linearDef()
	def.OutputMapping = map[string]string{"greeting": "$.output.greeting"}
	def.OutputSchema = map[string]any{
		"type":     "object",
		"required": []any{"greeting"},
	}
	st := stateFor(def, ts)
	st.Snapshot = contextstore.Snapshot{Output: map[string]any{}}

	plan := pl.PlanCompletionCheck(st, models.RunStatusRunning)
	require.NotNil(t, plan)
	fail := plan.Decisions[len(plan.Decisions)-1].(FailWorkflow)
	assert.Equal(t, models.ErrKindSchemaViolation, fail.Error.Kind)
	assert.Equal(t, []models.TraceType{models.TraceCompletionFail}, traceTypes(plan))
}

func TestPlanCancelRun(t *testing.T) {
	pl := testPlanner()
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})

	plan := pl.PlanCancelRun(stateFor(linearDef(), ts), "")
	require.Equal(t, []string{
		"planner.SetTokenStatus",
		"planner.FailWorkflow",
	}, decisionTypes(plan))
	fail := plan.Decisions[1].(FailWorkflow)
	assert.Equal(t, models.ErrKindCancelled, fail.Error.Kind)
}

func TestTokenBudgetFailsRun(t *testing.T) {
	n := 0
	pl := New(Opts{
		NewID:           func() string { n++; return fmt.Sprintf("tok-%02d", n) },
		MaxTokensPerRun: 2,
	})
	def := linearDef()
	def.Transitions = []models.TransitionDef{
		{Ref: "t_fan", FromNodeRef: "a", ToNodeRef: "b", SpawnCount: 5, SiblingGroup: "g"},
	}
	ts := tokenstore.New("run-1")
	runningToken(t, ts, models.Token{ID: "root", NodeRef: "a"})

	plan, err := pl.PlanTaskCompleted(stateFor(def, ts), "root", nil)
	require.NoError(t, err)

	last := plan.Decisions[len(plan.Decisions)-1].(FailWorkflow)
	assert.Equal(t, models.ErrKindInternal, last.Error.Kind)
}
