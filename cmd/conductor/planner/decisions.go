package planner

import (
	"github.com/lumenflow/conductor/cmd/conductor/contextstore"
	"github.com/lumenflow/conductor/common/models"
)

// Decision is one command produced by a planning pass. The applier executes
// decisions in listed order inside a single staged transaction; planners
// never touch stores directly.
type Decision interface {
	isDecision()
}

// InitContext validates and installs the run input (write-once)
type InitContext struct {
	Input map[string]any
}

// CreateToken mints a token. BranchBindings, when present, seed the token's
// branch table (foreach item variables).
type CreateToken struct {
	Token          models.Token
	BranchBindings map[string]any
}

// SetTokenStatus moves a token through its lifecycle
type SetTokenStatus struct {
	TokenID string
	Status  models.TokenStatus
	Reason  string
}

// WriteContext performs a direct context write
type WriteContext struct {
	Path  string
	Value any
	Mode  contextstore.WriteMode
}

// ApplyOutputMapping projects a task's output into context. A non-empty
// BranchKey redirects output.* destinations into that token's branch table.
type ApplyOutputMapping struct {
	Mapping   map[string]string
	Source    map[string]any
	BranchKey string
}

// MergeSource names one contributing branch of a fan-in merge. The applier
// resolves the token's branch table at execution time so writes applied
// earlier in the same batch are visible to the merge.
type MergeSource struct {
	TokenID     string
	BranchIndex int
}

// PerformMerge projects contributing branch tables into shared context
type PerformMerge struct {
	Spec    *models.MergeSpec
	Sources []MergeSource
}

// CompleteWorkflow marks the run completed with its projected final output
type CompleteWorkflow struct {
	FinalOutput map[string]any
}

// FailWorkflow marks the run failed with a structured error
type FailWorkflow struct {
	Error *models.WorkflowError
}

func (InitContext) isDecision()        {}
func (CreateToken) isDecision()        {}
func (SetTokenStatus) isDecision()     {}
func (WriteContext) isDecision()       {}
func (ApplyOutputMapping) isDecision() {}
func (PerformMerge) isDecision()       {}
func (CompleteWorkflow) isDecision()   {}
func (FailWorkflow) isDecision()       {}

// Plan is the output of one planning pass: decisions plus the trace and
// workflow events explaining them. Store-level events (context writes, token
// creations) are emitted by the stores during apply; the plan carries only
// the planner's own events.
type Plan struct {
	Decisions []Decision
	Trace     []models.TraceEvent
	Events    []models.WorkflowEvent
}

// Empty reports whether the pass produced nothing to apply
func (p *Plan) Empty() bool {
	return p == nil || (len(p.Decisions) == 0 && len(p.Trace) == 0 && len(p.Events) == 0)
}
