package models

import "sort"

// WorkflowDefinition is an authored workflow graph, read-only at run time.
// Definitions come from the external definition store and are immutable.
type WorkflowDefinition struct {
	ID             string           `json:"id"`
	Version        string           `json:"version"`
	InputSchema    map[string]any   `json:"input_schema,omitempty"`
	ContextSchema  map[string]any   `json:"context_schema,omitempty"`
	OutputSchema   map[string]any   `json:"output_schema,omitempty"`
	OutputMapping  map[string]string `json:"output_mapping,omitempty"`
	InitialNodeRef string           `json:"initial_node_ref"`
	Nodes          []NodeDef        `json:"nodes"`
	Transitions    []TransitionDef  `json:"transitions"`
}

// Node returns the node with the given ref, or nil
func (d *WorkflowDefinition) Node(ref string) *NodeDef {
	for i := range d.Nodes {
		if d.Nodes[i].Ref == ref {
			return &d.Nodes[i]
		}
	}
	return nil
}

// TransitionsFrom returns outgoing transitions of a node sorted by
// (priority asc, ref asc). The sort order is part of the routing contract:
// ties break lexicographically so routing is reproducible.
func (d *WorkflowDefinition) TransitionsFrom(nodeRef string) []TransitionDef {
	var out []TransitionDef
	for _, t := range d.Transitions {
		if t.FromNodeRef == nodeRef {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

// NodeDef is one position in the workflow graph. Each token visit dispatches
// exactly one task invocation.
type NodeDef struct {
	Ref           string            `json:"ref"`
	TaskRef       string            `json:"task_ref"`
	TaskVersion   string            `json:"task_version"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
	Retry         *RetryPolicy      `json:"retry,omitempty"`
	TimeoutMS     int64             `json:"timeout_ms,omitempty"`
}

// RetryPolicy bounds dispatcher-side retries for retryable task errors
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
}

// TransitionDef is a directed edge between nodes. A transition may be
// conditional, may fan out into siblings (SpawnCount or Foreach), or may be
// the arrival side of a fan-in (Synchronization).
type TransitionDef struct {
	Ref             string       `json:"ref"`
	FromNodeRef     string       `json:"from_node_ref"`
	ToNodeRef       string       `json:"to_node_ref"`
	Priority        int          `json:"priority"`
	Condition       *Condition   `json:"condition,omitempty"`
	SpawnCount      int          `json:"spawn_count,omitempty"`
	Foreach         *ForeachSpec `json:"foreach,omitempty"`
	SiblingGroup    string       `json:"sibling_group,omitempty"`
	Synchronization *SyncSpec    `json:"synchronization,omitempty"`
}

// Spawning reports whether the transition creates a sibling group
func (t *TransitionDef) Spawning() bool {
	return t.SpawnCount > 0 || t.Foreach != nil
}

// Condition gates a transition. Expressions are CEL evaluated over the run
// snapshot (input, state, output, branch variables).
type Condition struct {
	Type       string `json:"type"` // "cel"
	Expression string `json:"expression"`
}

// ForeachSpec describes dynamic fan-out over a collection resolved from the
// snapshot. Each spawned sibling sees its element bound as ItemVar in its
// branch table.
type ForeachSpec struct {
	Collection string `json:"collection"`
	ItemVar    string `json:"item_var"`
}

// SyncStrategy names a fan-in readiness predicate
type SyncStrategy string

const (
	SyncAll    SyncStrategy = "all"
	SyncAny    SyncStrategy = "any"
	SyncMOfN   SyncStrategy = "m_of_n"
)

// SyncSpec marks a transition as the arrival side of a join. Tokens arriving
// via the transition wait until the strategy's predicate is satisfied, then a
// single continuation token proceeds.
type SyncSpec struct {
	Strategy     SyncStrategy `json:"strategy"`
	SiblingGroup string       `json:"sibling_group"`
	Quorum       int          `json:"quorum,omitempty"` // m for m_of_n
	Merge        *MergeSpec   `json:"merge,omitempty"`
}

// MergeStrategy names a branch merge projection
type MergeStrategy string

const (
	MergeAppend        MergeStrategy = "append"
	MergeObject        MergeStrategy = "merge_object"
	MergeKeyedByBranch MergeStrategy = "keyed_by_branch"
	MergeLastWins      MergeStrategy = "last_wins"
)

// MergeSpec projects branch-table values into shared context at fan-in.
// Source is evaluated against each contributing branch table (the _branch
// prefix addresses the branch root); Target is a writable context path.
type MergeSpec struct {
	Source   string        `json:"source"`
	Target   string        `json:"target"`
	Strategy MergeStrategy `json:"strategy"`
}

// TaskDefinition is a named composition of steps over actions. Execution is
// delegated to the executor; the coordinator treats the task as atomic.
type TaskDefinition struct {
	ID           string         `json:"id"`
	Version      string         `json:"version"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Steps        []TaskStep     `json:"steps,omitempty"`
}

// TaskStep is opaque to the coordinator; it is carried for the executor
type TaskStep struct {
	Ref       string         `json:"ref"`
	ActionRef string         `json:"action_ref"`
	Config    map[string]any `json:"config,omitempty"`
}
