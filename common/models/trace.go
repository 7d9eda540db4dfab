package models

import "time"

// TraceType identifies an internal trace event. The set is closed and
// grouped by subsystem; tests assert exact type sequences.
type TraceType string

const (
	TraceContextInit        TraceType = "context.init"
	TraceContextValidate    TraceType = "context.validate"
	TraceContextRead        TraceType = "context.read"
	TraceContextWrite       TraceType = "context.write"
	TraceContextSnapshot    TraceType = "context.snapshot"
	TraceOutputMappingInput TraceType = "context.output_mapping.input"
	TraceOutputMappingApply TraceType = "context.output_mapping.apply"
	TraceOutputMappingSkip  TraceType = "context.output_mapping.skip"

	TraceTokensCreate           TraceType = "tokens.create"
	TraceTokensStatusTransition TraceType = "tokens.status_transition"

	TraceRoutingMatch   TraceType = "routing.match"
	TraceRoutingNoMatch TraceType = "routing.no_match"

	TraceSyncArrival TraceType = "synchronization.arrival"
	TraceSyncReady   TraceType = "synchronization.ready"
	TraceSyncMerge   TraceType = "synchronization.merge"

	TraceDispatchTaskStart TraceType = "dispatch.task_start"
	TraceDispatchTaskEnd   TraceType = "dispatch.task_end"

	TraceCompletionComplete TraceType = "completion.complete"
	TraceCompletionFail     TraceType = "completion.fail"
)

// TraceEvent is one totally-ordered operation record for a run. Sequence is
// run-scoped, strictly increasing, and assigned at apply time; an event with
// Sequence 0 has not been committed yet.
// Maps to: trace_events table.
type TraceEvent struct {
	RunID     string         `db:"run_id" json:"run_id"`
	Sequence  int64          `db:"sequence_number" json:"sequence_number"`
	Type      TraceType      `db:"type" json:"type"`
	Timestamp time.Time      `db:"timestamp" json:"timestamp"`
	Payload   map[string]any `db:"payload" json:"payload,omitempty"`
}

// WorkflowEventType identifies a coarse lifecycle event for subscribers that
// do not need the inner trace
type WorkflowEventType string

const (
	EventWorkflowStarted   WorkflowEventType = "workflow.started"
	EventWorkflowCompleted WorkflowEventType = "workflow.completed"
	EventWorkflowFailed    WorkflowEventType = "workflow.failed"
	EventTaskStarted       WorkflowEventType = "task.started"
	EventTaskCompleted     WorkflowEventType = "task.completed"
	EventTaskFailed        WorkflowEventType = "task.failed"
)

// WorkflowEvent is a coarse lifecycle record emitted on the events stream
type WorkflowEvent struct {
	RunID     string            `json:"run_id"`
	Type      WorkflowEventType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]any    `json:"payload,omitempty"`
}
