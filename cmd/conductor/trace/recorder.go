package trace

import (
	"time"

	"github.com/lumenflow/conductor/common/models"
)

// Recorder accumulates trace and workflow events produced during one
// planning/apply pass. Components append in causal order; the applier stamps
// sequence numbers at commit, so events recorded here are not observable
// until the pass commits.
type Recorder struct {
	runID  string
	trace  []models.TraceEvent
	events []models.WorkflowEvent
	now    func() time.Time
}

// NewRecorder creates a recorder for one run
func NewRecorder(runID string) *Recorder {
	return &Recorder{runID: runID, now: func() time.Time { return time.Now().UTC() }}
}

// Trace records an internal operation event
func (r *Recorder) Trace(t models.TraceType, payload map[string]any) {
	r.trace = append(r.trace, models.TraceEvent{
		RunID:     r.runID,
		Type:      t,
		Timestamp: r.now(),
		Payload:   payload,
	})
}

// Workflow records a coarse lifecycle event
func (r *Recorder) Workflow(t models.WorkflowEventType, payload map[string]any) {
	r.events = append(r.events, models.WorkflowEvent{
		RunID:     r.runID,
		Type:      t,
		Timestamp: r.now(),
		Payload:   payload,
	})
}

// AddTrace appends pre-built trace events (planner output) in order
func (r *Recorder) AddTrace(events ...models.TraceEvent) {
	r.trace = append(r.trace, events...)
}

// AddWorkflow appends pre-built workflow events in order
func (r *Recorder) AddWorkflow(events ...models.WorkflowEvent) {
	r.events = append(r.events, events...)
}

// TraceEvents returns the recorded trace events in order
func (r *Recorder) TraceEvents() []models.TraceEvent {
	return r.trace
}

// WorkflowEvents returns the recorded workflow events in order
func (r *Recorder) WorkflowEvents() []models.WorkflowEvent {
	return r.events
}

// Len returns the number of recorded trace events
func (r *Recorder) Len() int {
	return len(r.trace)
}
