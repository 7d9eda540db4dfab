package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lumenflow/conductor/cmd/conductor/planner"
	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/clients"
	"github.com/lumenflow/conductor/common/models"
	"github.com/lumenflow/conductor/common/schema"
)

// dispatchPending picks up every pending token. Each dispatch marks the
// token running in its own committed batch before the executor call goes
// out, so a crash never loses an in-flight invocation silently.
func (c *Coordinator) dispatchPending() {
	if c.run.Status.Terminal() {
		return
	}
	for _, tok := range c.tokens.ListPending() {
		c.dispatchToken(tok)
		if c.run.Status.Terminal() {
			return
		}
	}
}

func (c *Coordinator) dispatchToken(tok models.Token) {
	node := c.def.Node(tok.NodeRef)
	if node == nil {
		c.failRun(models.NewDefinitionError(
			fmt.Sprintf("token %s at unknown node %q", tok.ID, tok.NodeRef)))
		return
	}

	attempt := c.attempts[tok.ID] + 1
	c.attempts[tok.ID] = attempt

	rec := trace.NewRecorder(c.run.RunID.String())
	input := c.composeInput(node.InputMapping, tok.ID, rec)

	rec.Trace(models.TraceDispatchTaskStart, map[string]any{
		"token_id": tok.ID,
		"node_ref": tok.NodeRef,
		"task_ref": node.TaskRef,
		"attempt":  attempt,
	})
	rec.Workflow(models.EventTaskStarted, map[string]any{
		"token_id": tok.ID,
		"node_ref": tok.NodeRef,
		"task_ref": node.TaskRef,
	})

	plan := &planner.Plan{Decisions: []planner.Decision{
		planner.SetTokenStatus{TokenID: tok.ID, Status: models.TokenRunning, Reason: "dispatched"},
	}}
	if err := c.apply(plan, rec); err != nil {
		c.log.Error("dispatch commit failed", "token_id", tok.ID, "error", err)
		c.failRun(models.AsWorkflowError(err))
		return
	}

	task, err := c.gateway.Task(context.Background(), node.TaskRef, node.TaskVersion)
	if err != nil {
		c.handleTaskResult(taskResultMsg{
			tokenID: tok.ID,
			attempt: attempt,
			err: models.NewDefinitionError(
				fmt.Sprintf("task %s@%s: %v", node.TaskRef, node.TaskVersion, err)),
		})
		return
	}

	if err := c.taskSchema(task, "input", task.InputSchema).Validate(input); err != nil {
		c.handleTaskResult(taskResultMsg{
			tokenID: tok.ID,
			attempt: attempt,
			err:     models.AsWorkflowError(err),
		})
		return
	}

	c.invoke(tok, node, task.ID, task.Version, input, attempt)
}

// composeInput evaluates the node's input mapping against live context,
// logging every read
func (c *Coordinator) composeInput(mapping map[string]string, tokenID string, rec *trace.Recorder) map[string]any {
	input := map[string]any{}
	dests := make([]string, 0, len(mapping))
	for dest := range mapping {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	for _, dest := range dests {
		if v, found := c.context.ReadForToken(mapping[dest], tokenID, rec); found {
			input[dest] = v
		}
	}
	return input
}

// invoke calls the executor off the actor goroutine. The result is posted
// back as a taskResultMsg; late or stale responses are discarded by the
// attempt guard in handleTaskResult.
func (c *Coordinator) invoke(tok models.Token, node *models.NodeDef, taskID, taskVersion string, input map[string]any, attempt int) {
	timeout := c.defaultTaskTimeout
	if node.TimeoutMS > 0 {
		timeout = time.Duration(node.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	invokeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	c.inflight[tok.ID] = cancel

	req := clients.InvokeRequest{
		TaskID:         taskID,
		TaskVersion:    taskVersion,
		Input:          input,
		TokenID:        tok.ID,
		RunID:          c.run.RunID.String(),
		DeadlineMS:     timeout.Milliseconds(),
		IdempotencyKey: fmt.Sprintf("%s#%d", tok.ID, attempt),
	}

	go func() {
		defer cancel()
		res, err := c.executor.Invoke(invokeCtx, req)

		msg := taskResultMsg{tokenID: tok.ID, attempt: attempt}
		switch {
		case errors.Is(invokeCtx.Err(), context.DeadlineExceeded):
			msg.err = models.NewTimeoutError(
				fmt.Sprintf("task %s timed out after %s", taskID, timeout))
		case err != nil:
			msg.err = models.AsWorkflowError(err)
		case res.Err != nil:
			msg.err = res.Err
		default:
			msg.output = res.Output
		}
		c.post(msg)
	}()
}

func (c *Coordinator) handleTaskResult(m taskResultMsg) {
	tok, ok := c.tokens.Get(m.tokenID)
	if !ok || tok.Status != models.TokenRunning || m.attempt != c.attempts[m.tokenID] {
		c.log.Debug("discarding stale task result",
			"token_id", m.tokenID, "attempt", m.attempt)
		return
	}
	delete(c.inflight, m.tokenID)

	node := c.def.Node(tok.NodeRef)
	werr := m.err

	// Successful results still have to satisfy the task's output contract
	if werr == nil && node != nil {
		task, err := c.gateway.Task(context.Background(), node.TaskRef, node.TaskVersion)
		if err != nil {
			c.log.Warn("task lookup failed, output validation skipped",
				"token_id", tok.ID,
				"task_ref", node.TaskRef,
				"task_version", node.TaskVersion,
				"error", err)
		} else if verr := c.taskSchema(task, "output", task.OutputSchema).Validate(m.output); verr != nil {
			werr = models.AsWorkflowError(verr)
		}
	}

	if werr != nil {
		c.handleTaskFailure(tok, node, m.attempt, werr)
		return
	}

	rec := trace.NewRecorder(c.run.RunID.String())
	rec.Trace(models.TraceDispatchTaskEnd, map[string]any{
		"token_id": tok.ID,
		"node_ref": tok.NodeRef,
		"status":   "completed",
		"attempt":  m.attempt,
	})
	rec.Workflow(models.EventTaskCompleted, map[string]any{
		"token_id": tok.ID,
		"node_ref": tok.NodeRef,
	})

	plan, err := c.planner.PlanTaskCompleted(c.state(rec), tok.ID, m.output)
	if err != nil {
		c.failRun(models.AsWorkflowError(err))
		return
	}
	if err := c.apply(plan, rec); err != nil {
		c.log.Error("task completion commit failed", "token_id", tok.ID, "error", err)
		c.failRun(models.AsWorkflowError(err))
		return
	}
	if c.metrics != nil {
		c.metrics.TaskDispatches.WithLabelValues("completed").Inc()
	}

	c.checkCompletion()
	c.dispatchPending()
}

func (c *Coordinator) handleTaskFailure(tok models.Token, node *models.NodeDef, attempt int, werr *models.WorkflowError) {
	if werr.Retryable && attempt < c.effectiveAttempts(node) {
		rec := trace.NewRecorder(c.run.RunID.String())
		rec.Trace(models.TraceDispatchTaskEnd, map[string]any{
			"token_id": tok.ID,
			"node_ref": tok.NodeRef,
			"status":   "retry",
			"attempt":  attempt,
			"error":    werr,
		})
		plan, err := c.planner.PlanRetry(c.state(rec), tok.ID, attempt)
		if err != nil {
			c.failRun(models.AsWorkflowError(err))
			return
		}
		if err := c.apply(plan, rec); err != nil {
			c.failRun(models.AsWorkflowError(err))
			return
		}
		if c.metrics != nil {
			c.metrics.TaskDispatches.WithLabelValues("retry").Inc()
		}
		c.dispatchPending()
		return
	}

	werr.AttemptsUsed = attempt
	rec := trace.NewRecorder(c.run.RunID.String())
	rec.Trace(models.TraceDispatchTaskEnd, map[string]any{
		"token_id": tok.ID,
		"node_ref": tok.NodeRef,
		"status":   "failed",
		"attempt":  attempt,
		"error":    werr,
	})
	rec.Workflow(models.EventTaskFailed, map[string]any{
		"token_id": tok.ID,
		"node_ref": tok.NodeRef,
		"error":    werr,
	})

	plan, err := c.planner.PlanTaskFailed(c.state(rec), tok.ID, werr)
	if err != nil {
		c.failRun(models.AsWorkflowError(err))
		return
	}
	if err := c.apply(plan, rec); err != nil {
		c.log.Error("task failure commit failed", "token_id", tok.ID, "error", err)
		c.failRun(models.AsWorkflowError(err))
		return
	}
	if c.metrics != nil {
		c.metrics.TaskDispatches.WithLabelValues("failed").Inc()
	}
}

// effectiveAttempts is the node's retry budget capped by configuration
func (c *Coordinator) effectiveAttempts(node *models.NodeDef) int {
	attempts := 1
	if node != nil && node.Retry != nil {
		attempts = node.Retry.MaxAttempts
	}
	if c.maxRetryAttempts > 0 && attempts > c.maxRetryAttempts {
		attempts = c.maxRetryAttempts
	}
	return attempts
}

// taskSchema compiles and caches a task's input or output schema
func (c *Coordinator) taskSchema(task *models.TaskDefinition, side string, doc map[string]any) *schema.Schema {
	key := task.ID + "@" + task.Version + "/" + side
	if cached, ok := c.schemas[key]; ok {
		return cached
	}
	compiled, err := schema.Compile(doc)
	if err != nil {
		// A broken task schema rejects everything it is asked to admit
		c.log.Warn("task schema failed to compile", "task", key, "error", err)
		compiled = schema.MustCompile(map[string]any{"not": map[string]any{}})
	}
	c.schemas[key] = compiled
	return compiled
}
