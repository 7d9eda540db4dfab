package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumenflow/conductor/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// InvokeRequest is one task invocation handed to the executor
type InvokeRequest struct {
	TaskID         string         `json:"task_id"`
	TaskVersion    string         `json:"task_version"`
	Input          map[string]any `json:"input"`
	TokenID        string         `json:"token_id"`
	RunID          string         `json:"run_id"`
	DeadlineMS     int64          `json:"deadline_ms,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// InvokeResult is the executor's typed response. Exactly one of Output or
// Err is set.
type InvokeResult struct {
	Output map[string]any
	Err    *models.WorkflowError
}

// ExecutorClient talks to the external executor over HTTP. The executor
// owns idempotency of external side effects; the coordinator only reports
// advisory cancellations.
type ExecutorClient struct {
	baseURL string
	http    *http.Client
	logger  Logger
}

// NewExecutorClient creates a new executor client
func NewExecutorClient(baseURL string, timeout time.Duration, logger Logger) *ExecutorClient {
	return &ExecutorClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type invokeResponse struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *struct {
		Kind      string `json:"kind,omitempty"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error,omitempty"`
}

// Invoke runs a task on the executor. Transport-level failures return an
// error; executor-reported failures come back as InvokeResult.Err.
func (c *ExecutorClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/invoke", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("invoking executor",
		"task_id", req.TaskID,
		"token_id", req.TokenID,
		"run_id", req.RunID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, models.NewTransportError(fmt.Sprintf("executor unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, models.NewTransportError(
			fmt.Sprintf("executor returned status %d: %s", resp.StatusCode, string(raw)))
	}

	var decoded invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, models.NewTransportError(fmt.Sprintf("decode executor response: %v", err))
	}

	if !decoded.Success {
		if decoded.Error == nil {
			return nil, models.NewTransportError("executor reported failure without error details")
		}
		return &InvokeResult{
			Err: models.NewTaskError(decoded.Error.Code, decoded.Error.Message, decoded.Error.Retryable),
		}, nil
	}

	return &InvokeResult{Output: decoded.Output}, nil
}

// Cancel reports an advisory cancellation for a token. The executor may
// ignore it; any late response is discarded by the coordinator.
func (c *ExecutorClient) Cancel(ctx context.Context, runID, tokenID string) error {
	body, err := json.Marshal(map[string]string{
		"run_id":   runID,
		"token_id": tokenID,
	})
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/cancel", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("executor cancel failed", "token_id", tokenID, "error", err)
		return fmt.Errorf("cancel token %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("executor cancel returned status %d", resp.StatusCode)
	}
	return nil
}
