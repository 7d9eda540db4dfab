// Package store defines the persistence contract of the coordinator: runs,
// tokens, context namespaces, and the append-only trace log. Two
// realizations exist, an in-process memory store and a Postgres store; the
// applier only ever writes through WithTx so both give the same atomicity.
package store

import (
	"context"
	"errors"

	"github.com/lumenflow/conductor/common/models"
)

// ErrNotFound is returned for lookups of unknown runs
var ErrNotFound = errors.New("not found")

// Tx is the write surface available inside one atomic commit
type Tx interface {
	// SaveRun inserts or updates the run row
	SaveRun(ctx context.Context, run *models.Run) error

	// UpsertTokens writes the given tokens (insert or full-row update)
	UpsertTokens(ctx context.Context, runID string, tokens []models.Token) error

	// PutContextNamespace replaces one context table (input, state, output,
	// or a _branch_<token_id> table) for the run
	PutContextNamespace(ctx context.Context, runID, namespace string, doc map[string]any) error

	// AppendTraceEvents appends committed, sequence-stamped events
	AppendTraceEvents(ctx context.Context, events []models.TraceEvent) error
}

// RunStore is the coordinator's persistence backend
type RunStore interface {
	// WithTx runs fn inside a transaction; any error rolls everything back
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetRun returns a run by id, ErrNotFound when unknown
	GetRun(ctx context.Context, runID string) (*models.Run, error)

	// GetTokens returns all tokens of a run in creation order
	GetTokens(ctx context.Context, runID string) ([]models.Token, error)

	// GetContextNamespaces returns every context table of a run
	GetContextNamespaces(ctx context.Context, runID string) (map[string]map[string]any, error)

	// ListTraceEvents returns committed events with sequence > sinceSequence,
	// optionally filtered by type prefix, capped at limit (0 = no cap)
	ListTraceEvents(ctx context.Context, runID string, sinceSequence int64, typePrefix string, limit int) ([]models.TraceEvent, error)

	// MaxSequence returns the highest committed sequence for a run (0 when
	// the run has no events)
	MaxSequence(ctx context.Context, runID string) (int64, error)

	// DeleteRun removes the run and all dependent rows
	DeleteRun(ctx context.Context, runID string) error
}
