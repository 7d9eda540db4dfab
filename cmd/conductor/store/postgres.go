package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lumenflow/conductor/common/db"
	"github.com/lumenflow/conductor/common/models"
)

// PostgresStore is the durable RunStore backed by Postgres. The trace log's
// (run_id, sequence_number) primary key doubles as the sequence-gap guard:
// a duplicate sequence aborts the transaction.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed run store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// EnsureSchema creates the coordinator's tables when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id UUID PRIMARY KEY,
			definition_ref TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			status TEXT NOT NULL,
			input JSONB,
			final_output JSONB,
			error JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tokens (
			token_id TEXT PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			node_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_token_id TEXT NOT NULL DEFAULT '',
			sibling_group_id TEXT NOT NULL DEFAULT '',
			fan_out_transition_ref TEXT NOT NULL DEFAULT '',
			branch_index INT NOT NULL DEFAULT 0,
			branch_total INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_run ON tokens(run_id, created_at);

		CREATE TABLE IF NOT EXISTS run_context (
			run_id UUID NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			namespace TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (run_id, namespace)
		);

		CREATE TABLE IF NOT EXISTS trace_events (
			run_id UUID NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			sequence_number BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB,
			timestamp TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, sequence_number)
		);
	`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// pgTx adapts a pgx transaction to the Tx write surface
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SaveRun(ctx context.Context, run *models.Run) error {
	var errJSON []byte
	if run.Error != nil {
		var err error
		errJSON, err = json.Marshal(run.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal run error: %w", err)
		}
	}

	query := `
		INSERT INTO runs (
			run_id, definition_ref, definition_version, status,
			input, final_output, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			input = EXCLUDED.input,
			final_output = EXCLUDED.final_output,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`
	_, err := t.tx.Exec(ctx, query,
		run.RunID,
		run.DefinitionRef,
		run.DefinitionVersion,
		run.Status,
		run.Input,
		run.FinalOutput,
		errJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertTokens(ctx context.Context, runID string, tokens []models.Token) error {
	query := `
		INSERT INTO tokens (
			token_id, run_id, node_ref, status, parent_token_id,
			sibling_group_id, fan_out_transition_ref, branch_index,
			branch_total, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (token_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	for _, tok := range tokens {
		_, err := t.tx.Exec(ctx, query,
			tok.ID,
			runID,
			tok.NodeRef,
			tok.Status,
			tok.ParentTokenID,
			tok.SiblingGroupID,
			tok.FanOutTransitionRef,
			tok.BranchIndex,
			tok.BranchTotal,
			tok.CreatedAt,
			tok.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert token %s: %w", tok.ID, err)
		}
	}
	return nil
}

func (t *pgTx) PutContextNamespace(ctx context.Context, runID, namespace string, doc map[string]any) error {
	query := `
		INSERT INTO run_context (run_id, namespace, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, namespace) DO UPDATE SET doc = EXCLUDED.doc
	`
	if _, err := t.tx.Exec(ctx, query, runID, namespace, doc); err != nil {
		return fmt.Errorf("failed to put context namespace %s: %w", namespace, err)
	}
	return nil
}

func (t *pgTx) AppendTraceEvents(ctx context.Context, events []models.TraceEvent) error {
	query := `
		INSERT INTO trace_events (run_id, sequence_number, type, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, ev := range events {
		_, err := t.tx.Exec(ctx, query,
			ev.RunID,
			ev.Sequence,
			ev.Type,
			ev.Payload,
			ev.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to append trace event %d: %w", ev.Sequence, err)
		}
	}
	return nil
}

// WithTx runs fn inside one serializable database transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := `
		SELECT run_id, definition_ref, definition_version, status,
		       input, final_output, error, created_at, updated_at
		FROM runs
		WHERE run_id = $1
	`
	run := &models.Run{}
	var errJSON []byte
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.RunID,
		&run.DefinitionRef,
		&run.DefinitionVersion,
		&run.Status,
		&run.Input,
		&run.FinalOutput,
		&errJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if len(errJSON) > 0 {
		run.Error = &models.WorkflowError{}
		if err := json.Unmarshal(errJSON, run.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
	}
	return run, nil
}

func (s *PostgresStore) GetTokens(ctx context.Context, runID string) ([]models.Token, error) {
	query := `
		SELECT token_id, run_id, node_ref, status, parent_token_id,
		       sibling_group_id, fan_out_transition_ref, branch_index,
		       branch_total, created_at, updated_at
		FROM tokens
		WHERE run_id = $1
		ORDER BY created_at, token_id
	`
	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var out []models.Token
	for rows.Next() {
		var tok models.Token
		if err := rows.Scan(
			&tok.ID,
			&tok.RunID,
			&tok.NodeRef,
			&tok.Status,
			&tok.ParentTokenID,
			&tok.SiblingGroupID,
			&tok.FanOutTransitionRef,
			&tok.BranchIndex,
			&tok.BranchTotal,
			&tok.CreatedAt,
			&tok.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetContextNamespaces(ctx context.Context, runID string) (map[string]map[string]any, error) {
	query := `SELECT namespace, doc FROM run_context WHERE run_id = $1`
	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list context namespaces: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]any{}
	for rows.Next() {
		var ns string
		var doc map[string]any
		if err := rows.Scan(&ns, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan context namespace: %w", err)
		}
		out[ns] = doc
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTraceEvents(ctx context.Context, runID string, sinceSequence int64, typePrefix string, limit int) ([]models.TraceEvent, error) {
	query := `
		SELECT run_id, sequence_number, type, payload, timestamp
		FROM trace_events
		WHERE run_id = $1 AND sequence_number > $2 AND ($3 = '' OR type LIKE $3 || '%')
		ORDER BY sequence_number
	`
	args := []any{runID, sinceSequence, typePrefix}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace events: %w", err)
	}
	defer rows.Close()

	var out []models.TraceEvent
	for rows.Next() {
		var ev models.TraceEvent
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.Type, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MaxSequence(ctx context.Context, runID string) (int64, error) {
	query := `SELECT COALESCE(MAX(sequence_number), 0) FROM trace_events WHERE run_id = $1`
	var max int64
	if err := s.db.QueryRow(ctx, query, runID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max sequence: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
