package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one execution of a workflow definition.
// Maps to: runs table.
type Run struct {
	RunID             uuid.UUID      `db:"run_id" json:"run_id"`
	DefinitionRef     string         `db:"definition_ref" json:"definition_ref"`
	DefinitionVersion string         `db:"definition_version" json:"definition_version"`
	Status            RunStatus      `db:"status" json:"status"`
	Input             map[string]any `db:"input" json:"input"`
	FinalOutput       map[string]any `db:"final_output" json:"final_output,omitempty"`
	Error             *WorkflowError `db:"error" json:"error,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// NewRun creates a fresh running run for a definition
func NewRun(definitionRef, definitionVersion string, input map[string]any) *Run {
	now := time.Now().UTC()
	return &Run{
		RunID:             uuid.New(),
		DefinitionRef:     definitionRef,
		DefinitionVersion: definitionVersion,
		Status:            RunStatusRunning,
		Input:             input,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
