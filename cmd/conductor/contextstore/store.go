// Package contextstore implements the typed data plane for one workflow
// run: the input/state/output tables, per-token branch tables, JSONPath
// reads, validated writes, output mappings, and fan-in merges.
//
// Trace emission is centralized here: every read and write logs itself
// through the recorder it is handed, so call sites cannot forget coverage.
package contextstore

import (
	"fmt"
	"strings"

	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/models"
	"github.com/lumenflow/conductor/common/schema"
)

// WriteMode selects replace vs deep-merge semantics for object writes
type WriteMode string

const (
	ModeSet   WriteMode = "set"
	ModeMerge WriteMode = "merge"
)

// Store is the context plane for a single run. It is owned by that run's
// coordinator actor; no internal locking.
type Store struct {
	runID string

	inputSchema   *schema.Schema
	contextSchema *schema.Schema
	outputSchema  *schema.Schema

	input    map[string]any
	state    map[string]any
	output   map[string]any
	branches map[string]map[string]any

	initialized bool
}

// New creates a context store for a run, compiling the definition's schemas
func New(runID string, def *models.WorkflowDefinition) (*Store, error) {
	inputSchema, err := schema.Compile(def.InputSchema)
	if err != nil {
		return nil, models.NewDefinitionError(fmt.Sprintf("input_schema: %v", err))
	}
	contextSchema, err := schema.Compile(def.ContextSchema)
	if err != nil {
		return nil, models.NewDefinitionError(fmt.Sprintf("context_schema: %v", err))
	}
	outputSchema, err := schema.Compile(def.OutputSchema)
	if err != nil {
		return nil, models.NewDefinitionError(fmt.Sprintf("output_schema: %v", err))
	}

	return &Store{
		runID:         runID,
		inputSchema:   inputSchema,
		contextSchema: contextSchema,
		outputSchema:  outputSchema,
		input:         map[string]any{},
		state:         map[string]any{},
		output:        map[string]any{},
		branches:      map[string]map[string]any{},
	}, nil
}

// Initialized reports whether the input table has been written
func (s *Store) Initialized() bool {
	return s.initialized
}

// Initialize validates the run input and writes the input table. Input is
// write-once: a second call fails.
func (s *Store) Initialize(input map[string]any, rec *trace.Recorder) error {
	if s.initialized {
		return models.NewInvalidPath("input is write-once")
	}
	if input == nil {
		input = map[string]any{}
	}

	rec.Trace(models.TraceContextInit, map[string]any{"input": deepCopy(input)})

	if err := s.inputSchema.Validate(input); err != nil {
		return err
	}
	rec.Trace(models.TraceContextValidate, map[string]any{"path": "input", "valid": true})

	s.input = deepCopyTable(input)
	s.initialized = true
	return nil
}

// Read resolves a JSONPath against the composite {input,state,output} root.
// The boolean distinguishes undefined from a present null.
func (s *Store) Read(path string, rec *trace.Recorder) (any, bool) {
	value, found := readPath(s.compositeRoot(), path)
	payload := map[string]any{"path": path, "found": found}
	if found {
		payload["value"] = value
	}
	rec.Trace(models.TraceContextRead, payload)
	return value, found
}

// ReadForToken is Read plus branch-table resolution: paths rooted at
// _branch resolve in the token's branch table
func (s *Store) ReadForToken(path, tokenID string, rec *trace.Recorder) (any, bool) {
	rest, isBranch := splitBranchPath(path)
	if !isBranch {
		return s.Read(path, rec)
	}

	table := s.branches[tokenID]
	var value any
	var found bool
	if rest == "" {
		value, found = deepCopyTable(table), table != nil
	} else {
		value, found = readPath(table, rest)
	}

	payload := map[string]any{"path": path, "branch": tokenID, "found": found}
	if found {
		payload["value"] = value
	}
	rec.Trace(models.TraceContextRead, payload)
	return value, found
}

// Write writes into state or output. The affected subtree is validated
// before the write; input and unknown namespaces are rejected.
func (s *Store) Write(path string, value any, mode WriteMode, rec *trace.Recorder) error {
	ns, rel, err := s.splitWritePath(path)
	if err != nil {
		return err
	}

	table, sch := s.state, s.contextSchema
	if ns == "output" {
		table, sch = s.output, s.outputSchema
	}

	if err := sch.ValidateSubtree(rel, value); err != nil {
		return err
	}
	rec.Trace(models.TraceContextValidate, map[string]any{"path": path, "valid": true})

	if err := setPath(table, rel, value, mode); err != nil {
		return err
	}
	rec.Trace(models.TraceContextWrite, map[string]any{
		"path":  path,
		"mode":  string(mode),
		"value": deepCopy(value),
	})
	return nil
}

// WriteBranch writes into a token's branch table. Paths under output or
// state still validate against the corresponding schema subtree so merges
// project schema-valid values later.
func (s *Store) WriteBranch(tokenID, path string, value any, mode WriteMode, rec *trace.Recorder) error {
	path = normalizePath(path)
	if path == "" {
		return models.NewInvalidPath("branch write requires a key")
	}

	if ns, rel, err := s.splitWritePath(path); err == nil {
		sch := s.contextSchema
		if ns == "output" {
			sch = s.outputSchema
		}
		if err := sch.ValidateSubtree(rel, value); err != nil {
			return err
		}
	}
	rec.Trace(models.TraceContextValidate, map[string]any{
		"path":   branchPrefix + "." + path,
		"branch": tokenID,
		"valid":  true,
	})

	table := s.branches[tokenID]
	if table == nil {
		table = map[string]any{}
		s.branches[tokenID] = table
	}
	if err := setPath(table, path, value, mode); err != nil {
		return err
	}
	rec.Trace(models.TraceContextWrite, map[string]any{
		"path":   branchPrefix + "." + path,
		"branch": tokenID,
		"mode":   string(mode),
		"value":  deepCopy(value),
	})
	return nil
}

// SeedBranch installs foreach bindings into a token's branch table without
// individual write events; the creating decision's trace event carries them
func (s *Store) SeedBranch(tokenID string, bindings map[string]any) {
	if len(bindings) == 0 {
		return
	}
	table := s.branches[tokenID]
	if table == nil {
		table = map[string]any{}
		s.branches[tokenID] = table
	}
	for k, v := range bindings {
		table[k] = deepCopy(v)
	}
}

// BranchTable returns a copy of a token's branch table; nil when absent
func (s *Store) BranchTable(tokenID string) map[string]any {
	table, ok := s.branches[tokenID]
	if !ok {
		return nil
	}
	return deepCopyTable(table)
}

// Snapshot returns a referentially consistent deep copy of the whole
// context plane. The coordinator is single-writer, so no writes can
// interleave between the reads composing the snapshot.
func (s *Store) Snapshot(rec *trace.Recorder) Snapshot {
	snap := s.snapshotQuiet()
	rec.Trace(models.TraceContextSnapshot, map[string]any{"snapshot": snap.Root()})
	return snap
}

// snapshotQuiet builds a snapshot without trace emission; for staging and
// persistence paths that already have event coverage
func (s *Store) snapshotQuiet() Snapshot {
	branches := make(map[string]map[string]any, len(s.branches))
	for id, table := range s.branches {
		branches[id] = deepCopyTable(table)
	}
	return Snapshot{
		Input:    deepCopyTable(s.input),
		State:    deepCopyTable(s.state),
		Output:   deepCopyTable(s.output),
		Branches: branches,
	}
}

// Namespaces returns the persistence view: one table per namespace plus one
// per live branch table
func (s *Store) Namespaces() map[string]map[string]any {
	out := map[string]map[string]any{
		"input":  deepCopyTable(s.input),
		"state":  deepCopyTable(s.state),
		"output": deepCopyTable(s.output),
	}
	for id, table := range s.branches {
		out["_branch_"+id] = deepCopyTable(table)
	}
	return out
}

// Clone deep-copies the store for staged (all-or-nothing) application
func (s *Store) Clone() *Store {
	clone := *s
	snap := s.snapshotQuiet()
	clone.input = snap.Input
	clone.state = snap.State
	clone.output = snap.Output
	clone.branches = snap.Branches
	return &clone
}

// CopyFrom adopts the contents of a staged clone after a successful apply
func (s *Store) CopyFrom(o *Store) {
	s.input = o.input
	s.state = o.state
	s.output = o.output
	s.branches = o.branches
	s.initialized = o.initialized
}

func (s *Store) compositeRoot() map[string]any {
	return map[string]any{
		"input":  s.input,
		"state":  s.state,
		"output": s.output,
	}
}

// splitWritePath validates a dotted write path and returns its namespace
// and namespace-relative remainder
func (s *Store) splitWritePath(path string) (ns, rel string, err error) {
	path = normalizePath(path)
	segs := strings.SplitN(path, ".", 2)
	ns = segs[0]

	switch ns {
	case "state", "output":
	case "input":
		return "", "", models.NewInvalidPath("input is immutable")
	default:
		return "", "", models.NewInvalidPath(
			fmt.Sprintf("write path must target state or output, got %q", path))
	}

	if len(segs) < 2 || segs[1] == "" {
		return "", "", models.NewInvalidPath(
			fmt.Sprintf("write path %q must name a key below %s", path, ns))
	}
	return ns, segs[1], nil
}
