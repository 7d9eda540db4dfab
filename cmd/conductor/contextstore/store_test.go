package contextstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	def := &models.WorkflowDefinition{
		ID:      "wf",
		Version: "1",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
		ContextSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
		},
	}
	s, err := New("run-1", def)
	require.NoError(t, err)
	return s
}

func traceTypes(rec *trace.Recorder) []models.TraceType {
	var out []models.TraceType
	for _, ev := range rec.TraceEvents() {
		out = append(out, ev.Type)
	}
	return out
}

func TestInitialize(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")

	require.NoError(t, s.Initialize(map[string]any{"name": "ada"}, rec))
	assert.True(t, s.Initialized())
	assert.Equal(t,
		[]models.TraceType{models.TraceContextInit, models.TraceContextValidate},
		traceTypes(rec))

	// Input is write-once
	err := s.Initialize(map[string]any{"name": "bob"}, trace.NewRecorder("run-1"))
	require.Error(t, err)
	assert.Equal(t, models.ErrKindInvalidPath, models.AsWorkflowError(err).Kind)
}

func TestInitializeSchemaViolation(t *testing.T) {
	s := newTestStore(t)
	err := s.Initialize(map[string]any{"name": 42}, trace.NewRecorder("run-1"))
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSchemaViolation, models.AsWorkflowError(err).Kind)
}

func TestReadUndefinedVsNull(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))

	require.NoError(t, s.Write("state.present", nil, ModeSet, rec))

	v, found := s.Read("$.state.present", rec)
	assert.True(t, found, "explicit null is defined")
	assert.Nil(t, v)

	_, found = s.Read("$.state.missing", rec)
	assert.False(t, found, "unset path is undefined")
}

func TestWritePathRules(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))

	require.NoError(t, s.Write("state.a.b", 1, ModeSet, rec))
	v, found := s.Read("state.a.b", rec)
	require.True(t, found)
	assert.EqualValues(t, 1, v)

	// input is immutable
	err := s.Write("input.name", "x", ModeSet, rec)
	assert.Equal(t, models.ErrKindInvalidPath, models.AsWorkflowError(err).Kind)

	// unknown namespace
	err = s.Write("secrets.x", "x", ModeSet, rec)
	assert.Equal(t, models.ErrKindInvalidPath, models.AsWorkflowError(err).Kind)

	// bare namespace is not a key
	err = s.Write("state", "x", ModeSet, rec)
	assert.Equal(t, models.ErrKindInvalidPath, models.AsWorkflowError(err).Kind)

	// writing through a scalar fails
	require.NoError(t, s.Write("state.leaf", "scalar", ModeSet, rec))
	err = s.Write("state.leaf.child", 1, ModeSet, rec)
	assert.Equal(t, models.ErrKindInvalidPath, models.AsWorkflowError(err).Kind)
}

func TestWriteSubtreeValidation(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))

	require.NoError(t, s.Write("state.count", 3, ModeSet, rec))

	err := s.Write("state.count", "three", ModeSet, rec)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSchemaViolation, models.AsWorkflowError(err).Kind)
}

func TestEveryWritePrecededByValidate(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))
	require.NoError(t, s.Write("state.count", 1, ModeSet, rec))
	require.NoError(t, s.Write("output.x", "y", ModeSet, rec))

	events := rec.TraceEvents()
	for i, ev := range events {
		if ev.Type != models.TraceContextWrite {
			continue
		}
		require.Greater(t, i, 0)
		assert.Equal(t, models.TraceContextValidate, events[i-1].Type,
			"write at %d must follow its validation", i)
		assert.Equal(t, ev.Payload["path"], events[i-1].Payload["path"])
	}
}

func TestMergeModeWrites(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))

	require.NoError(t, s.Write("state.obj", map[string]any{"a": 1, "keep": true}, ModeSet, rec))
	require.NoError(t, s.Write("state.obj", map[string]any{"a": 2, "b": 3}, ModeMerge, rec))

	v, _ := s.Read("state.obj", rec)
	obj := v.(map[string]any)
	assert.EqualValues(t, 2, obj["a"])
	assert.EqualValues(t, 3, obj["b"])
	assert.Equal(t, true, obj["keep"])

	// set replaces wholesale
	require.NoError(t, s.Write("state.obj", map[string]any{"only": 1}, ModeSet, rec))
	v, _ = s.Read("state.obj", rec)
	assert.Equal(t, map[string]any{"only": float64(1)}, deepCopy(v))
}

func TestSnapshotIsFrozen(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(map[string]any{"name": "ada"}, rec))
	require.NoError(t, s.Write("state.count", 1, ModeSet, rec))

	snap := s.Snapshot(rec)
	require.NoError(t, s.Write("state.count", 2, ModeSet, rec))

	v, found := snap.Read("state.count")
	require.True(t, found)
	assert.EqualValues(t, 1, v, "snapshot must not see later writes")

	v, found = snap.Read("$.input.name")
	require.True(t, found)
	assert.Equal(t, "ada", v)
}

func TestBranchIsolation(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))

	require.NoError(t, s.WriteBranch("tok-1", "output.result", "a", ModeSet, rec))
	require.NoError(t, s.WriteBranch("tok-2", "output.result", "b", ModeSet, rec))

	// Shared output untouched
	_, found := s.Read("output.result", rec)
	assert.False(t, found)

	v, found := s.ReadForToken("_branch.output.result", "tok-1", rec)
	require.True(t, found)
	assert.Equal(t, "a", v)

	v, found = s.ReadForToken("$._branch.output.result", "tok-2", rec)
	require.True(t, found)
	assert.Equal(t, "b", v)

	_, found = s.ReadForToken("_branch.output.result", "tok-3", rec)
	assert.False(t, found)
}

func TestSeedBranchBindings(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))

	s.SeedBranch("tok-1", map[string]any{"it": "apple"})
	v, found := s.ReadForToken("_branch.it", "tok-1", rec)
	require.True(t, found)
	assert.Equal(t, "apple", v)
}

func TestCloneIsolation(t *testing.T) {
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))
	require.NoError(t, s.Write("state.count", 1, ModeSet, rec))

	staged := s.Clone()
	require.NoError(t, staged.Write("state.count", 9, ModeSet, rec))

	v, _ := s.Read("state.count", rec)
	assert.EqualValues(t, 1, v, "original unaffected by staged writes")

	s.CopyFrom(staged)
	v, _ = s.Read("state.count", rec)
	assert.EqualValues(t, 9, v)
}
