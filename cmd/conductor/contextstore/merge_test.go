package contextstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/models"
)

func mergeFixture(t *testing.T) (*Store, *trace.Recorder) {
	t.Helper()
	s := newTestStore(t)
	rec := trace.NewRecorder("run-1")
	require.NoError(t, s.Initialize(nil, rec))
	return s, rec
}

func contribs(values ...any) []BranchContribution {
	out := make([]BranchContribution, 0, len(values))
	for i, v := range values {
		out = append(out, BranchContribution{
			TokenID:     "tok-" + string(rune('a'+i)),
			BranchIndex: i,
			Table:       map[string]any{"output": map[string]any{"result": v}},
		})
	}
	return out
}

func TestMergeAppend(t *testing.T) {
	s, rec := mergeFixture(t)

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.results",
		Strategy: models.MergeAppend,
	}
	// Deliberately out of order; merge sorts by branch index
	in := contribs("a", "b", "c")
	in[0], in[2] = in[2], in[0]

	require.NoError(t, s.Merge(spec, in, rec))
	v, found := s.Read("state.results", rec)
	require.True(t, found)
	assert.Equal(t, []any{"a", "b", "c"}, v)
}

func TestMergeAppendSkipsAbsentBranches(t *testing.T) {
	s, rec := mergeFixture(t)

	in := contribs("a", "b")
	in = append(in, BranchContribution{TokenID: "tok-z", BranchIndex: 2, Table: map[string]any{}})

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.results",
		Strategy: models.MergeAppend,
	}
	require.NoError(t, s.Merge(spec, in, rec))

	v, _ := s.Read("state.results", rec)
	assert.Equal(t, []any{"a", "b"}, v, "absent contributions are skipped, not nulled")
}

func TestMergeObject(t *testing.T) {
	s, rec := mergeFixture(t)

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.combined",
		Strategy: models.MergeObject,
	}
	in := contribs(
		map[string]any{"x": 1, "shared": "first"},
		map[string]any{"y": 2, "shared": "second"},
	)
	require.NoError(t, s.Merge(spec, in, rec))

	v, _ := s.Read("state.combined", rec)
	obj := v.(map[string]any)
	assert.EqualValues(t, 1, obj["x"])
	assert.EqualValues(t, 2, obj["y"])
	assert.Equal(t, "second", obj["shared"], "higher branch index wins duplicate keys")
}

func TestMergeObjectRejectsNonObject(t *testing.T) {
	s, rec := mergeFixture(t)

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.combined",
		Strategy: models.MergeObject,
	}
	err := s.Merge(spec, contribs(map[string]any{"x": 1}, "not-an-object"), rec)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSynchronization, models.AsWorkflowError(err).Kind)
}

func TestMergeKeyedByBranch(t *testing.T) {
	s, rec := mergeFixture(t)

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.by_branch",
		Strategy: models.MergeKeyedByBranch,
	}
	require.NoError(t, s.Merge(spec, contribs("a", "b"), rec))

	v, _ := s.Read("state.by_branch", rec)
	assert.Equal(t, map[string]any{"0": "a", "1": "b"}, v)
}

func TestMergeLastWins(t *testing.T) {
	s, rec := mergeFixture(t)

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.winner",
		Strategy: models.MergeLastWins,
	}
	require.NoError(t, s.Merge(spec, contribs("a", "b", "c"), rec))

	v, _ := s.Read("state.winner", rec)
	assert.Equal(t, "c", v)
}

func TestMergeLastWinsNoContributions(t *testing.T) {
	s, rec := mergeFixture(t)

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.winner",
		Strategy: models.MergeLastWins,
	}
	in := []BranchContribution{
		{TokenID: "tok-a", BranchIndex: 0, Table: map[string]any{}},
		{TokenID: "tok-b", BranchIndex: 1, Table: map[string]any{}},
	}
	require.NoError(t, s.Merge(spec, in, rec))

	_, found := s.Read("state.winner", rec)
	assert.False(t, found, "target stays undefined when nothing contributed")
}

func TestMergeSourceMustBeBranchPath(t *testing.T) {
	s, rec := mergeFixture(t)

	spec := &models.MergeSpec{
		Source:   "state.results",
		Target:   "state.out",
		Strategy: models.MergeAppend,
	}
	err := s.Merge(spec, contribs("a"), rec)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSynchronization, models.AsWorkflowError(err).Kind)
}

func TestMergeEmitsPerBranchReads(t *testing.T) {
	s, rec := mergeFixture(t)
	before := rec.Len()

	spec := &models.MergeSpec{
		Source:   "_branch.output.result",
		Target:   "state.results",
		Strategy: models.MergeAppend,
	}
	require.NoError(t, s.Merge(spec, contribs("a", "b"), rec))

	var reads int
	for _, ev := range rec.TraceEvents()[before:] {
		if ev.Type == models.TraceContextRead {
			reads++
			assert.Equal(t, "_branch.output.result", ev.Payload["path"])
			assert.NotEmpty(t, ev.Payload["branch"])
		}
	}
	assert.Equal(t, 2, reads, "one read event per contributing branch")
}
