package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenflow/conductor/common/models"
)

func validDef() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:             "wf",
		Version:        "1",
		InitialNodeRef: "a",
		Nodes: []models.NodeDef{
			{Ref: "a", TaskRef: "task-a", TaskVersion: "1"},
			{Ref: "b", TaskRef: "task-b", TaskVersion: "1"},
			{Ref: "c", TaskRef: "task-c", TaskVersion: "1"},
		},
		Transitions: []models.TransitionDef{
			{Ref: "t_fan", FromNodeRef: "a", ToNodeRef: "b", SpawnCount: 2, SiblingGroup: "g"},
			{Ref: "t_join", FromNodeRef: "b", ToNodeRef: "c",
				Synchronization: &models.SyncSpec{Strategy: models.SyncAll, SiblingGroup: "g"}},
		},
	}
}

func TestValidateWorkflow(t *testing.T) {
	require.NoError(t, ValidateWorkflow(validDef()))

	cases := []struct {
		name   string
		mutate func(*models.WorkflowDefinition)
	}{
		{"missing id", func(d *models.WorkflowDefinition) { d.ID = "" }},
		{"no nodes", func(d *models.WorkflowDefinition) { d.Nodes = nil }},
		{"unknown initial node", func(d *models.WorkflowDefinition) { d.InitialNodeRef = "zzz" }},
		{"duplicate node ref", func(d *models.WorkflowDefinition) {
			d.Nodes = append(d.Nodes, models.NodeDef{Ref: "a", TaskRef: "x"})
		}},
		{"node without task", func(d *models.WorkflowDefinition) { d.Nodes[0].TaskRef = "" }},
		{"zero retry attempts", func(d *models.WorkflowDefinition) {
			d.Nodes[0].Retry = &models.RetryPolicy{MaxAttempts: 0}
		}},
		{"duplicate transition ref", func(d *models.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, d.Transitions[0])
		}},
		{"unknown target node", func(d *models.WorkflowDefinition) { d.Transitions[0].ToNodeRef = "zzz" }},
		{"negative spawn count", func(d *models.WorkflowDefinition) { d.Transitions[0].SpawnCount = -1 }},
		{"spawn plus foreach", func(d *models.WorkflowDefinition) {
			d.Transitions[0].Foreach = &models.ForeachSpec{Collection: "$.state.x", ItemVar: "it"}
		}},
		{"foreach without item var", func(d *models.WorkflowDefinition) {
			d.Transitions[0].SpawnCount = 0
			d.Transitions[0].Foreach = &models.ForeachSpec{Collection: "$.state.x"}
		}},
		{"sync names undeclared group", func(d *models.WorkflowDefinition) {
			d.Transitions[1].Synchronization.SiblingGroup = "other"
		}},
		{"m_of_n without quorum", func(d *models.WorkflowDefinition) {
			d.Transitions[1].Synchronization.Strategy = models.SyncMOfN
		}},
		{"unknown merge strategy", func(d *models.WorkflowDefinition) {
			d.Transitions[1].Synchronization.Merge = &models.MergeSpec{
				Source: "_branch.output.x", Target: "state.x", Strategy: "zip",
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDef()
			tc.mutate(def)
			err := ValidateWorkflow(def)
			require.Error(t, err)
			assert.Equal(t, models.ErrKindDefinition, models.AsWorkflowError(err).Kind)
		})
	}
}

func TestGatewayCachesDefinitions(t *testing.T) {
	store := &countingStore{StaticStore: NewStaticStore()}
	store.AddWorkflow(validDef())
	store.AddTask(&models.TaskDefinition{ID: "task-a", Version: "1"})

	g, err := New(store, 8)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		def, err := g.Workflow(ctx, "wf", "1")
		require.NoError(t, err)
		assert.Equal(t, "wf", def.ID)

		task, err := g.Task(ctx, "task-a", "1")
		require.NoError(t, err)
		assert.Equal(t, "task-a", task.ID)
	}
	assert.Equal(t, 1, store.workflowGets, "store hit once, rest served from cache")
	assert.Equal(t, 1, store.taskGets)

	_, err = g.Workflow(ctx, "ghost", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewayRejectsInvalidDefinition(t *testing.T) {
	store := NewStaticStore()
	def := validDef()
	def.InitialNodeRef = "zzz"
	store.AddWorkflow(def)

	g, err := New(store, 8)
	require.NoError(t, err)

	_, err = g.Workflow(context.Background(), "wf", "1")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindDefinition, models.AsWorkflowError(err).Kind)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "workflows"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tasks"), 0o755))

	raw, err := json.Marshal(validDef())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflows", "wf@1.json"), raw, 0o644))

	raw, err = json.Marshal(&models.TaskDefinition{ID: "task-a", Version: "1"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks", "task-a@1.json"), raw, 0o644))

	fs := NewFileStore(dir)
	ctx := context.Background()

	def, err := fs.GetWorkflow(ctx, "wf", "1")
	require.NoError(t, err)
	assert.Equal(t, "a", def.InitialNodeRef)
	assert.Len(t, def.Transitions, 2)

	task, err := fs.GetTask(ctx, "task-a", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", task.Version)

	_, err = fs.GetWorkflow(ctx, "missing", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

type countingStore struct {
	*StaticStore
	workflowGets int
	taskGets     int
}

func (s *countingStore) GetWorkflow(ctx context.Context, id, version string) (*models.WorkflowDefinition, error) {
	s.workflowGets++
	return s.StaticStore.GetWorkflow(ctx, id, version)
}

func (s *countingStore) GetTask(ctx context.Context, id, version string) (*models.TaskDefinition, error) {
	s.taskGets++
	return s.StaticStore.GetTask(ctx, id, version)
}
