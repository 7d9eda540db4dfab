// Package gateway mediates access to the read-only definition store. Looked
// up definitions are validated once and cached by (kind, id, version);
// cached definitions are immutable and shared across runs.
package gateway

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lumenflow/conductor/common/models"
)

// ErrNotFound is returned for unknown definitions
var ErrNotFound = errors.New("definition not found")

// DefinitionStore is the upstream source of definitions
type DefinitionStore interface {
	GetWorkflow(ctx context.Context, id, version string) (*models.WorkflowDefinition, error)
	GetTask(ctx context.Context, id, version string) (*models.TaskDefinition, error)
}

type cacheKey struct {
	kind    string
	id      string
	version string
}

// Gateway caches validated definitions in front of a DefinitionStore
type Gateway struct {
	store DefinitionStore
	cache *lru.Cache[cacheKey, any]
}

// New creates a gateway with an LRU cache of the given size
func New(store DefinitionStore, cacheSize int) (*Gateway, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[cacheKey, any](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}
	return &Gateway{store: store, cache: cache}, nil
}

// Workflow returns a validated workflow definition
func (g *Gateway) Workflow(ctx context.Context, id, version string) (*models.WorkflowDefinition, error) {
	key := cacheKey{kind: "workflow", id: id, version: version}
	if cached, ok := g.cache.Get(key); ok {
		return cached.(*models.WorkflowDefinition), nil
	}

	def, err := g.store.GetWorkflow(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if err := ValidateWorkflow(def); err != nil {
		return nil, err
	}

	g.cache.Add(key, def)
	return def, nil
}

// Task returns a validated task definition
func (g *Gateway) Task(ctx context.Context, id, version string) (*models.TaskDefinition, error) {
	key := cacheKey{kind: "task", id: id, version: version}
	if cached, ok := g.cache.Get(key); ok {
		return cached.(*models.TaskDefinition), nil
	}

	def, err := g.store.GetTask(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		return nil, models.NewDefinitionError("task definition without id")
	}

	g.cache.Add(key, def)
	return def, nil
}

// ValidateWorkflow rejects structurally broken workflow definitions before
// any run can start on them
func ValidateWorkflow(def *models.WorkflowDefinition) error {
	if def.ID == "" || def.Version == "" {
		return models.NewDefinitionError("workflow definition requires id and version")
	}
	if len(def.Nodes) == 0 {
		return models.NewDefinitionError("workflow definition has no nodes")
	}

	nodes := map[string]bool{}
	for _, n := range def.Nodes {
		if n.Ref == "" {
			return models.NewDefinitionError("node without ref")
		}
		if nodes[n.Ref] {
			return models.NewDefinitionError(fmt.Sprintf("duplicate node ref %q", n.Ref))
		}
		if n.TaskRef == "" {
			return models.NewDefinitionError(fmt.Sprintf("node %q has no task_ref", n.Ref))
		}
		if n.Retry != nil && n.Retry.MaxAttempts < 1 {
			return models.NewDefinitionError(
				fmt.Sprintf("node %q retry max_attempts must be >= 1", n.Ref))
		}
		nodes[n.Ref] = true
	}
	if !nodes[def.InitialNodeRef] {
		return models.NewDefinitionError(
			fmt.Sprintf("initial node %q not defined", def.InitialNodeRef))
	}

	spawnGroups := map[string]bool{}
	refs := map[string]bool{}
	for _, t := range def.Transitions {
		if t.Ref == "" {
			return models.NewDefinitionError("transition without ref")
		}
		if refs[t.Ref] {
			return models.NewDefinitionError(fmt.Sprintf("duplicate transition ref %q", t.Ref))
		}
		refs[t.Ref] = true

		if !nodes[t.FromNodeRef] || !nodes[t.ToNodeRef] {
			return models.NewDefinitionError(fmt.Sprintf(
				"transition %q references unknown node (%q -> %q)", t.Ref, t.FromNodeRef, t.ToNodeRef))
		}
		if t.SpawnCount < 0 {
			return models.NewDefinitionError(
				fmt.Sprintf("transition %q has negative spawn_count", t.Ref))
		}
		if t.SpawnCount > 0 && t.Foreach != nil {
			return models.NewDefinitionError(
				fmt.Sprintf("transition %q mixes spawn_count and foreach", t.Ref))
		}
		if t.Spawning() && t.Synchronization != nil {
			return models.NewDefinitionError(
				fmt.Sprintf("transition %q mixes spawning and synchronization", t.Ref))
		}
		if t.Foreach != nil && (t.Foreach.Collection == "" || t.Foreach.ItemVar == "") {
			return models.NewDefinitionError(
				fmt.Sprintf("transition %q foreach requires collection and item_var", t.Ref))
		}
		if t.Spawning() && t.SiblingGroup != "" {
			spawnGroups[t.SiblingGroup] = true
		}
	}

	for _, t := range def.Transitions {
		sync := t.Synchronization
		if sync == nil {
			continue
		}
		switch sync.Strategy {
		case models.SyncAll, models.SyncAny:
		case models.SyncMOfN:
			if sync.Quorum < 1 {
				return models.NewDefinitionError(
					fmt.Sprintf("transition %q m_of_n requires quorum >= 1", t.Ref))
			}
		default:
			return models.NewDefinitionError(
				fmt.Sprintf("transition %q has unknown sync strategy %q", t.Ref, sync.Strategy))
		}
		if sync.SiblingGroup == "" {
			return models.NewDefinitionError(
				fmt.Sprintf("transition %q synchronization requires sibling_group", t.Ref))
		}
		if !spawnGroups[sync.SiblingGroup] {
			return models.NewDefinitionError(fmt.Sprintf(
				"transition %q synchronizes group %q no spawning transition declares",
				t.Ref, sync.SiblingGroup))
		}
		if m := sync.Merge; m != nil {
			switch m.Strategy {
			case models.MergeAppend, models.MergeObject, models.MergeKeyedByBranch, models.MergeLastWins:
			default:
				return models.NewDefinitionError(
					fmt.Sprintf("transition %q has unknown merge strategy %q", t.Ref, m.Strategy))
			}
			if m.Source == "" || m.Target == "" {
				return models.NewDefinitionError(
					fmt.Sprintf("transition %q merge requires source and target", t.Ref))
			}
		}
	}
	return nil
}
