package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lumenflow/conductor/common/models"
)

// StaticStore serves definitions registered in memory; used by tests and
// embedded deployments
type StaticStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.WorkflowDefinition
	tasks     map[string]*models.TaskDefinition
}

// NewStaticStore creates an empty static store
func NewStaticStore() *StaticStore {
	return &StaticStore{
		workflows: map[string]*models.WorkflowDefinition{},
		tasks:     map[string]*models.TaskDefinition{},
	}
}

func defKey(id, version string) string {
	return id + "@" + version
}

// AddWorkflow registers a workflow definition
func (s *StaticStore) AddWorkflow(def *models.WorkflowDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[defKey(def.ID, def.Version)] = def
}

// AddTask registers a task definition
func (s *StaticStore) AddTask(def *models.TaskDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[defKey(def.ID, def.Version)] = def
}

func (s *StaticStore) GetWorkflow(_ context.Context, id, version string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.workflows[defKey(id, version)]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

func (s *StaticStore) GetTask(_ context.Context, id, version string) (*models.TaskDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.tasks[defKey(id, version)]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

// FileStore reads definitions from a directory tree:
//
//	<dir>/workflows/<id>@<version>.json
//	<dir>/tasks/<id>@<version>.json
//
// Files are read on every miss; the gateway's cache absorbs repeats.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed definition store
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) GetWorkflow(_ context.Context, id, version string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := s.read(filepath.Join("workflows", defKey(id, version)+".json"), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *FileStore) GetTask(_ context.Context, id, version string) (*models.TaskDefinition, error) {
	var def models.TaskDefinition
	if err := s.read(filepath.Join("tasks", defKey(id, version)+".json"), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *FileStore) read(rel string, out any) error {
	raw, err := os.ReadFile(filepath.Join(s.dir, rel))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read definition %s: %w", rel, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewDefinitionError(fmt.Sprintf("definition %s: %v", rel, err))
	}
	return nil
}
