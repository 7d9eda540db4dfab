package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/lumenflow/conductor/common/models"
)

// MemoryStore is the in-process RunStore. Transactions stage writes and
// install them on commit under one lock, so readers only ever observe
// committed state.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*models.Run
	tokens   map[string]map[string]models.Token // run id -> token id -> token
	order    map[string][]string                // run id -> token creation order
	contexts map[string]map[string]map[string]any
	events   map[string][]models.TraceEvent
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     map[string]*models.Run{},
		tokens:   map[string]map[string]models.Token{},
		order:    map[string][]string{},
		contexts: map[string]map[string]map[string]any{},
		events:   map[string][]models.TraceEvent{},
	}
}

// memTx buffers one transaction's writes
type memTx struct {
	runs       []models.Run
	tokens     map[string][]models.Token
	namespaces map[string]map[string]map[string]any
	events     []models.TraceEvent
}

func (t *memTx) SaveRun(_ context.Context, run *models.Run) error {
	t.runs = append(t.runs, *run)
	return nil
}

func (t *memTx) UpsertTokens(_ context.Context, runID string, tokens []models.Token) error {
	if t.tokens == nil {
		t.tokens = map[string][]models.Token{}
	}
	t.tokens[runID] = append(t.tokens[runID], tokens...)
	return nil
}

func (t *memTx) PutContextNamespace(_ context.Context, runID, namespace string, doc map[string]any) error {
	if t.namespaces == nil {
		t.namespaces = map[string]map[string]map[string]any{}
	}
	if t.namespaces[runID] == nil {
		t.namespaces[runID] = map[string]map[string]any{}
	}
	t.namespaces[runID][namespace] = doc
	return nil
}

func (t *memTx) AppendTraceEvents(_ context.Context, events []models.TraceEvent) error {
	t.events = append(t.events, events...)
	return nil
}

// WithTx stages fn's writes and installs them atomically
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range tx.runs {
		run := tx.runs[i]
		s.runs[run.RunID.String()] = &run
	}
	for runID, toks := range tx.tokens {
		if s.tokens[runID] == nil {
			s.tokens[runID] = map[string]models.Token{}
		}
		for _, tok := range toks {
			if _, exists := s.tokens[runID][tok.ID]; !exists {
				s.order[runID] = append(s.order[runID], tok.ID)
			}
			s.tokens[runID][tok.ID] = tok
		}
	}
	for runID, tables := range tx.namespaces {
		if s.contexts[runID] == nil {
			s.contexts[runID] = map[string]map[string]any{}
		}
		for ns, doc := range tables {
			s.contexts[runID][ns] = doc
		}
	}
	for _, ev := range tx.events {
		s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryStore) GetTokens(_ context.Context, runID string) ([]models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Token, 0, len(s.order[runID]))
	for _, id := range s.order[runID] {
		out = append(out, s.tokens[runID][id])
	}
	return out, nil
}

func (s *MemoryStore) GetContextNamespaces(_ context.Context, runID string) (map[string]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]map[string]any{}
	for ns, doc := range s.contexts[runID] {
		out[ns] = doc
	}
	return out, nil
}

func (s *MemoryStore) ListTraceEvents(_ context.Context, runID string, sinceSequence int64, typePrefix string, limit int) ([]models.TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TraceEvent
	for _, ev := range s.events[runID] {
		if ev.Sequence <= sinceSequence {
			continue
		}
		if typePrefix != "" && !strings.HasPrefix(string(ev.Type), typePrefix) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) MaxSequence(_ context.Context, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, ev := range s.events[runID] {
		if ev.Sequence > max {
			max = ev.Sequence
		}
	}
	return max, nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	delete(s.tokens, runID)
	delete(s.order, runID)
	delete(s.contexts, runID)
	delete(s.events, runID)
	return nil
}
