// Package tokenstore is the token arena for one workflow run: creation,
// status transitions, and lineage queries. Like the context store it is
// owned by the run's coordinator actor and does no internal locking.
package tokenstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/models"
)

// Store holds every token minted for a run, live and terminal. Insertion
// order is preserved so listings are deterministic.
type Store struct {
	runID  string
	tokens map[string]*models.Token
	order  []string
	dirty  map[string]bool
	now    func() time.Time
}

// New creates an empty token store for a run
func New(runID string) *Store {
	return &Store{
		runID:  runID,
		tokens: map[string]*models.Token{},
		dirty:  map[string]bool{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a planner-minted token and emits its creation event.
// The token must carry an id and a non-terminal status.
func (s *Store) Create(tok models.Token, rec *trace.Recorder) error {
	if tok.ID == "" {
		return models.NewInternalError("token without id")
	}
	if _, exists := s.tokens[tok.ID]; exists {
		return models.NewInternalError(fmt.Sprintf("token %s already exists", tok.ID))
	}
	if tok.Status.Terminal() {
		return models.NewInternalError(
			fmt.Sprintf("token %s created terminal (%s)", tok.ID, tok.Status))
	}

	tok.RunID = s.runID
	now := s.now()
	tok.CreatedAt = now
	tok.UpdatedAt = now

	stored := tok
	s.tokens[tok.ID] = &stored
	s.order = append(s.order, tok.ID)
	s.dirty[tok.ID] = true

	payload := map[string]any{
		"token_id": tok.ID,
		"node_ref": tok.NodeRef,
		"status":   string(tok.Status),
	}
	if tok.ParentTokenID != "" {
		payload["parent_token_id"] = tok.ParentTokenID
	}
	if tok.SiblingGroupID != "" {
		payload["sibling_group_id"] = tok.SiblingGroupID
		payload["branch_index"] = tok.BranchIndex
		payload["branch_total"] = tok.BranchTotal
	}
	if tok.FanOutTransitionRef != "" {
		payload["fan_out_transition_ref"] = tok.FanOutTransitionRef
	}
	rec.Trace(models.TraceTokensCreate, payload)
	return nil
}

// UpdateStatus moves a token to a new status. Terminal tokens are immutable
// and only moves in the admitted transition set are accepted.
func (s *Store) UpdateStatus(tokenID string, to models.TokenStatus, reason string, rec *trace.Recorder) error {
	tok, ok := s.tokens[tokenID]
	if !ok {
		return models.NewInternalError(fmt.Sprintf("unknown token %s", tokenID))
	}
	if tok.Status.Terminal() {
		return models.NewInternalError(
			fmt.Sprintf("token %s is terminal (%s), cannot move to %s", tokenID, tok.Status, to))
	}
	if !models.ValidTokenTransition(tok.Status, to) {
		return models.NewInternalError(
			fmt.Sprintf("token %s: invalid transition %s -> %s", tokenID, tok.Status, to))
	}

	from := tok.Status
	tok.Status = to
	tok.UpdatedAt = s.now()
	s.dirty[tokenID] = true

	payload := map[string]any{
		"token_id": tokenID,
		"node_ref": tok.NodeRef,
		"from":     string(from),
		"to":       string(to),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	rec.Trace(models.TraceTokensStatusTransition, payload)
	return nil
}

// Get returns a copy of a token by id
func (s *Store) Get(tokenID string) (models.Token, bool) {
	tok, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, false
	}
	return *tok, true
}

// All returns copies of every token in creation order
func (s *Store) All() []models.Token {
	out := make([]models.Token, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tokens[id])
	}
	return out
}

// ListByStatus returns tokens currently in any of the given statuses,
// in creation order
func (s *Store) ListByStatus(statuses ...models.TokenStatus) []models.Token {
	want := make(map[models.TokenStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []models.Token
	for _, id := range s.order {
		if tok := s.tokens[id]; want[tok.Status] {
			out = append(out, *tok)
		}
	}
	return out
}

// ListPending returns tokens awaiting dispatch
func (s *Store) ListPending() []models.Token {
	return s.ListByStatus(models.TokenPending)
}

// ListActive returns all non-terminal tokens. An empty result means the run
// has quiesced and the completion check may fire.
func (s *Store) ListActive() []models.Token {
	var out []models.Token
	for _, id := range s.order {
		if tok := s.tokens[id]; !tok.Status.Terminal() {
			out = append(out, *tok)
		}
	}
	return out
}

// BySiblingGroup returns every token of a sibling group sorted by branch
// index. Includes both spawn siblings and fan-in arrival tokens; callers
// filter by FanOutTransitionRef to tell them apart.
func (s *Store) BySiblingGroup(groupID string) []models.Token {
	var out []models.Token
	for _, id := range s.order {
		if tok := s.tokens[id]; tok.SiblingGroupID == groupID {
			out = append(out, *tok)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BranchIndex < out[j].BranchIndex
	})
	return out
}

// ByFanOutTransition returns the sibling-group tokens minted by one
// transition, sorted by branch index
func (s *Store) ByFanOutTransition(groupID, transitionRef string) []models.Token {
	var out []models.Token
	for _, tok := range s.BySiblingGroup(groupID) {
		if tok.FanOutTransitionRef == transitionRef {
			out = append(out, tok)
		}
	}
	return out
}

// Count returns the number of tokens ever minted for the run
func (s *Store) Count() int {
	return len(s.order)
}

// TakeDirty returns the tokens touched since the last call, clearing the
// set. The applier persists exactly this delta per commit.
func (s *Store) TakeDirty() []models.Token {
	out := make([]models.Token, 0, len(s.dirty))
	for _, id := range s.order {
		if s.dirty[id] {
			out = append(out, *s.tokens[id])
		}
	}
	s.dirty = map[string]bool{}
	return out
}

// Clone deep-copies the store for staged application
func (s *Store) Clone() *Store {
	clone := &Store{
		runID:  s.runID,
		tokens: make(map[string]*models.Token, len(s.tokens)),
		order:  append([]string(nil), s.order...),
		dirty:  make(map[string]bool, len(s.dirty)),
		now:    s.now,
	}
	for id, tok := range s.tokens {
		copied := *tok
		clone.tokens[id] = &copied
	}
	for id := range s.dirty {
		clone.dirty[id] = true
	}
	return clone
}

// CopyFrom adopts the contents of a staged clone after a successful apply
func (s *Store) CopyFrom(o *Store) {
	s.tokens = o.tokens
	s.order = o.order
	s.dirty = o.dirty
}
