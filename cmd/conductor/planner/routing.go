package planner

import (
	"fmt"
	"sort"

	"github.com/lumenflow/conductor/cmd/conductor/condition"
	"github.com/lumenflow/conductor/common/models"
)

// Routing reasons recorded on routing.no_match events
const (
	reasonConditionFalse  = "condition_false"
	reasonFirstMatch      = "first_match_policy"
	reasonEmptyCollection = "empty_collection"
)

// route evaluates a completed token's outgoing transitions and appends the
// firing decisions. Policy is first-match, except that every matching
// transition at priority 0 fires as one parallel group.
func (pl *Planner) route(st State, b *builder, tok models.Token) error {
	vars := condition.Vars{
		Input:  st.Snapshot.Input,
		State:  st.Snapshot.State,
		Output: st.Snapshot.Output,
		Branch: st.Snapshot.Branch(tok.ID),
	}

	matched := false
	for _, t := range st.Def.TransitionsFrom(tok.NodeRef) {
		t := t
		if matched && t.Priority != 0 {
			b.trace(models.TraceRoutingNoMatch, map[string]any{
				"transition": t.Ref,
				"token_id":   tok.ID,
				"reason":     reasonFirstMatch,
			})
			continue
		}

		if t.Condition != nil {
			ok, err := pl.conditions.Evaluate(t.Condition, vars)
			if err != nil {
				return models.NewDefinitionError(
					fmt.Sprintf("transition %s condition: %v", t.Ref, err))
			}
			if !ok {
				b.trace(models.TraceRoutingNoMatch, map[string]any{
					"transition": t.Ref,
					"token_id":   tok.ID,
					"reason":     reasonConditionFalse,
				})
				continue
			}
		}

		var elements []any
		if t.Foreach != nil {
			v, found := st.Snapshot.ReadForToken(t.Foreach.Collection, tok.ID)
			if found {
				var ok bool
				if elements, ok = v.([]any); !ok {
					return models.NewDefinitionError(fmt.Sprintf(
						"transition %s: foreach collection %s is %T, want array",
						t.Ref, t.Foreach.Collection, v))
				}
			}
			if len(elements) == 0 {
				b.trace(models.TraceRoutingNoMatch, map[string]any{
					"transition": t.Ref,
					"token_id":   tok.ID,
					"reason":     reasonEmptyCollection,
				})
				continue
			}
		}

		b.trace(models.TraceRoutingMatch, map[string]any{
			"transition": t.Ref,
			"token_id":   tok.ID,
			"from":       t.FromNodeRef,
			"to":         t.ToNodeRef,
		})
		matched = true

		if err := pl.fire(st, b, tok, &t, elements); err != nil {
			return err
		}
	}
	return nil
}

// fire produces the tokens of one matching transition
func (pl *Planner) fire(st State, b *builder, tok models.Token, t *models.TransitionDef, elements []any) error {
	if t.Synchronization != nil {
		return pl.arrive(st, b, tok, t)
	}

	if t.Foreach != nil {
		group := t.SiblingGroup
		if group == "" {
			group = t.Ref + "#" + tok.ID
		}
		total := len(elements)
		if err := pl.checkTokenBudget(st, b, total); err != nil {
			return err
		}
		for i, el := range elements {
			b.decide(CreateToken{
				Token: models.Token{
					ID:                  pl.newID(),
					NodeRef:             t.ToNodeRef,
					Status:              models.TokenPending,
					ParentTokenID:       tok.ID,
					SiblingGroupID:      group,
					FanOutTransitionRef: t.Ref,
					BranchIndex:         i,
					BranchTotal:         total,
				},
				BranchBindings: map[string]any{t.Foreach.ItemVar: el},
			})
		}
		return nil
	}

	if t.SpawnCount > 0 {
		group := t.SiblingGroup
		if group == "" {
			group = t.Ref + "#" + tok.ID
		}
		if err := pl.checkTokenBudget(st, b, t.SpawnCount); err != nil {
			return err
		}
		for i := 0; i < t.SpawnCount; i++ {
			b.decide(CreateToken{Token: models.Token{
				ID:                  pl.newID(),
				NodeRef:             t.ToNodeRef,
				Status:              models.TokenPending,
				ParentTokenID:       tok.ID,
				SiblingGroupID:      group,
				FanOutTransitionRef: t.Ref,
				BranchIndex:         i,
				BranchTotal:         t.SpawnCount,
			}})
		}
		return nil
	}

	if err := pl.checkTokenBudget(st, b, 1); err != nil {
		return err
	}
	b.decide(CreateToken{Token: models.Token{
		ID:            pl.newID(),
		NodeRef:       t.ToNodeRef,
		Status:        models.TokenPending,
		ParentTokenID: tok.ID,
	}})
	return nil
}

// arrive handles the arrival side of a fan-in: mint a waiting arrival token
// and, when the strategy's predicate crosses, resolve the group
func (pl *Planner) arrive(st State, b *builder, tok models.Token, t *models.TransitionDef) error {
	sync := t.Synchronization
	if !tok.InSiblingGroup() {
		return models.NewSyncError(fmt.Sprintf(
			"transition %s: token %s arrived at fan-in outside any sibling group", t.Ref, tok.ID))
	}
	if sync.SiblingGroup != "" && sync.SiblingGroup != tok.SiblingGroupID {
		return models.NewSyncError(fmt.Sprintf(
			"transition %s: token %s belongs to group %q, synchronization names %q",
			t.Ref, tok.ID, tok.SiblingGroupID, sync.SiblingGroup))
	}
	group := tok.SiblingGroupID

	// Arrival tokens share the group but carry the sync transition's ref,
	// which distinguishes them from the spawn siblings
	var waiting []models.Token
	for _, a := range st.Tokens.ByFanOutTransition(group, t.Ref) {
		if a.Status == models.TokenWaitingAtFanIn {
			waiting = append(waiting, a)
		}
	}

	if err := pl.checkTokenBudget(st, b, 1); err != nil {
		return err
	}
	arrival := models.Token{
		ID:                  pl.newID(),
		NodeRef:             t.ToNodeRef,
		Status:              models.TokenWaitingAtFanIn,
		ParentTokenID:       tok.ID,
		SiblingGroupID:      group,
		FanOutTransitionRef: t.Ref,
		BranchIndex:         tok.BranchIndex,
		BranchTotal:         tok.BranchTotal,
	}
	b.decide(CreateToken{Token: arrival})

	count := len(waiting) + 1
	b.trace(models.TraceSyncArrival, map[string]any{
		"transition":      t.Ref,
		"sibling_group":   group,
		"token_id":        arrival.ID,
		"source_token_id": tok.ID,
		"arrivals_count":  count,
		"branch_total":    tok.BranchTotal,
	})

	ready, err := pl.syncReady(sync, len(waiting), count, tok.BranchTotal)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	arrivals := append(waiting, arrival)
	sort.SliceStable(arrivals, func(i, j int) bool {
		return arrivals[i].BranchIndex < arrivals[j].BranchIndex
	})
	arrivalIDs := make([]string, 0, len(arrivals))
	for _, a := range arrivals {
		arrivalIDs = append(arrivalIDs, a.ID)
	}
	b.trace(models.TraceSyncReady, map[string]any{
		"transition":        t.Ref,
		"sibling_group":     group,
		"strategy":          string(sync.Strategy),
		"arrival_token_ids": arrivalIDs,
	})

	// Quorum strategies cancel the stragglers before the continuation exists
	if sync.Strategy != models.SyncAll {
		for _, sib := range st.Tokens.BySiblingGroup(group) {
			if sib.FanOutTransitionRef == t.Ref || sib.ID == tok.ID || sib.Status.Terminal() {
				continue
			}
			b.decide(SetTokenStatus{
				TokenID: sib.ID,
				Status:  models.TokenCancelled,
				Reason:  "synchronization_" + string(sync.Strategy),
			})
		}
	}

	if sync.Merge != nil {
		sources := make([]MergeSource, 0, len(arrivals))
		for _, a := range arrivals {
			sources = append(sources, MergeSource{
				TokenID:     a.ParentTokenID,
				BranchIndex: a.BranchIndex,
			})
		}
		b.decide(PerformMerge{Spec: sync.Merge, Sources: sources})
		b.trace(models.TraceSyncMerge, map[string]any{
			"sibling_group": group,
			"source":        sync.Merge.Source,
			"target":        sync.Merge.Target,
			"strategy":      string(sync.Merge.Strategy),
		})
	}

	for _, a := range arrivals {
		b.decide(SetTokenStatus{TokenID: a.ID, Status: models.TokenCompleted, Reason: "fan_in_consumed"})
	}
	b.decide(CreateToken{Token: models.Token{
		ID:            pl.newID(),
		NodeRef:       t.ToNodeRef,
		Status:        models.TokenPending,
		ParentTokenID: arrivalIDs[0],
	}})
	return nil
}

// syncReady reports whether this arrival crosses the strategy's threshold.
// prior is the waiting count before this arrival, count includes it.
func (pl *Planner) syncReady(sync *models.SyncSpec, prior, count, branchTotal int) (bool, error) {
	switch sync.Strategy {
	case models.SyncAll:
		return count == branchTotal, nil
	case models.SyncAny:
		return prior == 0, nil
	case models.SyncMOfN:
		if sync.Quorum < 1 {
			return false, models.NewDefinitionError(
				fmt.Sprintf("m_of_n synchronization requires quorum >= 1, got %d", sync.Quorum))
		}
		return prior < sync.Quorum && count >= sync.Quorum, nil
	default:
		return false, models.NewDefinitionError(
			fmt.Sprintf("unknown synchronization strategy %q", sync.Strategy))
	}
}

// checkTokenBudget enforces the per-run token ceiling counting tokens
// already planned in this pass
func (pl *Planner) checkTokenBudget(st State, b *builder, adding int) error {
	if pl.maxTokens <= 0 {
		return nil
	}
	planned := 0
	for _, d := range b.Decisions {
		if _, ok := d.(CreateToken); ok {
			planned++
		}
	}
	if st.Tokens.Count()+planned+adding > pl.maxTokens {
		return models.NewInternalError(fmt.Sprintf(
			"token budget exceeded: %d existing + %d planned + %d new > max %d",
			st.Tokens.Count(), planned, adding, pl.maxTokens))
	}
	return nil
}
