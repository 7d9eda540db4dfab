package contextstore

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/models"
)

// BranchContribution is one sibling's branch table offered to a merge
type BranchContribution struct {
	TokenID     string
	BranchIndex int
	Table       map[string]any
}

// Merge projects values out of contributing branch tables into shared
// context using the configured strategy. Contributions are ordered by branch
// index ascending, which fixes append order and duplicate-key resolution.
// The final projection is an ordinary context write.
func (s *Store) Merge(spec *models.MergeSpec, contribs []BranchContribution, rec *trace.Recorder) error {
	sort.Slice(contribs, func(i, j int) bool {
		return contribs[i].BranchIndex < contribs[j].BranchIndex
	})

	rest, isBranch := splitBranchPath(spec.Source)
	if !isBranch {
		return models.NewSyncError(
			fmt.Sprintf("merge source %q must address the _branch namespace", spec.Source))
	}

	type contribution struct {
		index int
		value any
	}
	var present []contribution

	for _, c := range contribs {
		var value any
		var found bool
		if rest == "" {
			value, found = deepCopyTable(c.Table), c.Table != nil
		} else {
			value, found = readPath(c.Table, rest)
		}

		payload := map[string]any{
			"path":   spec.Source,
			"branch": c.TokenID,
			"found":  found,
		}
		if found {
			payload["value"] = value
			present = append(present, contribution{index: c.BranchIndex, value: value})
		}
		rec.Trace(models.TraceContextRead, payload)
	}

	var merged any
	switch spec.Strategy {
	case models.MergeAppend:
		values := make([]any, 0, len(present))
		for _, c := range present {
			values = append(values, c.value)
		}
		merged = values

	case models.MergeObject:
		obj := map[string]any{}
		for _, c := range present {
			m, ok := c.value.(map[string]any)
			if !ok {
				return models.NewSyncError(fmt.Sprintf(
					"merge_object: branch %d contributed %T, want object", c.index, c.value))
			}
			// Later branch indexes win on duplicate keys
			for k, v := range m {
				obj[k] = v
			}
		}
		merged = obj

	case models.MergeKeyedByBranch:
		obj := map[string]any{}
		for _, c := range present {
			obj[strconv.Itoa(c.index)] = c.value
		}
		merged = obj

	case models.MergeLastWins:
		// No contribution carried the source path: leave the target
		// undefined rather than writing null
		if len(present) == 0 {
			return nil
		}
		merged = present[len(present)-1].value

	default:
		return models.NewSyncError(fmt.Sprintf("unknown merge strategy: %s", spec.Strategy))
	}

	return s.Write(spec.Target, merged, ModeSet, rec)
}
