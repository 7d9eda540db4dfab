package contextstore

import (
	"sort"
	"strings"

	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/models"
)

// ApplyOutputMapping projects values out of a source root (usually a task's
// output) into context. Entries are applied in sorted destination order for
// reproducibility. Undefined sources are skipped and logged, never written.
//
// When branchKey names a token of a spawning sibling group, destinations
// under output.* are redirected into that token's branch table so sibling
// writes stay isolated until merged.
func (s *Store) ApplyOutputMapping(mapping map[string]string, sourceRoot map[string]any, branchKey string, rec *trace.Recorder) error {
	if len(mapping) == 0 {
		return nil
	}

	rec.Trace(models.TraceOutputMappingInput, map[string]any{"source": deepCopy(sourceRoot)})

	dests := make([]string, 0, len(mapping))
	for dest := range mapping {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	for _, dest := range dests {
		src := mapping[dest]
		value, found := readPath(sourceRoot, src)
		if !found {
			rec.Trace(models.TraceOutputMappingSkip, map[string]any{
				"dest":   dest,
				"source": src,
			})
			continue
		}

		toBranch := branchKey != "" && strings.HasPrefix(normalizePath(dest), "output.")
		var err error
		if toBranch {
			err = s.WriteBranch(branchKey, dest, value, ModeSet, rec)
		} else {
			err = s.Write(dest, value, ModeSet, rec)
		}
		if err != nil {
			return err
		}

		payload := map[string]any{"dest": dest, "source": src}
		if toBranch {
			payload["branch"] = branchKey
		}
		rec.Trace(models.TraceOutputMappingApply, payload)
	}
	return nil
}

// EvalMapping resolves a {dest: source-jsonpath} mapping against a snapshot
// and a token's branch table, producing a flat destination object. Used for
// task input composition and the workflow's final output projection.
// Undefined sources are omitted.
func EvalMapping(mapping map[string]string, snap Snapshot, tokenID string) map[string]any {
	out := map[string]any{}
	dests := make([]string, 0, len(mapping))
	for dest := range mapping {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	for _, dest := range dests {
		if value, found := snap.ReadForToken(mapping[dest], tokenID); found {
			out[dest] = value
		}
	}
	return out
}
