package contextstore

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"

	"github.com/lumenflow/conductor/common/models"
)

// branchPrefix addresses a token's branch table in read paths and merge
// sources
const branchPrefix = "_branch"

// normalizePath strips the JSONPath root marker so "$.state.foo" and
// "state.foo" resolve identically
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "$.")
	p = strings.TrimPrefix(p, "$")
	return strings.TrimPrefix(p, ".")
}

// splitBranchPath splits "_branch.output.x" into its branch-relative rest.
// ok is false when the path does not address a branch table.
func splitBranchPath(p string) (rest string, ok bool) {
	p = normalizePath(p)
	if p == branchPrefix {
		return "", true
	}
	if strings.HasPrefix(p, branchPrefix+".") {
		return strings.TrimPrefix(p, branchPrefix+"."), true
	}
	return "", false
}

// readPath resolves a dotted path against a root object. The second return
// distinguishes "undefined" from a present null.
func readPath(root map[string]any, path string) (any, bool) {
	path = normalizePath(path)
	if path == "" {
		return deepCopy(root), true
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}

	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// setPath writes value at a dotted path below root, creating intermediate
// object nodes as needed. Mode merge recursively merges object values via
// RFC 7386 merge patch; mode set replaces.
func setPath(root map[string]any, path string, value any, mode WriteMode) error {
	segs := strings.Split(path, ".")
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, exists := cur[seg]
		if !exists {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return models.NewInvalidPath(
				fmt.Sprintf("path %s: segment %q is not an object", path, seg))
		}
		cur = child
	}

	leaf := segs[len(segs)-1]
	if mode == ModeMerge {
		merged, err := mergeValues(cur[leaf], value)
		if err != nil {
			return err
		}
		cur[leaf] = merged
		return nil
	}
	cur[leaf] = deepCopy(value)
	return nil
}

// mergeValues deep-merges incoming into existing when both are objects,
// otherwise incoming wins
func mergeValues(existing, incoming any) (any, error) {
	existingObj, okA := existing.(map[string]any)
	incomingObj, okB := incoming.(map[string]any)
	if !okA || !okB {
		return deepCopy(incoming), nil
	}

	orig, err := json.Marshal(existingObj)
	if err != nil {
		return nil, fmt.Errorf("marshal merge target: %w", err)
	}
	patch, err := json.Marshal(incomingObj)
	if err != nil {
		return nil, fmt.Errorf("marshal merge patch: %w", err)
	}

	mergedRaw, err := jsonpatch.MergePatch(orig, patch)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}

	var merged map[string]any
	if err := json.Unmarshal(mergedRaw, &merged); err != nil {
		return nil, fmt.Errorf("unmarshal merged value: %w", err)
	}
	return merged, nil
}

// deepCopy copies JSON-shaped values so stores never alias caller memory
func deepCopy(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case string, bool, float64, int, int64:
		return val
	default:
		// Uncommon shapes round-trip through JSON
		raw, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return val
		}
		return out
	}
}

// deepCopyTable copies a string-keyed table
func deepCopyTable(t map[string]any) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	return deepCopy(t).(map[string]any)
}
