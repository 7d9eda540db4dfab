package contextstore

// Snapshot is a frozen, deep-copied view of a run's context plane at one
// sequence boundary. The planner reads it without trace emission; reads of
// live state go through Store.Read instead.
type Snapshot struct {
	Input    map[string]any
	State    map[string]any
	Output   map[string]any
	Branches map[string]map[string]any
}

// Root returns the composite {input,state,output} view
func (s Snapshot) Root() map[string]any {
	return map[string]any{
		"input":  s.Input,
		"state":  s.State,
		"output": s.Output,
	}
}

// Read resolves a JSONPath against the composite root without logging
func (s Snapshot) Read(path string) (any, bool) {
	return readPath(s.Root(), path)
}

// ReadForToken is Read plus branch resolution for paths rooted at _branch
func (s Snapshot) ReadForToken(path, tokenID string) (any, bool) {
	rest, isBranch := splitBranchPath(path)
	if !isBranch {
		return s.Read(path)
	}
	table, ok := s.Branches[tokenID]
	if !ok {
		return nil, false
	}
	if rest == "" {
		return deepCopyTable(table), true
	}
	return readPath(table, rest)
}

// Branch returns a token's branch table from the snapshot; nil when absent
func (s Snapshot) Branch(tokenID string) map[string]any {
	return s.Branches[tokenID]
}
