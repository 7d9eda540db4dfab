// Package schema wraps JSON-Schema compilation and validation for the
// coordinator's context and task contracts. Only the subset expressible as
// nested "properties" objects participates in subtree validation; locations
// the schema does not constrain are treated as valid.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lumenflow/conductor/common/models"
)

// Schema is a compiled JSON schema with lazily compiled subtrees
type Schema struct {
	raw      map[string]any
	compiled *jsonschema.Schema

	mu       sync.Mutex
	subtrees map[string]*jsonschema.Schema
}

// Compile compiles a schema document. A nil document compiles to a schema
// that accepts everything.
func Compile(doc map[string]any) (*Schema, error) {
	s := &Schema{
		raw:      doc,
		subtrees: make(map[string]*jsonschema.Schema),
	}
	if doc == nil {
		return s, nil
	}

	compiled, err := compileDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	s.compiled = compiled
	return s, nil
}

// MustCompile is Compile that panics; for tests and static schemas
func MustCompile(doc map[string]any) *Schema {
	s, err := Compile(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate validates a value against the whole schema
func (s *Schema) Validate(v any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	normalized, err := normalize(v)
	if err != nil {
		return models.NewSchemaViolation(err.Error())
	}
	if err := s.compiled.Validate(normalized); err != nil {
		return models.NewSchemaViolation(err.Error())
	}
	return nil
}

// ValidateSubtree validates a value against the sub-schema at a dotted path
// (e.g. "foo.bar" walks properties.foo.properties.bar). A path the schema
// does not describe validates successfully.
func (s *Schema) ValidateSubtree(path string, v any) error {
	if s == nil || s.raw == nil {
		return nil
	}

	sub, err := s.subtree(path)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}

	normalized, nerr := normalize(v)
	if nerr != nil {
		return models.NewSchemaViolation(nerr.Error())
	}
	if err := sub.Validate(normalized); err != nil {
		return models.NewSchemaViolation(fmt.Sprintf("path %s: %s", path, err))
	}
	return nil
}

// subtree locates and compiles the schema document at a dotted path,
// caching compiled results
func (s *Schema) subtree(path string) (*jsonschema.Schema, error) {
	if path == "" {
		return s.compiled, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subtrees[path]; ok {
		return sub, nil
	}

	doc := s.raw
	for _, seg := range strings.Split(path, ".") {
		props, ok := doc["properties"].(map[string]any)
		if !ok {
			return nil, nil
		}
		next, ok := props[seg].(map[string]any)
		if !ok {
			return nil, nil
		}
		doc = next
	}

	sub, err := compileDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("compile subtree %s: %w", path, err)
	}
	s.subtrees[path] = sub
	return sub, nil
}

func compileDoc(doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip so number types match what the validator expects
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", parsed); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// normalize round-trips a value through JSON so validation sees canonical
// types (float64 numbers, map[string]any objects)
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value not representable as JSON: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
