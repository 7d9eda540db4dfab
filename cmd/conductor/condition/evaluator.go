package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lumenflow/conductor/common/models"
)

// Evaluator evaluates transition conditions using CEL (Common Expression
// Language). Compiled programs are cached per expression; evaluation is pure
// so the planner may call it freely.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Vars is the variable set a condition is evaluated against: the composite
// snapshot root plus the evaluating token's branch table
type Vars struct {
	Input  map[string]any
	State  map[string]any
	Output map[string]any
	Branch map[string]any
}

// Evaluate evaluates a condition and returns the result
func (e *Evaluator) Evaluate(cond *models.Condition, vars Vars) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("nil condition")
	}

	switch cond.Type {
	case "", "cel":
		return e.evaluateCEL(cond.Expression, vars)
	default:
		return false, fmt.Errorf("unsupported condition type: %s", cond.Type)
	}
}

// evaluateCEL evaluates a CEL expression
func (e *Evaluator) evaluateCEL(expr string, vars Vars) (bool, error) {
	normalizedExpr := stripPathRoots(expr)

	e.mu.RLock()
	prg, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compileCEL(normalizedExpr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalizedExpr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input":  emptyIfNil(vars.Input),
		"state":  emptyIfNil(vars.State),
		"output": emptyIfNil(vars.Output),
		"branch": emptyIfNil(vars.Branch),
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// compileCEL compiles a CEL expression
func (e *Evaluator) compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("state", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("branch", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// stripPathRoots removes "$." root markers so authors can reuse mapping
// syntax inside conditions: $.state.x becomes state.x. Markers inside string
// literals are left alone.
func stripPathRoots(expr string) string {
	var b strings.Builder
	b.Grow(len(expr))

	var quote byte
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case quote != 0:
			b.WriteByte(ch)
			if ch == '\\' && i+1 < len(expr) {
				i++
				b.WriteByte(expr[i])
			} else if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
			b.WriteByte(ch)
		case ch == '$' && i+1 < len(expr) && expr[i+1] == '.':
			i++
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
