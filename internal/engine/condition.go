package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Evaluator compiles and runs boolean CEL expressions against an
// execution context. Context keys become top-level identifiers, so
// "x > 0" and "a.x > 0" both work. Programs are cached per
// (expression, declared keys).
type Evaluator struct {
	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]cel.Program)}
}

// EvalBool evaluates expr against context and coerces the result to a
// boolean. Compile and type errors come back as validation errors so the
// caller can report them against the workflow definition.
func (e *Evaluator) EvalBool(expr string, context map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}

	program, err := e.program(expr, context)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(context)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindValidation, "evaluate %q", expr)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, apperr.Validation("expression %q is not boolean (got %T)", expr, out.Value())
	}
	return b, nil
}

func (e *Evaluator) program(expr string, context map[string]any) (cel.Program, error) {
	key := cacheKey(expr, context)

	e.mu.Lock()
	cached, ok := e.programs[key]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	opts := make([]cel.EnvOption, 0, len(context))
	for k := range context {
		opts = append(opts, cel.Variable(k, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, apperr.Wrap(issues.Err(), apperr.KindValidation, "compile %q", expr)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cel program: %w", err)
	}

	e.mu.Lock()
	e.programs[key] = program
	e.mu.Unlock()
	return program, nil
}

// cacheKey folds the declared variable set into the cache key: the same
// expression compiled against a context with different keys needs a
// fresh program.
func cacheKey(expr string, context map[string]any) string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return expr + "\x00" + strings.Join(keys, "\x00")
}
