package template

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Environment names available to eval expressions.
const (
	envParams = "params"
	envDeps   = "deps"
)

const defaultEvalTimeout = 10 * time.Second

// ExprEvaluator executes Starlark expressions with a wall-clock bound.
// Expressions run on a throwaway thread with printing suppressed; the
// standard Starlark universe (len, range, sorted, ...) is available.
type ExprEvaluator struct {
	timeout time.Duration
}

// NewExprEvaluator creates an expression evaluator. A timeout of zero
// selects the default.
func NewExprEvaluator(timeout time.Duration) *ExprEvaluator {
	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}
	return &ExprEvaluator{timeout: timeout}
}

// Eval evaluates a single expression with the given environment and converts
// the result to a plain Go value.
func (se *ExprEvaluator) Eval(ctx context.Context, expr string, env map[string]interface{}) (interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	predeclared := make(starlark.StringDict, len(env))
	for key, val := range env {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "template-eval",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type evalResult struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan evalResult, 1)

	go func() {
		v, err := starlark.Eval(thread, "expr.star", expr, predeclared)
		resultCh <- evalResult{v, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("deadline exceeded")
		return nil, fmt.Errorf("expression %q: %w", truncateExpr(expr), evalCtx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("expression %q: %w", truncateExpr(expr), res.err)
		}
		return fromStarlarkValue(res.value)
	}
}

// exprRefs reports the resource keys an expression reads through deps["key"]
// lookups, and whether it touches deps at all. Dynamic access (iteration,
// computed keys) cannot be traced to specific keys; resources accessed that
// way must appear in depends_on.
func exprRefs(expr string) (keys []string, usesDeps bool, err error) {
	parsed, err := syntax.ParseExpr("expr.star", expr, 0)
	if err != nil {
		return nil, false, fmt.Errorf("invalid eval expression: %w", err)
	}

	seen := make(map[string]struct{})
	syntax.Walk(parsed, func(n syntax.Node) bool {
		switch node := n.(type) {
		case *syntax.Ident:
			if node.Name == envDeps {
				usesDeps = true
			}
		case *syntax.IndexExpr:
			id, ok := node.X.(*syntax.Ident)
			if !ok || id.Name != envDeps {
				return true
			}
			lit, ok := node.Y.(*syntax.Literal)
			if !ok || lit.Token != syntax.STRING {
				return true
			}
			if s, ok := lit.Value.(string); ok {
				seen[s] = struct{}{}
			}
		}
		return true
	})

	keys = make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, usesDeps, nil
}

func truncateExpr(expr string) string {
	if len(expr) <= 48 {
		return expr
	}
	return expr[:45] + "..."
}

// toStarlarkValue converts a plain Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromStarlarkValue converts an evaluation result back to a plain Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer result too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		items := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = gv
		}
		return items, nil
	case starlark.Tuple:
		items := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = gv
		}
		return items, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", v.Type())
	}
}
