package template

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openstratus/stratus/pkg/engine"
)

// Intrinsic function names.
const (
	fnGetParam    = "get_param"
	fnGetResource = "get_resource"
	fnGetAttr     = "get_attr"
	fnConcat      = "concat"
	fnEval        = "eval"
)

// intrinsicCall reports whether a map is an intrinsic function call: a
// single-key map whose key is one of the intrinsic names. Any other map is
// literal data.
func intrinsicCall(m map[string]interface{}) (name string, arg interface{}, ok bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		switch k {
		case fnGetParam, fnGetResource, fnGetAttr, fnConcat, fnEval:
			return k, v, true
		}
	}
	return "", nil, false
}

// hasIntrinsic reports whether any intrinsic call remains in the value tree.
func hasIntrinsic(v interface{}) bool {
	switch val := v.(type) {
	case map[string]interface{}:
		if _, _, ok := intrinsicCall(val); ok {
			return true
		}
		for _, item := range val {
			if hasIntrinsic(item) {
				return true
			}
		}
	case []interface{}:
		for _, item := range val {
			if hasIntrinsic(item) {
				return true
			}
		}
	}
	return false
}

// folder is the parse-time intrinsic pass. It substitutes get_param calls
// with effective parameter values, folds concat and eval calls whose
// arguments no longer contain intrinsics, and leaves get_resource and
// get_attr calls for traversal-time resolution. Folding parameters into the
// definition makes parameter changes visible to definition fingerprints.
type folder struct {
	params map[string]interface{}
	eval   *ExprEvaluator
}

func (f *folder) foldMap(ctx context.Context, m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(m))
	for _, k := range sortedKeys(m) {
		v, err := f.foldValue(ctx, m[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (f *folder) foldValue(ctx context.Context, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if name, arg, ok := intrinsicCall(val); ok {
			return f.foldIntrinsic(ctx, name, arg)
		}
		return f.foldMap(ctx, val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			folded, err := f.foldValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = folded
		}
		return out, nil
	default:
		return v, nil
	}
}

func (f *folder) foldIntrinsic(ctx context.Context, name string, arg interface{}) (interface{}, error) {
	switch name {
	case fnGetParam:
		param, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("get_param argument must be a parameter name, got %T", arg)
		}
		value, ok := f.params[param]
		if !ok {
			return nil, fmt.Errorf("get_param references undeclared parameter %s", param)
		}
		return value, nil

	case fnGetResource:
		folded, err := f.foldValue(ctx, arg)
		if err != nil {
			return nil, err
		}
		if _, ok := folded.(string); !ok {
			return nil, fmt.Errorf("get_resource argument must be a resource key, got %T", folded)
		}
		return map[string]interface{}{fnGetResource: folded}, nil

	case fnGetAttr:
		items, ok := arg.([]interface{})
		if !ok || len(items) < 2 {
			return nil, fmt.Errorf("get_attr requires [resource, attribute...]")
		}
		folded := make([]interface{}, len(items))
		for i, item := range items {
			fv, err := f.foldValue(ctx, item)
			if err != nil {
				return nil, err
			}
			folded[i] = fv
		}
		if _, ok := folded[0].(string); !ok {
			return nil, fmt.Errorf("get_attr target must be a resource key, got %T", folded[0])
		}
		return map[string]interface{}{fnGetAttr: folded}, nil

	case fnConcat:
		items, ok := arg.([]interface{})
		if !ok {
			return nil, fmt.Errorf("concat argument must be a list")
		}
		folded := make([]interface{}, len(items))
		concrete := true
		for i, item := range items {
			fv, err := f.foldValue(ctx, item)
			if err != nil {
				return nil, err
			}
			folded[i] = fv
			if hasIntrinsic(fv) {
				concrete = false
			}
		}
		if !concrete {
			return map[string]interface{}{fnConcat: folded}, nil
		}
		return joinConcat(folded)

	case fnEval:
		expr, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("eval argument must be an expression string, got %T", arg)
		}
		_, usesDeps, err := exprRefs(expr)
		if err != nil {
			return nil, err
		}
		if usesDeps {
			return map[string]interface{}{fnEval: expr}, nil
		}
		return f.eval.Eval(ctx, expr, map[string]interface{}{envParams: f.params})
	}
	return nil, fmt.Errorf("unknown intrinsic %s", name)
}

// collectRefs gathers every logical resource key referenced through
// get_resource, get_attr or eval calls in a folded value tree.
func collectRefs(v interface{}, refs map[string]struct{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		name, arg, ok := intrinsicCall(val)
		if !ok {
			for _, item := range val {
				if err := collectRefs(item, refs); err != nil {
					return err
				}
			}
			return nil
		}
		switch name {
		case fnGetResource:
			if key, ok := arg.(string); ok {
				refs[key] = struct{}{}
			}
		case fnGetAttr:
			items, _ := arg.([]interface{})
			if len(items) > 0 {
				if key, ok := items[0].(string); ok {
					refs[key] = struct{}{}
				}
				for _, item := range items[1:] {
					if err := collectRefs(item, refs); err != nil {
						return err
					}
				}
			}
		case fnEval:
			expr, _ := arg.(string)
			keys, _, err := exprRefs(expr)
			if err != nil {
				return err
			}
			for _, key := range keys {
				refs[key] = struct{}{}
			}
		case fnConcat:
			if err := collectRefs(arg, refs); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range val {
			if err := collectRefs(item, refs); err != nil {
				return err
			}
		}
	}
	return nil
}

// requiresFor unions the declared depends_on list with the implicit
// references found in the folded properties.
func requiresFor(dependsOn []string, props map[string]interface{}) ([]string, error) {
	refs := make(map[string]struct{}, len(dependsOn))
	for _, dep := range dependsOn {
		refs[dep] = struct{}{}
	}
	if err := collectRefs(props, refs); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(refs))
	for key := range refs {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// resolver is the traversal-time intrinsic pass. It runs inside the worker
// with the sync-point input data of the node being converged.
type resolver struct {
	params map[string]interface{}
	inputs engine.InputData
	eval   *ExprEvaluator
}

func (r *resolver) resolveMap(ctx context.Context, m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return map[string]interface{}{}, nil
	}
	out := make(map[string]interface{}, len(m))
	for _, k := range sortedKeys(m) {
		v, err := r.resolveValue(ctx, m[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (r *resolver) resolveValue(ctx context.Context, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if name, arg, ok := intrinsicCall(val); ok {
			return r.resolveIntrinsic(ctx, name, arg)
		}
		return r.resolveMap(ctx, val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rv, err := r.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) resolveIntrinsic(ctx context.Context, name string, arg interface{}) (interface{}, error) {
	switch name {
	case fnGetParam:
		param, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("get_param argument must be a parameter name, got %T", arg)
		}
		value, ok := r.params[param]
		if !ok {
			return nil, fmt.Errorf("get_param references undeclared parameter %s", param)
		}
		return value, nil

	case fnGetResource:
		resolved, err := r.resolveValue(ctx, arg)
		if err != nil {
			return nil, err
		}
		key, ok := resolved.(string)
		if !ok {
			return nil, fmt.Errorf("get_resource argument must be a resource key, got %T", resolved)
		}
		out, err := r.input(key)
		if err != nil {
			return nil, err
		}
		return out.PhysicalID, nil

	case fnGetAttr:
		items, ok := arg.([]interface{})
		if !ok || len(items) < 2 {
			return nil, fmt.Errorf("get_attr requires [resource, attribute...]")
		}
		resolved := make([]interface{}, len(items))
		for i, item := range items {
			rv, err := r.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		key, ok := resolved[0].(string)
		if !ok {
			return nil, fmt.Errorf("get_attr target must be a resource key, got %T", resolved[0])
		}
		out, err := r.input(key)
		if err != nil {
			return nil, err
		}
		return walkAttrPath(key, out.Attributes, resolved[1:])

	case fnConcat:
		items, ok := arg.([]interface{})
		if !ok {
			return nil, fmt.Errorf("concat argument must be a list")
		}
		resolved := make([]interface{}, len(items))
		for i, item := range items {
			rv, err := r.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return joinConcat(resolved)

	case fnEval:
		expr, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("eval argument must be an expression string, got %T", arg)
		}
		return r.eval.Eval(ctx, expr, r.evalEnv())
	}
	return nil, fmt.Errorf("unknown intrinsic %s", name)
}

// input returns the dependency output for a key. A missing output means the
// dependency set computed at parse time does not cover this reference.
func (r *resolver) input(key string) (*engine.NodeOutput, error) {
	out, ok := r.inputs[key]
	if !ok || out == nil {
		return nil, fmt.Errorf("no output available for resource %s", key)
	}
	if out.Failed {
		return nil, fmt.Errorf("resource %s failed: %s", key, out.Reason)
	}
	return out, nil
}

// evalEnv builds the Starlark environment: effective parameters under
// "params" and dependency outputs under "deps", each as
// {physical_id, attributes}.
func (r *resolver) evalEnv() map[string]interface{} {
	deps := make(map[string]interface{}, len(r.inputs))
	for key, out := range r.inputs {
		if out == nil || out.Failed {
			continue
		}
		attrs := out.Attributes
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		deps[key] = map[string]interface{}{
			"physical_id": out.PhysicalID,
			"attributes":  attrs,
		}
	}
	return map[string]interface{}{envParams: r.params, envDeps: deps}
}

// walkAttrPath descends an attribute tree by map keys and list indexes.
func walkAttrPath(key string, attrs map[string]interface{}, path []interface{}) (interface{}, error) {
	var current interface{} = attrs
	for i, elem := range path {
		switch node := current.(type) {
		case map[string]interface{}:
			field, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("attribute path element %d of %s must be a string, got %T", i+1, key, elem)
			}
			next, ok := node[field]
			if !ok {
				return nil, fmt.Errorf("resource %s has no attribute %s", key, joinPath(path[:i+1]))
			}
			current = next
		case []interface{}:
			idx, ok := toIndex(elem)
			if !ok {
				return nil, fmt.Errorf("attribute path element %d of %s must be a list index, got %v", i+1, key, elem)
			}
			if idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("attribute index %d out of range for resource %s", idx, key)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("attribute %s of resource %s is a scalar, cannot descend into %v", joinPath(path[:i]), key, elem)
		}
	}
	return current, nil
}

func toIndex(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func joinPath(path []interface{}) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = fmt.Sprintf("%v", p)
	}
	return strings.Join(parts, ".")
}

// joinConcat concatenates the string forms of scalar items.
func joinConcat(items []interface{}) (string, error) {
	var sb strings.Builder
	for _, item := range items {
		s, err := stringify(item)
		if err != nil {
			return "", fmt.Errorf("concat: %s", err)
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

func stringify(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("cannot concatenate null")
	default:
		return "", fmt.Errorf("cannot concatenate %T, elements must be scalars", v)
	}
}
