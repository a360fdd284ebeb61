package template

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func call(name string, arg interface{}) map[string]interface{} {
	return map[string]interface{}{name: arg}
}

func TestIntrinsicCallDetection(t *testing.T) {
	cases := []struct {
		name string
		m    map[string]interface{}
		want bool
	}{
		{"get_param", call("get_param", "size"), true},
		{"get_resource", call("get_resource", "net"), true},
		{"eval", call("eval", "1"), true},
		{"unknown single key", map[string]interface{}{"get_parameter": "x"}, false},
		{"two keys", map[string]interface{}{"get_param": "x", "other": 1}, false},
		{"empty map", map[string]interface{}{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, ok := intrinsicCall(tc.m); ok != tc.want {
				t.Fatalf("intrinsicCall = %v, want %v", ok, tc.want)
			}
		})
	}
}

func TestHasIntrinsicNested(t *testing.T) {
	deep := map[string]interface{}{
		"outer": []interface{}{
			map[string]interface{}{
				"inner": call("get_attr", []interface{}{"net", "ip"}),
			},
		},
	}
	if !hasIntrinsic(deep) {
		t.Fatal("nested intrinsic not detected")
	}
	if hasIntrinsic(map[string]interface{}{"a": []interface{}{1, "b", map[string]interface{}{"c": true}}}) {
		t.Fatal("literal tree reported as intrinsic")
	}
}

func TestFoldKeepsLazyCallsAndSubstitutesParams(t *testing.T) {
	f := &folder{
		params: map[string]interface{}{"region": "eu", "count": 3},
		eval:   NewExprEvaluator(0),
	}
	ctx := context.Background()

	// get_param nested inside a lazy concat is substituted in place.
	folded, err := f.foldValue(ctx, call("concat", []interface{}{
		call("get_param", "region"),
		"-",
		call("get_attr", []interface{}{"net", "ip"}),
	}))
	if err != nil {
		t.Fatalf("foldValue: %v", err)
	}
	want := call("concat", []interface{}{
		"eu",
		"-",
		call("get_attr", []interface{}{"net", "ip"}),
	})
	if !reflect.DeepEqual(folded, want) {
		t.Fatalf("folded = %#v, want %#v", folded, want)
	}

	// Fully concrete concat folds to a string.
	folded, err = f.foldValue(ctx, call("concat", []interface{}{"n-", call("get_param", "count")}))
	if err != nil {
		t.Fatalf("foldValue: %v", err)
	}
	if folded != "n-3" {
		t.Fatalf("folded = %v, want n-3", folded)
	}
}

func TestFoldEvalStaticVersusDynamic(t *testing.T) {
	f := &folder{
		params: map[string]interface{}{"count": 2},
		eval:   NewExprEvaluator(0),
	}
	ctx := context.Background()

	static, err := f.foldValue(ctx, call("eval", "params['count'] * 10"))
	if err != nil {
		t.Fatalf("foldValue: %v", err)
	}
	if static != int64(20) {
		t.Fatalf("static eval = %v (%T), want int64 20", static, static)
	}

	dynamic, err := f.foldValue(ctx, call("eval", "deps['db']['physical_id']"))
	if err != nil {
		t.Fatalf("foldValue: %v", err)
	}
	if !reflect.DeepEqual(dynamic, call("eval", "deps['db']['physical_id']")) {
		t.Fatalf("dynamic eval folded early: %#v", dynamic)
	}

	// Iteration over deps cannot fold even though no key is extractable.
	iterating, err := f.foldValue(ctx, call("eval", "len([k for k in deps])"))
	if err != nil {
		t.Fatalf("foldValue: %v", err)
	}
	if !reflect.DeepEqual(iterating, call("eval", "len([k for k in deps])")) {
		t.Fatalf("deps iteration folded early: %#v", iterating)
	}
}

func TestRequiresForCollectsNestedRefs(t *testing.T) {
	props := map[string]interface{}{
		"a": call("get_resource", "alpha"),
		"b": []interface{}{call("get_attr", []interface{}{"beta", "ip"})},
		"c": map[string]interface{}{
			"inner": call("concat", []interface{}{
				"x",
				call("get_resource", "gamma"),
			}),
		},
		"d": call("eval", "deps['delta']['physical_id'] + deps['alpha']['physical_id']"),
		// get_attr path elements may reference other resources.
		"e": call("get_attr", []interface{}{"beta", call("get_resource", "epsilon")}),
	}

	got, err := requiresFor([]string{"zeta", "alpha"}, props)
	if err != nil {
		t.Fatalf("requiresFor: %v", err)
	}
	want := []string{"alpha", "beta", "delta", "epsilon", "gamma", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("requires = %v, want %v", got, want)
	}

	empty, err := requiresFor(nil, map[string]interface{}{"plain": 1})
	if err != nil {
		t.Fatalf("requiresFor: %v", err)
	}
	if empty != nil {
		t.Fatalf("requires = %v, want nil", empty)
	}
}

func TestWalkAttrPath(t *testing.T) {
	attrs := map[string]interface{}{
		"addresses": []interface{}{"10.0.0.4", "10.0.0.5"},
		"route":     map[string]interface{}{"gateway": "10.0.0.1"},
		"port":      8080,
	}

	got, err := walkAttrPath("net", attrs, []interface{}{"route", "gateway"})
	if err != nil || got != "10.0.0.1" {
		t.Fatalf("walkAttrPath = %v, %v", got, err)
	}
	got, err = walkAttrPath("net", attrs, []interface{}{"addresses", 1})
	if err != nil || got != "10.0.0.5" {
		t.Fatalf("walkAttrPath = %v, %v", got, err)
	}

	if _, err := walkAttrPath("net", attrs, []interface{}{"route", "nope"}); err == nil || !strings.Contains(err.Error(), "route.nope") {
		t.Fatalf("missing attr error = %v", err)
	}
	if _, err := walkAttrPath("net", attrs, []interface{}{"addresses", "x"}); err == nil || !strings.Contains(err.Error(), "list index") {
		t.Fatalf("bad index error = %v", err)
	}
	if _, err := walkAttrPath("net", attrs, []interface{}{"port", "deep"}); err == nil || !strings.Contains(err.Error(), "cannot descend") {
		t.Fatalf("scalar descend error = %v", err)
	}
}

func TestJoinConcatStringifiesScalars(t *testing.T) {
	got, err := joinConcat([]interface{}{"x-", 1, "-", int64(2), "-", 2.5, "-", true})
	if err != nil {
		t.Fatalf("joinConcat: %v", err)
	}
	if got != "x-1-2-2.5-true" {
		t.Fatalf("joined = %q", got)
	}

	if _, err := joinConcat([]interface{}{map[string]interface{}{"a": 1}}); err == nil {
		t.Fatal("joinConcat accepted a map")
	}
	if _, err := joinConcat([]interface{}{nil}); err == nil {
		t.Fatal("joinConcat accepted null")
	}
}
