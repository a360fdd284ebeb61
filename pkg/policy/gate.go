package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/telemetry"
)

// Gate evaluates Rego policies against stack actions. It implements the
// engine's PolicyGate interface: a blocking violation comes back as a
// validation error and the action never starts a traversal.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	loader   *Loader
	logger   *telemetry.Logger
}

var _ engine.PolicyGate = (*Gate)(nil)

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewGate creates a gate with the builtin policies compiled and enabled.
func NewGate(tel *telemetry.Telemetry) (*Gate, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		loader:   NewLoader(tel),
		logger:   tel.Logger.NewComponentLogger("policy-gate"),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := g.compile(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile builtin policy %s: %w", builtins[i].Name, err)
		}
	}
	g.logger.Infof("loaded %d builtin policies", len(builtins))
	return g, nil
}

// AuthorizeStackAction evaluates every enabled policy against the action.
// The first blocking violation denies the action; warnings are logged and
// evaluation continues.
func (g *Gate) AuthorizeStackAction(ctx context.Context, input *engine.PolicyInput) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start := time.Now()
	var blocking *Violation
	evaluated := 0

	for _, cp := range g.sorted() {
		if !cp.policy.Enabled {
			continue
		}
		evaluated++

		violations, err := g.evaluate(ctx, cp, input)
		if err != nil {
			// A broken policy must not silently allow the action.
			return engine.NewValidationError(
				fmt.Sprintf("policy %s failed to evaluate: %s", cp.policy.Name, err))
		}
		for i := range violations {
			v := &violations[i]
			if v.Severity.Blocks() {
				if blocking == nil {
					blocking = v
				}
				continue
			}
			g.logger.WithField("policy", v.Policy).
				WithStackName(input.StackName).
				WithField("severity", string(v.Severity)).
				Warn(v.Message)
		}
	}

	g.logger.WithStackName(input.StackName).
		Debugf("evaluated %d policies for %s in %s", evaluated, input.Action, time.Since(start))

	if blocking != nil {
		return engine.NewValidationError(
			fmt.Sprintf("policy %s denied %s of stack %s: %s",
				blocking.Policy, input.Action, input.StackName, blocking.Message))
	}
	return nil
}

// sorted returns the compiled policies in name order so denial messages are
// deterministic when several policies fire.
func (g *Gate) sorted() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(g.policies))
	for _, cp := range g.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// evaluate runs one policy's deny query against the input.
func (g *Gate) evaluate(ctx context.Context, cp *compiledPolicy, input *engine.PolicyInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, g.toViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// toViolation normalizes a deny result. String results use the policy's
// default severity; object results may override it.
func (g *Gate) toViolation(policy *Policy, result interface{}, input *engine.PolicyInput) Violation {
	violation := Violation{
		Policy:    policy.Name,
		Severity:  policy.Severity,
		StackName: input.StackName,
	}
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// LoadPaths loads and compiles policies from files and directories on top of
// the builtins. A loaded policy with a builtin's name replaces it.
func (g *Gate) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := g.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range policies {
		if err := g.compileLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	g.logger.Infof("loaded %d policies", len(policies))
	return nil
}

// Watch reloads policies whenever a watched file changes. Reload failures
// keep the previous policy set.
func (g *Gate) Watch(ctx context.Context, paths []string) error {
	return g.loader.Watch(ctx, paths, func(policies []Policy) error {
		g.mu.Lock()
		defer g.mu.Unlock()

		// Rebuild from builtins so deleted files drop out.
		rebuilt := make(map[string]*compiledPolicy)
		prev := g.policies
		g.policies = rebuilt

		builtins := BuiltinPolicies()
		for i := range builtins {
			if err := g.compileLocked(ctx, &builtins[i]); err != nil {
				g.policies = prev
				return err
			}
		}
		for i := range policies {
			if err := g.compileLocked(ctx, &policies[i]); err != nil {
				g.policies = prev
				return err
			}
		}
		return nil
	})
}

// compile validates and prepares a policy's deny query.
func (g *Gate) compile(ctx context.Context, policy *Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.compileLocked(ctx, policy)
}

func (g *Gate) compileLocked(ctx context.Context, policy *Policy) error {
	pkg := extractPackageName(policy.Rego)
	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	g.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}
	return nil
}

// GetPolicy returns a compiled policy by name.
func (g *Gate) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp, ok := g.policies[name]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("policy %s not found", name), nil)
	}
	return cp.policy, nil
}

// ListPolicies returns all compiled policies, sorted by name.
func (g *Gate) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Policy, 0, len(g.policies))
	for _, cp := range g.sorted() {
		out = append(out, *cp.policy)
	}
	return out
}

// SetEnabled enables or disables a policy by name.
func (g *Gate) SetEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp, ok := g.policies[name]
	if !ok {
		return engine.NewNotFoundError(fmt.Sprintf("policy %s not found", name), nil)
	}
	cp.policy.Enabled = enabled
	g.logger.WithField("policy", name).Infof("policy enabled=%t", enabled)
	return nil
}

// Close stops any file watching.
func (g *Gate) Close() error {
	return g.loader.StopWatching()
}

// extractPackageName reads the package declaration from Rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stratus.policies"
}
