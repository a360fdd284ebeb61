// Package template implements the stack template contract: YAML documents
// validated against CUE schemas, with parameters merged at parse time and
// intrinsic calls (get_param, get_resource, get_attr, concat, eval) resolved
// against dependency outputs during traversal. The implicit dependency set
// of every resource is computed here so the graph builder sees the full
// edge set without evaluating a single intrinsic.
package template

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openstratus/stratus/pkg/engine"
)

// SupportedVersion is the template format version this engine accepts.
const SupportedVersion = "2026-01-01"

// document is the raw YAML shape of a stack template.
type document struct {
	Version     string                    `yaml:"stratus_template_version"`
	Description string                    `yaml:"description"`
	Parameters  map[string]*ParameterSpec `yaml:"parameters"`
	Resources   map[string]*resourceSpec  `yaml:"resources"`
	Outputs     map[string]*outputSpec    `yaml:"outputs"`
}

// ParameterSpec declares a template parameter. A parameter without a default
// must be supplied by the caller; a nil default cannot be declared.
type ParameterSpec struct {
	Type        string        `yaml:"type" validate:"required,oneof=string number bool list map"`
	Default     interface{}   `yaml:"default"`
	Description string        `yaml:"description"`
	Allowed     []interface{} `yaml:"allowed"`
}

type resourceSpec struct {
	Type       string                 `yaml:"type" validate:"required"`
	Properties map[string]interface{} `yaml:"properties"`
	DependsOn  []string               `yaml:"depends_on"`
	Metadata   map[string]interface{} `yaml:"metadata"`
}

type outputSpec struct {
	Value       interface{} `yaml:"value"`
	Description string      `yaml:"description"`
}

// Engine parses and resolves stack templates.
type Engine struct {
	schemas  *SchemaRegistry
	eval     *ExprEvaluator
	validate *validator.Validate
}

var _ engine.TemplateEngine = (*Engine)(nil)

// NewEngine creates a template engine with the built-in schemas and the
// default expression timeout.
func NewEngine() *Engine {
	return &Engine{
		schemas:  NewSchemaRegistry(),
		eval:     NewExprEvaluator(0),
		validate: validator.New(),
	}
}

// Schemas returns the schema registry, letting adapters register property
// schemas for their resource types.
func (e *Engine) Schemas() *SchemaRegistry {
	return e.schemas
}

// Parse validates a raw template document, merges caller-supplied parameters
// with declared defaults, substitutes get_param calls and computes the full
// dependency set of every resource. Concat and eval calls whose arguments
// are fully concrete after parameter substitution are folded here, so
// parameter changes show up in definition fingerprints.
func (e *Engine) Parse(ctx context.Context, raw []byte, params map[string]interface{}) (*engine.ParsedTemplate, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, engine.NewValidationError("template document is empty")
	}

	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("template is not valid YAML: %s", err))
	}
	if err := e.schemas.ValidateTemplate(ctx, generic); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("template schema violation: %s", err))
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("template is not valid YAML: %s", err))
	}
	if doc.Version != SupportedVersion {
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported template version %q, this engine supports %q", doc.Version, SupportedVersion))
	}

	for _, name := range sortedKeys(doc.Parameters) {
		if err := e.validate.StructCtx(ctx, doc.Parameters[name]); err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("parameter %s: %s", name, err))
		}
	}
	for _, key := range sortedKeys(doc.Resources) {
		if err := e.validate.StructCtx(ctx, doc.Resources[key]); err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("resource %s: %s", key, err))
		}
	}

	effective, err := e.mergeParameters(doc.Parameters, params)
	if err != nil {
		return nil, err
	}

	fold := &folder{params: effective, eval: e.eval}

	resources := make(map[string]*engine.ResourceDefinition, len(doc.Resources))
	for _, key := range sortedKeys(doc.Resources) {
		spec := doc.Resources[key]
		props, err := fold.foldMap(ctx, spec.Properties)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("resource %s: %s", key, err)).WithResource(key)
		}
		requires, err := requiresFor(spec.DependsOn, props)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("resource %s: %s", key, err)).WithResource(key)
		}
		resources[key] = &engine.ResourceDefinition{
			Name:       key,
			Type:       spec.Type,
			Properties: props,
			DependsOn:  spec.DependsOn,
			Requires:   requires,
			Metadata:   spec.Metadata,
		}
	}

	// Reference checks run after every definition exists so forward
	// references resolve.
	for _, key := range sortedKeys(resources) {
		for _, dep := range resources[key].Requires {
			if dep == key {
				return nil, engine.NewValidationError(fmt.Sprintf("resource %s depends on itself", key)).WithResource(key)
			}
			if _, ok := resources[dep]; !ok {
				return nil, engine.NewValidationError(fmt.Sprintf("resource %s references unknown resource %s", key, dep)).WithResource(key)
			}
		}
	}

	outputs := make(map[string]*engine.OutputDefinition, len(doc.Outputs))
	for _, name := range sortedKeys(doc.Outputs) {
		spec := doc.Outputs[name]
		value, err := fold.foldValue(ctx, spec.Value)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("output %s: %s", name, err))
		}
		refs := make(map[string]struct{})
		if err := collectRefs(value, refs); err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("output %s: %s", name, err))
		}
		for ref := range refs {
			if _, ok := resources[ref]; !ok {
				return nil, engine.NewValidationError(fmt.Sprintf("output %s references unknown resource %s", name, ref))
			}
		}
		outputs[name] = &engine.OutputDefinition{Value: value, Description: spec.Description}
	}

	return &engine.ParsedTemplate{
		Version:     doc.Version,
		Description: doc.Description,
		Parameters:  effective,
		Resources:   resources,
		Outputs:     outputs,
	}, nil
}

// ResolveProperties substitutes every remaining intrinsic call in a resource
// definition using the dependency outputs delivered by the node's sync
// point. Failures are permanent: the inputs are fixed for the lifetime of
// the traversal, so retrying cannot help.
func (e *Engine) ResolveProperties(ctx context.Context, tmpl *engine.ParsedTemplate, def *engine.ResourceDefinition, inputs engine.InputData) (map[string]interface{}, error) {
	if def == nil {
		return nil, engine.NewValidationError("resource definition is required")
	}
	r := e.resolver(tmpl, inputs)
	resolved, err := r.resolveMap(ctx, def.Properties)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("resolve properties of %s", def.Name), err).WithResource(def.Name)
	}
	return resolved, nil
}

// ResolveOutputs computes the stack outputs from the outputs of all
// converged resources.
func (e *Engine) ResolveOutputs(ctx context.Context, tmpl *engine.ParsedTemplate, inputs engine.InputData) (engine.StackOutputs, error) {
	if tmpl == nil || len(tmpl.Outputs) == 0 {
		return engine.StackOutputs{}, nil
	}
	r := e.resolver(tmpl, inputs)
	outs := make(engine.StackOutputs, len(tmpl.Outputs))
	for _, name := range sortedKeys(tmpl.Outputs) {
		v, err := r.resolveValue(ctx, tmpl.Outputs[name].Value)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("output %s", name), err)
		}
		outs[name] = v
	}
	return outs, nil
}

func (e *Engine) resolver(tmpl *engine.ParsedTemplate, inputs engine.InputData) *resolver {
	params := map[string]interface{}{}
	if tmpl != nil && tmpl.Parameters != nil {
		params = tmpl.Parameters
	}
	return &resolver{params: params, inputs: inputs, eval: e.eval}
}

// mergeParameters folds caller-supplied values over declared defaults.
// Unknown names, missing required parameters and type mismatches are
// validation errors.
func (e *Engine) mergeParameters(declared map[string]*ParameterSpec, supplied map[string]interface{}) (map[string]interface{}, error) {
	for _, name := range sortedKeys(supplied) {
		if _, ok := declared[name]; !ok {
			return nil, engine.NewValidationError(fmt.Sprintf("unknown parameter %s", name))
		}
	}

	effective := make(map[string]interface{}, len(declared))
	for _, name := range sortedKeys(declared) {
		spec := declared[name]
		value, ok := supplied[name]
		if !ok {
			if spec.Default == nil {
				return nil, engine.NewValidationError(fmt.Sprintf("parameter %s is required and has no default", name))
			}
			value = spec.Default
		}
		if err := checkParameterValue(name, spec, value); err != nil {
			return nil, err
		}
		effective[name] = value
	}
	return effective, nil
}

func checkParameterValue(name string, spec *ParameterSpec, value interface{}) error {
	ok := false
	switch spec.Type {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case int, int64, float64:
			ok = true
		}
	case "bool":
		_, ok = value.(bool)
	case "list":
		_, ok = value.([]interface{})
	case "map":
		_, ok = value.(map[string]interface{})
	}
	if !ok {
		return engine.NewValidationError(fmt.Sprintf("parameter %s must be a %s, got %T", name, spec.Type, value))
	}

	if len(spec.Allowed) > 0 {
		for _, allowed := range spec.Allowed {
			if reflect.DeepEqual(normalizeNumber(allowed), normalizeNumber(value)) {
				return nil
			}
		}
		return engine.NewValidationError(fmt.Sprintf("parameter %s value %v is not in the allowed set", name, value))
	}
	return nil
}

// normalizeNumber widens integer values so YAML-decoded defaults compare
// equal to JSON-decoded caller values.
func normalizeNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
