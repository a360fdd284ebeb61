package template

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaTemplate is the name of the built-in template document schema.
const SchemaTemplate = "template"

// SchemaRegistry holds compiled CUE schemas. The template document schema is
// built in; adapters may register property schemas for their resource types
// and validate properties against them by name.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.RegisterSchema(SchemaTemplate, builtinTemplateSchema)
	return sr
}

// RegisterSchema compiles and registers a CUE schema under the given name.
// The schema must embed its definition at the top level so that unification
// with a document enforces it.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a compiled schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", describeCUEError(err))
	}

	return nil
}

// ValidateTemplate validates a decoded template document against the
// built-in template schema.
func (sr *SchemaRegistry) ValidateTemplate(ctx context.Context, doc interface{}) error {
	return sr.ValidateAgainstSchema(ctx, SchemaTemplate, doc)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// describeCUEError flattens a CUE error list into a single message carrying
// the details of every individual violation.
func describeCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}

	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	return strings.Join(parts, "; ")
}

// builtinTemplateSchema validates the raw YAML shape of a stack template.
// Definitions are closed, so unknown fields and malformed keys are rejected
// during unification.
const builtinTemplateSchema = `
#Template

#Template: {
	// Format version, date-based.
	stratus_template_version: string & =~"^\\d{4}-\\d{2}-\\d{2}$"

	// Description is an optional human-readable summary.
	description?: string

	// Parameters declare the values a caller may supply.
	parameters?: {[=~"^[a-zA-Z0-9_-]+$"]: #Parameter}

	// Resources map logical keys to resource declarations.
	resources?: {[=~"^[a-zA-Z0-9_-]+$"]: #Resource}

	// Outputs map output names to output declarations.
	outputs?: {[=~"^[a-zA-Z0-9_-]+$"]: #Output}
}

#Parameter: {
	// Type constrains the parameter value.
	type: "string" | "number" | "bool" | "list" | "map"

	// Default makes the parameter optional.
	default?: _

	// Description is optional documentation.
	description?: string

	// Allowed restricts the value to an enumerated set.
	allowed?: [..._]
}

#Resource: {
	// Type is the adapter resource type (e.g., "sandbox.instance").
	type: string & =~"^[a-z0-9]+(\\.[a-z0-9_]+)+$"

	// Properties is the resource configuration, intrinsics allowed.
	properties?: {...}

	// DependsOn lists explicit dependency keys.
	depends_on?: [...string]

	// Metadata is carried verbatim onto the resource definition.
	metadata?: {...}
}

#Output: {
	// Value is the output expression, intrinsics allowed.
	value: _

	// Description is optional documentation.
	description?: string
}
`
