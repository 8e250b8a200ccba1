package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaDeclaration is the name of the built-in declaration document schema.
const SchemaDeclaration = "Declaration"

// SchemaRegistry holds CUE definitions used to validate documents. All values
// it returns belong to its own cue.Context; documents must be compiled with
// Compile or Encode before they are unified with a schema.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaDeclaration, builtinDeclarationSchema); err != nil {
		panic(fmt.Sprintf("built-in schema does not compile: %v", err))
	}
	return sr
}

// RegisterSchema compiles src and registers the definition #<name> it declares.
func (sr *SchemaRegistry) RegisterSchema(name, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #%s", name, name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile compiles CUE (or JSON) source in the registry's context.
func (sr *SchemaRegistry) Compile(src []byte, filename string) cue.Value {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.ctx.CompileBytes(src, cue.Filename(filename))
}

// Encode converts a Go value into a CUE value in the registry's context.
func (sr *SchemaRegistry) Encode(data interface{}) cue.Value {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.ctx.Encode(data)
}

// Unify unifies val with the named schema and requires the result to be
// concrete. The unified value is returned even when validation fails.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	val := sr.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, val); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// builtinDeclarationSchema describes the declaration document. Enum fields
// accept a name or a platform code; names are resolved after decoding.
const builtinDeclarationSchema = `
#Declaration: {
	pluginTypes?: [...#PluginType]
	steps?: [...#Step]
	images?: [...#Image]
}

#PluginType: {
	typeName:    string & !=""
	assemblyId?: string
}

#StepKey: {
	typeName:      string & !=""
	message:       string & !=""
	primaryEntity: string & !=""
	stage:         string | int
}

#Step: {
	typeName:             string & !=""
	message:              string & !=""
	primaryEntity:        string & !=""
	stage:                string | int
	mode?:                string | int
	rank?:                int
	filteringAttributes?: [...string]
	configuration?:       string
}

#Image: {
	stepKey:     #StepKey
	imageType:   string | int
	name:        string & !=""
	attributes?: [...string]
}
`
