package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// SchemaRegistry holds one CUE definition per provider that machine specs
// are unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for provider, def := range map[engine.ProviderType]string{
		engine.ProviderDigitalOcean: "#DigitalOcean",
		engine.ProviderAWS:          "#AWS",
		engine.ProviderGCP:          "#GCP",
		engine.ProviderHetzner:      "#Hetzner",
	} {
		if err := sr.RegisterSchema(string(provider), builtinMachineSchema, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", provider, err))
		}
	}

	return sr
}

// RegisterSchema compiles schema and registers the definition at path under name.
// An empty path registers the whole compiled value.
func (sr *SchemaRegistry) RegisterSchema(name, schema, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if path != "" {
		val = val.LookupPath(cue.ParsePath(path))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, path)
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return sr.validate(schema, dataVal)
}

func (sr *SchemaRegistry) validate(schema, data cue.Value) error {
	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs := convertCUEErrors(err)
		// Positions point into the schema, not the document being checked.
		for i := range errs {
			errs[i].File, errs[i].Line, errs[i].Column = "", 0, 0
		}
		return errs
	}
	return nil
}

// ListSchemas returns all registered schema names.
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

// SpecValidator checks machine specs with their struct tags and the
// provider's CUE schema. It implements engine.SpecValidator.
type SpecValidator struct {
	registry *SchemaRegistry
	validate *validator.Validate

	mu    sync.RWMutex
	extra []string
}

var _ engine.SpecValidator = (*SpecValidator)(nil)

// NewSpecValidator creates a validator backed by the built-in schemas.
func NewSpecValidator() *SpecValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &SpecValidator{
		registry: NewSchemaRegistry(),
		validate: v,
	}
}

// jsonFieldName reports fields by their JSON name so errors match the
// documents users write.
func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

// Registry returns the schema registry, e.g. to register additional providers.
func (v *SpecValidator) Registry() *SchemaRegistry {
	return v.registry
}

// Require registers an additional schema every spec must satisfy regardless
// of its provider, for example a team's naming or tagging rules.
func (v *SpecValidator) Require(name, schema, path string) error {
	name = "require:" + name
	if err := v.registry.RegisterSchema(name, schema, path); err != nil {
		return err
	}
	v.mu.Lock()
	v.extra = append(v.extra, name)
	v.mu.Unlock()
	return nil
}

// ValidateSpec implements engine.SpecValidator.
func (v *SpecValidator) ValidateSpec(ctx context.Context, spec engine.MachineSpec) error {
	if err := v.validate.Struct(spec); err != nil {
		return convertValidatorErrors(err)
	}
	if err := v.registry.ValidateAgainstSchema(ctx, string(spec.Provider), spec); err != nil {
		return err
	}

	v.mu.RLock()
	extra := v.extra
	v.mu.RUnlock()
	for _, name := range extra {
		if err := v.registry.ValidateAgainstSchema(ctx, name, spec); err != nil {
			return err
		}
	}
	return nil
}

// builtinMachineSchema constrains machine specs. #MachineSpec holds the
// rules every provider shares; each provider definition narrows placement
// fields to that provider's naming.
const builtinMachineSchema = `
import "strings"

#TagKey: =~"^[a-zA-Z0-9][a-zA-Z0-9_.:/-]{0,62}$"

#MachineSpec: {
	name:                string & =~"^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$"
	provider:            "digitalocean" | "aws" | "gcp" | "hetzner"
	provider_account_id: string & !=""
	region:              string & !=""
	size:                string & !=""
	image:               string & !=""
	tags?: {[#TagKey]: string & strings.MaxRunes(255)}
	ssh_keys?: [...string & !=""]
	bootstrap?:      string & strings.MaxRunes(65536)
	bootstrap_kind?: "cloud-init" | "ssh-script"
}

#DigitalOcean: #MachineSpec & {
	provider: "digitalocean"
	region:   =~"^[a-z]{3}[0-9]$"
	size:     =~"^[a-z0-9]+(-[a-z0-9]+)*$"
}

#AWS: #MachineSpec & {
	provider: "aws"
	region:   =~"^[a-z]{2}(-gov)?-[a-z]+-[0-9]$"
	size:     =~"^[a-z][a-z0-9-]*\\.[a-z0-9]+$"
	image:    =~"^ami-[0-9a-f]{8,17}$"
	tags?: {
		[=~"^aws:"]: _|_
		[string]:    string
	}
}

#GCP: #MachineSpec & {
	provider: "gcp"
	region:   =~"^[a-z]+-[a-z]+[0-9]+-[a-z]$"
	size:     =~"^[a-z0-9]+(-[a-z0-9]+)*$"
	tags?: {
		[!~"^[a-z][a-z0-9_-]{0,62}$"]: _|_
		[string]:                       =~"^[a-z0-9_-]{0,63}$"
	}
}

#Hetzner: #MachineSpec & {
	provider: "hetzner"
	region:   =~"^[a-z]{3}[0-9]*(-dc[0-9]+)?$"
	size:     =~"^[a-z]+[0-9]+$"
}
`
