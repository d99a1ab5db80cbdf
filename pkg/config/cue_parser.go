package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cueload "cuelang.org/go/cue/load"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// SpecParser reads machine specs from CUE, YAML or JSON documents.
//
// A document is either a single spec at the top level or a "machines" field
// holding a list of specs or a map of specs keyed by machine name.
type SpecParser struct {
	ctx       *cue.Context
	validator *SpecValidator
}

// NewSpecParser creates a parser that validates every spec it returns.
func NewSpecParser(v *SpecValidator) *SpecParser {
	if v == nil {
		v = NewSpecValidator()
	}
	return &SpecParser{
		ctx:       cuecontext.New(),
		validator: v,
	}
}

// ParseFile parses the machine specs in path. Directories are loaded as a
// CUE package.
func (sp *SpecParser) ParseFile(ctx context.Context, path string) ([]engine.MachineSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	var val cue.Value
	if info.IsDir() {
		val, err = sp.loadDirectory(path)
	} else {
		var content []byte
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		val, err = sp.compile(path, content)
	}
	if err != nil {
		return nil, err
	}

	return sp.extract(ctx, path, val)
}

// Parse parses an in-memory document. The extension of name selects the
// format: .yaml and .yml are YAML, anything else is CUE (which accepts JSON).
func (sp *SpecParser) Parse(ctx context.Context, name string, content []byte) ([]engine.MachineSpec, error) {
	val, err := sp.compile(name, content)
	if err != nil {
		return nil, err
	}
	return sp.extract(ctx, name, val)
}

func (sp *SpecParser) compile(name string, content []byte) (cue.Value, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		file, err := cueyaml.Extract(name, content)
		if err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		val := sp.ctx.BuildFile(file)
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil
	default:
		val := sp.ctx.CompileBytes(content, cue.Filename(name))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil
	}
}

// loadDirectory loads a directory as a CUE package.
func (sp *SpecParser) loadDirectory(dir string) (cue.Value, error) {
	instances := cueload.Instances([]string{"."}, &cueload.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := sp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (sp *SpecParser) extract(ctx context.Context, source string, val cue.Value) ([]engine.MachineSpec, error) {
	machines := val.LookupPath(cue.ParsePath("machines"))
	if !machines.Exists() {
		spec, err := sp.decode(ctx, source, "", "", val)
		if err != nil {
			return nil, err
		}
		return []engine.MachineSpec{spec}, nil
	}

	var (
		specs []engine.MachineSpec
		errs  ValidationErrors
	)
	collect := func(path, name string, v cue.Value) {
		spec, err := sp.decode(ctx, source, path, name, v)
		if err != nil {
			errs = append(errs, asValidationErrors(err, source, path)...)
			return
		}
		specs = append(specs, spec)
	}

	switch machines.Kind() {
	case cue.ListKind:
		iter, err := machines.List()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for i := 0; iter.Next(); i++ {
			collect(fmt.Sprintf("machines[%d]", i), "", iter.Value())
		}
	case cue.StructKind:
		iter, err := machines.Fields()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			collect("machines."+name, name, iter.Value())
		}
	default:
		return nil, ValidationErrors{{File: source, Path: "machines", Message: "must be a list or a map of machine specs"}}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	if len(specs) == 0 {
		return nil, ValidationErrors{{File: source, Path: "machines", Message: "no machine specs found"}}
	}
	return specs, nil
}

// decode reads one spec from val. A map key becomes the name when the spec
// does not set one.
func (sp *SpecParser) decode(ctx context.Context, source, path, name string, val cue.Value) (engine.MachineSpec, error) {
	var spec engine.MachineSpec
	if err := val.Decode(&spec); err != nil {
		return spec, asValidationErrors(convertCUEErrors(err), source, path)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	if err := sp.validator.ValidateSpec(ctx, spec); err != nil {
		return spec, asValidationErrors(err, source, path)
	}
	return spec, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		ve.Message = strings.TrimSpace(ve.Message)
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// convertValidatorErrors converts struct tag failures to ValidationErrors.
func convertValidatorErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed on " + fe.Tag()
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "oneof":
			msg = "must be one of: " + fe.Param()
		case "hostname_rfc1123":
			msg = "must be a valid hostname"
		}
		out = append(out, ValidationError{Path: fieldPath(fe.Namespace()), Message: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// asValidationErrors attaches source and a path prefix to err.
func asValidationErrors(err error, source, prefix string) ValidationErrors {
	var in ValidationErrors
	switch e := err.(type) {
	case ValidationErrors:
		in = e
	default:
		in = ValidationErrors{{Message: err.Error()}}
	}

	out := make(ValidationErrors, len(in))
	for i, ve := range in {
		if ve.File == "" {
			ve.File = source
		}
		if prefix != "" && !strings.HasPrefix(ve.Path, prefix) {
			if ve.Path == "" {
				ve.Path = prefix
			} else {
				ve.Path = prefix + "." + ve.Path
			}
		}
		out[i] = ve
	}
	return out
}
