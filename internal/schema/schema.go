// Package schema enforces the store's JSON-Schema contracts.
//
// Schemas live on disk under _schema/{name}.schema.json and are the source
// of truth for required fields, id patterns, and status enums. They are
// compiled once at first use, keyed by filename stem, and every repository
// write is validated before it reaches the atomic writer.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// suffix is the schema filename suffix; the stem before it names the schema.
const suffix = ".schema.json"

// Result is the outcome of a validation.
type Result struct {
	Valid  bool
	Errors []string
}

// Validator compiles and caches the store's schemas. Safe for concurrent
// use; compilation happens once on first validation.
type Validator struct {
	fsys fs.FS
	root layout.Root

	once    sync.Once
	loadErr error
	schemas map[string]*jsonschema.Schema
}

// NewValidator creates a validator over the store root's schema directory.
func NewValidator(fsys fs.FS, root layout.Root) *Validator {
	return &Validator{fsys: fsys, root: root}
}

// Validate checks doc against the named schema and returns the verdict with
// one message per violation. Unknown schema names are an error distinct
// from an invalid document.
func (v *Validator) Validate(doc any, schemaName string) (Result, error) {
	err := v.load()
	if err != nil {
		return Result{}, err
	}

	compiled, ok := v.schemas[schemaName]
	if !ok {
		return Result{}, fmt.Errorf("unknown schema %q", schemaName)
	}

	// The compiler validates decoded JSON values, not Go structs. Round-trip
	// through JSON so struct documents validate identically to raw ones.
	generic, err := toJSONValue(doc)
	if err != nil {
		return Result{}, fmt.Errorf("encode document for validation: %w", err)
	}

	validateErr := compiled.Validate(generic)
	if validateErr == nil {
		return Result{Valid: true}, nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(validateErr, &verr) {
		return Result{}, fmt.Errorf("validate against %q: %w", schemaName, validateErr)
	}

	return Result{Valid: false, Errors: flatten(verr)}, nil
}

// ValidateOrErr checks doc against the named schema and fails with kind
// SCHEMA_INVALID carrying the violation list.
func (v *Validator) ValidateOrErr(doc any, schemaName string) error {
	result, err := v.Validate(doc, schemaName)
	if err != nil {
		return err
	}

	if !result.Valid {
		return fail.New(fail.SchemaInvalid, "document fails schema %q: %s",
			schemaName, strings.Join(result.Errors, "; "))
	}

	return nil
}

// Names returns the loaded schema names, for diagnostics.
func (v *Validator) Names() ([]string, error) {
	err := v.load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}

	return names, nil
}

// load compiles every schema in the directory exactly once.
func (v *Validator) load() error {
	v.once.Do(func() {
		v.schemas = make(map[string]*jsonschema.Schema)

		dir := v.root.Path(layout.SchemaDir)

		entries, readErr := v.fsys.ReadDir(dir)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				return // no schemas installed; every Validate reports unknown
			}

			v.loadErr = fmt.Errorf("read schema dir: %w", readErr)

			return
		}

		compiler := jsonschema.NewCompiler()
		stems := make([]string, 0, len(entries))

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, suffix) {
				continue
			}

			raw, readFileErr := v.fsys.ReadFile(filepath.Join(dir, name))
			if readFileErr != nil {
				v.loadErr = fmt.Errorf("read schema %s: %w", name, readFileErr)

				return
			}

			doc, parseErr := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if parseErr != nil {
				v.loadErr = fmt.Errorf("parse schema %s: %w", name, parseErr)

				return
			}

			stem := strings.TrimSuffix(name, suffix)

			addErr := compiler.AddResource(stem+".json", doc)
			if addErr != nil {
				v.loadErr = fmt.Errorf("register schema %s: %w", name, addErr)

				return
			}

			stems = append(stems, stem)
		}

		for _, stem := range stems {
			compiled, compileErr := compiler.Compile(stem + ".json")
			if compileErr != nil {
				v.loadErr = fmt.Errorf("compile schema %s: %w", stem, compileErr)

				return
			}

			v.schemas[stem] = compiled
		}
	})

	return v.loadErr
}

// flatten collects leaf violation messages from a validation error tree.
func flatten(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		return []string{verr.Error()}
	}

	messages := make([]string, 0, len(verr.Causes))
	for _, cause := range verr.Causes {
		messages = append(messages, flatten(cause)...)
	}

	return messages
}
