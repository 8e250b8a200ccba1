package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	cueformat "cuelang.org/go/cue/format"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Document formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCUE  = "cue"
)

// FormatFromPath derives the document format from a file extension.
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported declaration format %q (want .json, .yaml, .yml or .cue)", filepath.Ext(path))
	}
}

// DocumentLoader reads declaration documents. Every format is unified with
// the #Declaration schema and then checked field by field.
type DocumentLoader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewDocumentLoader creates a loader with the built-in schemas.
func NewDocumentLoader() *DocumentLoader {
	return &DocumentLoader{
		schemas:  NewSchemaRegistry(),
		validate: newValidator("json"),
	}
}

// LoadDocument reads the declaration document at path.
func LoadDocument(path string) (*engine.Document, error) {
	return NewDocumentLoader().Load(path)
}

// Schemas returns the loader's schema registry.
func (l *DocumentLoader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads and decodes the declaration document at path.
func (l *DocumentLoader) Load(path string) (*engine.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read declaration: %w", err)
	}
	return l.Parse(data, path)
}

// Parse decodes a declaration document. The format is taken from the
// extension of name.
func (l *DocumentLoader) Parse(data []byte, name string) (*engine.Document, error) {
	val, err := l.compile(data, name)
	if err != nil {
		return nil, err
	}

	unified, err := l.schemas.Unify(SchemaDeclaration, val)
	if err != nil {
		return nil, malformed(convertCUEErrors(name, err))
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, malformed(convertCUEErrors(name, err))
	}

	var file DeclarationFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, malformed([]ValidationError{{File: name, Message: err.Error()}})
	}
	if err := l.validate.Struct(&file); err != nil {
		return nil, malformed(convertValidatorErrors(name, err))
	}

	return file.Document(), nil
}

func (l *DocumentLoader) compile(data []byte, name string) (cue.Value, error) {
	kind, err := FormatFromPath(name)
	if err != nil {
		return cue.Value{}, engine.NewMalformedDeclarationError(err.Error())
	}

	var val cue.Value
	switch kind {
	case FormatYAML:
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return cue.Value{}, malformed([]ValidationError{{File: name, Message: err.Error()}})
		}
		if generic == nil {
			generic = map[string]interface{}{}
		}
		val = l.schemas.Encode(generic)
	default:
		// JSON is valid CUE.
		val = l.schemas.Compile(data, name)
	}

	if err := val.Err(); err != nil {
		return cue.Value{}, malformed(convertCUEErrors(name, err))
	}
	return val, nil
}

// WriteDocument encodes doc in the given format.
func (l *DocumentLoader) WriteDocument(w io.Writer, doc *engine.Document, format string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	var out []byte
	switch format {
	case FormatJSON:
		out, err = json.MarshalIndent(doc, "", "  ")
		out = append(out, '\n')
	case FormatYAML:
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		out, err = yaml.Marshal(generic)
	case FormatCUE:
		val := l.schemas.Compile(raw, "export.json")
		if err := val.Err(); err != nil {
			return fmt.Errorf("failed to convert document: %w", err)
		}
		out, err = cueformat.Node(val.Syntax())
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode document as %s: %w", format, err)
	}

	_, err = w.Write(out)
	return err
}

// malformed turns load problems into a MALFORMED_DECLARATION error naming the
// first offending field.
func malformed(errs []ValidationError) error {
	if len(errs) == 0 {
		return engine.NewMalformedDeclarationError("invalid declaration document")
	}
	msg := errs[0].String()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return engine.NewMalformedDeclarationError(msg).WithDetail("errors", errs)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(file string, err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{File: file, Path: strings.Join(e.Path(), ".")}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		out = append(out, ve)
	}
	return out
}

func convertValidatorErrors(file string, err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{File: file, Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			File:    file,
			Path:    trimNamespace(fe.Namespace()),
			Message: describeTag(fe),
		})
	}
	return out
}

// newValidator returns a validator that names fields by the given struct tag.
func newValidator(tag string) *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// trimNamespace drops the root struct name from a validator namespace.
func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("must be a URL, got %v", fe.Value())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must be %s %s, got %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
