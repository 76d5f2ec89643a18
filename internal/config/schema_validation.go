package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	procschema "github.com/Paintersrp/procwatch/schema"
)

const manifestSchemaURL = "procwatch.v1.json"

var (
	schemaOnce     sync.Once
	manifestSchema *jsonschema.Schema
	schemaErr      error
)

func loadManifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(manifestSchemaURL, bytes.NewReader(procschema.ManifestV1Schema)); err != nil {
			schemaErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		manifestSchema, schemaErr = compiler.Compile(manifestSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
		}
	})
	return manifestSchema, schemaErr
}

// validateAgainstSchema checks the raw YAML document before it is decoded
// into typed structs.
func validateAgainstSchema(doc any) error {
	schema, err := loadManifestSchema()
	if err != nil {
		return fmt.Errorf("load manifest schema: %w", err)
	}

	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return fmt.Errorf("prepare manifest for schema validation: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		if vErr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("schema validation failed:\n%s", formatValidationError(vErr))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalizeForSchema round-trips through JSON so numbers become json.Number,
// the representation the validator expects.
func normalizeForSchema(doc any) (any, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(doc); err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(buf)
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatValidationError(err *jsonschema.ValidationError) string {
	var b strings.Builder
	writeValidationError(&b, err, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeValidationError(b *strings.Builder, err *jsonschema.ValidationError, depth int) {
	show := len(err.Causes) == 0 || !strings.HasPrefix(err.Message, "doesn't validate with")
	if show {
		fmt.Fprintf(b, "%s- %s: %s\n", strings.Repeat("  ", depth), formatInstanceLocation(err.InstanceLocation), err.Message)
		depth++
	}
	for _, cause := range err.Causes {
		writeValidationError(b, cause, depth)
	}
}

// formatInstanceLocation turns a JSON pointer into the dotted paths used by
// Validate, e.g. /processes/web/command/0 becomes processes.web.command[0].
func formatInstanceLocation(ptr string) string {
	segments := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	var b strings.Builder
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		decoded := strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(decoded); err == nil {
			fmt.Fprintf(&b, "[%s]", decoded)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(decoded)
	}
	if b.Len() == 0 {
		return "manifest"
	}
	return b.String()
}
