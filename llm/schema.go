package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON Schema used to validate structured LLM output
// before it is handed back to callers.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// MustSchema compiles a schema document, panicking on error. Schemas are
// package-level constants, so a compile failure is a programming error.
func MustSchema(name, document string) *Schema {
	compiled, err := jsonschema.CompileString(name+".json", document)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return &Schema{name: name, compiled: compiled}
}

// Name returns the schema identifier, used in error messages.
func (s *Schema) Name() string { return s.name }

// Validate checks data against the schema and decodes it into out.
func (s *Schema) Validate(data []byte, out any) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("schema %s: %w", s.name, err)
	}
	return json.Unmarshal(data, out)
}
