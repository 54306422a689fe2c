// Package prompts holds the named, versioned prompt templates used by the
// LLM gateway. Templates are addressed by (name, version) so generated rows
// can be re-keyed when a prompt changes.
package prompts

import (
	"fmt"
	"strings"
)

// RepairPlaceholder is present in every template. It renders empty on the
// first attempt; the client fills it for the JSON-repair round-trip.
const RepairPlaceholder = "__REPAIR_INSTRUCTIONS__"

// Template is one immutable prompt version.
type Template struct {
	Name     string
	Version  string
	Template string
}

// Render substitutes {{key}} markers with variable values. Unknown markers
// are left in place so a missing variable is visible in the rendered output.
func (t Template) Render(variables map[string]string) string {
	out := t.Template
	for k, v := range variables {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

var registry = map[[2]string]Template{
	{"parse_matrix", "v1"}:            {Name: "parse_matrix", Version: "v1", Template: parseMatrixV1},
	{"generate_examples", "v1"}:       {Name: "generate_examples", Version: "v1", Template: generateExamplesV1},
	{"generate_examples_batch", "v1"}: {Name: "generate_examples_batch", Version: "v1", Template: generateExamplesBatchV1},
}

// Get looks up a template by name and version.
func Get(name, version string) (Template, error) {
	tmpl, ok := registry[[2]string{name, version}]
	if !ok {
		return Template{}, fmt.Errorf("unknown prompt: %s@%s", name, version)
	}
	return tmpl, nil
}
