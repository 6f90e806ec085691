// Package persona loads the assistant's character sheet.
//
// A persona document is JSON or YAML and is validated against an embedded
// JSON schema before use. It is loaded once at startup and injected into the
// safety classifier (refusal text) and the prompt builder.
package persona

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

// Fallback texts used when the persona defines no templates.
const (
	FallbackRefusal  = "I can't help with that."
	FallbackRedirect = "I'm open to playful attraction, but let's keep it suggestive rather than explicit."
)

// neverAllowed is appended to every rendered safety policy regardless of
// what the persona lists.
var neverAllowed = []string{
	"sexual content involving minors",
	"coercion, trafficking, or non-consensual sexual scenarios",
	"sexual violence or exploitation",
}

//go:embed assets/persona.schema.json
var schemaJSON []byte

//go:embed assets/default_persona.json
var defaultJSON []byte

// ErrInvalid wraps schema violations.
var ErrInvalid = errors.New("invalid persona")

// Boundaries lists what the persona engages with and what it declines.
type Boundaries struct {
	Allowed []string `json:"allowed" yaml:"allowed"`
	Refuse  []string `json:"refuse"  yaml:"refuse"`
}

// Persona is a validated character sheet.
type Persona struct {
	Name              string     `json:"name"                         yaml:"name"`
	Role              string     `json:"role"                         yaml:"role"`
	Tone              string     `json:"tone"                         yaml:"tone"`
	SpeakingStyle     string     `json:"speaking_style"               yaml:"speaking_style"`
	Goals             []string   `json:"goals"                        yaml:"goals"`
	Likes             []string   `json:"likes"                        yaml:"likes"`
	Dislikes          []string   `json:"dislikes"                     yaml:"dislikes"`
	Boundaries        Boundaries `json:"boundaries"                   yaml:"boundaries"`
	RefusalTemplates  []string   `json:"refusal_templates,omitempty"  yaml:"refusal_templates,omitempty"`
	RedirectTemplates []string   `json:"redirect_templates,omitempty" yaml:"redirect_templates,omitempty"`
}

// Default returns the embedded persona.
func Default() (*Persona, error) {
	return Parse(defaultJSON, ".json")
}

// Load reads path, or returns Default when path is empty. The format is
// chosen by extension: .yaml and .yml are YAML, anything else is JSON.
func Load(path string) (*Persona, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes and validates a persona document. ext selects the format.
func Parse(data []byte, ext string) (*Persona, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode persona yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert persona yaml: %w", err)
		}
		data = converted
	}

	if err := validate(data); err != nil {
		return nil, err
	}

	var p Persona
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	return &p, nil
}

func validate(data []byte) error {
	schema, err := jsonschema.NewCompiler().Compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile persona schema: %w", err)
	}
	res := schema.ValidateJSON(data)
	if res.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalid, res.Errors)
}

// RefusalMessage returns the first refusal template, or FallbackRefusal.
func (p *Persona) RefusalMessage() string {
	if p == nil || len(p.RefusalTemplates) == 0 {
		return FallbackRefusal
	}
	return p.RefusalTemplates[0]
}

// RedirectMessage returns the first redirect template, or FallbackRedirect.
func (p *Persona) RedirectMessage() string {
	if p == nil || len(p.RedirectTemplates) == 0 {
		return FallbackRedirect
	}
	return p.RedirectTemplates[0]
}

// SafetyPolicyText renders the persona's boundaries plus the categories that
// are never allowed, one bullet per line.
func (p *Persona) SafetyPolicyText() string {
	var b strings.Builder
	b.WriteString("Allowed:\n")
	for _, item := range p.Boundaries.Allowed {
		b.WriteString("- " + item + "\n")
	}
	b.WriteString("Refuse:\n")
	for _, item := range p.Boundaries.Refuse {
		b.WriteString("- " + item + "\n")
	}
	b.WriteString("Never allow:")
	for _, item := range neverAllowed {
		b.WriteString("\n- " + item)
	}
	return b.String()
}
