// Package whitelist holds the closed catalog of executable command
// templates. Lookup and validation here are the only gate between
// admin-supplied parameters and a shell; the executing side must never
// substitute anything that did not pass Validate.
package whitelist

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// DefaultTimeoutSeconds applies to catalog entries without an explicit
// timeout.
const DefaultTimeoutSeconds = 60

// Param declares one template parameter and its validator.
type Param struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type" json:"type"`
	Optional bool     `yaml:"optional,omitempty" json:"optional,omitempty"`
	Min      *int64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *int64   `yaml:"max,omitempty" json:"max,omitempty"`
	Choices  []string `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// Definition is one immutable catalog entry.
type Definition struct {
	ID             string  `yaml:"-" json:"id"`
	Template       string  `yaml:"template" json:"template"`
	Description    string  `yaml:"description" json:"description"`
	Category       string  `yaml:"category" json:"category"`
	Params         []Param `yaml:"params,omitempty" json:"params,omitempty"`
	TimeoutSeconds int     `yaml:"timeout_s,omitempty" json:"timeout_s"`
}

type catalogFile struct {
	Commands map[string]Definition `yaml:"commands"`
}

// Registry is an immutable, loadable command catalog.
type Registry struct {
	commands map[string]Definition
}

// Load parses a YAML catalog from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading whitelist: %w", err)
	}
	return Parse(data)
}

// Parse builds a Registry from YAML catalog bytes.
func Parse(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing whitelist: %w", err)
	}
	commands := make(map[string]Definition, len(file.Commands))
	for id, def := range file.Commands {
		def.ID = id
		if def.TimeoutSeconds <= 0 {
			def.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if err := checkDefinition(def); err != nil {
			return nil, fmt.Errorf("command %q: %w", id, err)
		}
		commands[id] = def
	}
	return &Registry{commands: commands}, nil
}

func checkDefinition(def Definition) error {
	if strings.TrimSpace(def.Template) == "" {
		return fmt.Errorf("empty template")
	}
	seen := make(map[string]bool, len(def.Params))
	for _, p := range def.Params {
		if p.Name == "" {
			return fmt.Errorf("unnamed parameter")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !strings.Contains(def.Template, placeholder(p.Name)) {
			return fmt.Errorf("parameter %q not referenced by template", p.Name)
		}
	}
	return nil
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id string) (Definition, error) {
	def, ok := r.commands[id]
	if !ok {
		return Definition{}, protocol.Errf(protocol.CodeUnknownCommand, "command %q not in whitelist", id)
	}
	return def, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.commands))
	for _, def := range r.commands {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks params against the definition for id and returns a
// sanitized copy. Undeclared parameters are rejected outright; missing
// non-optional parameters are rejected; each value must satisfy its
// declared validator and the metacharacter screen.
func (r *Registry) Validate(id string, params map[string]string) (map[string]string, error) {
	def, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]Param, len(def.Params))
	for _, p := range def.Params {
		declared[p.Name] = p
	}
	for name := range params {
		if _, ok := declared[name]; !ok {
			return nil, protocol.Errf(protocol.CodeInvalidParameter, "parameter %q not declared for command %q", name, id)
		}
	}

	sanitized := make(map[string]string, len(def.Params))
	for _, p := range def.Params {
		value, supplied := params[p.Name]
		if !supplied {
			if p.Optional {
				continue
			}
			return nil, protocol.Errf(protocol.CodeInvalidParameter, "missing required parameter %q", p.Name)
		}
		if err := screenValue(value); err != nil {
			return nil, protocol.Errf(protocol.CodeInvalidParameter, "parameter %q: %v", p.Name, err)
		}
		if err := validateValue(p, value); err != nil {
			return nil, protocol.Errf(protocol.CodeInvalidParameter, "parameter %q: %v", p.Name, err)
		}
		sanitized[p.Name] = value
	}
	return sanitized, nil
}

// Build substitutes sanitized values into the template for id. It must
// only ever be called with the output of Validate. Optional parameters
// without a value substitute as the empty string.
func (r *Registry) Build(id string, sanitized map[string]string) (string, error) {
	def, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	cmd := def.Template
	for _, p := range def.Params {
		cmd = strings.ReplaceAll(cmd, placeholder(p.Name), sanitized[p.Name])
	}
	return cmd, nil
}

func placeholder(name string) string {
	return "{" + name + "}"
}
