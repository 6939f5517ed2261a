package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Manifest is the parsed form of the YAML pipeline manifest. The
// build-time code generator that turns a Manifest plus annotated step
// classes into wired StepDescriptors is an external collaborator; this
// package only parses and structurally validates the manifest itself.
type Manifest struct {
	AppName     string                 `yaml:"appName"`
	BasePackage string                 `yaml:"basePackage"`
	Transport   string                 `yaml:"transport"` // grpc | rest | local | function
	Platform    string                 `yaml:"platform"`  // compute | function
	Steps       []ManifestStep         `yaml:"steps"`
	Aspects     map[string]AspectEntry `yaml:"aspects"`
}

// ManifestStep is one step entry in the manifest.
type ManifestStep struct {
	Name           string   `yaml:"name"`
	Cardinality    string   `yaml:"cardinality"` // one_to_one | one_to_many | many_to_one | many_to_many | expansion | reduction
	Operator       string   `yaml:"operator"`    // "fqn::method" form, optional
	ExposeREST     bool     `yaml:"exposeRest"`
	ExposeGRPC     bool     `yaml:"exposeGrpc"`
	InputTypeName  string   `yaml:"inputTypeName"`
	OutputTypeName string   `yaml:"outputTypeName"`
	Fields         []string `yaml:"fields"`
}

// AspectEntry is one entry in the manifest's aspects map.
type AspectEntry struct {
	Enabled  bool           `yaml:"enabled"`
	Scope    string         `yaml:"scope"`    // global | steps
	Position string         `yaml:"position"` // before_step | after_step
	Order    int            `yaml:"order"`
	Config   map[string]any `yaml:"config"`
}

var validTransports = map[string]bool{"grpc": true, "rest": true, "local": true, "function": true}
var validPlatforms = map[string]bool{"compute": true, "function": true}
var validScopes = map[string]bool{"global": true, "steps": true}
var validPositions = map[string]bool{"before_step": true, "after_step": true}

// ParseManifest parses a YAML pipeline manifest and validates its
// structural fields (closed enums, required names): the manifest's
// surface is small enough that hand-written checks are simpler than a
// reflection-driven struct-tag validator.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pipeline: parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's closed-enum fields and per-step/per-aspect
// required fields, returning the first violation found.
func (m *Manifest) Validate() error {
	if m.AppName == "" {
		return fmt.Errorf("pipeline: manifest: appName is required")
	}
	if m.Transport != "" && !validTransports[m.Transport] {
		return fmt.Errorf("pipeline: manifest: unknown transport %q", m.Transport)
	}
	if m.Platform != "" && !validPlatforms[m.Platform] {
		return fmt.Errorf("pipeline: manifest: unknown platform %q", m.Platform)
	}

	seen := make(map[string]bool, len(m.Steps))
	for i, s := range m.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline: manifest: step %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline: manifest: duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if _, ok := ParseCardinality(s.Cardinality); !ok {
			return fmt.Errorf("pipeline: manifest: step %q: unknown cardinality %q", s.Name, s.Cardinality)
		}
	}

	for name, a := range m.Aspects {
		if a.Scope != "" && !validScopes[a.Scope] {
			return fmt.Errorf("pipeline: manifest: aspect %q: unknown scope %q", name, a.Scope)
		}
		if a.Position != "" && !validPositions[a.Position] {
			return fmt.Errorf("pipeline: manifest: aspect %q: unknown position %q", name, a.Position)
		}
	}

	return nil
}

// ParseCardinality parses a manifest cardinality string, accepting the
// documented aliases ("expansion" -> OneToMany, "reduction" -> ManyToOne).
func ParseCardinality(s string) (Cardinality, bool) {
	switch s {
	case "one_to_one":
		return OneToOne, true
	case "one_to_many", "expansion":
		return OneToMany, true
	case "many_to_one", "reduction":
		return ManyToOne, true
	case "many_to_many":
		return ManyToMany, true
	default:
		return OneToOne, false
	}
}
