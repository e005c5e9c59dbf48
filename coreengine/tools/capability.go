package tools

import "context"

// Metadata describes a registered capability.
type Metadata struct {
	// Name is the unique registry key.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Author      string `json:"author,omitempty"`
	// Tags support discovery filtering.
	Tags []string `json:"tags,omitempty"`
	// RequiresAuth marks capabilities needing credentials at construction.
	RequiresAuth bool `json:"requires_auth,omitempty"`
	// IsSafe is false when the capability mutates external state or executes
	// code.
	IsSafe bool `json:"is_safe"`
	// InputSchema and OutputSchema document the argument and data shapes.
	// They are not enforced at runtime.
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// HasTag reports whether the metadata carries the tag.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Capability is a self-contained, registrable unit of work. Run may return a
// *Result, a map (wrapped as success data), any other value (wrapped under
// "result"), or an error; Invoke normalizes all of these into one envelope.
type Capability interface {
	Metadata() Metadata
	Run(ctx context.Context, args map[string]any) (any, error)
}

// Factory constructs a capability instance from configuration. Factories must
// tolerate a nil config: registration probes them with nil solely to read
// metadata.
type Factory func(config map[string]any) (Capability, error)

// Provider resolves capabilities by name. Satisfied by *Registry; stage
// agents depend on this rather than the concrete registry.
type Provider interface {
	Get(name string, config map[string]any) (Capability, error)
}
