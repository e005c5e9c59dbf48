package capabilities

import (
	"time"

	"github.com/forgeline-dev/testforge/coreengine/tools"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// Deps carries the boundary adapters and workspace settings the capability
// factories close over. Nil adapters are allowed: the affected capabilities
// still register and report a dependency error when invoked, so registration
// never requires live external tooling.
type Deps struct {
	Explorer  Explorer
	Generator Generator
	Runner    ScriptRunner

	// Workspace roots the scripts/ and reports/ output directories.
	Workspace string
	// Formats is the default report format set.
	Formats []string
	// ScriptTimeout is the default per-script deadline.
	ScriptTimeout time.Duration
}

// RegisterAll registers every pipeline capability on the registry. Factory
// config keys override the corresponding Deps defaults per construction.
func RegisterAll(reg *tools.Registry, deps Deps) error {
	factories := []tools.Factory{
		func(config map[string]any) (tools.Capability, error) {
			return NewWebDiscovery(deps.Explorer,
				typeutil.SafeIntDefault(config["max_depth"], 0),
				typeutil.SafeIntDefault(config["max_pages"], 0)), nil
		},
		func(config map[string]any) (tools.Capability, error) {
			return NewTestPlanning(deps.Generator), nil
		},
		func(config map[string]any) (tools.Capability, error) {
			return NewScriptGeneration(
				typeutil.SafeStringDefault(config["workspace"], deps.Workspace)), nil
		},
		func(config map[string]any) (tools.Capability, error) {
			return NewScriptExecution(deps.Runner,
				typeutil.SafeDurationDefault(config["timeout"], deps.ScriptTimeout)), nil
		},
		func(config map[string]any) (tools.Capability, error) {
			return NewReportGeneration(
				typeutil.SafeStringDefault(config["workspace"], deps.Workspace),
				typeutil.SafeStringSliceDefault(config["formats"], deps.Formats)), nil
		},
	}

	for _, factory := range factories {
		if err := reg.Register(factory); err != nil {
			return err
		}
	}
	return nil
}
