package registry

import (
	"fmt"
	"maps"
)

// Agent is a registry entry.
type Agent struct {
	Info     Info
	Runtimes Runtimes
	Options  map[string]Option
	// Path is the working directory for executable runtimes.
	Path   string
	Export map[RuntimeID]ExportSettings
}

// Validate checks the export settings against the defined runtimes and
// options.
func (a *Agent) Validate() error {
	if a.Info.Name == "" || a.Info.Version == "" {
		return fmt.Errorf("agent needs a name and a version")
	}
	for id, settings := range a.Export {
		if settings.Quantity == 0 {
			return fmt.Errorf("cannot export 0 %q agents", a.Info.Identifier())
		}
		if !a.Runtimes.Has(id) {
			return fmt.Errorf("runtime %q is not defined for agent %q", id, a.Info.Identifier())
		}
		for name := range settings.Options {
			if _, ok := a.Options[name]; !ok {
				return fmt.Errorf("export option %q is not an option of agent %q", name, a.Info.Identifier())
			}
		}
	}
	for i, env := range a.envVars() {
		if err := env.Validate(); err != nil {
			return fmt.Errorf("agent %q environment entry %d: %w", a.Info.Identifier(), i, err)
		}
	}
	return nil
}

func (a *Agent) envVars() []EnvVar {
	var out []EnvVar
	if a.Runtimes.Executable != nil {
		out = append(out, a.Runtimes.Executable.Environment...)
	}
	if a.Runtimes.Docker != nil {
		out = append(out, a.Runtimes.Docker.Environment...)
	}
	return out
}

// DefaultOptions returns the options that have a default value.
func (a *Agent) DefaultOptions() map[string]OptionValue {
	out := make(map[string]OptionValue)
	for name, opt := range a.Options {
		if opt.Default != nil && opt.Type != OptionSecret {
			out[name] = *opt.Default
		}
	}
	return out
}

// RequiredOptions returns the names of options without a default.
func (a *Agent) RequiredOptions() []string {
	var out []string
	for name, opt := range a.Options {
		if opt.Required() {
			out = append(out, name)
		}
	}
	return out
}

// PublicAgent is the registry view served to clients.
type PublicAgent struct {
	ID             Identifier                         `json:"id"`
	Description    string                             `json:"description,omitempty"`
	Runtimes       []RuntimeID                        `json:"runtimes"`
	Options        map[string]Option                  `json:"options"`
	ExportSettings map[RuntimeID]PublicExportSettings `json:"exportSettings"`
}

// Public returns the client facing view of the agent.
func (a *Agent) Public() PublicAgent {
	return PublicAgent{
		ID:             a.Info.Identifier(),
		Description:    a.Info.Description,
		Runtimes:       a.Runtimes.IDs(),
		Options:        maps.Clone(a.Options),
		ExportSettings: a.PublicExportSettings(),
	}
}

// PublicExportSettings returns the public export map.
func (a *Agent) PublicExportSettings() map[RuntimeID]PublicExportSettings {
	out := make(map[RuntimeID]PublicExportSettings, len(a.Export))
	for id, s := range a.Export {
		out[id] = s.Public()
	}
	return out
}
