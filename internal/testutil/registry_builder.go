package testutil

import (
	"github.com/hupe1980/coralmesh/registry"
)

// AgentBuilder helps construct registry agents with fluent chaining.
// Example:
//
//	a := NewAgentBuilder("echo").Executable("echo", "hi").Option("TOKEN", opt).Build()
type AgentBuilder struct {
	agent *registry.Agent
}

// NewAgentBuilder creates a builder for an agent with version 1.0.0 and no
// runtimes.
func NewAgentBuilder(name string) *AgentBuilder {
	return &AgentBuilder{agent: &registry.Agent{
		Info:    registry.Info{Name: name, Version: "1.0.0"},
		Options: map[string]registry.Option{},
		Export:  map[registry.RuntimeID]registry.ExportSettings{},
	}}
}

// Version overrides the agent version (chainable).
func (b *AgentBuilder) Version(v string) *AgentBuilder { b.agent.Info.Version = v; return b }

// Description sets the registry description (chainable).
func (b *AgentBuilder) Description(d string) *AgentBuilder {
	b.agent.Info.Description = d
	return b
}

// Path sets the working directory of the executable runtime (chainable).
func (b *AgentBuilder) Path(p string) *AgentBuilder { b.agent.Path = p; return b }

// Executable defines an executable runtime (chainable).
func (b *AgentBuilder) Executable(command ...string) *AgentBuilder {
	b.agent.Runtimes.Executable = &registry.ExecutableSpec{Command: command}
	return b
}

// Docker defines a docker runtime (chainable).
func (b *AgentBuilder) Docker(image string) *AgentBuilder {
	b.agent.Runtimes.Docker = &registry.DockerSpec{Image: image}
	return b
}

// Function defines a function runtime (chainable).
func (b *AgentBuilder) Function(name string) *AgentBuilder {
	b.agent.Runtimes.Function = &registry.FunctionSpec{Name: name}
	return b
}

// Env appends an environment entry to every defined runtime (chainable).
func (b *AgentBuilder) Env(env registry.EnvVar) *AgentBuilder {
	if rt := b.agent.Runtimes.Executable; rt != nil {
		rt.Environment = append(rt.Environment, env)
	}
	if rt := b.agent.Runtimes.Docker; rt != nil {
		rt.Environment = append(rt.Environment, env)
	}
	return b
}

// Option declares an agent option (chainable).
func (b *AgentBuilder) Option(name string, opt registry.Option) *AgentBuilder {
	b.agent.Options[name] = opt
	return b
}

// Export exports a runtime (chainable).
func (b *AgentBuilder) Export(rt registry.RuntimeID, settings registry.ExportSettings) *AgentBuilder {
	b.agent.Export[rt] = settings
	return b
}

// Build returns the agent.
func (b *AgentBuilder) Build() *registry.Agent { return b.agent }

// Registry builds a registry from agents and panics on invalid input.
func Registry(agents ...*registry.Agent) *registry.Registry {
	reg, err := registry.New(agents...)
	if err != nil {
		panic(err)
	}
	return reg
}
