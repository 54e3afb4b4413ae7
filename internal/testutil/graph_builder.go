package testutil

import (
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/registry"
)

// GraphBuilder helps construct resolved graphs with fluent chaining. Agents
// default to a local executable provider.
// Example:
//
//	g := NewGraphBuilder().Agent("a").Agent("b").Group("a", "b").Build()
type GraphBuilder struct {
	g *graph.Graph
}

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{g: &graph.Graph{
		Agents:      map[string]*graph.Agent{},
		CustomTools: map[string]graph.CustomTool{},
	}}
}

// Agent adds an agent backed by a minimal executable registry entry
// (chainable).
func (b *GraphBuilder) Agent(name string) *GraphBuilder {
	return b.RegistryAgent(name, NewAgentBuilder(name).Executable("true").Build())
}

// RegistryAgent adds an agent backed by the given registry entry (chainable).
func (b *GraphBuilder) RegistryAgent(name string, ra *registry.Agent) *GraphBuilder {
	b.g.Agents[name] = &graph.Agent{
		Registry: ra,
		Name:     name,
		Options:  map[string]registry.OptionValue{},
		Provider: graph.Local(registry.RuntimeExecutable),
	}
	return b
}

// With mutates a previously added agent (chainable).
func (b *GraphBuilder) With(name string, fn func(a *graph.Agent)) *GraphBuilder {
	if a, ok := b.g.Agents[name]; ok {
		fn(a)
	}
	return b
}

// NonBlocking marks an agent as not gating its group (chainable).
func (b *GraphBuilder) NonBlocking(name string) *GraphBuilder {
	blocking := false
	return b.With(name, func(a *graph.Agent) { a.Blocking = &blocking })
}

// Group adds a readiness group (chainable).
func (b *GraphBuilder) Group(members ...string) *GraphBuilder {
	b.g.Groups = append(b.g.Groups, members)
	return b
}

// CustomTool defines a custom tool and grants it to the given agents
// (chainable).
func (b *GraphBuilder) CustomTool(name string, tool graph.CustomTool, agents ...string) *GraphBuilder {
	b.g.CustomTools[name] = tool
	for _, id := range agents {
		b.With(id, func(a *graph.Agent) { a.CustomToolAccess = append(a.CustomToolAccess, name) })
	}
	return b
}

// Build returns the graph.
func (b *GraphBuilder) Build() *graph.Graph { return b.g }
