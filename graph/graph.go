// Package graph resolves agent graph requests against a registry and
// selects remote providers for agents that are bought from other servers.
//
// AgentRequest and Request are the serializable wire types; Agent and Graph
// are their resolved runtime counterparts.
package graph

import (
	"maps"
	"slices"
	"sort"

	"github.com/hupe1980/coralmesh/registry"
)

// Agent is a resolved agent of a graph.
type Agent struct {
	Registry         *registry.Agent
	Name             string
	Description      string
	Options          map[string]registry.OptionValue
	SystemPrompt     string
	Blocking         *bool
	CustomToolAccess []string
	Plugins          []Plugin
	Provider         Provider
}

// IsBlocking reports whether the agent gates its group. Agents are blocking
// unless explicitly marked otherwise.
func (a *Agent) IsBlocking() bool {
	return a.Blocking == nil || *a.Blocking
}

// HasPlugin reports whether the plugin was granted.
func (a *Agent) HasPlugin(t PluginType) bool {
	return slices.ContainsFunc(a.Plugins, func(p Plugin) bool { return p.Type == t })
}

// Request returns the wire form of the agent with a local provider for the
// same runtime, as sent to a remote server when claiming it.
func (a *Agent) Request() AgentRequest {
	return AgentRequest{
		ID:               a.Registry.Info.Identifier(),
		Name:             a.Name,
		Description:      a.Description,
		Options:          maps.Clone(a.Options),
		SystemPrompt:     a.SystemPrompt,
		Blocking:         a.Blocking,
		CustomToolAccess: slices.Clone(a.CustomToolAccess),
		Plugins:          slices.Clone(a.Plugins),
		Provider:         Local(a.Provider.Runtime),
	}
}

// Graph is a resolved agent graph.
type Graph struct {
	Agents      map[string]*Agent
	CustomTools map[string]CustomTool
	Groups      [][]string
}

// Names returns the agent names in sorted order.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.Agents))
	for name := range g.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PaidAgents returns the agents that must be bought from remote servers,
// sorted by name.
func (g *Graph) PaidAgents() []*Agent {
	var out []*Agent
	for _, name := range g.Names() {
		if a := g.Agents[name]; a.Provider.Type == ProviderRemoteRequest {
			out = append(out, a)
		}
	}
	return out
}
