package graph

import (
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/registry"
)

// PluginType names an optional server feature granted to an agent.
type PluginType string

// PluginCloseSessionTool gives the agent a tool to close its session.
const PluginCloseSessionTool PluginType = "close_session_tool"

// Plugin is an optional feature granted to an agent.
type Plugin struct {
	Type PluginType `json:"type"`
}

// ToolTransportType discriminates a ToolTransport.
type ToolTransportType string

// ToolTransportHTTP posts tool arguments to a URL.
const ToolTransportHTTP ToolTransportType = "http"

// ToolTransport says how a custom tool call is executed.
type ToolTransport struct {
	Type ToolTransportType `json:"type"`
	URL  string            `json:"url"`
}

// CustomTool is a graph level tool offered to agents listing it in their
// CustomToolAccess.
type CustomTool struct {
	Transport ToolTransport `json:"transport"`
	Schema    mcp.Tool      `json:"toolSchema"`
}

// AgentRequest asks for one agent in a graph.
type AgentRequest struct {
	ID           registry.Identifier             `json:"id"`
	Name         string                          `json:"name"`
	Description  string                          `json:"description,omitempty"`
	Options      map[string]registry.OptionValue `json:"options,omitempty"`
	SystemPrompt string                          `json:"systemPrompt,omitempty"`
	// Blocking agents must be ready before their group can talk. Nil means
	// blocking.
	Blocking         *bool    `json:"blocking,omitempty"`
	CustomToolAccess []string `json:"customToolAccess,omitempty"`
	Plugins          []Plugin `json:"coralPlugins,omitempty"`
	Provider         Provider `json:"provider"`
}

// ToGraphAgent resolves the request against reg.
//
// When isRemote is set the request comes from another server: the provider
// must be local, its runtime must be exported, and the export options take
// precedence over everything else. Request options override defaults.
func (r AgentRequest) ToGraphAgent(reg *registry.Registry, isRemote bool) (*Agent, error) {
	ra, ok := reg.FindAgent(r.ID)
	if !ok {
		return nil, errs.InvalidArgument("agent %s not found in registry", r.ID)
	}

	var unknown []string
	for name := range r.Options {
		if _, ok := ra.Options[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errs.InvalidArgument("agent %s contains unknown options: %s", r.ID, strings.Join(unknown, ", "))
	}

	if err := r.Provider.Validate(); err != nil {
		return nil, err
	}

	options := ra.DefaultOptions()
	maps.Copy(options, r.Options)

	if isRemote {
		if r.Provider.Type != ProviderLocal {
			return nil, errs.InvalidArgument("a request for a remote agent must also request a local provider")
		}
		exported, ok := ra.Export[r.Provider.Runtime]
		if !ok {
			return nil, errs.InvalidArgument("runtime %s is not exported by agent %s", r.Provider.Runtime, r.ID)
		}
		maps.Copy(options, exported.Options)
	}

	if r.Provider.Type == ProviderLocal && !ra.Runtimes.Has(r.Provider.Runtime) {
		return nil, errs.InvalidArgument("runtime %s is not defined for agent %s", r.Provider.Runtime, r.ID)
	}

	var missing []string
	for _, name := range ra.RequiredOptions() {
		if _, ok := options[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errs.InvalidArgument("agent %s is missing required options: %s", r.ID, strings.Join(missing, ", "))
	}

	description := r.Description
	if description == "" {
		description = ra.Info.Description
	}

	return &Agent{
		Registry:         ra,
		Name:             r.Name,
		Description:      description,
		Options:          options,
		SystemPrompt:     r.SystemPrompt,
		Blocking:         r.Blocking,
		CustomToolAccess: slices.Clone(r.CustomToolAccess),
		Plugins:          slices.Clone(r.Plugins),
		Provider:         r.Provider,
	}, nil
}

// PaidAgentRequest is sent by an importing server to claim an agent.
type PaidAgentRequest struct {
	AgentRequest       AgentRequest `json:"graphAgentRequest"`
	PaidSessionID      string       `json:"paidSessionId"`
	LocalWalletAddress string       `json:"localWalletAddress"`
}

// Request asks for a whole agent graph.
type Request struct {
	Agents []AgentRequest `json:"agents"`
	// Groups lists sets of agent names that must be ready together.
	Groups      [][]string            `json:"groups,omitempty"`
	CustomTools map[string]CustomTool `json:"customTools,omitempty"`
}

// ToGraph validates the request and resolves every agent against reg.
func (r Request) ToGraph(reg *registry.Registry) (*Graph, error) {
	names := make(map[string]struct{}, len(r.Agents))
	var dups []string
	for _, a := range r.Agents {
		if a.Name == "" {
			return nil, errs.InvalidArgument("agent %s has no name", a.ID)
		}
		if _, seen := names[a.Name]; seen {
			dups = append(dups, a.Name)
		}
		names[a.Name] = struct{}{}
	}
	if len(dups) > 0 {
		return nil, errs.InvalidArgument("agent graph contains duplicate agent names: %s", strings.Join(dups, ", "))
	}

	var missingMembers []string
	for _, group := range r.Groups {
		for _, name := range group {
			if _, ok := names[name]; !ok && !slices.Contains(missingMembers, name) {
				missingMembers = append(missingMembers, name)
			}
		}
	}
	if len(missingMembers) > 0 {
		return nil, errs.InvalidArgument("agent graph groups contain missing agents: %s", strings.Join(missingMembers, ", "))
	}

	for name, tool := range r.CustomTools {
		if tool.Transport.Type != ToolTransportHTTP || tool.Transport.URL == "" {
			return nil, errs.InvalidArgument("custom tool %s needs an http transport with a url", name)
		}
	}

	for _, a := range r.Agents {
		var missing []string
		for _, tool := range a.CustomToolAccess {
			if _, ok := r.CustomTools[tool]; !ok {
				missing = append(missing, tool)
			}
		}
		if len(missing) > 0 {
			return nil, errs.InvalidArgument("agent %s contains custom tools that were not provided: %s", a.Name, strings.Join(missing, ", "))
		}
	}

	g := &Graph{
		Agents:      make(map[string]*Agent, len(r.Agents)),
		CustomTools: maps.Clone(r.CustomTools),
		Groups:      make([][]string, 0, len(r.Groups)),
	}
	if g.CustomTools == nil {
		g.CustomTools = map[string]CustomTool{}
	}
	for _, group := range r.Groups {
		g.Groups = append(g.Groups, slices.Clone(group))
	}

	for _, a := range r.Agents {
		ga, err := a.ToGraphAgent(reg, false)
		if err != nil {
			return nil, err
		}
		g.Agents[a.Name] = ga
	}
	return g, nil
}
