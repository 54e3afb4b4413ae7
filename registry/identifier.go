// Package registry describes the agents a server can run or export: their
// runtimes, options and export pricing. A Registry is immutable once built
// and safe for concurrent reads.
package registry

import (
	"fmt"
	"strings"
)

// Identifier uniquely identifies an agent in a registry.
type Identifier struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String renders the identifier as name:version.
func (id Identifier) String() string {
	return fmt.Sprintf("%s:%s", id.Name, id.Version)
}

// ParseIdentifier parses a name:version string.
func ParseIdentifier(s string) (Identifier, error) {
	name, version, ok := strings.Cut(s, ":")
	if !ok || name == "" || version == "" {
		return Identifier{}, fmt.Errorf("invalid agent identifier %q, expected name:version", s)
	}
	return Identifier{Name: name, Version: version}, nil
}

// Capability is an optional feature an agent implementation supports.
type Capability string

const (
	// CapabilityResources means the agent refreshes MCP resources before each
	// model completion.
	CapabilityResources Capability = "resources"
	// CapabilityToolRefreshing means the agent refreshes MCP tools before each
	// model completion.
	CapabilityToolRefreshing Capability = "tool_refreshing"
)

// Info is the descriptive part of a registry agent.
type Info struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Identifier returns the registry identifier for the agent.
func (i Info) Identifier() Identifier {
	return Identifier{Name: i.Name, Version: i.Version}
}
