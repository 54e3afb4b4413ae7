package session

import (
	"slices"

	"github.com/hupe1980/coralmesh/graph"
)

// State is the connection state of a session agent.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateBusy         State = "busy"
	StateDead         State = "dead"
)

// Connected reports whether the agent has an open connection.
func (s State) Connected() bool {
	return s == StateListening || s == StateBusy
}

// SystemSenderID is the sender id whose messages wake every participant of a
// thread.
const SystemSenderID = "system"

// DebugCreatorID may create threads without being a registered agent.
const DebugCreatorID = "debug"

// Agent is a snapshot of an agent taking part in a session.
type Agent struct {
	ID          string                      `json:"id"`
	Description string                      `json:"description,omitempty"`
	State       State                       `json:"state"`
	URL         string                      `json:"url,omitempty"`
	Debug       bool                        `json:"debug,omitempty"`
	CustomTools map[string]graph.CustomTool `json:"-"`
	Plugins     []graph.Plugin              `json:"-"`
}

// HasPlugin reports whether the agent was granted the plugin.
func (a Agent) HasPlugin(t graph.PluginType) bool {
	return slices.ContainsFunc(a.Plugins, func(p graph.Plugin) bool { return p.Type == t })
}
