package session

import (
	"github.com/hupe1980/coralmesh/thread"
)

// EventType discriminates session events on the wire.
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentStateUpdated EventType = "agent_state_updated"
	EventAgentReady        EventType = "agent_ready"
	EventThreadCreated     EventType = "thread_created"
	EventMessageSent       EventType = "message_sent"
	EventSessionClosed     EventType = "session_closed"
)

// Event is an observable change of a LocalSession. Only the fields relevant
// to the event type are set.
type Event struct {
	Type EventType `json:"type"`

	Agent   *Agent `json:"agent,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	State   State  `json:"state,omitempty"`

	Thread *ThreadInfo `json:"thread,omitempty"`

	ThreadID string                  `json:"threadId,omitempty"`
	Message  *thread.ResolvedMessage `json:"message,omitempty"`

	CloseMode CloseMode `json:"closeMode,omitempty"`
}

// ThreadInfo describes a newly created thread.
type ThreadInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	CreatorID    string   `json:"creatorId"`
	Participants []string `json:"participants"`
	Summary      string   `json:"summary,omitempty"`
}
