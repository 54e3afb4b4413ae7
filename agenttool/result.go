package agenttool

import (
	"github.com/hupe1980/coralmesh/thread"
)

// Result kinds of successful tool calls.
const (
	ResultSendMessage       = "send_message_success"
	ResultAddParticipant    = "add_participant_success"
	ResultRemoveParticipant = "remove_participant_success"
	ResultCloseThread       = "close_thread_success"
	ResultCreateThread      = "create_thread_success"
	ResultWaitForMentions   = "wait_for_mentions_success"
	ResultWaitTimeout       = "error_timeout"
	ResultAgentNames        = "agent_list_success"
	ResultAgentDetails      = "agent_list_success_with_details"
	ResultCloseSession      = "close_session_success"
)

// Result is the JSON body of a successful tool call. Result names the kind
// and decides which of the other fields are set.
type Result struct {
	Result   string                   `json:"result"`
	Message  *thread.ResolvedMessage  `json:"message,omitempty"`
	Messages []thread.ResolvedMessage `json:"messages,omitempty"`
	Thread   *thread.ResolvedThread   `json:"thread,omitempty"`
	// Agents holds []string for agent_list_success and []session.Agent
	// for agent_list_success_with_details.
	Agents any `json:"agents,omitempty"`
}
