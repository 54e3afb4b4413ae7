package agenttool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/coralmesh/thread"
)

// Resource URIs.
const (
	ResourceMessages     = "Message.resource"
	ResourceInstructions = "Instruction.resource"
	ResourceAgents       = "Agent.resource"
)

var instructions = fmt.Sprintf(`# Coral resource: %s
You are an agent that exists in a Coral multi agent system. You must communicate with other agents.

Communication with other agents must occur in threads. You can create a thread with the %s tool,
make sure to include the agents you want to communicate with in the thread. It is possible to add agents to an existing
thread with the %s tool. If a thread has reached a conclusion or is no longer productive, you
can close the thread with the %s tool. It is very important to use the %s
tool to communicate in these threads as no other agent will see your messages otherwise! If you have sent a message
and expect or require a response from another agent, use the %s tool to wait for a response.

In most cases assistant message output will not reach the user. Use tooling where possible to communicate with the user instead.
`, ResourceInstructions, ToolCreateThread, ToolAddParticipant, ToolCloseThread, ToolSendMessage, ToolWaitForMentions)

func (h *host) addResources() {
	h.srv.AddResource(
		mcp.NewResource(ResourceMessages, "messages",
			mcp.WithResourceDescription("Threads this agent participates in"),
			mcp.WithMIMEType("application/json"),
		),
		func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			threads := h.sess.ThreadsForAgent(h.agentID)
			resolved := make([]thread.ResolvedThread, 0, len(threads))
			for _, th := range threads {
				resolved = append(resolved, th.Resolve())
			}
			data, err := json.Marshal(resolved)
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			}}, nil
		},
	)

	h.srv.AddResource(
		mcp.NewResource(ResourceInstructions, "instructions",
			mcp.WithResourceDescription("Coral instructions resource"),
			mcp.WithMIMEType("text/markdown"),
		),
		func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/markdown",
				Text:     instructions,
			}}, nil
		},
	)

	h.srv.AddResource(
		mcp.NewResource(ResourceAgents, "agents",
			mcp.WithResourceDescription("The other agents of the session"),
			mcp.WithMIMEType("text/markdown"),
		),
		func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/markdown",
				Text:     h.renderAgents(),
			}}, nil
		},
	)
}

// renderAgents lists every agent except the caller, so it does not try to
// talk to itself.
func (h *host) renderAgents() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Coral resource: %s\nThis resource lists the other agents and their descriptions\n\n## Available agents\n", ResourceAgents)
	for _, a := range h.sess.Agents(false) {
		if a.ID == h.agentID {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.Description)
	}
	return b.String()
}
