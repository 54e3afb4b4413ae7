package agenttool

import (
	"context"
	"time"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/session"
	"github.com/hupe1980/coralmesh/thread"
)

// Tool names.
const (
	ToolAddParticipant    = "coral_add_participant"
	ToolCloseThread       = "coral_close_thread"
	ToolCreateThread      = "coral_create_thread"
	ToolListAgents        = "coral_list_agents"
	ToolRemoveParticipant = "coral_remove_participant"
	ToolSendMessage       = "coral_send_message"
	ToolWaitForMentions   = "coral_wait_for_mentions"
	ToolCloseSession      = "coral_close_session"
)

type listAgentsArgs struct {
	IncludeDetails bool `json:"includeDetails" description:"Whether to include agent details in the response"`
}

type createThreadArgs struct {
	ThreadName     string   `json:"threadName" description:"Name of the thread"`
	ParticipantIDs []string `json:"participantIds" description:"List of agent IDs to include as participants"`
}

type participantArgs struct {
	ThreadID      string `json:"threadId" description:"ID of the thread"`
	ParticipantID string `json:"participantId" description:"ID of the agent"`
}

type closeThreadArgs struct {
	ThreadID string `json:"threadId" description:"ID of the thread to close"`
	Summary  string `json:"summary" description:"Summary of the thread"`
}

type sendMessageArgs struct {
	ThreadID string   `json:"threadId" description:"ID of the thread"`
	Content  string   `json:"content" description:"Content of the message"`
	Mentions []string `json:"mentions" description:"List of agent IDs to mention in the message. You *must* mention an agent for them to be made aware of the message."`
}

type waitForMentionsArgs struct {
	TimeoutMs float64 `json:"timeoutMs" description:"Timeout in milliseconds. Must be between 0 and 600000 ms."`
}

type closeSessionArgs struct {
	Reason string `json:"reason" description:"A description of why the session should be closed"`
}

func (h *host) addThreadTools() {
	addTool(h, ToolListAgents, "List all the available Coral agents", h.listAgents)
	addTool(h, ToolCreateThread, "Create a new Coral thread with a list of participants", h.createThread)
	addTool(h, ToolAddParticipant, "Add a participant to a Coral thread", h.addParticipant)
	addTool(h, ToolRemoveParticipant, "Remove a participant from a Coral thread", h.removeParticipant)
	addTool(h, ToolCloseThread, "Close a Coral thread with a summary", h.closeThread)
	addTool(h, ToolSendMessage, "Send a message to a Coral thread", h.sendMessage)
	addTool(h, ToolWaitForMentions,
		"Wait until mentioned in all Coral threads. Call this tool when you're done or want to wait for another agent to respond. "+
			"This will block until a message is received. You will see all unread messages.",
		h.waitForMentions)
}

func (h *host) listAgents(_ context.Context, args listAgentsArgs) (Result, error) {
	agents := h.sess.Agents(false)
	if args.IncludeDetails {
		return Result{Result: ResultAgentDetails, Agents: agents}, nil
	}

	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.ID)
	}
	return Result{Result: ResultAgentNames, Agents: names}, nil
}

func (h *host) createThread(_ context.Context, args createThreadArgs) (Result, error) {
	th, err := h.sess.CreateThread(args.ThreadName, h.agentID, args.ParticipantIDs)
	if err != nil {
		return Result{}, err
	}
	resolved := th.Resolve()
	return Result{Result: ResultCreateThread, Thread: &resolved}, nil
}

func (h *host) addParticipant(_ context.Context, args participantArgs) (Result, error) {
	if err := h.sess.AddParticipant(args.ThreadID, args.ParticipantID); err != nil {
		return Result{}, err
	}
	return Result{Result: ResultAddParticipant}, nil
}

func (h *host) removeParticipant(_ context.Context, args participantArgs) (Result, error) {
	if err := h.sess.RemoveParticipant(args.ThreadID, args.ParticipantID); err != nil {
		return Result{}, err
	}
	return Result{Result: ResultRemoveParticipant}, nil
}

func (h *host) closeThread(_ context.Context, args closeThreadArgs) (Result, error) {
	if err := h.sess.CloseThread(args.ThreadID, args.Summary); err != nil {
		return Result{}, err
	}
	return Result{Result: ResultCloseThread}, nil
}

func (h *host) sendMessage(_ context.Context, args sendMessageArgs) (Result, error) {
	msg, err := h.sess.SendMessage(args.ThreadID, h.agentID, args.Content, args.Mentions)
	if err != nil {
		return Result{}, err
	}
	resolved := msg.Resolve()
	return Result{Result: ResultSendMessage, Message: &resolved}, nil
}

func (h *host) waitForMentions(ctx context.Context, args waitForMentionsArgs) (Result, error) {
	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		return Result{}, errs.InvalidArgument("timeout must be greater than 0")
	}
	if timeout > MaxWaitTimeout {
		return Result{}, errs.InvalidArgument("timeout must not exceed the maximum of %d ms", MaxWaitTimeout.Milliseconds())
	}

	_ = h.sess.SetAgentState(h.agentID, session.StateListening)
	defer func() { _ = h.sess.SetAgentState(h.agentID, session.StateBusy) }()

	msgs, err := h.sess.WaitForMentions(ctx, h.agentID, timeout)
	if err != nil {
		return Result{}, err
	}
	if len(msgs) == 0 {
		return Result{Result: ResultWaitTimeout}, nil
	}

	h.logger.Info("tool.wait_for_mentions.received", "count", len(msgs))
	return Result{Result: ResultWaitForMentions, Messages: resolveAll(msgs)}, nil
}

func (h *host) addCloseSessionTool() {
	addTool(h, ToolCloseSession, "Closes the Coral session and kills all agents", func(_ context.Context, args closeSessionArgs) (Result, error) {
		h.logger.Info("tool.close_session.requested", "reason", args.Reason)
		time.AfterFunc(h.opts.CloseSessionDelay, func() {
			h.sess.Close(context.Background(), session.CloseClean)
		})
		return Result{Result: ResultCloseSession}, nil
	})
}

func resolveAll(msgs []*thread.Message) []thread.ResolvedMessage {
	out := make([]thread.ResolvedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Resolve())
	}
	return out
}
