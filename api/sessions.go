package api

import (
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/labstack/echo/v4"
	"github.com/openai/openai-go"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/session"
	"github.com/hupe1980/coralmesh/telemetry"
	"github.com/hupe1980/coralmesh/thread"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	ApplicationID string `json:"applicationId"`
	PrivacyKey    string `json:"privacyKey"`
	// SessionID is generated when empty.
	SessionID  string         `json:"sessionId,omitempty"`
	AgentGraph *graph.Request `json:"agentGraphRequest,omitempty"`
}

// SessionInfo describes a local session.
type SessionInfo struct {
	SessionID        string   `json:"sessionId"`
	ApplicationID    string   `json:"applicationId"`
	PrivacyKey       string   `json:"privacyKey,omitempty"`
	PaymentSessionID string   `json:"paymentSessionId,omitempty"`
	Agents           []string `json:"agents"`
}

func sessionInfo(sess *session.LocalSession, withKey bool) SessionInfo {
	info := SessionInfo{
		SessionID:        sess.ID(),
		ApplicationID:    sess.ApplicationID(),
		PaymentSessionID: sess.PaymentSessionID(),
		Agents:           sess.Graph().Names(),
	}
	if withKey {
		info.PrivacyKey = sess.PrivacyKey()
	}
	return info
}

func (s *Server) listSessions(c echo.Context) error {
	sessions := s.opts.Sessions.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionInfo(sess, false))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := s.authorize(req.ApplicationID, req.PrivacyKey); err != nil {
		return err
	}

	var g *graph.Graph
	if req.AgentGraph != nil {
		var err error
		if g, err = req.AgentGraph.ToGraph(s.opts.Registry); err != nil {
			return err
		}
	}

	ctx := c.Request().Context()
	var (
		sess *session.LocalSession
		err  error
	)
	if req.SessionID != "" {
		sess, err = s.opts.Sessions.CreateSessionWithID(ctx, req.SessionID, req.ApplicationID, req.PrivacyKey, g)
	} else {
		sess, err = s.opts.Sessions.CreateSession(ctx, req.ApplicationID, req.PrivacyKey, g)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sessionInfo(sess, true))
}

func (s *Server) agentLogs(c echo.Context) error {
	bus, ok := s.opts.Sessions.Orchestrator().Bus(c.Param("session"), c.Param("agent"))
	if !ok {
		return errs.NotFound("agent %s was never started in session %s", c.Param("agent"), c.Param("session"))
	}
	return c.JSON(http.StatusOK, bus.Replay())
}

func (s *Server) liveSession(id string) (*session.LocalSession, error) {
	sess, ok := s.opts.Sessions.Session(id)
	if !ok {
		return nil, errs.NotFound("session %s not found", id)
	}
	return sess, nil
}

func (s *Server) attachTelemetry(c echo.Context) error {
	sess, err := s.liveSession(c.Param("session"))
	if err != nil {
		return err
	}

	var post telemetry.Post
	if err := c.Bind(&post); err != nil {
		return err
	}
	if len(post.Targets) == 0 {
		return errs.InvalidArgument("telemetry needs at least one target")
	}

	msgs := make([]*thread.Message, 0, len(post.Targets))
	for _, target := range post.Targets {
		msg, err := sess.Message(target.ThreadID, target.MessageID)
		if err != nil {
			return err
		}
		if msg.Telemetry() != nil {
			return errs.InvalidState("message %s already has telemetry", msg.ID)
		}
		msgs = append(msgs, msg)
	}
	for _, msg := range msgs {
		data := post.Data
		if err := msg.AttachTelemetry(&data); err != nil {
			return err
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// anthropicTelemetry is the anthropic rendering of a telemetry payload.
type anthropicTelemetry struct {
	ModelDescription string                     `json:"modelDescription"`
	System           []anthropic.TextBlockParam `json:"system,omitempty"`
	Messages         []anthropic.MessageParam   `json:"messages"`
}

// openAITelemetry is the openai rendering of a telemetry payload.
type openAITelemetry struct {
	ModelDescription string                                   `json:"modelDescription"`
	Messages         []openai.ChatCompletionMessageParamUnion `json:"messages"`
}

func (s *Server) renderTelemetry(c echo.Context) error {
	sess, err := s.liveSession(c.Param("session"))
	if err != nil {
		return err
	}
	msg, err := sess.Message(c.Param("thread"), c.Param("message"))
	if err != nil {
		return err
	}
	t := msg.Telemetry()
	if t == nil {
		return errs.NotFound("message %s has no telemetry", msg.ID)
	}

	switch c.QueryParam("format") {
	case "", "raw":
		return c.JSON(http.StatusOK, t)
	case "openai":
		msgs, err := t.Messages.OpenAI()
		if err != nil {
			return errs.Wrap(err, errs.CodeInvalidArgument, "render telemetry")
		}
		return c.JSON(http.StatusOK, openAITelemetry{ModelDescription: t.ModelDescription, Messages: msgs})
	case "anthropic":
		msgs, system, err := t.Messages.Anthropic()
		if err != nil {
			return errs.Wrap(err, errs.CodeInvalidArgument, "render telemetry")
		}
		return c.JSON(http.StatusOK, anthropicTelemetry{ModelDescription: t.ModelDescription, System: system, Messages: msgs})
	default:
		return errs.InvalidArgument("unknown telemetry format %q", c.QueryParam("format"))
	}
}
