package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/coralmesh/agenttool"
	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/session"
	"github.com/hupe1980/coralmesh/transport"
)

// maxMessageSize bounds a posted protocol message.
const maxMessageSize = 4 << 20

func localStreamKey(sessionID, agentID string) string { return "local/" + sessionID + "/" + agentID }

func exportStreamKey(remoteSessionID string) string { return "export/" + remoteSessionID }

// openStream registers a new SSE transport under key. Only one stream per
// key may be open at a time.
func (s *Server) openStream(key, endpoint string) (*transport.SSE, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[key]; ok {
		return nil, nil, errs.InvalidState("a stream is already open for %s", key)
	}
	t := transport.NewSSE(endpoint, func(o *transport.SSEOptions) { o.KeepAlive = s.opts.KeepAlive })
	s.streams[key] = t

	return t, func() {
		s.mu.Lock()
		if s.streams[key] == t {
			delete(s.streams, key)
		}
		s.mu.Unlock()
		_ = t.Close()
	}, nil
}

func (s *Server) deliver(c echo.Context, key string) error {
	s.mu.Lock()
	t, ok := s.streams[key]
	s.mu.Unlock()
	if !ok {
		return errs.NotFound("no open stream for %s", key)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageSize))
	if err != nil {
		return errs.Wrap(err, errs.CodeInvalidArgument, "read message")
	}
	if err := t.Deliver(c.Request().Context(), body); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return errs.NotFound("stream for %s is closed", key)
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// localSession finds the session an agent connects to. In dev mode unknown
// sessions are created on the fly.
func (s *Server) localSession(ctx context.Context, appID, key, id string) (*session.LocalSession, error) {
	if err := s.authorize(appID, key); err != nil {
		return nil, err
	}

	var (
		sess *session.LocalSession
		err  error
	)
	if s.opts.DevMode {
		sess, err = s.opts.Sessions.GetOrCreateSession(ctx, id, appID, key, nil)
	} else {
		sess, err = s.opts.Sessions.WaitForSession(ctx, id, s.opts.SessionWait)
	}
	if err != nil {
		return nil, err
	}
	if sess.ApplicationID() != appID || sess.PrivacyKey() != key {
		return nil, errs.NotFound("session %s not found", id)
	}
	return sess, nil
}

func (s *Server) localStream(c echo.Context) error {
	appID, key, id := c.Param("app"), c.Param("key"), c.Param("session")
	agentID := c.QueryParam("agentId")
	if agentID == "" {
		return errs.InvalidArgument("missing agentId parameter")
	}
	waitForAgents, err := parseWaitForAgents(c.QueryParam("waitForAgents"))
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	sess, err := s.localSession(ctx, appID, key, id)
	if err != nil {
		return err
	}
	if _, ok := sess.Agent(agentID); !ok && !s.opts.DevMode {
		return errs.NotFound("agent %s is not part of session %s", agentID, id)
	}

	q := url.Values{}
	q.Set("agentId", agentID)
	endpoint := "/api/v1/message/" + url.PathEscape(appID) + "/" + url.PathEscape(key) + "/" + url.PathEscape(id) + "?" + q.Encode()

	t, closeStream, err := s.openStream(localStreamKey(id, agentID), endpoint)
	if err != nil {
		return err
	}
	defer closeStream()

	logger := logging.With(s.opts.Logger, "session_id", id, "agent_id", agentID)

	if s.opts.DevMode {
		description := c.QueryParam("agentDescription")
		if description == "" {
			description = agentID
		}
		if _, err := sess.RegisterAgent(agentID, "", description, true); err != nil {
			return err
		}
		if waitForAgents > 0 {
			sess.SetRequiredAgents(waitForAgents)
			logger.Info("api.stream.wait_for_agents", "count", waitForAgents)
		}
	}

	toolOpts := append([]func(o *agenttool.Options){
		func(o *agenttool.Options) { o.Logger = s.opts.Logger },
	}, s.opts.ToolOptions...)

	conn, err := agenttool.Connect(sess, agentID, toolOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !s.awaitBarriers(ctx, sess, agentID, logger) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	attached := make(chan error, 1)
	go func() {
		attached <- conn.Serve(ctx, t)
		_ = t.Close()
	}()

	if err := t.Stream(ctx, c.Response()); err != nil {
		logger.Warn("api.stream.failed", "error", err.Error())
	}
	cancel()
	if err := <-attached; err != nil {
		logger.Warn("api.stream.attach_failed", "error", err.Error())
	}
	return nil
}

// awaitBarriers holds a connected agent until its group is ready and, in
// dev mode, until the session's required agent count is reached. A timed
// out barrier is logged and the agent proceeds. It reports false when the
// client went away while waiting.
func (s *Server) awaitBarriers(ctx context.Context, sess *session.LocalSession, agentID string, logger logging.Logger) bool {
	if sess.WaitForGroup(ctx, agentID, s.opts.BarrierTimeout) {
		logger.Debug("api.stream.group_ready")
	} else if ctx.Err() == nil {
		logger.Warn("api.stream.group_timeout", "timeout", s.opts.BarrierTimeout)
	}

	if n := sess.RequiredAgents(); s.opts.DevMode && n > 0 && ctx.Err() == nil && sess.ReadyAgentsCount() < n {
		if !sess.WaitForAgentCount(ctx, n, s.opts.BarrierTimeout) && ctx.Err() == nil {
			logger.Warn("api.stream.agent_count_timeout", "required", n, "ready", sess.ReadyAgentsCount())
		}
	}
	return ctx.Err() == nil
}

func parseWaitForAgents(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.InvalidArgument("waitForAgents must be a non-negative integer, got %q", v)
	}
	return n, nil
}

func (s *Server) postLocalMessage(c echo.Context) error {
	if err := s.authorize(c.Param("app"), c.Param("key")); err != nil {
		return err
	}
	agentID := c.QueryParam("agentId")
	if agentID == "" {
		return errs.InvalidArgument("missing agentId parameter")
	}
	return s.deliver(c, localStreamKey(c.Param("session"), agentID))
}

func (s *Server) exportStream(c echo.Context) error {
	if s.opts.Remote == nil {
		return errs.Unavailable("remote sessions are disabled")
	}

	id := c.Param("remoteSessionId")
	rs, ok := s.opts.Remote.Session(id)
	if !ok {
		return errs.NotFound("remote session %s not found", id)
	}

	t, closeStream, err := s.openStream(exportStreamKey(id), "/api/v1/message/export/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	defer closeStream()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	connected := make(chan error, 1)
	go func() {
		_, err := rs.ConnectTransport(ctx, t)
		connected <- err
		_ = t.Close()
	}()

	if err := t.Stream(ctx, c.Response()); err != nil {
		s.opts.Logger.Warn("api.stream.failed", "remote_session_id", id, "error", err.Error())
	}
	cancel()
	<-connected
	return nil
}

func (s *Server) postExportMessage(c echo.Context) error {
	if s.opts.Remote == nil {
		return errs.Unavailable("remote sessions are disabled")
	}
	return s.deliver(c, exportStreamKey(c.Param("remoteSessionId")))
}
