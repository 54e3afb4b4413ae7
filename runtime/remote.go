package runtime

import (
	"context"
	"errors"
	"net/url"

	"github.com/coder/websocket"

	"github.com/hupe1980/coralmesh/agenttool"
	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/transport"
)

// TunnelPath returns the path of the tunnel endpoint serving claimID.
func TunnelPath(claimID string) string {
	return "/ws/v1/exported/" + url.PathEscape(claimID)
}

// Remote connects a local session to an agent that another server runs
// under a claim. The agent's protocol messages travel through a WebSocket
// tunnel and are served by this server's agent tools as if the agent were
// connected directly.
type Remote struct {
	Server  graph.Server
	ClaimID string
}

// Spawn implements Runtime. Only local targets can be served remotely.
func (r *Remote) Spawn(_ context.Context, params Params, bus *Bus, app *Application) (Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	target, ok := params.Target.(LocalTarget)
	if !ok {
		return nil, errs.InvalidArgument("a remote runtime needs a local session")
	}

	logger := logging.With(app.Logger(), "session_id", target.SessionID(), "agent_id", params.AgentName,
		"runtime", "remote", "claim_id", r.ClaimID, "server", r.Server.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer bus.Publish(StoppedEvent())

		if err := r.run(ctx, target, params.AgentName, app, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("runtime.remote.failed", "error", err.Error())
			return
		}
		logger.Info("runtime.remote.closed")
	}()

	return &cancelHandle{cancel: cancel, done: done}, nil
}

func (r *Remote) run(ctx context.Context, target LocalTarget, agentName string, app *Application, logger logging.Logger) error {
	u := r.Server.WebSocketURL(TunnelPath(r.ClaimID))

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: app.opts.HTTPClient})
	if err != nil {
		return errs.Wrap(err, errs.CodeUpstream, "dial "+u)
	}
	logger.Info("runtime.remote.connected")

	t := transport.NewWebSocket(conn)
	defer t.Close()

	toolOpts := append([]func(o *agenttool.Options){
		func(o *agenttool.Options) { o.Logger = app.Logger() },
	}, app.opts.ToolOptions...)
	conn, err := agenttool.Connect(target.Session, agentName, toolOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !target.Session.WaitForGroup(ctx, agentName, app.opts.BarrierTimeout) && ctx.Err() == nil {
		logger.Warn("runtime.remote.group_timeout", "timeout", app.opts.BarrierTimeout)
	}
	return conn.Serve(ctx, t)
}
