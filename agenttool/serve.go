package agenttool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/session"
	"github.com/hupe1980/coralmesh/transport"
)

// Serve answers the JSON-RPC messages arriving on t with srv until the
// transport ends or ctx is done. Requests are handled concurrently since
// wait_for_mentions blocks. Serve waits for in-flight requests before it
// returns; a clean end of the transport yields nil.
func Serve(ctx context.Context, t transport.Transport, srv *server.MCPServer, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			cancel()
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func(msg json.RawMessage) {
			defer wg.Done()

			resp := srv.HandleMessage(ctx, msg)
			if resp == nil {
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				logger.Error("mcp.response.encode_failed", "error", err)
				return
			}
			if err := t.Send(ctx, data); err != nil && !errors.Is(err, io.ErrClosedPipe) && ctx.Err() == nil {
				logger.Warn("mcp.response.send_failed", "error", err)
			}
		}(msg)
	}
}

// Connection is an agent marked connected to its session whose tools are
// not served yet. Callers hold it between the connect and the barrier wait.
type Connection struct {
	sess    *session.LocalSession
	agentID string
	srv     *server.MCPServer
	logger  logging.Logger
	once    sync.Once
}

// Connect builds the agent's server and marks the agent connected, which
// counts it as ready for the session's barriers.
func Connect(sess *session.LocalSession, agentID string, optFns ...func(o *Options)) (*Connection, error) {
	srv, err := New(sess, agentID, optFns...)
	if err != nil {
		return nil, err
	}

	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.With(opts.Logger, "session_id", sess.ID(), "agent_id", agentID)

	if _, err := sess.ConnectAgent(agentID); err != nil {
		return nil, err
	}
	logger.Info("agent.connected")

	return &Connection{sess: sess, agentID: agentID, srv: srv, logger: logger}, nil
}

// Serve serves the agent's tools over t until the transport ends and
// disconnects the agent afterwards.
func (c *Connection) Serve(ctx context.Context, t transport.Transport) error {
	defer c.Close()
	return Serve(ctx, t, c.srv, c.logger)
}

// Close marks the agent disconnected. Later calls do nothing.
func (c *Connection) Close() {
	c.once.Do(func() {
		if !c.sess.Closed() {
			_ = c.sess.DisconnectAgent(c.agentID)
		}
		c.logger.Info("agent.disconnected")
	})
}

// Attach connects agentID to sess and serves its tools over t until the
// transport ends.
func Attach(ctx context.Context, sess *session.LocalSession, agentID string, t transport.Transport, optFns ...func(o *Options)) error {
	conn, err := Connect(sess, agentID, optFns...)
	if err != nil {
		return err
	}
	return conn.Serve(ctx, t)
}
