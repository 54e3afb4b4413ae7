package remote

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/hupe1980/coralmesh/session"
	"github.com/hupe1980/coralmesh/transport"
)

// RunTunnel executes a claim and relays protocol messages between the buyer,
// connected through peer, and the started agent. It returns when either side
// goes away; the remote session is closed on return.
func (m *Manager) RunTunnel(ctx context.Context, claimID string, peer transport.Transport) error {
	defer peer.Close()

	sess, err := m.ExecuteClaim(ctx, claimID)
	if err != nil {
		return err
	}
	defer sess.Close(context.WithoutCancel(ctx), session.CloseClean)

	logger := m.opts.Logger
	logger.Debug("remote.tunnel.waiting", "claim_id", claimID)

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	local, err := sess.AwaitTransport(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	logger.Info("remote.tunnel.open", "claim_id", claimID)
	err = transport.Bridge(ctx, peer, local)
	logger.Info("remote.tunnel.closed", "claim_id", claimID)
	return err
}

// ServeTunnel upgrades r to a WebSocket and runs the tunnel of claimID over
// it.
func (m *Manager) ServeTunnel(w http.ResponseWriter, r *http.Request, claimID string) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	return m.RunTunnel(r.Context(), claimID, transport.NewWebSocket(conn))
}
