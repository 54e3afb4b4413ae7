package session

import (
	"context"
	"sync"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/transport"
)

// RemoteSession is the exporting side of an agent claimed by another server.
// Its id is the claim id. The agent's runtime connects its transport here and
// the tunnel picks it up with AwaitTransport.
type RemoteSession struct {
	lifecycle

	id               string
	agent            *graph.Agent
	maxCost          int64
	paymentSessionID string

	once      sync.Once
	connected chan struct{}
	transport transport.Transport
}

// NewRemote creates a remote session for a claim.
func NewRemote(id string, agent *graph.Agent, maxCost int64, paymentSessionID string) *RemoteSession {
	return &RemoteSession{
		lifecycle:        newLifecycle(),
		id:               id,
		agent:            agent,
		maxCost:          maxCost,
		paymentSessionID: paymentSessionID,
		connected:        make(chan struct{}),
	}
}

// ID returns the claim id.
func (r *RemoteSession) ID() string { return r.id }

// Agent returns the exported agent.
func (r *RemoteSession) Agent() *graph.Agent { return r.agent }

// MaxCost returns the claimed budget in micro-coral.
func (r *RemoteSession) MaxCost() int64 { return r.maxCost }

// PaymentSessionID returns the buyer's escrow session id.
func (r *RemoteSession) PaymentSessionID() string { return r.paymentSessionID }

// ConnectTransport hands the agent's transport to the tunnel and blocks until
// the session closes or ctx is done. A session accepts one transport.
func (r *RemoteSession) ConnectTransport(ctx context.Context, t transport.Transport) (CloseMode, error) {
	accepted := false
	r.once.Do(func() {
		r.transport = t
		close(r.connected)
		accepted = true
	})
	if !accepted {
		return "", errs.InvalidState("remote session %s already has a transport", r.id)
	}

	select {
	case <-r.done:
		mode, _ := r.CloseMode()
		return mode, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AwaitTransport waits for the agent's transport.
func (r *RemoteSession) AwaitTransport(ctx context.Context) (transport.Transport, error) {
	select {
	case <-r.connected:
		return r.transport, nil
	case <-r.done:
		return nil, errs.InvalidState("remote session %s is closed", r.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the session and runs its close listeners once.
func (r *RemoteSession) Close(ctx context.Context, mode CloseMode) {
	listeners, ok := r.finish(mode)
	if !ok {
		return
	}
	for _, fn := range listeners {
		fn(ctx, mode)
	}
}
