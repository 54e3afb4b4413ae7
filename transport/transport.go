// Package transport moves raw JSON-RPC messages between an agent and the
// server side tool host.
//
// A Transport is message oriented and pull based: Receive blocks until the
// peer sends something and returns io.EOF once the transport is closed. The
// package provides an in-memory Pipe, a server-sent-events transport for
// agents that connect over HTTP, and a WebSocket transport that wraps every
// message in a Frame. Bridge splices two transports together.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Transport carries JSON-RPC messages in both directions.
type Transport interface {
	// Send delivers one message to the peer.
	Send(ctx context.Context, msg json.RawMessage) error
	// Receive returns the next message from the peer, or io.EOF after Close.
	Receive(ctx context.Context) (json.RawMessage, error)
	// Close shuts the transport down. It is safe to call more than once.
	Close() error
	// Done is closed once the transport is closed.
	Done() <-chan struct{}
}

// closer is the shared close/done bookkeeping of the transports in this package.
type closer struct {
	once sync.Once
	done chan struct{}
}

func newCloser() closer { return closer{done: make(chan struct{})} }

func (c *closer) close() bool {
	closed := false
	c.once.Do(func() {
		close(c.done)
		closed = true
	})
	return closed
}

// Done is closed once the transport is closed.
func (c *closer) Done() <-chan struct{} { return c.done }

// PipeEnd is one side of an in-memory pipe.
type PipeEnd struct {
	in     <-chan json.RawMessage
	out    chan<- json.RawMessage
	shared *closer
}

// Pipe returns two connected transports. A message sent on one end is received
// on the other. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan json.RawMessage, 64)
	ba := make(chan json.RawMessage, 64)
	c := newCloser()

	return &PipeEnd{in: ba, out: ab, shared: &c}, &PipeEnd{in: ab, out: ba, shared: &c}
}

// Send implements Transport.
func (p *PipeEnd) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-p.shared.done:
		return io.ErrClosedPipe
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.shared.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Transport.
func (p *PipeEnd) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.shared.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (p *PipeEnd) Close() error {
	p.shared.close()
	return nil
}

// Done implements Transport.
func (p *PipeEnd) Done() <-chan struct{} { return p.shared.done }
