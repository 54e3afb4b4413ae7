package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hupe1980/coralmesh/errs"
)

// SSEOptions configures an SSE transport.
type SSEOptions struct {
	// Buffer is the capacity of the inbound and outbound queues.
	Buffer int
	// KeepAlive is the interval of comment pings on an idle stream. Zero
	// disables pings.
	KeepAlive time.Duration
}

// SSE is the server side of an MCP server-sent-events connection. The agent
// opens the event stream (served by Stream) and posts its requests to the
// advertised endpoint, which hands them to Deliver.
type SSE struct {
	closer

	endpoint  string
	keepAlive time.Duration
	in        chan json.RawMessage
	out       chan json.RawMessage
	attached  atomic.Bool
}

// NewSSE creates an SSE transport that advertises endpoint as the URL for
// client to server messages.
func NewSSE(endpoint string, optFns ...func(o *SSEOptions)) *SSE {
	opts := SSEOptions{
		Buffer:    64,
		KeepAlive: 15 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Buffer < 1 {
		opts.Buffer = 1
	}

	return &SSE{
		closer:    newCloser(),
		endpoint:  endpoint,
		keepAlive: opts.KeepAlive,
		in:        make(chan json.RawMessage, opts.Buffer),
		out:       make(chan json.RawMessage, opts.Buffer),
	}
}

// Endpoint returns the advertised message endpoint.
func (s *SSE) Endpoint() string { return s.endpoint }

// Send queues a message for the event stream.
func (s *SSE) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}

	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message posted by the agent.
func (s *SSE) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-s.in:
		return msg, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver hands a message posted by the agent to Receive.
func (s *SSE) Deliver(ctx context.Context, msg json.RawMessage) error {
	if !json.Valid(msg) {
		return errs.InvalidArgument("message is not valid JSON")
	}

	select {
	case s.in <- msg:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Transport.
func (s *SSE) Close() error {
	s.close()
	return nil
}

// Stream writes the event stream to w until ctx is done or the transport is
// closed. A stream can only be attached once; when the client goes away the
// transport is closed.
func (s *SSE) Stream(ctx context.Context, w http.ResponseWriter) error {
	if !s.attached.CompareAndSwap(false, true) {
		return errs.InvalidState("event stream already attached")
	}
	defer s.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return errs.Unavailable("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "endpoint", []byte(s.endpoint)); err != nil {
		return err
	}
	flusher.Flush()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg := <-s.out:
			var buf bytes.Buffer
			if err := json.Compact(&buf, msg); err != nil {
				return err
			}
			if err := writeEvent(w, "message", buf.Bytes()); err != nil {
				return err
			}
			flusher.Flush()
		case <-tick:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func writeEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
