package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/coralmesh/errs"
)

// -------------------- Pipe --------------------

func TestPipe_RoundTrip(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, json.RawMessage(`{"n":1}`)))
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got))

	require.NoError(t, b.Send(ctx, json.RawMessage(`{"n":2}`)))
	got, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got))
}

func TestPipe_CloseEndsBothSides(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, b.Send(context.Background(), json.RawMessage(`{}`)), io.ErrClosedPipe)

	select {
	case <-b.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}

func TestPipe_ReceiveHonoursContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// -------------------- Frame --------------------

func TestFrame_EncodeDecode(t *testing.T) {
	data, err := EncodeFrame(json.RawMessage(`{"jsonrpc":"2.0","id":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sse","message":{"jsonrpc":"2.0","id":1}}`, string(data))

	msg, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1}`, string(msg))
}

func TestFrame_DecodeRejects(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"binary","message":{}}`))
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))

	_, err = DecodeFrame([]byte(`not json`))
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))

	_, err = DecodeFrame([]byte(`{"type":"sse"}`))
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))
}

// -------------------- SSE --------------------

func TestSSE_StreamAndDeliver(t *testing.T) {
	tr := NewSSE("/messages?sessionId=abc", func(o *SSEOptions) { o.KeepAlive = 0 })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = tr.Stream(r.Context(), w)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, data := readEvent()
	assert.Equal(t, "endpoint", event)
	assert.Equal(t, "/messages?sessionId=abc", data)

	require.NoError(t, tr.Send(context.Background(), json.RawMessage("{\n  \"id\": 7\n}")))
	event, data = readEvent()
	assert.Equal(t, "message", event)
	assert.JSONEq(t, `{"id":7}`, data)

	require.NoError(t, tr.Deliver(context.Background(), json.RawMessage(`{"id":8}`)))
	got, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":8}`, string(got))
}

func TestSSE_DeliverRejectsInvalidJSON(t *testing.T) {
	tr := NewSSE("/x")
	err := tr.Deliver(context.Background(), json.RawMessage(`{`))
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))
}

func TestSSE_StreamAttachesOnce(t *testing.T) {
	tr := NewSSE("/x")
	require.NoError(t, tr.Close())

	rec := httptest.NewRecorder()
	require.NoError(t, tr.Stream(context.Background(), rec))

	err := tr.Stream(context.Background(), httptest.NewRecorder())
	assert.True(t, errs.Is(err, errs.CodeInvalidState))
}

func TestSSE_ClosedTransport(t *testing.T) {
	tr := NewSSE("/x")
	require.NoError(t, tr.Close())

	_, err := tr.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, tr.Send(context.Background(), json.RawMessage(`{}`)), io.ErrClosedPipe)
	assert.ErrorIs(t, tr.Deliver(context.Background(), json.RawMessage(`{}`)), io.ErrClosedPipe)
}

// -------------------- WebSocket & Bridge --------------------

func TestWebSocket_TunnelThroughBridge(t *testing.T) {
	agentSide, serverSide := Pipe()

	bridged := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			bridged <- err
			return
		}
		bridged <- Bridge(r.Context(), NewWebSocket(conn), serverSide)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	remote := NewWebSocket(conn)

	// agent -> remote
	require.NoError(t, agentSide.Send(ctx, json.RawMessage(`{"method":"tools/list"}`)))
	got, err := remote.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"tools/list"}`, string(got))

	// remote -> agent
	require.NoError(t, remote.Send(ctx, json.RawMessage(`{"result":{}}`)))
	got, err = agentSide.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{}}`, string(got))

	require.NoError(t, remote.Close())

	select {
	case err := <-bridged:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("bridge did not finish")
	}

	select {
	case <-agentSide.Done():
	case <-ctx.Done():
		t.Fatal("bridge did not close the agent side")
	}
}

func TestBridge_EndsWhenEitherSideCloses(t *testing.T) {
	a1, a2 := Pipe()
	b1, b2 := Pipe()

	done := make(chan error, 1)
	go func() { done <- Bridge(context.Background(), a2, b1) }()

	require.NoError(t, a1.Send(context.Background(), json.RawMessage(`{"x":1}`)))
	got, err := b2.Receive(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(got))

	require.NoError(t, a1.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not finish")
	}

	_, err = b2.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
