package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/coralmesh/errs"
)

// FrameTypeSSE tags a frame that carries a protocol message.
const FrameTypeSSE = "sse"

// Frame is the envelope of every message on a tunnel WebSocket.
type Frame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// EncodeFrame wraps msg in an sse frame.
func EncodeFrame(msg json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameTypeSSE, Message: msg})
}

// DecodeFrame unwraps a frame and returns its message.
func DecodeFrame(data []byte) (json.RawMessage, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(err, errs.CodeInvalidArgument, "malformed frame")
	}
	if f.Type != FrameTypeSSE {
		return nil, errs.InvalidArgument("unsupported frame type %q", f.Type)
	}
	if len(f.Message) == 0 {
		return nil, errs.InvalidArgument("frame has no message")
	}
	return f.Message, nil
}

// WebSocket adapts a WebSocket connection to a Transport. Messages travel as
// text frames holding a Frame envelope.
type WebSocket struct {
	closer
	conn *websocket.Conn
}

// MaxFrameSize bounds the size of a single tunnel frame.
const MaxFrameSize = 16 << 20

// NewWebSocket wraps conn.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(MaxFrameSize)
	return &WebSocket{closer: newCloser(), conn: conn}
}

// Send implements Transport.
func (w *WebSocket) Send(ctx context.Context, msg json.RawMessage) error {
	data, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if w.closedErr(err) {
			return io.ErrClosedPipe
		}
		return err
	}
	return nil
}

// Receive implements Transport. Frames that cannot be decoded are skipped.
func (w *WebSocket) Receive(ctx context.Context) (json.RawMessage, error) {
	for {
		typ, data, err := w.conn.Read(ctx)
		if err != nil {
			if w.closedErr(err) {
				w.close()
				return nil, io.EOF
			}
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := DecodeFrame(data)
		if err != nil {
			continue
		}
		return msg, nil
	}
}

// Close implements Transport.
func (w *WebSocket) Close() error {
	if !w.close() {
		return nil
	}
	err := w.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && w.closedErr(err) {
		return nil
	}
	return err
}

func (w *WebSocket) closedErr(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

var errPumpDone = errors.New("transport: pump finished")

// Bridge copies messages between a and b in both directions until either
// side ends or ctx is done. Both transports are closed on return. A clean end
// of either side yields a nil error.
func Bridge(ctx context.Context, a, b Transport) error {
	defer a.Close()
	defer b.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(ctx, a, b) })
	g.Go(func() error { return pump(ctx, b, a) })

	err := g.Wait()
	if errors.Is(err, errPumpDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func pump(ctx context.Context, from, to Transport) error {
	for {
		msg, err := from.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errPumpDone
			}
			return err
		}
		if err := to.Send(ctx, msg); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return errPumpDone
			}
			return err
		}
	}
}
