package session

import (
	"context"
	"sync"
)

// CloseMode tells close listeners how the session ended.
type CloseMode string

const (
	// CloseClean lets runtimes shut down gracefully.
	CloseClean CloseMode = "clean"
	// CloseForce tears everything down immediately.
	CloseForce CloseMode = "force"
)

// CloseListener is invoked once when a session closes.
type CloseListener func(ctx context.Context, mode CloseMode)

type lifecycle struct {
	mu        sync.Mutex
	closed    bool
	mode      CloseMode
	listeners []CloseListener
	done      chan struct{}
}

func newLifecycle() lifecycle {
	return lifecycle{done: make(chan struct{})}
}

// OnClose registers fn to run when the session closes. If the session is
// already closed fn runs immediately.
func (l *lifecycle) OnClose(fn CloseListener) {
	l.mu.Lock()
	if !l.closed {
		l.listeners = append(l.listeners, fn)
		l.mu.Unlock()
		return
	}
	mode := l.mode
	l.mu.Unlock()

	fn(context.Background(), mode)
}

// Done is closed when the session closes.
func (l *lifecycle) Done() <-chan struct{} { return l.done }

// Closed reports whether the session has been closed.
func (l *lifecycle) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// CloseMode returns the mode the session was closed with, if any.
func (l *lifecycle) CloseMode() (CloseMode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode, l.closed
}

// finish marks the lifecycle closed and returns the listeners to run. The
// second call returns false.
func (l *lifecycle) finish(mode CloseMode) ([]CloseListener, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, false
	}
	l.closed = true
	l.mode = mode
	listeners := l.listeners
	l.listeners = nil
	close(l.done)
	return listeners, true
}
