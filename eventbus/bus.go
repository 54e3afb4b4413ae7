// Package eventbus provides a small generic publish/subscribe channel used for
// session events, runtime output and debug observers.
//
// A Bus keeps a bounded replay window of recent values. New subscribers first
// receive the replay window, then live values. Publishing never blocks: a
// subscriber whose queue is full simply misses the value.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Options configures a Bus.
type Options struct {
	// Replay is the number of most recent values handed to new subscribers.
	Replay int
	// Buffer is the per-subscriber queue capacity for live values.
	Buffer int
}

// DefaultOptions mirrors the session event stream sizing.
var DefaultOptions = Options{
	Replay: 0,
	Buffer: 1024,
}

// Bus is a bounded, non-blocking fan-out channel. The zero value is not usable;
// construct with New.
type Bus[T any] struct {
	opts Options

	mu     sync.Mutex
	ring   []T
	head   int
	size   int
	subs   map[uint64]chan T
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// New creates a Bus.
func New[T any](optFns ...func(o *Options)) *Bus[T] {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Replay < 0 {
		opts.Replay = 0
	}
	if opts.Buffer < 1 {
		opts.Buffer = 1
	}

	return &Bus[T]{
		opts: opts,
		ring: make([]T, opts.Replay),
		subs: make(map[uint64]chan T),
	}
}

// Subscription is a live view of a Bus.
type Subscription[T any] struct {
	id   uint64
	bus  *Bus[T]
	c    chan T
	once sync.Once
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the bus is closed.
func (s *Subscription[T]) C() <-chan T { return s.c }

// Cancel detaches the subscription from its bus.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}

// Publish hands v to every subscriber without blocking and records it in the
// replay window. It reports how many subscribers received the value.
func (b *Bus[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	if b.opts.Replay > 0 {
		b.ring[(b.head+b.size)%b.opts.Replay] = v
		if b.size < b.opts.Replay {
			b.size++
		} else {
			b.head = (b.head + 1) % b.opts.Replay
		}
	}

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribe registers a new subscriber, pre-loaded with the replay window.
// Subscribing to a closed bus yields an already closed channel.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.opts.Buffer+b.size)
	for i := 0; i < b.size; i++ {
		ch <- b.ring[(b.head+i)%b.opts.Replay]
	}

	id := b.nextID
	b.nextID++

	sub := &Subscription[T]{id: id, bus: b, c: ch}
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[id] = ch
	return sub
}

// Replay returns a copy of the current replay window, oldest first.
func (b *Bus[T]) Replay() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%b.opts.Replay]
	}
	return out
}

// Subscribers returns the number of live subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber queue was full.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}
