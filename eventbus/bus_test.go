package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := New[int]()
	a := bus.Subscribe()
	b := bus.Subscribe()

	assert.Equal(t, 2, bus.Publish(1))
	assert.Equal(t, 2, bus.Publish(2))

	assert.Equal(t, []int{1, 2}, drain(a.C()))
	assert.Equal(t, []int{1, 2}, drain(b.C()))
}

func TestBus_ReplayWindow(t *testing.T) {
	bus := New[string](func(o *Options) { o.Replay = 2 })

	bus.Publish("a")
	bus.Publish("b")
	bus.Publish("c")

	assert.Equal(t, []string{"b", "c"}, bus.Replay())

	sub := bus.Subscribe()
	bus.Publish("d")
	assert.Equal(t, []string{"b", "c", "d"}, drain(sub.C()))
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := New[int](func(o *Options) { o.Buffer = 1 })
	sub := bus.Subscribe()

	assert.Equal(t, 1, bus.Publish(1))
	assert.Equal(t, 0, bus.Publish(2))
	assert.EqualValues(t, 1, bus.Dropped())
	assert.Equal(t, []int{1}, drain(sub.C()))
}

func TestBus_CancelAndClose(t *testing.T) {
	bus := New[int]()
	sub := bus.Subscribe()
	sub.Cancel()
	sub.Cancel()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())

	other := bus.Subscribe()
	bus.Close()
	bus.Close()
	_, ok = <-other.C()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Publish(1))

	late := bus.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := New[int](func(o *Options) { o.Buffer = 1000 })
	sub := bus.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(base*100 + j)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, drain(sub.C()), 500)
}
