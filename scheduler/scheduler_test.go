package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitAsync(fn func() bool) <-chan bool {
	ch := make(chan bool, 1)
	go func() { ch <- fn() }()
	return ch
}

func assertBlocked(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("expected waiter to still be blocked, got %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertReleased(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case v := <-ch:
		assert.Equal(t, want, v)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

// -------------------- Group barrier --------------------

func TestGroupScheduler_ReleasesWholeGroup(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}, {"C"}})
	ctx := context.Background()

	waitA := waitAsync(func() bool { return s.WaitForGroup(ctx, "A", 5*time.Second) })
	waitB := waitAsync(func() bool { return s.WaitForGroup(ctx, "B", 5*time.Second) })

	s.MarkAgentReady("A")
	assertBlocked(t, waitA)
	assertBlocked(t, waitB)

	s.MarkAgentReady("B")
	assertReleased(t, waitA, true)
	assertReleased(t, waitB, true)
	assert.Equal(t, 0, s.Pending())
}

func TestGroupScheduler_SingletonGroup(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}, {"C"}})

	waitC := waitAsync(func() bool { return s.WaitForGroup(context.Background(), "C", 5*time.Second) })
	assertBlocked(t, waitC)

	s.MarkAgentReady("C")
	assertReleased(t, waitC, true)
}

func TestGroupScheduler_UngroupedAgentIsImmediate(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}})

	start := time.Now()
	assert.True(t, s.WaitForGroup(context.Background(), "Z", time.Hour))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestGroupScheduler_Timeout(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}})

	start := time.Now()
	assert.False(t, s.WaitForGroup(context.Background(), "A", 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestGroupScheduler_ContextCancel(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}})
	ctx, cancel := context.WithCancel(context.Background())

	wait := waitAsync(func() bool { return s.WaitForGroup(ctx, "A", time.Hour) })
	assertBlocked(t, wait)
	cancel()
	assertReleased(t, wait, false)
	assert.Equal(t, 0, s.Pending())
}

func TestGroupScheduler_DuplicateReadyIsIdempotent(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}})

	wait := waitAsync(func() bool { return s.WaitForGroup(context.Background(), "B", 5*time.Second) })

	assert.NotPanics(t, func() {
		s.MarkAgentReady("A")
		s.MarkAgentReady("A")
	})
	assertBlocked(t, wait)

	s.MarkAgentReady("B")
	assertReleased(t, wait, true)

	assert.NotPanics(t, func() { s.MarkAgentReady("B") })
	assert.True(t, s.WaitForGroup(context.Background(), "A", time.Millisecond))
}

func TestGroupScheduler_FirstGroupWins(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}, {"B", "C"}})

	members, ok := s.Group("B")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, members)

	members, ok = s.Group("C")
	require.True(t, ok)
	assert.Equal(t, []string{"C"}, members)
}

func TestGroupScheduler_Clear(t *testing.T) {
	s := NewGroupScheduler([][]string{{"A", "B"}})
	s.MarkAgentReady("A")

	wait := waitAsync(func() bool { return s.WaitForGroup(context.Background(), "A", time.Hour) })
	assertBlocked(t, wait)

	s.Clear()
	assertReleased(t, wait, false)

	s.MarkAgentReady("B")
	assert.False(t, s.WaitForGroup(context.Background(), "B", 20*time.Millisecond))
}

func TestGroupScheduler_ConcurrentReady(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	s := NewGroupScheduler([][]string{ids})

	results := make([]<-chan bool, len(ids))
	for i, id := range ids {
		id := id
		results[i] = waitAsync(func() bool { return s.WaitForGroup(context.Background(), id, 5*time.Second) })
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.MarkAgentReady(id)
		}(id)
	}
	wg.Wait()

	for _, ch := range results {
		assertReleased(t, ch, true)
	}
}

// -------------------- Count barrier --------------------

func TestCountScheduler_ReleasesSatisfiedTargets(t *testing.T) {
	s := NewCountScheduler()
	ctx := context.Background()

	wait2 := waitAsync(func() bool { return s.WaitForAgentCount(ctx, 2, 5*time.Second) })
	wait3 := waitAsync(func() bool { return s.WaitForAgentCount(ctx, 3, 5*time.Second) })

	s.MarkAgentReady("a")
	s.MarkAgentReady("a")
	assertBlocked(t, wait2)

	s.MarkAgentReady("b")
	assertReleased(t, wait2, true)
	assertBlocked(t, wait3)

	s.MarkAgentReady("c")
	assertReleased(t, wait3, true)
	assert.Equal(t, 3, s.RegisteredAgentsCount())
	assert.True(t, s.WaitForAgentCount(ctx, 1, time.Millisecond))
}

func TestCountScheduler_TimeoutAndClear(t *testing.T) {
	s := NewCountScheduler()

	assert.False(t, s.WaitForAgentCount(context.Background(), 1, 20*time.Millisecond))
	assert.Equal(t, 0, s.Pending())

	wait := waitAsync(func() bool { return s.WaitForAgentCount(context.Background(), 5, time.Hour) })
	assertBlocked(t, wait)
	s.MarkAgentReady("a")
	s.Clear()
	assertReleased(t, wait, false)
	assert.Equal(t, 0, s.RegisteredAgentsCount())
}
