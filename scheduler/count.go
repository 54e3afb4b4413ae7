package scheduler

import (
	"context"
	"sync"
	"time"
)

// CountScheduler is a barrier over the number of ready agents.
type CountScheduler struct {
	mu      sync.Mutex
	ready   map[string]struct{}
	waiters *waitList[int]
}

// NewCountScheduler creates an empty CountScheduler.
func NewCountScheduler() *CountScheduler {
	return &CountScheduler{
		ready:   make(map[string]struct{}),
		waiters: newWaitList[int](),
	}
}

// MarkAgentReady counts agentID as ready and releases every waiter whose
// target is now reached. Repeated calls for the same agent are ignored.
func (s *CountScheduler) MarkAgentReady(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.ready[agentID]; seen {
		return
	}
	s.ready[agentID] = struct{}{}

	count := len(s.ready)
	for target := range s.waiters.waiters {
		if target <= count {
			s.waiters.release(target, true)
		}
	}
}

// RegisteredAgentsCount returns the number of ready agents.
func (s *CountScheduler) RegisteredAgentsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// WaitForAgentCount blocks until at least n agents are ready. It returns false
// on timeout, context cancellation or Clear.
func (s *CountScheduler) WaitForAgentCount(ctx context.Context, n int, timeout time.Duration) bool {
	s.mu.Lock()
	if len(s.ready) >= n {
		s.mu.Unlock()
		return true
	}
	id, ch := s.waiters.add(n)
	s.mu.Unlock()

	return await(ctx, timeout, ch, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.waiters.remove(n, id)
	})
}

// Pending returns the number of blocked waiters.
func (s *CountScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.len()
}

// Clear resets the counter and releases all pending waiters with false.
func (s *CountScheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = make(map[string]struct{})
	s.waiters.releaseAll(false)
}
