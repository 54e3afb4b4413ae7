package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"
)

// GroupScheduler is a barrier over fixed groups of agents. An agent belongs to
// at most one group; when an id appears in several groups the first one wins.
type GroupScheduler struct {
	mu         sync.Mutex
	groups     [][]string
	membership map[string]int
	ready      []map[string]struct{}
	waiters    *waitList[int]
}

// NewGroupScheduler builds a scheduler from the given agent id groups.
func NewGroupScheduler(groups [][]string) *GroupScheduler {
	s := &GroupScheduler{
		membership: make(map[string]int),
		waiters:    newWaitList[int](),
	}

	for _, group := range groups {
		members := make([]string, 0, len(group))
		for _, id := range group {
			if _, taken := s.membership[id]; taken || slices.Contains(members, id) {
				continue
			}
			members = append(members, id)
		}
		if len(members) == 0 {
			continue
		}

		idx := len(s.groups)
		for _, id := range members {
			s.membership[id] = idx
		}
		s.groups = append(s.groups, members)
		s.ready = append(s.ready, make(map[string]struct{}))
	}

	return s
}

// Group returns the members of agentID's group.
func (s *GroupScheduler) Group(agentID string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.membership[agentID]
	if !ok {
		return nil, false
	}
	return slices.Clone(s.groups[idx]), true
}

// MarkAgentReady records agentID as ready and releases its group's waiters
// once every member is ready. Unknown agents and repeated calls are ignored.
func (s *GroupScheduler) MarkAgentReady(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.membership[agentID]
	if !ok {
		return
	}
	if _, seen := s.ready[idx][agentID]; seen {
		return
	}
	s.ready[idx][agentID] = struct{}{}

	if len(s.ready[idx]) >= len(s.groups[idx]) {
		s.waiters.release(idx, true)
	}
}

// WaitForGroup blocks until every member of agentID's group is ready. Agents
// outside any group return true immediately. It returns false on timeout,
// context cancellation or Clear.
func (s *GroupScheduler) WaitForGroup(ctx context.Context, agentID string, timeout time.Duration) bool {
	s.mu.Lock()
	idx, ok := s.membership[agentID]
	if !ok || len(s.ready[idx]) >= len(s.groups[idx]) {
		s.mu.Unlock()
		return true
	}
	id, ch := s.waiters.add(idx)
	s.mu.Unlock()

	return await(ctx, timeout, ch, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.waiters.remove(idx, id)
	})
}

// Pending returns the number of blocked waiters.
func (s *GroupScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.len()
}

// Clear resets readiness and releases all pending waiters with false.
func (s *GroupScheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.ready {
		s.ready[i] = make(map[string]struct{})
	}
	s.waiters.releaseAll(false)
}

// await blocks on ch until a result arrives, the timeout elapses or ctx is
// done. On timeout the waiter is removed; if it had already been released the
// delivered result wins.
func await(ctx context.Context, timeout time.Duration, ch chan bool, remove func() bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result
	case <-timer.C:
	case <-ctx.Done():
	}

	if remove() {
		return false
	}
	return <-ch
}
