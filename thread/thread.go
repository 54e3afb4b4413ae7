// Package thread holds the append-only conversation state of a session.
//
// A Thread owns its messages. Participants may change until the thread is
// closed; afterwards every mutation fails with an INVALID_STATE error. The
// creator is always a participant and cannot be removed.
package thread

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/coralmesh/errs"
)

// Thread is a named conversation between session agents. It is safe for
// concurrent use.
type Thread struct {
	ID        string
	Name      string
	CreatorID string

	mu           sync.RWMutex
	participants []string
	messages     []*Message
	closed       bool
	summary      string

	now func() time.Time
}

// New creates a thread. The creator is always included and duplicate
// participants are collapsed, keeping first-seen order.
func New(name, creatorID string, participants []string) *Thread {
	ps := make([]string, 0, len(participants)+1)
	ps = append(ps, creatorID)
	for _, p := range participants {
		if !slices.Contains(ps, p) {
			ps = append(ps, p)
		}
	}

	return &Thread{
		ID:           uuid.NewString(),
		Name:         name,
		CreatorID:    creatorID,
		participants: ps,
		now:          time.Now,
	}
}

// Participants returns a copy of the participant list.
func (t *Thread) Participants() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.participants)
}

// HasParticipant reports whether agentID participates in the thread.
func (t *Thread) HasParticipant(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Contains(t.participants, agentID)
}

// Closed reports whether the thread has been closed.
func (t *Thread) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Summary returns the closing summary, if any.
func (t *Thread) Summary() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a copy of the message list.
func (t *Thread) Messages() []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// MessagesFrom returns the messages at index from onwards.
func (t *Thread) MessagesFrom(from int) []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(t.messages) {
		return nil
	}
	return slices.Clone(t.messages[from:])
}

// IndexOf returns the position of the message with the given id, or -1.
func (t *Thread) IndexOf(messageID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.IndexFunc(t.messages, func(m *Message) bool { return m.ID == messageID })
}

// Message looks up a message by id.
func (t *Thread) Message(messageID string) (*Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.messages {
		if m.ID == messageID {
			return m, true
		}
	}
	return nil, false
}

// Append creates a message from senderID and appends it. Mentions that are
// not current participants are dropped. It fails if the thread is closed or
// the sender is not a participant.
func (t *Thread) Append(senderID, content string, mentions []string) (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errs.InvalidState("thread %s is closed", t.ID)
	}
	if !slices.Contains(t.participants, senderID) {
		return nil, errs.InvalidState("sender %s is not a participant of thread %s", senderID, t.ID)
	}

	valid := make([]string, 0, len(mentions))
	for _, m := range mentions {
		if slices.Contains(t.participants, m) && !slices.Contains(valid, m) {
			valid = append(valid, m)
		}
	}

	msg := &Message{
		ID:         uuid.NewString(),
		ThreadID:   t.ID,
		ThreadName: t.Name,
		SenderID:   senderID,
		Content:    content,
		Timestamp:  t.now(),
		Mentions:   valid,
	}
	t.messages = append(t.messages, msg)
	return msg, nil
}

// AddParticipant adds agentID and returns the message count at the time of
// joining, which callers use to seed the participant's read index.
func (t *Thread) AddParticipant(agentID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, errs.InvalidState("thread %s is closed", t.ID)
	}
	if !slices.Contains(t.participants, agentID) {
		t.participants = append(t.participants, agentID)
	}
	return len(t.messages), nil
}

// RemoveParticipant removes agentID. The creator cannot be removed.
func (t *Thread) RemoveParticipant(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errs.InvalidState("thread %s is closed", t.ID)
	}
	if agentID == t.CreatorID {
		return errs.InvalidState("cannot remove creator %s from thread %s", agentID, t.ID)
	}
	idx := slices.Index(t.participants, agentID)
	if idx < 0 {
		return errs.NotFound("agent %s is not a participant of thread %s", agentID, t.ID)
	}
	t.participants = slices.Delete(t.participants, idx, idx+1)
	return nil
}

// Close closes the thread with an optional summary.
func (t *Thread) Close(summary string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errs.InvalidState("thread %s is already closed", t.ID)
	}
	t.closed = true
	t.summary = summary
	return nil
}

// ResolvedThread is the wire view of a Thread.
type ResolvedThread struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	CreatorID    string            `json:"creatorId"`
	Participants []string          `json:"participants"`
	IsClosed     bool              `json:"isClosed"`
	Summary      string            `json:"summary,omitempty"`
	Messages     []ResolvedMessage `json:"messages"`
}

// Resolve returns a consistent snapshot of the thread.
func (t *Thread) Resolve() ResolvedThread {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := make([]ResolvedMessage, 0, len(t.messages))
	for _, m := range t.messages {
		msgs = append(msgs, m.Resolve())
	}

	return ResolvedThread{
		ID:           t.ID,
		Name:         t.Name,
		CreatorID:    t.CreatorID,
		Participants: slices.Clone(t.participants),
		IsClosed:     t.closed,
		Summary:      t.summary,
		Messages:     msgs,
	}
}
