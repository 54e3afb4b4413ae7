package thread

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/telemetry"
)

// Message is a single entry in a thread. Everything except the telemetry
// payload is immutable after creation.
type Message struct {
	ID         string
	ThreadID   string
	ThreadName string
	SenderID   string
	Content    string
	Timestamp  time.Time
	Mentions   []string

	telemetry atomic.Pointer[telemetry.Telemetry]
}

// MentionsAgent reports whether agentID is in the message's mention list.
func (m *Message) MentionsAgent(agentID string) bool {
	return slices.Contains(m.Mentions, agentID)
}

// AttachTelemetry sets the telemetry payload. It may only be set once.
func (m *Message) AttachTelemetry(t *telemetry.Telemetry) error {
	if t == nil {
		return errs.InvalidArgument("telemetry payload is empty")
	}
	if !m.telemetry.CompareAndSwap(nil, t) {
		return errs.InvalidState("message %s already has telemetry", m.ID)
	}
	return nil
}

// Telemetry returns the attached payload, or nil.
func (m *Message) Telemetry() *telemetry.Telemetry {
	return m.telemetry.Load()
}

// ResolvedMessage is the wire view of a Message.
type ResolvedMessage struct {
	ID         string   `json:"id"`
	ThreadName string   `json:"threadName"`
	ThreadID   string   `json:"threadId"`
	SenderID   string   `json:"senderId"`
	Content    string   `json:"content"`
	Timestamp  int64    `json:"timestamp"`
	Mentions   []string `json:"mentions"`
}

// Resolve returns the wire view of the message.
func (m *Message) Resolve() ResolvedMessage {
	return ResolvedMessage{
		ID:         m.ID,
		ThreadName: m.ThreadName,
		ThreadID:   m.ThreadID,
		SenderID:   m.SenderID,
		Content:    m.Content,
		Timestamp:  m.Timestamp.UnixMilli(),
		Mentions:   slices.Clone(m.Mentions),
	}
}
