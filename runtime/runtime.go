package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/eventbus"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/session"
)

// EventType discriminates an Event.
type EventType string

const (
	EventLog     EventType = "log"
	EventStopped EventType = "stopped"
)

// LogKind says which output stream a log line came from.
type LogKind string

const (
	LogStdout LogKind = "stdout"
	LogStderr LogKind = "stderr"
)

// Event is published on an agent's runtime bus. Timestamps are unix
// milliseconds.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Kind      LogKind   `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// LogEvent returns a log event stamped now.
func LogEvent(kind LogKind, message string) Event {
	return Event{Type: EventLog, Timestamp: time.Now().UnixMilli(), Kind: kind, Message: message}
}

// StoppedEvent returns a stopped event stamped now.
func StoppedEvent() Event {
	return Event{Type: EventStopped, Timestamp: time.Now().UnixMilli()}
}

// MarshalJSON drops the log fields from stopped events.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventStopped {
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			Timestamp int64     `json:"timestamp"`
		}{e.Type, e.Timestamp})
	}
	type plain Event
	return json.Marshal(plain(e))
}

// Bus carries the runtime events of one agent.
type Bus = eventbus.Bus[Event]

// NewBus returns a bus replaying the last 512 events to late subscribers.
func NewBus() *Bus {
	return eventbus.New[Event](func(o *eventbus.Options) {
		o.Replay = 512
		o.Buffer = 512
	})
}

// Target is the session a spawned agent serves. It is either a LocalTarget
// or a RemoteTarget.
type Target interface {
	SessionID() string
	target()
}

// LocalTarget is a session hosted on this server.
type LocalTarget struct {
	Session *session.LocalSession
}

// SessionID implements Target.
func (t LocalTarget) SessionID() string { return t.Session.ID() }
func (LocalTarget) target()             {}

// RemoteTarget is a session exported to another server under a claim.
type RemoteTarget struct {
	Session *session.RemoteSession
}

// SessionID implements Target.
func (t RemoteTarget) SessionID() string { return t.Session.ID() }
func (RemoteTarget) target()             {}

// Params describe one agent instance to spawn.
type Params struct {
	AgentID      registry.Identifier
	AgentName    string
	SystemPrompt string
	Options      map[string]registry.OptionValue
	// Path is the working directory of executable runtimes.
	Path   string
	Target Target
}

// Remote reports whether the agent serves an exported session.
func (p Params) Remote() bool {
	_, ok := p.Target.(RemoteTarget)
	return ok
}

// Validate checks that the params can be spawned.
func (p Params) Validate() error {
	if p.AgentName == "" {
		return errs.InvalidArgument("runtime params need an agent name")
	}
	switch t := p.Target.(type) {
	case LocalTarget:
		if t.Session == nil {
			return errs.InvalidArgument("local target without a session")
		}
	case RemoteTarget:
		if t.Session == nil {
			return errs.InvalidArgument("remote target without a session")
		}
	default:
		return errs.InvalidArgument("runtime params need a target session")
	}
	return nil
}

// Handle is a running agent instance.
type Handle interface {
	// Destroy stops the instance and waits for it to exit. It is safe to call
	// more than once.
	Destroy(ctx context.Context) error
}

// Runtime spawns agent instances. Spawn returns once the instance is
// started; the instance outlives ctx and runs until its handle is destroyed
// or it exits on its own.
type Runtime interface {
	Spawn(ctx context.Context, params Params, bus *Bus, app *Application) (Handle, error)
}

// cancelHandle is the handle of a goroutine backed instance.
type cancelHandle struct {
	cancel context.CancelFunc
	done   <-chan struct{}
	once   sync.Once
}

func (h *cancelHandle) Destroy(ctx context.Context) error {
	h.once.Do(h.cancel)
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
