package session

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/eventbus"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/scheduler"
	"github.com/hupe1980/coralmesh/thread"
)

// LocalOptions configures a LocalSession.
type LocalOptions struct {
	// ID of the session. A random id is generated when empty.
	ID string
	// ApplicationID and PrivacyKey scope the session's URLs.
	ApplicationID string
	PrivacyKey    string
	// PaymentSessionID links the session to an escrow session, if any agent
	// is bought from another server.
	PaymentSessionID string
	// Graph holds the agents that are registered when the session starts.
	Graph *graph.Graph
	// Groups are the readiness groups used by WaitForGroup.
	Groups [][]string
	// EventBuffer is the per-subscriber event queue capacity.
	EventBuffer int
	Logger      logging.Logger
}

type readKey struct {
	agentID  string
	threadID string
}

// LocalSession is a session hosted on this server.
type LocalSession struct {
	lifecycle

	id               string
	applicationID    string
	privacyKey       string
	paymentSessionID string
	graph            *graph.Graph
	logger           logging.Logger

	mu          sync.RWMutex
	agents      map[string]*Agent
	ready       map[string]bool
	threads     map[string]*thread.Thread
	threadOrder []string
	lastRead    map[readKey]int
	waiters     map[string]chan []*thread.Message

	groups         *scheduler.GroupScheduler
	counts         *scheduler.CountScheduler
	requiredAgents int
	events         *eventbus.Bus[Event]
}

// NewLocal creates a session and registers every agent of the graph in the
// connecting state.
func NewLocal(optFns ...func(o *LocalOptions)) *LocalSession {
	opts := LocalOptions{
		EventBuffer: eventbus.DefaultOptions.Buffer,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Graph == nil {
		opts.Graph = &graph.Graph{Agents: map[string]*graph.Agent{}}
	}

	s := &LocalSession{
		lifecycle:        newLifecycle(),
		id:               opts.ID,
		applicationID:    opts.ApplicationID,
		privacyKey:       opts.PrivacyKey,
		paymentSessionID: opts.PaymentSessionID,
		graph:            opts.Graph,
		logger:           logging.With(opts.Logger, "session_id", opts.ID),
		agents:           make(map[string]*Agent),
		ready:            make(map[string]bool),
		threads:          make(map[string]*thread.Thread),
		lastRead:         make(map[readKey]int),
		waiters:          make(map[string]chan []*thread.Message),
		groups:           scheduler.NewGroupScheduler(opts.Groups),
		counts:           scheduler.NewCountScheduler(),
		events: eventbus.New[Event](func(o *eventbus.Options) {
			o.Buffer = opts.EventBuffer
		}),
	}

	for _, name := range opts.Graph.Names() {
		if _, err := s.RegisterAgent(name, "", "", false); err != nil {
			s.logger.Warn("session.agent.register_failed", "agent_id", name, "error", err)
			continue
		}
		_ = s.SetAgentState(name, StateConnecting)
	}

	return s
}

// ID returns the session id.
func (s *LocalSession) ID() string { return s.id }

// ApplicationID returns the application the session belongs to.
func (s *LocalSession) ApplicationID() string { return s.applicationID }

// PrivacyKey returns the privacy key of the session.
func (s *LocalSession) PrivacyKey() string { return s.privacyKey }

// PaymentSessionID returns the linked escrow session id, or "".
func (s *LocalSession) PaymentSessionID() string { return s.paymentSessionID }

// Graph returns the graph the session was created from.
func (s *LocalSession) Graph() *graph.Graph { return s.graph }

// Subscribe returns a live view of the session's events.
func (s *LocalSession) Subscribe() *eventbus.Subscription[Event] { return s.events.Subscribe() }

// -------------------- Agents --------------------

// RegisterAgent adds an agent to the session. Registering an existing id
// fails unless force is set. The description of the graph agent wins over
// the registry description, which wins over the given one.
func (s *LocalSession) RegisterAgent(id, url, description string, force bool) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Agent{}, errs.InvalidState("session %s is closed", s.id)
	}
	if _, ok := s.agents[id]; ok && !force {
		return Agent{}, errs.InvalidState("agent %s is already registered", id)
	}

	a := &Agent{
		ID:          id,
		Description: description,
		State:       StateDisconnected,
		URL:         url,
		CustomTools: map[string]graph.CustomTool{},
	}
	if ga, ok := s.graph.Agents[id]; ok {
		switch {
		case ga.Description != "":
			a.Description = ga.Description
		case ga.Registry != nil && ga.Registry.Info.Description != "":
			a.Description = ga.Registry.Info.Description
		}
		for _, name := range ga.CustomToolAccess {
			if tool, ok := s.graph.CustomTools[name]; ok {
				a.CustomTools[name] = tool
			}
		}
		a.Plugins = slices.Clone(ga.Plugins)
	}

	s.agents[id] = a
	delete(s.ready, id)

	snap := a.snapshot()
	s.events.Publish(Event{Type: EventAgentRegistered, Agent: &snap})
	s.logger.Debug("session.agent.registered", "agent_id", id)
	return snap, nil
}

// RegisterDebugAgent registers an observer agent with a random id. Debug
// agents are hidden from Agents(false).
func (s *LocalSession) RegisterDebugAgent() (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Agent{}, errs.InvalidState("session %s is closed", s.id)
	}

	a := &Agent{
		ID:          uuid.NewString(),
		Description: "debug agent",
		State:       StateListening,
		Debug:       true,
		CustomTools: map[string]graph.CustomTool{},
	}
	s.agents[a.ID] = a

	snap := a.snapshot()
	s.events.Publish(Event{Type: EventAgentRegistered, Agent: &snap})
	return snap, nil
}

// ConnectAgent marks an agent as connected and busy.
func (s *LocalSession) ConnectAgent(id string) (Agent, error) {
	if err := s.SetAgentState(id, StateBusy); err != nil {
		return Agent{}, err
	}
	a, _ := s.Agent(id)
	return a, nil
}

// DisconnectAgent marks an agent as disconnected.
func (s *LocalSession) DisconnectAgent(id string) error {
	return s.SetAgentState(id, StateDisconnected)
}

// SetAgentState updates an agent's state. The first time an agent becomes
// connected it is marked ready in both schedulers and an agent_ready event
// is published.
func (s *LocalSession) SetAgentState(id string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return errs.NotFound("agent %s not found in session %s", id, s.id)
	}
	a.State = state
	s.events.Publish(Event{Type: EventAgentStateUpdated, AgentID: id, State: state})

	if state.Connected() && !a.Debug && !s.ready[id] {
		s.ready[id] = true
		s.groups.MarkAgentReady(id)
		s.counts.MarkAgentReady(id)

		snap := a.snapshot()
		s.events.Publish(Event{Type: EventAgentReady, Agent: &snap, AgentID: id})
		s.logger.Info("session.agent.ready", "agent_id", id)
	}
	return nil
}

// Agent returns a snapshot of the agent.
func (s *LocalSession) Agent(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.snapshot(), true
}

// Agents returns snapshots of all agents ordered by id.
func (s *LocalSession) Agents(includeDebug bool) []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.Debug && !includeDebug {
			continue
		}
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WaitForGroup blocks until every member of the agent's group is ready.
func (s *LocalSession) WaitForGroup(ctx context.Context, agentID string, timeout time.Duration) bool {
	return s.groups.WaitForGroup(ctx, agentID, timeout)
}

// WaitForAgentCount blocks until at least n distinct agents are ready.
func (s *LocalSession) WaitForAgentCount(ctx context.Context, n int, timeout time.Duration) bool {
	return s.counts.WaitForAgentCount(ctx, n, timeout)
}

// SetRequiredAgents sets how many agents must be ready before connecting
// agents are served. Dev sessions take it from their first agents.
func (s *LocalSession) SetRequiredAgents(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requiredAgents = n
}

// RequiredAgents returns the count set by SetRequiredAgents, or 0.
func (s *LocalSession) RequiredAgents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requiredAgents
}

// ReadyAgentsCount returns the number of distinct ready agents.
func (s *LocalSession) ReadyAgentsCount() int {
	return s.counts.RegisteredAgentsCount()
}

// -------------------- Threads --------------------

// CreateThread creates a thread owned by creatorID. Unknown participants are
// dropped and the creator is always included.
func (s *LocalSession) CreateThread(name, creatorID string, participants []string) (*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.InvalidState("session %s is closed", s.id)
	}
	if _, ok := s.agents[creatorID]; !ok && creatorID != DebugCreatorID {
		return nil, errs.NotFound("agent %s not found in session %s", creatorID, s.id)
	}

	known := make([]string, 0, len(participants))
	for _, p := range participants {
		if _, ok := s.agents[p]; ok {
			known = append(known, p)
		}
	}

	th := thread.New(name, creatorID, known)
	s.threads[th.ID] = th
	s.threadOrder = append(s.threadOrder, th.ID)

	s.events.Publish(Event{Type: EventThreadCreated, Thread: &ThreadInfo{
		ID:           th.ID,
		Name:         th.Name,
		CreatorID:    th.CreatorID,
		Participants: th.Participants(),
	}})
	s.logger.Debug("session.thread.created", "thread_id", th.ID, "creator_id", creatorID)
	return th, nil
}

// Thread returns a thread by id.
func (s *LocalSession) Thread(id string) (*thread.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[id]
	return th, ok
}

// Threads returns all threads in creation order.
func (s *LocalSession) Threads() []*thread.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*thread.Thread, 0, len(s.threadOrder))
	for _, id := range s.threadOrder {
		out = append(out, s.threads[id])
	}
	return out
}

// ThreadsForAgent returns the threads the agent participates in.
func (s *LocalSession) ThreadsForAgent(agentID string) []*thread.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadsForAgentLocked(agentID)
}

func (s *LocalSession) threadsForAgentLocked(agentID string) []*thread.Thread {
	var out []*thread.Thread
	for _, id := range s.threadOrder {
		if th := s.threads[id]; th.HasParticipant(agentID) {
			out = append(out, th)
		}
	}
	return out
}

// AddParticipant adds an agent to a thread. A new participant starts reading
// after the messages that already exist.
func (s *LocalSession) AddParticipant(threadID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, err := s.lookupLocked(threadID, agentID)
	if err != nil {
		return err
	}
	already := th.HasParticipant(agentID)
	n, err := th.AddParticipant(agentID)
	if err != nil {
		return err
	}
	if !already {
		s.lastRead[readKey{agentID, threadID}] = n
	}
	return nil
}

// RemoveParticipant removes an agent from a thread.
func (s *LocalSession) RemoveParticipant(threadID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		return errs.NotFound("thread %s not found", threadID)
	}
	if err := th.RemoveParticipant(agentID); err != nil {
		return err
	}
	delete(s.lastRead, readKey{agentID, threadID})
	return nil
}

// CloseThread closes a thread with a summary.
func (s *LocalSession) CloseThread(threadID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		return errs.NotFound("thread %s not found", threadID)
	}
	return th.Close(summary)
}

// Message returns a message of a thread.
func (s *LocalSession) Message(threadID, messageID string) (*thread.Message, error) {
	th, ok := s.Thread(threadID)
	if !ok {
		return nil, errs.NotFound("thread %s not found", threadID)
	}
	msg, ok := th.Message(messageID)
	if !ok {
		return nil, errs.NotFound("message %s not found in thread %s", messageID, threadID)
	}
	return msg, nil
}

// SendMessage appends a message to a thread and wakes the mentioned agents.
// A message from the system sender wakes every participant.
func (s *LocalSession) SendMessage(threadID, senderID, content string, mentions []string) (*thread.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.InvalidState("session %s is closed", s.id)
	}
	th, err := s.lookupLocked(threadID, senderID)
	if err != nil {
		return nil, err
	}

	msg, err := th.Append(senderID, content, mentions)
	if err != nil {
		return nil, err
	}

	targets := msg.Mentions
	if senderID == SystemSenderID {
		targets = th.Participants()
	}
	for _, id := range targets {
		if ch, ok := s.waiters[id]; ok {
			delete(s.waiters, id)
			ch <- []*thread.Message{msg}
		}
	}

	resolved := msg.Resolve()
	s.events.Publish(Event{Type: EventMessageSent, ThreadID: threadID, Message: &resolved})
	return msg, nil
}

func (s *LocalSession) lookupLocked(threadID, agentID string) (*thread.Thread, error) {
	th, ok := s.threads[threadID]
	if !ok {
		return nil, errs.NotFound("thread %s not found", threadID)
	}
	if _, ok := s.agents[agentID]; !ok {
		return nil, errs.NotFound("agent %s not found in session %s", agentID, s.id)
	}
	return th, nil
}

// -------------------- Mentions --------------------

// UnreadMessages returns the messages addressed to the agent that it has not
// read yet, without marking them read.
func (s *LocalSession) UnreadMessages(agentID string) []*thread.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked(agentID)
}

func (s *LocalSession) unreadLocked(agentID string) []*thread.Message {
	var out []*thread.Message
	for _, th := range s.threadsForAgentLocked(agentID) {
		for _, m := range th.MessagesFrom(s.lastRead[readKey{agentID, th.ID}]) {
			if m.MentionsAgent(agentID) || m.SenderID == SystemSenderID {
				out = append(out, m)
			}
		}
	}
	return out
}

func (s *LocalSession) markReadLocked(agentID string, msgs []*thread.Message) {
	for _, m := range msgs {
		th, ok := s.threads[m.ThreadID]
		if !ok {
			continue
		}
		key := readKey{agentID, m.ThreadID}
		if idx := th.IndexOf(m.ID); idx >= 0 && idx+1 > s.lastRead[key] {
			s.lastRead[key] = idx + 1
		}
	}
}

// WaitForMentions returns the agent's unread mentions. If there are none it
// waits up to timeout for the next one. Each mention is returned exactly
// once. An agent may only have one outstanding wait. Waiting on a closed
// session, or being released by its close, fails with InvalidState.
func (s *LocalSession) WaitForMentions(ctx context.Context, agentID string, timeout time.Duration) ([]*thread.Message, error) {
	if timeout <= 0 {
		return nil, errs.InvalidArgument("timeout must be positive, got %s", timeout)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.InvalidState("session %s is closed", s.id)
	}
	if _, ok := s.agents[agentID]; !ok {
		s.mu.Unlock()
		return nil, nil
	}
	if unread := s.unreadLocked(agentID); len(unread) > 0 {
		s.markReadLocked(agentID, unread)
		s.mu.Unlock()
		return unread, nil
	}
	if _, ok := s.waiters[agentID]; ok {
		s.mu.Unlock()
		return nil, errs.InvalidState("agent %s is already waiting for mentions", agentID)
	}
	ch := make(chan []*thread.Message, 1)
	s.waiters[agentID] = ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var msgs []*thread.Message
	select {
	case msgs = <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiters[agentID] == ch {
		delete(s.waiters, agentID)
	}
	if msgs == nil {
		select {
		case msgs = <-ch:
		default:
		}
	}
	if msgs == nil && s.closed {
		return nil, errs.InvalidState("session %s is closed", s.id)
	}
	s.markReadLocked(agentID, msgs)
	return msgs, nil
}

// -------------------- Lifecycle --------------------

// Close ends the session. Pending waits are released, a single
// session_closed event is published and the close listeners run in
// registration order. Later calls do nothing.
func (s *LocalSession) Close(ctx context.Context, mode CloseMode) {
	s.mu.Lock()
	listeners, ok := s.finish(mode)
	if !ok {
		s.mu.Unlock()
		return
	}
	for id, ch := range s.waiters {
		delete(s.waiters, id)
		ch <- nil
	}
	s.groups.Clear()
	s.counts.Clear()
	s.events.Publish(Event{Type: EventSessionClosed, CloseMode: mode})
	s.events.Close()
	s.mu.Unlock()

	s.logger.Info("session.closed", "mode", mode)
	for _, fn := range listeners {
		fn(ctx, mode)
	}
}

func (a *Agent) snapshot() Agent {
	out := *a
	out.CustomTools = maps.Clone(a.CustomTools)
	out.Plugins = slices.Clone(a.Plugins)
	return out
}
