package manager

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/orchestrator"
	"github.com/hupe1980/coralmesh/payment"
	"github.com/hupe1980/coralmesh/session"
)

// DefaultWaitTimeout bounds WaitForSession when no timeout is given.
const DefaultWaitTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	// Backend creates escrow sessions for graphs with paid agents. Graphs
	// with paid agents are rejected when nil.
	Backend payment.Backend
	// Oracle converts max costs to micro-coral. Defaults to a fixed price of
	// one dollar per coral.
	Oracle payment.PriceOracle
	// Servers is asked for export settings and wallets while selecting
	// remote providers.
	Servers graph.ServerClient
	// WaitTimeout is the default of WaitForSession.
	WaitTimeout time.Duration
	// EventBuffer is the per-subscriber event queue of new sessions.
	EventBuffer int
	Logger      logging.Logger
}

// Manager owns the local sessions of this server. It creates them from
// agent graphs, spawns their agents through the orchestrator and forgets
// them once they close.
type Manager struct {
	orch *orchestrator.Orchestrator
	opts Options

	// create serializes GetOrCreateSession.
	create sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*session.LocalSession
	// creating holds ids reserved by an in-flight CreateSessionWithID.
	creating map[string]struct{}
	waiters  map[string][]chan struct{}
}

// New creates a Manager spawning agents through orch.
func New(orch *orchestrator.Orchestrator, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Oracle:      payment.FixedOracle(1),
		WaitTimeout: DefaultWaitTimeout,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		orch:     orch,
		opts:     opts,
		sessions: make(map[string]*session.LocalSession),
		creating: make(map[string]struct{}),
		waiters:  make(map[string][]chan struct{}),
	}
}

// Orchestrator returns the orchestrator spawning session agents.
func (m *Manager) Orchestrator() *orchestrator.Orchestrator { return m.orch }

// CreateSession creates a session with a random id.
func (m *Manager) CreateSession(ctx context.Context, applicationID, privacyKey string, g *graph.Graph) (*session.LocalSession, error) {
	return m.CreateSessionWithID(ctx, uuid.NewString(), applicationID, privacyKey, g)
}

// CreateSessionWithID creates a session and spawns every agent of g.
//
// Paid agents are resolved to remote providers and funded first. If any
// agent fails to spawn the session is closed again and the error returned.
// A nil graph creates an empty session for development use.
func (m *Manager) CreateSessionWithID(ctx context.Context, id, applicationID, privacyKey string, g *graph.Graph) (*session.LocalSession, error) {
	if err := m.reserve(id); err != nil {
		return nil, err
	}
	inserted := false
	defer func() {
		if !inserted {
			m.release(id)
		}
	}()

	var psid string
	if g != nil {
		created, err := m.CreatePaymentSession(ctx, g)
		if err != nil {
			return nil, err
		}
		if created != nil {
			psid = created.SessionID
		}
	}

	logger := logging.With(m.opts.Logger, "session_id", id)
	sess := session.NewLocal(func(o *session.LocalOptions) {
		o.ID = id
		o.ApplicationID = applicationID
		o.PrivacyKey = privacyKey
		o.PaymentSessionID = psid
		o.Graph = g
		o.Groups = Subgraphs(g, logger)
		if m.opts.EventBuffer > 0 {
			o.EventBuffer = m.opts.EventBuffer
		}
		o.Logger = m.opts.Logger
	})
	sess.OnClose(func(ctx context.Context, mode session.CloseMode) {
		m.orch.KillForSession(ctx, id, mode)

		m.mu.Lock()
		if m.sessions[id] == sess {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		logger.Info("manager.session.removed", "close_mode", mode)
	})

	m.mu.Lock()
	delete(m.creating, id)
	m.sessions[id] = sess
	m.mu.Unlock()
	inserted = true

	for _, name := range sess.Graph().Names() {
		if err := m.orch.Spawn(ctx, sess, sess.Graph().Agents[name], name); err != nil {
			logger.Error("manager.session.spawn_failed", "agent_id", name, "error", err.Error())
			sess.Close(context.WithoutCancel(ctx), session.CloseForce)
			return nil, fmt.Errorf("spawn %s: %w", name, err)
		}
	}

	m.notify(id)
	logger.Info("manager.session.created", "agents", len(sess.Graph().Agents), "payment_session_id", psid)
	return sess, nil
}

// reserve claims id for a creation in flight so concurrent creations with
// the same id fail before any payment session is opened.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return errs.InvalidState("session %s already exists", id)
	}
	if _, ok := m.creating[id]; ok {
		return errs.InvalidState("session %s is already being created", id)
	}
	m.creating[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.creating, id)
	m.mu.Unlock()
}

// GetOrCreateSession returns the session with id, creating it when absent.
// Concurrent calls are serialized so a session is created only once.
func (m *Manager) GetOrCreateSession(ctx context.Context, id, applicationID, privacyKey string, g *graph.Graph) (*session.LocalSession, error) {
	m.create.Lock()
	defer m.create.Unlock()

	if sess, ok := m.Session(id); ok {
		return sess, nil
	}
	return m.CreateSessionWithID(ctx, id, applicationID, privacyKey, g)
}

// Session returns a live session.
func (m *Manager) Session(id string) (*session.LocalSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Sessions returns the live sessions ordered by id.
func (m *Manager) Sessions() []*session.LocalSession {
	m.mu.RLock()
	out := make([]*session.LocalSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// WaitForSession returns the session with id, waiting up to timeout for it
// to be created. A non-positive timeout uses the configured default.
func (m *Manager) WaitForSession(ctx context.Context, id string, timeout time.Duration) (*session.LocalSession, error) {
	if timeout <= 0 {
		timeout = m.opts.WaitTimeout
	}

	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	ch := make(chan struct{})
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		if sess, ok := m.Session(id); ok {
			return sess, nil
		}
		return nil, errs.NotFound("session %s closed before it could be used", id)
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	m.waiters[id] = slices.DeleteFunc(m.waiters[id], func(c chan struct{}) bool { return c == ch })
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errs.NotFound("session %s was not created within %s", id, timeout)
}

func (m *Manager) notify(id string) {
	m.mu.Lock()
	waiters := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Close closes every live session.
func (m *Manager) Close(ctx context.Context) {
	for _, sess := range m.Sessions() {
		sess.Close(ctx, session.CloseForce)
	}
}

// CreatePaymentSession funds an escrow session for the paid agents of g and
// replaces their remote requests with the selected remote providers. It
// returns nil when g has no paid agents.
func (m *Manager) CreatePaymentSession(ctx context.Context, g *graph.Graph) (*payment.CreatedSession, error) {
	paid := g.PaidAgents()
	if len(paid) == 0 {
		return nil, nil
	}
	if m.opts.Backend == nil {
		return nil, errs.Unavailable("payment services are disabled")
	}
	if m.opts.Servers == nil {
		return nil, errs.Unavailable("no server client to select remote providers")
	}

	agents := make([]payment.PaidAgent, 0, len(paid))
	resolved := make(map[string]graph.Provider, len(paid))
	var funding int64

	for _, agent := range paid {
		provider := agent.Provider
		if provider.MaxCost == nil {
			return nil, errs.InvalidArgument("paid agent %s has no max cost", agent.Name)
		}

		capacity, err := provider.MaxCost.ToMicroCoral(ctx, m.opts.Oracle)
		if err != nil {
			return nil, err
		}
		remote, err := graph.ResolveRemote(ctx, provider, agent.Registry.Info.Identifier(), "", m.opts.Servers, m.opts.Oracle, m.opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", agent.Name, err)
		}

		funding += capacity
		agents = append(agents, payment.PaidAgent{ID: agent.Name, Cap: capacity, Developer: remote.Wallet})
		resolved[agent.Name] = remote
	}

	created, err := m.opts.Backend.CreateEscrowSession(ctx, agents, funding)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeUpstream, "create escrow session")
	}

	for name, provider := range resolved {
		provider.PaymentSessionID = created.SessionID
		g.Agents[name].Provider = provider
	}

	m.opts.Logger.Info("manager.payment_session.created", "payment_session_id", created.SessionID,
		"agents", len(agents), "funded", created.Funded)
	return created, nil
}
