package remote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/orchestrator"
	"github.com/hupe1980/coralmesh/payment"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/session"
)

var (
	// ErrBadClaim is returned for unknown or already executed claims.
	ErrBadClaim = errs.NotFound("bad claim id")
	// ErrSessionNotFound is returned for unknown remote sessions.
	ErrSessionNotFound = errs.NotFound("remote session not found")
)

// Claim is an agent another server paid for that has not been started yet.
type Claim struct {
	ID    string
	Agent *graph.Agent
	// MaxCost is the most the agent may claim, in micro-coral.
	MaxCost          int64
	PaymentSessionID string
}

// Options configures a Manager.
type Options struct {
	// Registry resolves claimed agents.
	Registry *registry.Registry
	// Backend is checked for the buyer's escrow session before a claim is
	// issued.
	Backend payment.Backend
	// Oracle prices claims. Defaults to a fixed price of one dollar per coral.
	Oracle payment.PriceOracle
	// Claims aggregates the payment claims of exported agents and settles
	// them once per payment session. Defaults to a manager settling through
	// Backend.
	Claims *payment.AggregatedClaimManager
	// ConnectTimeout bounds how long a tunnel waits for its agent to connect.
	ConnectTimeout time.Duration
	Logger         logging.Logger
}

// Manager is the exporting side of federation. It issues claims for agents
// bought by other servers, starts them when the buyer opens the tunnel and
// settles payment once the last agent of a payment session is gone.
//
// Claim lifecycle: issued by CreateClaim, executed once by ExecuteClaim,
// settled when its session closes.
type Manager struct {
	orch *orchestrator.Orchestrator
	opts Options

	mu       sync.Mutex
	claims   map[string]*Claim
	sessions map[string]*session.RemoteSession
	// refs counts the claims of each payment session that are not settled.
	refs map[string]int
}

// New creates a Manager spawning exported agents through orch.
func New(orch *orchestrator.Orchestrator, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Registry:       registry.Empty(),
		Oracle:         payment.FixedOracle(1),
		ConnectTimeout: time.Minute,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Claims == nil {
		opts.Claims = payment.NewAggregatedClaimManager(opts.Backend, opts.Oracle, func(o *payment.Options) {
			o.Logger = opts.Logger
		})
	}

	return &Manager{
		orch:     orch,
		opts:     opts,
		claims:   make(map[string]*Claim),
		sessions: make(map[string]*session.RemoteSession),
		refs:     make(map[string]int),
	}
}

// Claims returns the payment claim aggregator.
func (m *Manager) Claims() *payment.AggregatedClaimManager { return m.opts.Claims }

// CheckPaymentAndCreateClaim verifies that the buyer funded the requested
// agent and issues a claim for it.
//
// The buyer's escrow session must list the agent, the agent must exist in the
// registry and export the requested runtime, and the funded cap must lie in
// the export's price range. The claim's budget is the export's max price.
func (m *Manager) CheckPaymentAndCreateClaim(ctx context.Context, req graph.PaidAgentRequest) (string, error) {
	if m.opts.Backend == nil {
		return "", errs.Unavailable("payment services are disabled")
	}

	escrow, err := m.opts.Backend.GetEscrowSession(ctx, req.PaidSessionID, req.LocalWalletAddress)
	if err != nil {
		return "", err
	}
	entry, ok := escrow.Agent(req.AgentRequest.Name)
	if !ok {
		return "", errs.InvalidArgument("no matching agent %q in paid session %s", req.AgentRequest.Name, req.PaidSessionID)
	}

	provider := req.AgentRequest.Provider
	if provider.Type != graph.ProviderLocal {
		return "", errs.InvalidArgument("claimed agents must request a local provider")
	}

	regAgent, ok := m.opts.Registry.FindAgent(req.AgentRequest.ID)
	if !ok {
		return "", errs.NotFound("no matching agent %s in registry", req.AgentRequest.ID)
	}
	settings, ok := regAgent.Export[provider.Runtime]
	if !ok {
		return "", errs.InvalidArgument("runtime %q is not exported by agent %s", provider.Runtime, req.AgentRequest.ID)
	}

	pricing := settings.Pricing
	within, err := pricing.WithinRange(ctx, payment.MicroCoral(entry.Cap), m.opts.Oracle)
	if err != nil {
		return "", err
	}
	if !within {
		return "", errs.InvalidArgument("paid session agent cap %d is not within the pricing range %s - %s",
			entry.Cap, pricing.MinPrice, pricing.MaxPrice)
	}

	agent, err := req.AgentRequest.ToGraphAgent(m.opts.Registry, true)
	if err != nil {
		return "", err
	}
	maxCost, err := pricing.MaxPrice.ToMicroCoral(ctx, m.opts.Oracle)
	if err != nil {
		return "", err
	}

	m.opts.Logger.Info("remote.claim.checked", "payment_session_id", req.PaidSessionID, "agent", req.AgentRequest.ID.String())
	return m.CreateClaim(agent, req.PaidSessionID, maxCost), nil
}

// CreateClaim issues a claim without checking payment.
func (m *Manager) CreateClaim(agent *graph.Agent, paymentSessionID string, maxCost int64) string {
	claim := &Claim{
		ID:               uuid.NewString(),
		Agent:            agent,
		MaxCost:          maxCost,
		PaymentSessionID: paymentSessionID,
	}

	m.mu.Lock()
	m.claims[claim.ID] = claim
	if paymentSessionID != "" {
		m.refs[paymentSessionID]++
	}
	m.mu.Unlock()

	m.opts.Logger.Info("remote.claim.created", "claim_id", claim.ID, "agent_id", agent.Name,
		"payment_session_id", paymentSessionID, "max_cost", maxCost)
	return claim.ID
}

// ExecuteClaim starts the claimed agent and returns its session. A claim can
// be executed once. The session settles the claim when it closes.
func (m *Manager) ExecuteClaim(ctx context.Context, id string) (*session.RemoteSession, error) {
	m.mu.Lock()
	claim, ok := m.claims[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrBadClaim
	}
	delete(m.claims, id)

	sess := session.NewRemote(id, claim.Agent, claim.MaxCost, claim.PaymentSessionID)
	m.sessions[id] = sess
	m.mu.Unlock()

	logger := logging.With(m.opts.Logger, "claim_id", id, "agent_id", claim.Agent.Name)
	sess.OnClose(func(ctx context.Context, mode session.CloseMode) {
		m.orch.KillForSession(ctx, id, mode)
		m.release(ctx, claim.PaymentSessionID)

		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		logger.Info("remote.session.closed", "close_mode", mode)
	})

	if err := m.orch.SpawnRemote(ctx, sess, claim.Agent, claim.Agent.Name); err != nil {
		sess.Close(context.WithoutCancel(ctx), session.CloseForce)
		return nil, err
	}

	logger.Info("remote.claim.executed")
	return sess, nil
}

// release drops one reference to a payment session and settles it when the
// last one is gone.
func (m *Manager) release(ctx context.Context, paymentSessionID string) {
	if paymentSessionID == "" {
		return
	}

	m.mu.Lock()
	m.refs[paymentSessionID]--
	last := m.refs[paymentSessionID] <= 0
	if last {
		delete(m.refs, paymentSessionID)
	}
	m.mu.Unlock()

	if last {
		m.opts.Claims.NotifyPaymentSessionClosed(ctx, paymentSessionID)
	}
}

// Session returns a running remote session.
func (m *Manager) Session(id string) (*session.RemoteSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// AddClaim records a payment claim made by the agent of a remote session and
// returns the remaining budget of its payment session.
func (m *Manager) AddClaim(ctx context.Context, remoteSessionID string, claim payment.ClaimRequest) (payment.RemainingBudget, error) {
	sess, ok := m.Session(remoteSessionID)
	if !ok {
		return payment.RemainingBudget{}, ErrSessionNotFound
	}

	agentID := sess.Agent().Registry.Info.Identifier().String()
	remaining, err := m.opts.Claims.AddClaim(ctx, sess.PaymentSessionID(), sess.MaxCost(), agentID, claim)
	if err != nil {
		return payment.RemainingBudget{}, err
	}
	return m.opts.Claims.RemainingBudget(ctx, remaining), nil
}

// Close closes every running remote session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*session.RemoteSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(ctx, session.CloseForce)
	}
}
