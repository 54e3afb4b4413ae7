package payment

import (
	"context"
	"strconv"
	"sync"

	"github.com/hupe1980/coralmesh/errs"
)

// PaidAgent is an agent entry of an escrow session.
type PaidAgent struct {
	ID string `json:"id"`
	// Cap is the most this agent may claim, in micro-coral.
	Cap int64 `json:"cap"`
	// Developer is both signer and recipient of claims for this agent.
	Developer string `json:"developer"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// EscrowSession is a funded payment session as seen by a given authority.
type EscrowSession struct {
	ID        string      `json:"id"`
	Authority string      `json:"authority"`
	Agents    []PaidAgent `json:"agents"`
	Funded    int64       `json:"funded"`
	Claimed   int64       `json:"claimed"`
}

// Agent returns the paid agent with the given id.
func (s *EscrowSession) Agent(id string) (PaidAgent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return PaidAgent{}, false
}

// CreatedSession is returned after an escrow session was created and funded.
type CreatedSession struct {
	SessionID string `json:"sessionId"`
	Funded    int64  `json:"funded"`
}

// ClaimResult describes a submitted escrow claim.
type ClaimResult struct {
	AmountClaimed      int64 `json:"amountClaimed"`
	RemainingInSession int64 `json:"remainingInSession"`
}

// Backend is the escrow payment service. Amounts are in micro-coral.
type Backend interface {
	// GetEscrowSession returns the session identified by id, as created by
	// authority.
	GetEscrowSession(ctx context.Context, id, authority string) (*EscrowSession, error)
	// CreateEscrowSession creates and funds a session for the given agents.
	CreateEscrowSession(ctx context.Context, agents []PaidAgent, fundingAmount int64) (*CreatedSession, error)
	// SubmitEscrowClaim claims amount from the session on behalf of agentID.
	SubmitEscrowClaim(ctx context.Context, sessionID, agentID string, amount int64) (*ClaimResult, error)
}

// MemoryBackend is an in-process Backend. It backs development mode and
// tests; sessions live in a map guarded by an RWMutex.
//
// Layout: sessionID -> escrow session
type MemoryBackend struct {
	authority string

	mu       sync.RWMutex
	nextID   int64
	sessions map[string]*EscrowSession
	claims   []SubmittedClaim
}

// SubmittedClaim records a call to SubmitEscrowClaim on a MemoryBackend.
type SubmittedClaim struct {
	SessionID string
	AgentID   string
	Amount    int64
}

// NewMemoryBackend returns an empty MemoryBackend whose sessions are created
// by authority.
func NewMemoryBackend(authority string) *MemoryBackend {
	return &MemoryBackend{authority: authority, sessions: make(map[string]*EscrowSession)}
}

// GetEscrowSession implements Backend.
func (m *MemoryBackend) GetEscrowSession(_ context.Context, id, authority string) (*EscrowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Authority != authority {
		return nil, errs.NotFound("escrow session %s not found for authority %s", id, authority)
	}
	cp := *s
	cp.Agents = append([]PaidAgent(nil), s.Agents...)
	return &cp, nil
}

// CreateEscrowSession implements Backend.
func (m *MemoryBackend) CreateEscrowSession(_ context.Context, agents []PaidAgent, fundingAmount int64) (*CreatedSession, error) {
	if len(agents) == 0 {
		return nil, errs.InvalidArgument("escrow session needs at least one agent")
	}
	if fundingAmount <= 0 {
		return nil, errs.InvalidArgument("funding amount must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	m.sessions[id] = &EscrowSession{
		ID:        id,
		Authority: m.authority,
		Agents:    append([]PaidAgent(nil), agents...),
		Funded:    fundingAmount,
	}
	return &CreatedSession{SessionID: id, Funded: fundingAmount}, nil
}

// SubmitEscrowClaim implements Backend.
func (m *MemoryBackend) SubmitEscrowClaim(_ context.Context, sessionID, agentID string, amount int64) (*ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.claims = append(m.claims, SubmittedClaim{SessionID: sessionID, AgentID: agentID, Amount: amount})

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.NotFound("escrow session %s not found", sessionID)
	}
	if s.Claimed+amount > s.Funded {
		return nil, errs.InvalidState("claim of %d exceeds remaining escrow %d", amount, s.Funded-s.Claimed)
	}
	s.Claimed += amount
	return &ClaimResult{AmountClaimed: amount, RemainingInSession: s.Funded - s.Claimed}, nil
}

// Claims returns a snapshot of every submitted claim, including failed ones.
func (m *MemoryBackend) Claims() []SubmittedClaim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SubmittedClaim(nil), m.claims...)
}

// Put stores a session verbatim, overwriting any session with the same id.
func (m *MemoryBackend) Put(s EscrowSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	cp.Agents = append([]PaidAgent(nil), s.Agents...)
	m.sessions[s.ID] = &cp
}
