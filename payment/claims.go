package payment

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/logging"
)

// ClaimRequest is sent by an exported agent to claim payment for work done.
type ClaimRequest struct {
	Amount Amount `json:"amount"`
}

// RemainingBudget is returned to an agent after a claim.
type RemainingBudget struct {
	// RemainingBudget is in micro-coral.
	RemainingBudget int64 `json:"remainingBudget"`
	// CoralUSDPrice is an estimate of the price of one coral.
	CoralUSDPrice float64 `json:"coralUsdPrice"`
}

type aggregation struct {
	maxCost int64
	agents  []string
	total   int64
}

func (a *aggregation) remaining() int64 { return a.maxCost - a.total }

// Options configures an AggregatedClaimManager.
type Options struct {
	Logger logging.Logger
}

// AggregatedClaimManager accumulates the claims of every exported agent
// sharing a payment session and submits a single settlement when the last of
// them closes.
type AggregatedClaimManager struct {
	backend Backend
	oracle  PriceOracle
	logger  logging.Logger

	mu           sync.Mutex
	aggregations map[string]*aggregation
}

// NewAggregatedClaimManager creates a manager settling through backend.
func NewAggregatedClaimManager(backend Backend, oracle PriceOracle, optFns ...func(o *Options)) *AggregatedClaimManager {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AggregatedClaimManager{
		backend:      backend,
		oracle:       oracle,
		logger:       opts.Logger,
		aggregations: make(map[string]*aggregation),
	}
}

// AddClaim adds a claim made by agentID within paymentSessionID and returns
// the remaining budget in micro-coral. maxCost is only used when this is the
// first claim for the payment session.
func (m *AggregatedClaimManager) AddClaim(ctx context.Context, paymentSessionID string, maxCost int64, agentID string, claim ClaimRequest) (int64, error) {
	if paymentSessionID == "" {
		return 0, errs.InvalidArgument("session does not belong to a payment session")
	}
	if err := claim.Amount.Validate(); err != nil {
		return 0, err
	}

	micro, err := claim.Amount.ToMicroCoral(ctx, m.oracle)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	agg, ok := m.aggregations[paymentSessionID]
	if !ok {
		agg = &aggregation{maxCost: maxCost}
		m.aggregations[paymentSessionID] = agg
	}
	if !slices.Contains(agg.agents, agentID) {
		agg.agents = append(agg.agents, agentID)
	}
	agg.total += micro
	remaining := agg.remaining()
	m.mu.Unlock()

	m.logger.Info("payment.claim.added",
		"payment_session_id", paymentSessionID,
		"agent_id", agentID,
		"amount", claim.Amount.String(),
		"remaining_micro_coral", remaining,
	)

	return remaining, nil
}

// Remaining returns the remaining budget of a payment session.
func (m *AggregatedClaimManager) Remaining(paymentSessionID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggregations[paymentSessionID]
	if !ok {
		return 0, false
	}
	return agg.remaining(), true
}

// Total returns the micro-coral claimed so far in a payment session.
func (m *AggregatedClaimManager) Total(paymentSessionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agg, ok := m.aggregations[paymentSessionID]; ok {
		return agg.total
	}
	return 0
}

// RemainingBudget builds the agent facing budget view, pricing coral with the
// oracle when one is configured.
func (m *AggregatedClaimManager) RemainingBudget(ctx context.Context, remaining int64) RemainingBudget {
	budget := RemainingBudget{RemainingBudget: remaining}
	if m.oracle != nil {
		if price, err := m.oracle.CoralToUSD(ctx, 1); err == nil {
			budget.CoralUSDPrice = price
		}
	}
	return budget
}

// NotifyPaymentSessionClosed submits the aggregated claim for the payment
// session. A session without claims only logs; a failed submission is
// logged and the totals are kept.
func (m *AggregatedClaimManager) NotifyPaymentSessionClosed(ctx context.Context, paymentSessionID string) {
	m.mu.Lock()
	agg, ok := m.aggregations[paymentSessionID]
	var agents []string
	var total int64
	if ok {
		agents = slices.Clone(agg.agents)
		total = agg.total
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("payment.session.no_claims", "payment_session_id", paymentSessionID)
		return
	}

	if m.backend == nil {
		m.logger.Error("payment.claim.submit_failed", "payment_session_id", paymentSessionID,
			"amount_micro_coral", total, "error", "no payment backend configured")
		return
	}

	res, err := m.backend.SubmitEscrowClaim(ctx, paymentSessionID, strings.Join(agents, ", "), total)
	if err != nil {
		m.logger.Error("payment.claim.submit_failed", "payment_session_id", paymentSessionID,
			"amount_micro_coral", total, "error", err.Error())
		return
	}

	m.mu.Lock()
	delete(m.aggregations, paymentSessionID)
	m.mu.Unlock()

	m.logger.Info("payment.claim.submitted", "payment_session_id", paymentSessionID,
		"claimed_micro_coral", res.AmountClaimed, "remaining_micro_coral", res.RemainingInSession)
}
