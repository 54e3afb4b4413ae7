package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/payment"
	"github.com/hupe1980/coralmesh/registry"
)

// ProviderType discriminates a Provider.
type ProviderType string

const (
	// ProviderLocal runs the agent on this server.
	ProviderLocal ProviderType = "local"
	// ProviderRemoteRequest asks for a remote provider to be selected from a
	// server source. It must be resolved before orchestration.
	ProviderRemoteRequest ProviderType = "remote_request"
	// ProviderRemote runs the agent on a selected remote server under a paid
	// claim.
	ProviderRemote ProviderType = "remote"
)

// Provider says who runs an agent and with which runtime. Fields beyond
// Type and Runtime are only meaningful for the remote variants.
type Provider struct {
	Type    ProviderType       `json:"type"`
	Runtime registry.RuntimeID `json:"runtime"`

	// MaxCost is set for remote_request and remote.
	MaxCost *payment.Amount `json:"maxCost,omitempty"`

	// remote_request
	ServerSource  *ServerSource `json:"serverSource,omitempty"`
	ServerScoring *Scoring      `json:"serverScoring,omitempty"`

	// remote
	Server           *Server `json:"server,omitempty"`
	Wallet           string  `json:"wallet,omitempty"`
	PaymentSessionID string  `json:"paymentSessionId,omitempty"`
}

// Local returns a local provider for runtime.
func Local(runtime registry.RuntimeID) Provider {
	return Provider{Type: ProviderLocal, Runtime: runtime}
}

// Validate checks that the fields required by Type are present.
func (p Provider) Validate() error {
	if !p.Runtime.Valid() {
		return errs.InvalidArgument("unknown runtime %q", p.Runtime)
	}

	switch p.Type {
	case ProviderLocal:
		return nil
	case ProviderRemoteRequest:
		if p.MaxCost == nil {
			return errs.InvalidArgument("remote request needs a max cost")
		}
		if err := p.MaxCost.Validate(); err != nil {
			return err
		}
		if p.ServerSource == nil {
			return errs.InvalidArgument("remote request needs a server source")
		}
		if err := p.ServerScoring.Validate(); err != nil {
			return errs.InvalidArgument("%v", err)
		}
		return nil
	case ProviderRemote:
		if p.Server == nil || p.MaxCost == nil || p.PaymentSessionID == "" {
			return errs.InvalidArgument("remote provider needs a server, a max cost and a payment session")
		}
		return nil
	default:
		return errs.InvalidArgument("unknown provider type %q", p.Type)
	}
}

// ResolveRemote selects a server for a remote_request provider and returns
// the resulting remote provider.
//
// Servers are ranked by descending score. The first one exporting the
// requested runtime at a price range containing MaxCost wins; lookup failures
// are logged and skipped.
func ResolveRemote(
	ctx context.Context,
	p Provider,
	agentID registry.Identifier,
	paymentSessionID string,
	client ServerClient,
	oracle payment.PriceOracle,
	logger logging.Logger,
) (Provider, error) {
	if p.Type != ProviderRemoteRequest {
		return Provider{}, errs.InvalidArgument("provider is not a remote request")
	}
	if err := p.Validate(); err != nil {
		return Provider{}, err
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	var candidates []Server
	switch p.ServerSource.Type {
	case SourceServers:
		candidates = append(candidates, p.ServerSource.Servers...)
	case SourceIndexer:
		return Provider{}, errs.Unavailable("server indexers are not supported yet")
	default:
		return Provider{}, errs.InvalidArgument("unknown server source %q", p.ServerSource.Type)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return p.ServerScoring.Score(candidates[i]) > p.ServerScoring.Score(candidates[j])
	})

	var selected *Server
	for i := range candidates {
		server := candidates[i]

		settings, err := client.ExportSettings(ctx, server, agentID)
		if err != nil {
			logger.Warn("graph.remote.export_settings_failed", "server", server.String(), "agent", agentID.String(), "error", err.Error())
			continue
		}
		exported, ok := settings[p.Runtime]
		if !ok {
			continue
		}
		within, err := exported.Pricing.WithinRange(ctx, *p.MaxCost, oracle)
		if err != nil {
			logger.Warn("graph.remote.pricing_failed", "server", server.String(), "agent", agentID.String(), "error", err.Error())
			continue
		}
		if within {
			selected = &server
			break
		}
	}

	if selected == nil {
		return Provider{}, errs.Unavailable("no servers available for remote agent %s", agentID)
	}

	wallet, err := client.Wallet(ctx, *selected)
	if err != nil {
		return Provider{}, fmt.Errorf("wallet of %s: %w", selected, err)
	}

	cost := *p.MaxCost
	return Provider{
		Type:             ProviderRemote,
		Runtime:          p.Runtime,
		MaxCost:          &cost,
		Server:           selected,
		Wallet:           wallet,
		PaymentSessionID: paymentSessionID,
	}, nil
}
