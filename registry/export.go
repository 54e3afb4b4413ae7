package registry

import (
	"context"

	"github.com/hupe1980/coralmesh/payment"
)

// Pricing is the accepted price range of an exported agent.
type Pricing struct {
	MinPrice payment.Amount `json:"min_price"`
	MaxPrice payment.Amount `json:"max_price"`
}

// WithinRange reports whether cost lies in [MinPrice, MaxPrice], comparing in
// micro-coral.
func (p Pricing) WithinRange(ctx context.Context, cost payment.Amount, oracle payment.PriceOracle) (bool, error) {
	c, err := cost.ToMicroCoral(ctx, oracle)
	if err != nil {
		return false, err
	}
	lo, err := p.MinPrice.ToMicroCoral(ctx, oracle)
	if err != nil {
		return false, err
	}
	hi, err := p.MaxPrice.ToMicroCoral(ctx, oracle)
	if err != nil {
		return false, err
	}
	return c >= lo && c <= hi, nil
}

// ExportSettings describe how a runtime of an agent is offered to other
// servers. Options override every other option source in a remote context.
type ExportSettings struct {
	Quantity uint                   `json:"quantity"`
	Pricing  Pricing                `json:"pricing"`
	Options  map[string]OptionValue `json:"options,omitempty"`
}

// PublicExportSettings is the view of ExportSettings shown to other servers.
type PublicExportSettings struct {
	Quantity uint    `json:"quantity"`
	Pricing  Pricing `json:"pricing"`
}

// Public hides the export options.
func (e ExportSettings) Public() PublicExportSettings {
	return PublicExportSettings{Quantity: e.Quantity, Pricing: e.Pricing}
}
