// Package payment models claim amounts, the escrow backend and price oracle
// contracts, and the exporter side aggregation of agent payment claims.
//
// Amounts are tagged by unit. Every comparison and settlement happens in
// micro-coral; conversions from USD go through a PriceOracle.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/hupe1980/coralmesh/errs"
)

// MicroCoralPerCoral is the number of micro-coral in one coral.
const MicroCoralPerCoral = 1_000_000.0

// Unit discriminates an Amount.
type Unit string

const (
	// UnitUSD is a US dollar amount.
	UnitUSD Unit = "usd"
	// UnitCoral is a whole coral amount.
	UnitCoral Unit = "coral"
	// UnitMicroCoral is an integral micro-coral amount.
	UnitMicroCoral Unit = "micro_coral"
)

// Amount is a claim amount in one of the supported units.
type Amount struct {
	Type   Unit    `json:"type" toml:"type"`
	Amount float64 `json:"amount" toml:"amount"`
}

// USD returns a dollar amount.
func USD(v float64) Amount { return Amount{Type: UnitUSD, Amount: v} }

// Coral returns a coral amount.
func Coral(v float64) Amount { return Amount{Type: UnitCoral, Amount: v} }

// MicroCoral returns a micro-coral amount.
func MicroCoral(v int64) Amount { return Amount{Type: UnitMicroCoral, Amount: float64(v)} }

// Validate checks the unit and rejects negative or non-finite values.
func (a Amount) Validate() error {
	switch a.Type {
	case UnitUSD, UnitCoral, UnitMicroCoral:
	default:
		return errs.InvalidArgument("unknown amount type %q", a.Type)
	}
	if math.IsNaN(a.Amount) || math.IsInf(a.Amount, 0) || a.Amount < 0 {
		return errs.InvalidArgument("invalid %s amount %v", a.Type, a.Amount)
	}
	return nil
}

// UnmarshalJSON decodes and validates an amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	type plain Amount
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if err := Amount(p).Validate(); err != nil {
		return err
	}
	*a = Amount(p)
	return nil
}

// String renders the amount with its unit.
func (a Amount) String() string {
	switch a.Type {
	case UnitUSD:
		return fmt.Sprintf("$%.2f", a.Amount)
	case UnitMicroCoral:
		return fmt.Sprintf("%d micro_coral", int64(a.Amount))
	default:
		return fmt.Sprintf("%g %s", a.Amount, a.Type)
	}
}

// ToMicroCoral converts the amount to micro-coral. The oracle is only
// consulted for USD amounts and may be nil otherwise.
func (a Amount) ToMicroCoral(ctx context.Context, oracle PriceOracle) (int64, error) {
	switch a.Type {
	case UnitMicroCoral:
		return int64(a.Amount), nil
	case UnitCoral:
		return int64(a.Amount * MicroCoralPerCoral), nil
	case UnitUSD:
		if oracle == nil {
			return 0, errs.Unavailable("no price oracle configured for usd conversion")
		}
		coral, err := oracle.USDToCoral(ctx, a.Amount)
		if err != nil {
			return 0, err
		}
		return int64(coral * MicroCoralPerCoral), nil
	default:
		return 0, errs.InvalidArgument("unknown amount type %q", a.Type)
	}
}

// ToUSD converts the amount to US dollars.
func (a Amount) ToUSD(ctx context.Context, oracle PriceOracle) (float64, error) {
	if a.Type == UnitUSD {
		return a.Amount, nil
	}
	if oracle == nil {
		return 0, errs.Unavailable("no price oracle configured for usd conversion")
	}

	coral := a.Amount
	if a.Type == UnitMicroCoral {
		coral = a.Amount / MicroCoralPerCoral
	}
	return oracle.CoralToUSD(ctx, coral)
}
