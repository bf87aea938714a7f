package matching

import (
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

type Config struct {
	// MaxTradesPerRound caps the trades one round creates; 0 means no cap
	MaxTradesPerRound int
	// PriceGuardBand is the relative distance from the reference price
	// outside of which limit orders are left out of the round
	PriceGuardBand     decimal.Decimal
	PriceGuardDisabled bool
	// GuardReanchorRounds is how many consecutive stalled rounds move the
	// reference price to the middle of the crossing book; 0 never does
	GuardReanchorRounds int
	// MarketOrderMaxPriceDiff bounds how far a market order carrying a
	// price may trade from it before it is canceled instead
	MarketOrderMaxPriceDiff decimal.Decimal
	// StopActivationGuardRate clamps the traded range used to trigger stops
	StopActivationGuardRate decimal.Decimal
	MakerFeeRate            decimal.Decimal
	TakerFeeRate            decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		MaxTradesPerRound:       200,
		PriceGuardBand:          decimal.RequireFromString("0.1"),
		GuardReanchorRounds:     3,
		MarketOrderMaxPriceDiff: decimal.RequireFromString("0.02"),
		StopActivationGuardRate: decimal.RequireFromString("0.05"),
		MakerFeeRate:            decimal.RequireFromString("0.001"),
		TakerFeeRate:            decimal.RequireFromString("0.0013"),
	}
}

// outsideBand reports whether price falls outside the guard band around ref.
// Without a reference price nothing is rejected.
func (c Config) outsideBand(ref, price decimal.Decimal) bool {
	if c.PriceGuardDisabled || !ref.IsPositive() || !c.PriceGuardBand.IsPositive() {
		return false
	}
	low := ref.Mul(one.Sub(c.PriceGuardBand))
	high := ref.Mul(one.Add(c.PriceGuardBand))
	return price.LessThan(low) || price.GreaterThan(high)
}

// stopRange clamps the traded range [low, high] to ref ± the activation rate
func (c Config) stopRange(ref, low, high decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	if ref.IsPositive() && c.StopActivationGuardRate.IsPositive() {
		low = decimal.Max(low, ref.Mul(one.Sub(c.StopActivationGuardRate)))
		high = decimal.Min(high, ref.Mul(one.Add(c.StopActivationGuardRate)))
	}
	return low, high, !low.GreaterThan(high)
}
