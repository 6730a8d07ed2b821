// Package funding implements the periodic funding-rate computation and
// zero-sum payment settlement spec §4.5 describes: a premium EMA feeding a
// clamped funding rate, applied to every non-flat position as a payment
// that longs fund when positive and shorts receive, with the total
// enforced to sum to exactly zero before it touches any balance.
package funding

import (
	"sync"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// RateCalculator maintains a per-market premium EMA and derives the
// clamped funding rate from it, per spec §4.5 steps 1–3.
type RateCalculator struct {
	mu         sync.Mutex
	alpha      types.Ratio // smoothing factor, default 0.05
	maxRate    types.FundingRate
	premiumEMA map[types.MarketID]types.Price
}

// NewRateCalculator creates a rate calculator with the given EMA smoothing
// factor and rate clamp.
func NewRateCalculator(alpha types.Ratio, maxRate types.FundingRate) *RateCalculator {
	return &RateCalculator{
		alpha:      alpha,
		maxRate:    maxRate,
		premiumEMA: make(map[types.MarketID]types.Price),
	}
}

// Update folds a fresh (mark, index) pair into the market's premium EMA and
// returns the resulting clamped funding rate.
func (r *RateCalculator) Update(marketID types.MarketID, mark, index types.Price) (types.FundingRate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	premium := int64(mark) - int64(index)
	prevEMA := int64(r.premiumEMA[marketID])

	weighted, err := types.MulDiv(int64(r.alpha), premium, types.PriceScale)
	if err != nil {
		return 0, err
	}
	carried, err := types.MulDiv(types.PriceScale-int64(r.alpha), prevEMA, types.PriceScale)
	if err != nil {
		return 0, err
	}
	newEMA := types.Price(weighted + carried)
	r.premiumEMA[marketID] = newEMA

	// rate = premium_ema / index, rescaled from PriceScale to
	// FundingRateScale; the two PriceScale factors in numerator and
	// denominator cancel, leaving a true dimensionless ratio.
	if index == 0 {
		return 0, nil
	}
	rateRaw, err := types.MulDiv(int64(newEMA), types.FundingRateScale, int64(index))
	if err != nil {
		return 0, err
	}
	rate := types.FundingRate(rateRaw)

	if rate > r.maxRate {
		rate = r.maxRate
	}
	if rate < -r.maxRate {
		rate = -r.maxRate
	}
	return rate, nil
}

// PremiumEMA returns the current premium EMA for a market (for
// diagnostics/telemetry).
func (r *RateCalculator) PremiumEMA(marketID types.MarketID) types.Price {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.premiumEMA[marketID]
}
