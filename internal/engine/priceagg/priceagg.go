// Package priceagg computes the index price, mark price and funding
// premium EMA from multiple raw external price sources per spec §4.6, and
// runs a separate circuit breaker over the result. Per spec §9 this is the
// one sanctioned floating-point zone in the engine: the median/outlier/EMA
// math runs in float64, and every value is quantized back to
// types.Price/types.Ratio before a PriceSnapshot event leaves the package.
package priceagg

import (
	"math"
	"sort"
	"time"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// RawPriceUpdate is a single tick from one configured external source.
type RawPriceUpdate struct {
	SourceID   string
	Price      float64
	Weight     float64
	Timestamp  types.Timestamp
	ReceivedAt time.Time
	Volume     float64
}

// PriceSnapshot is the quantized output of one aggregation tick, per spec
// §4.6 step 6.
type PriceSnapshot struct {
	MarketID    types.MarketID
	IndexPrice  types.Price
	MarkPrice   types.Price
	PremiumEMA  types.Price
	Timestamp   types.Timestamp
	FreshSources int
}

const (
	defaultStalenessThreshold = 5 * time.Second
	defaultOutlierThreshold   = 0.05 // 5%
	defaultEMAAlpha           = 0.05
)

// Aggregator holds the per-market running premium EMA and last index price
// needed by the circuit breaker between ticks.
type Aggregator struct {
	MarketID           types.MarketID
	StalenessThreshold time.Duration
	OutlierThreshold   float64
	EMAAlpha           float64

	premiumEMA  float64
	lastIndex   float64
	initialized bool
}

// NewAggregator creates an aggregator for one market with spec-default
// thresholds.
func NewAggregator(marketID types.MarketID) *Aggregator {
	return &Aggregator{
		MarketID:           marketID,
		StalenessThreshold: defaultStalenessThreshold,
		OutlierThreshold:   defaultOutlierThreshold,
		EMAAlpha:           defaultEMAAlpha,
	}
}

// InsufficientFreshPrices is returned when fewer than 2 ticks survive the
// staleness filter.
type InsufficientFreshPrices struct{ Fresh int }

func (e *InsufficientFreshPrices) Error() string {
	return "priceagg: insufficient fresh prices"
}

// AllPricesAreOutliers is returned when every tick is rejected by the
// outlier filter.
type AllPricesAreOutliers struct{}

func (e *AllPricesAreOutliers) Error() string { return "priceagg: all prices are outliers" }

// Aggregate runs one aggregation tick over raw updates for perpLast (the
// perp's own last traded price, used to compute the premium), per spec
// §4.6 steps 1–5.
func (a *Aggregator) Aggregate(updates []RawPriceUpdate, perpLast float64, now time.Time) (*PriceSnapshot, error) {
	fresh := make([]RawPriceUpdate, 0, len(updates))
	for _, u := range updates {
		if now.Sub(u.ReceivedAt) <= a.StalenessThreshold {
			fresh = append(fresh, u)
		}
	}
	if len(fresh) < 2 {
		return nil, &InsufficientFreshPrices{Fresh: len(fresh)}
	}

	median := simpleMedian(fresh)
	survivors := make([]RawPriceUpdate, 0, len(fresh))
	for _, u := range fresh {
		if median == 0 || math.Abs(u.Price-median)/median <= a.OutlierThreshold {
			survivors = append(survivors, u)
		}
	}
	if len(survivors) == 0 {
		return nil, &AllPricesAreOutliers{}
	}

	index := weightedMedian(survivors)

	premium := perpLast - index
	if !a.initialized {
		a.premiumEMA = premium
		a.initialized = true
	} else {
		a.premiumEMA = a.EMAAlpha*premium + (1-a.EMAAlpha)*a.premiumEMA
	}
	mark := index + a.premiumEMA
	a.lastIndex = index

	var latest types.Timestamp
	for _, u := range survivors {
		if latest.Before(u.Timestamp) {
			latest = u.Timestamp
		}
	}

	return &PriceSnapshot{
		MarketID:     a.MarketID,
		IndexPrice:   types.PriceFromFloat(index),
		MarkPrice:    types.PriceFromFloat(mark),
		PremiumEMA:   types.PriceFromFloat(a.premiumEMA),
		Timestamp:    latest,
		FreshSources: len(survivors),
	}, nil
}

// LastIndex returns the most recent index price computed, for the circuit
// breaker's single-step comparison.
func (a *Aggregator) LastIndex() float64 { return a.lastIndex }

func simpleMedian(updates []RawPriceUpdate) float64 {
	prices := make([]float64, len(updates))
	for i, u := range updates {
		prices[i] = u.Price
	}
	sort.Float64s(prices)
	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return (prices[n/2-1] + prices[n/2]) / 2
}

// weightedMedian sorts survivors by price and returns the price at which
// cumulative weight first reaches half the total weight, per spec §4.6
// step 4. Sources with no configured weight default to 1.
func weightedMedian(survivors []RawPriceUpdate) float64 {
	sorted := make([]RawPriceUpdate, len(survivors))
	copy(sorted, survivors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	var total float64
	for _, u := range sorted {
		w := u.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}

	var cumulative float64
	for _, u := range sorted {
		w := u.Weight
		if w <= 0 {
			w = 1
		}
		cumulative += w
		if cumulative*2 >= total {
			return u.Price
		}
	}
	return sorted[len(sorted)-1].Price
}
