package risk

import (
	"testing"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/orders"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

func TestMarginRatio_LiquidatableBelowOne(t *testing.T) {
	ratio := MarginRatio(90*types.PriceScale, 0, 100*types.PriceScale)
	if !IsLiquidatable(ratio) {
		t.Fatalf("expected ratio %v to be liquidatable", ratio)
	}

	ratio = MarginRatio(100*types.PriceScale, 0, 100*types.PriceScale)
	if IsLiquidatable(ratio) {
		t.Fatalf("expected ratio exactly 1.0 to NOT be liquidatable")
	}
}

func TestMarginRatio_InfiniteWhenFlat(t *testing.T) {
	ratio := MarginRatio(100*types.PriceScale, 0, 0)
	if IsLiquidatable(ratio) {
		t.Fatalf("expected zero maintenance margin to never be liquidatable")
	}
}

func TestChecker_RejectsInsufficientMargin(t *testing.T) {
	c := NewChecker()
	market := types.NewMarketID()
	c.SetMarketConfig(market, MarketConfig{
		MaxLeverage:     10 * types.PriceScale,
		MaintenanceRate: types.RatioFromFloat(0.005),
		MaxPositionSize: 1_000 * types.PriceScale,
	})

	account := &ledger.Account{Balance: 100 * types.PriceScale}
	order := &orders.Order{
		MarketID: market,
		Side:     events.SideBuy,
		Price:    50_000 * types.PriceScale,
		Quantity: 1 * types.PriceScale,
	}

	result := c.Check(order, account, &ledger.Position{}, 50_000*types.PriceScale)
	if result.Passed {
		t.Fatalf("expected check to fail on insufficient margin")
	}
}

func TestChecker_RejectsReduceOnlyThatIncreasesPosition(t *testing.T) {
	c := NewChecker()
	market := types.NewMarketID()
	c.SetMarketConfig(market, MarketConfig{
		MaxLeverage:     10 * types.PriceScale,
		MaintenanceRate: types.RatioFromFloat(0.005),
		MaxPositionSize: 1_000 * types.PriceScale,
	})

	account := &ledger.Account{Balance: 1_000_000 * types.PriceScale}
	position := &ledger.Position{Size: 5 * types.PriceScale, EntryPrice: 50_000 * types.PriceScale}
	order := &orders.Order{
		MarketID:   market,
		Side:       events.SideBuy,
		Price:      50_000 * types.PriceScale,
		Quantity:   1 * types.PriceScale,
		ReduceOnly: true,
	}

	result := c.Check(order, account, position, 50_000*types.PriceScale)
	if result.Passed {
		t.Fatalf("expected reduce-only buy against a long position to be rejected")
	}
}
