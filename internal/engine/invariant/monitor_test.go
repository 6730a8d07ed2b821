package invariant

import (
	"testing"

	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/orderbook"
	"github.com/perpengine/matching-engine/internal/engine/risk"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

func TestMonitor_CleanStateProducesNoViolations(t *testing.T) {
	market := types.NewMarketID()
	books := map[types.MarketID]*orderbook.OrderBook{market: orderbook.NewOrderBook(market)}
	balances := ledger.New()
	positions := ledger.NewPositionStore()
	riskChecker := risk.NewChecker()
	riskChecker.SetMarketConfig(market, risk.MarketConfig{MaintenanceRate: types.RatioFromFloat(0.005)})
	ks := NewKillSwitch()

	m := NewMonitor(books, balances, positions, riskChecker, ks)

	user := types.NewUserID()
	account := types.DeriveAccountID(user)
	now := types.Timestamp{PhysicalMS: 1}
	balances.OpenAccount(account, user, market, now)
	if err := balances.Deposit(account, types.BalanceFromFloat(1000), now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	violations := m.Tick(map[types.MarketID]types.Price{market: types.PriceFromFloat(50_000)}, now)
	if len(violations) != 0 {
		t.Fatalf("expected no violations on clean state, got %v", violations)
	}
	if ks.Tripped() {
		t.Fatalf("kill switch should not trip without violations")
	}
}

func TestMonitor_TripsOnEscapedLiquidation(t *testing.T) {
	market := types.NewMarketID()
	books := map[types.MarketID]*orderbook.OrderBook{market: orderbook.NewOrderBook(market)}
	balances := ledger.New()
	positions := ledger.NewPositionStore()
	riskChecker := risk.NewChecker()
	riskChecker.SetMarketConfig(market, risk.MarketConfig{MaintenanceRate: types.RatioFromFloat(0.5)})
	ks := NewKillSwitch()

	m := NewMonitor(books, balances, positions, riskChecker, ks)

	user := types.NewUserID()
	account := types.DeriveAccountID(user)
	now := types.Timestamp{PhysicalMS: 1}
	balances.OpenAccount(account, user, market, now)
	if err := balances.Deposit(account, types.BalanceFromFloat(10), now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	pos := &ledger.Position{UserID: user, MarketID: market, Size: types.QuantityFromFloat(1), EntryPrice: types.PriceFromFloat(50_000)}
	if err := positions.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	violations := m.Tick(map[types.MarketID]types.Price{market: types.PriceFromFloat(50_000)}, now)
	if len(violations) == 0 {
		t.Fatalf("expected an escaped-liquidation violation")
	}
	if !ks.Tripped() {
		t.Fatalf("expected the kill switch to trip on an escaped liquidation")
	}
}

func TestMonitor_TripsOnNegativeBalanceLeftUncorrected(t *testing.T) {
	market := types.NewMarketID()
	books := map[types.MarketID]*orderbook.OrderBook{market: orderbook.NewOrderBook(market)}
	balances := ledger.New()
	positions := ledger.NewPositionStore()
	riskChecker := risk.NewChecker()
	ks := NewKillSwitch()
	m := NewMonitor(books, balances, positions, riskChecker, ks)

	user := types.NewUserID()
	account := types.DeriveAccountID(user)
	now := types.Timestamp{PhysicalMS: 1}
	balances.OpenAccount(account, user, market, now)
	if err := balances.ApplyRealizedPnL(account, types.BalanceFromFloat(-5), ledger.EntryLiquidation, now, "uncovered loss"); err != nil {
		t.Fatalf("ApplyRealizedPnL: %v", err)
	}

	violations := m.Tick(nil, now)
	if len(violations) == 0 {
		t.Fatalf("expected a negative-balance violation")
	}
	if !ks.Tripped() {
		t.Fatalf("expected the kill switch to trip")
	}
}
