package liquidation

import (
	"context"
	"testing"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/invariant"
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/matching"
	"github.com/perpengine/matching-engine/internal/engine/orders"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

func TestPriorityQueue_OrdersByMarginRatioAscending(t *testing.T) {
	pq := NewPriorityQueue()
	userA, userB := types.NewUserID(), types.NewUserID()
	pq.Upsert(Candidate{UserID: userA, MarginRatio: 0.8})
	pq.Upsert(Candidate{UserID: userB, MarginRatio: 0.2})

	first, ok := pq.Pop()
	if !ok || first.UserID != userB {
		t.Fatalf("expected lowest margin ratio candidate first, got %+v", first)
	}
	second, ok := pq.Pop()
	if !ok || second.UserID != userA {
		t.Fatalf("expected second candidate to be userA, got %+v", second)
	}
}

func TestSizer_FullBelowFloorRatio(t *testing.T) {
	s := NewSizer(types.QuantityFromFloat(0.1))
	c := Candidate{
		Position:  ledger.Position{Size: types.QuantityFromFloat(10)},
		MarginRatio: 0.03,
	}
	qty, full := s.Size(c)
	if !full || qty != types.QuantityFromFloat(10) {
		t.Fatalf("expected full liquidation below the floor ratio, got qty=%s full=%v", qty, full)
	}
}

func TestInsuranceFund_AbsorbsWithinBalance(t *testing.T) {
	fund := NewInsuranceFund(types.BalanceFromFloat(100))
	if !fund.Absorb(types.BalanceFromFloat(40)) {
		t.Fatalf("expected shortfall within balance to be absorbed")
	}
	if fund.Balance() != types.BalanceFromFloat(60) {
		t.Fatalf("expected remaining balance 60, got %s", fund.Balance())
	}
	if fund.Absorb(types.BalanceFromFloat(1000)) {
		t.Fatalf("expected shortfall exceeding balance to fail")
	}
}

func TestExecutor_LiquidatesUndermarginedLongViaIOCSell(t *testing.T) {
	l := ledger.New()
	positions := ledger.NewPositionStore()
	clock := types.NewClock()
	market := types.NewMarketID()

	engine := matching.NewEngine(l, positions, nil, nil, clock, matching.CancelMaker)
	engine.AddMarket(market, matching.FeeConfig{MakerRate: 0, TakerRate: 0}, types.RatioFromFloat(50))

	liquidatedUser := types.NewUserID()
	liquidatedAccount := types.DeriveAccountID(liquidatedUser)
	now := types.Timestamp{PhysicalMS: 1}
	l.OpenAccount(liquidatedAccount, liquidatedUser, market, now)
	if err := l.Deposit(liquidatedAccount, types.BalanceFromFloat(100), now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	pos := &ledger.Position{UserID: liquidatedUser, MarketID: market, Size: types.QuantityFromFloat(1), EntryPrice: types.PriceFromFloat(50_000)}
	if err := positions.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	counterparty := types.NewUserID()
	counterAccount := types.DeriveAccountID(counterparty)
	l.OpenAccount(counterAccount, counterparty, market, now)
	if err := l.Deposit(counterAccount, types.BalanceFromFloat(10_000), now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buyOrder := &orders.Order{
		MarketID: market, UserID: counterparty, AccountID: counterAccount,
		Side: events.SideBuy, Type: events.OrderTypeLimit, TimeInForce: events.TimeInForceGTC,
		Price: types.PriceFromFloat(49_000), Quantity: types.QuantityFromFloat(1),
	}
	if result := engine.ProcessOrder(buyOrder); !result.Accepted {
		t.Fatalf("resting buy rejected: %s", result.RejectReason)
	}

	killSwitch := invariant.NewKillSwitch()
	fund := NewInsuranceFund(types.BalanceFromFloat(1_000_000))
	sizer := NewSizer(types.QuantityFromFloat(0.01))
	executor := NewExecutor(engine, l, positions, fund, killSwitch, clock, sizer)

	candidate := Candidate{
		UserID:            liquidatedUser,
		MarketID:          market,
		Position:          *pos,
		Equity:            types.BalanceFromFloat(100),
		MaintenanceMargin: types.BalanceFromFloat(90),
		MarginRatio:       0.02, // below the full-liquidation floor
		MarkPrice:         types.PriceFromFloat(49_000),
	}

	evt, err := executor.Execute(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if evt.Kind != EventFull {
		t.Fatalf("expected a full liquidation, got %s", evt.Kind)
	}
	if evt.SizeLiquidated != types.QuantityFromFloat(1) {
		t.Fatalf("expected the entire position liquidated, got %s", evt.SizeLiquidated)
	}

	remaining, err := positions.Position(liquidatedUser, market)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if !remaining.IsFlat() {
		t.Fatalf("expected position to be flat after full liquidation, got size %s", remaining.Size)
	}
}

// TestExecutor_PartialFillReportedAsPartialEvenWhenSizerIntendedFull covers
// a sizer that calls for a full closure (margin ratio below the floor) but
// the book only has enough resting liquidity to fill part of it — the
// emitted event must say PARTIAL, not FULL, since the position is still
// open afterward.
func TestExecutor_PartialFillReportedAsPartialEvenWhenSizerIntendedFull(t *testing.T) {
	l := ledger.New()
	positions := ledger.NewPositionStore()
	clock := types.NewClock()
	market := types.NewMarketID()

	engine := matching.NewEngine(l, positions, nil, nil, clock, matching.CancelMaker)
	engine.AddMarket(market, matching.FeeConfig{MakerRate: 0, TakerRate: 0}, types.RatioFromFloat(50))

	liquidatedUser := types.NewUserID()
	liquidatedAccount := types.DeriveAccountID(liquidatedUser)
	now := types.Timestamp{PhysicalMS: 1}
	l.OpenAccount(liquidatedAccount, liquidatedUser, market, now)
	if err := l.Deposit(liquidatedAccount, types.BalanceFromFloat(100), now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	pos := &ledger.Position{UserID: liquidatedUser, MarketID: market, Size: types.QuantityFromFloat(10), EntryPrice: types.PriceFromFloat(50_000)}
	if err := positions.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	// Only enough counterparty liquidity to fill 6 of the 10 units.
	counterparty := types.NewUserID()
	counterAccount := types.DeriveAccountID(counterparty)
	l.OpenAccount(counterAccount, counterparty, market, now)
	if err := l.Deposit(counterAccount, types.BalanceFromFloat(10_000), now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	buyOrder := &orders.Order{
		MarketID: market, UserID: counterparty, AccountID: counterAccount,
		Side: events.SideBuy, Type: events.OrderTypeLimit, TimeInForce: events.TimeInForceGTC,
		Price: types.PriceFromFloat(49_000), Quantity: types.QuantityFromFloat(6),
	}
	if result := engine.ProcessOrder(buyOrder); !result.Accepted {
		t.Fatalf("resting buy rejected: %s", result.RejectReason)
	}

	killSwitch := invariant.NewKillSwitch()
	fund := NewInsuranceFund(types.BalanceFromFloat(1_000_000))
	sizer := NewSizer(types.QuantityFromFloat(0.01))
	executor := NewExecutor(engine, l, positions, fund, killSwitch, clock, sizer)

	candidate := Candidate{
		UserID:            liquidatedUser,
		MarketID:          market,
		Position:          *pos,
		Equity:            types.BalanceFromFloat(100),
		MaintenanceMargin: types.BalanceFromFloat(90),
		MarginRatio:       0.02, // below the full-liquidation floor: sizer intends full
		MarkPrice:         types.PriceFromFloat(49_000),
	}

	evt, err := executor.Execute(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if evt.Kind != EventPartial {
		t.Fatalf("expected a partial liquidation event despite full sizer intent, got %s", evt.Kind)
	}
	if evt.SizeLiquidated != types.QuantityFromFloat(6) {
		t.Fatalf("expected only the available 6 units liquidated, got %s", evt.SizeLiquidated)
	}

	remaining, err := positions.Position(liquidatedUser, market)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if remaining.IsFlat() {
		t.Fatalf("expected position to still be open after a partial liquidation")
	}
}
