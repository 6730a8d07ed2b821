package processor

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/funding"
	"github.com/perpengine/matching-engine/internal/engine/invariant"
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/liquidation"
	"github.com/perpengine/matching-engine/internal/engine/marketdata"
	"github.com/perpengine/matching-engine/internal/engine/matching"
	"github.com/perpengine/matching-engine/internal/engine/risk"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

type testHarness struct {
	proc      *EventProcessor
	balances  *ledger.Ledger
	positions *ledger.PositionStore
	log       events.Log
	clock     *types.Clock
	market    types.MarketID
	killSwitch *invariant.KillSwitch
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := types.NewClock()
	market := types.NewMarketID()
	balances := ledger.New()
	positions := ledger.NewPositionStore()
	publisher := marketdata.NewPublisher(0)

	riskChecker := risk.NewChecker()
	riskChecker.SetMarketConfig(market, risk.MarketConfig{
		MaxLeverage:     types.RatioFromFloat(50),
		MaintenanceRate: types.RatioFromFloat(0.005),
		MaxPositionSize: types.Quantity(1_000_000 * types.PriceScale),
	})

	engine := matching.NewEngine(balances, positions, riskChecker, publisher, clock, matching.CancelMaker)
	engine.AddMarket(market, matching.FeeConfig{MakerRate: types.RatioFromFloat(0.0002), TakerRate: types.RatioFromFloat(0.0005)}, types.RatioFromFloat(50))

	killSwitch := invariant.NewKillSwitch()
	fund := liquidation.NewInsuranceFund(1_000_000 * types.PriceScale)
	sizer := liquidation.NewSizer(types.Quantity(1 * types.PriceScale / 100))
	executor := liquidation.NewExecutor(engine, balances, positions, fund, killSwitch, clock, sizer)
	applicator := funding.NewApplicator(balances, positions, clock)

	log := events.NewInMemoryLog()

	proc := NewEventProcessor(NewRingBuffer(DefaultConfig()), Dependencies{
		Engine:     engine,
		Balances:   balances,
		Positions:  positions,
		Risk:       riskChecker,
		Publisher:  publisher,
		Funding:    applicator,
		Liquidator: executor,
		KillSwitch: killSwitch,
		Clock:      clock,
		Log:        log,
	}, zerolog.Nop())

	return &testHarness{
		proc:       proc,
		balances:   balances,
		positions:  positions,
		log:        log,
		clock:      clock,
		market:     market,
		killSwitch: killSwitch,
	}
}

func (h *testHarness) openFundedAccount(t *testing.T, deposit types.Balance) (types.UserID, types.AccountID) {
	t.Helper()
	user := types.NewUserID()
	account := types.DeriveAccountID(user)
	now := h.clock.Now()
	h.balances.OpenAccount(account, user, h.market, now)
	if err := h.balances.Deposit(account, deposit, now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	return user, account
}

// orderSubmitEvent builds a checksum-stamped OrderSubmit event at the given
// sequence, mirroring what the ring buffer's producer side would hand the
// processor.
func orderSubmitEvent(seq events.Sequence, market types.MarketID, now types.Timestamp, payload *events.OrderSubmitPayload) *events.BaseEvent {
	e := &events.BaseEvent{
		EventID:   types.NewEventID(),
		Type:      events.EventTypeOrderSubmit,
		Timestamp: now,
		MarketID:  market,
		Sequence:  seq,
		Payload:   payload,
	}
	return e.Stamp()
}

// TestProcessor_S5_SequenceGapHalts verifies spec §4.1's sequence discipline:
// an event arriving out of order (a gap above lastSequence+1) trips the
// kill switch rather than being applied.
func TestProcessor_S5_SequenceGapHalts(t *testing.T) {
	h := newTestHarness(t)
	_, acct := h.openFundedAccount(t, 100_000*types.PriceScale)
	now := h.clock.Now()

	first := orderSubmitEvent(1, h.market, now, &events.OrderSubmitPayload{
		OrderID:     types.NewOrderID(),
		AccountID:   acct,
		Side:        events.SideBuy,
		OrderType:   events.OrderTypeLimit,
		TimeInForce: events.TimeInForceGTC,
		Price:       50_000 * types.PriceScale,
		Quantity:    1 * types.PriceScale,
	})
	if err := h.proc.Process(first); err != nil {
		t.Fatalf("expected first event to apply cleanly, got %v", err)
	}

	gapped := orderSubmitEvent(3, h.market, now, &events.OrderSubmitPayload{
		OrderID:     types.NewOrderID(),
		AccountID:   acct,
		Side:        events.SideBuy,
		OrderType:   events.OrderTypeLimit,
		TimeInForce: events.TimeInForceGTC,
		Price:       50_000 * types.PriceScale,
		Quantity:    1 * types.PriceScale,
	})
	err := h.proc.Process(gapped)
	if err == nil {
		t.Fatal("expected sequence gap to return an error")
	}
	if !h.killSwitch.Tripped() {
		t.Fatal("expected kill switch to be tripped by a sequence gap")
	}
}

// TestProcessor_DuplicateSequenceIsIdempotent verifies a replayed event at
// or below lastSequence is discarded rather than reapplied.
func TestProcessor_DuplicateSequenceIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	_, acct := h.openFundedAccount(t, 100_000*types.PriceScale)
	now := h.clock.Now()

	deposit := &events.BaseEvent{
		EventID:   types.NewEventID(),
		Type:      events.EventTypeBalanceUpdate,
		Timestamp: now,
		MarketID:  h.market,
		Sequence:  1,
		Payload: &events.BalanceUpdatePayload{
			AccountID: acct,
			Amount:    1 * types.PriceScale,
		},
	}
	deposit.Stamp()

	if err := h.proc.Process(deposit); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before, err := h.balances.Get(acct)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := h.proc.Process(deposit); err != nil {
		t.Fatalf("duplicate replay should be a no-op, got error: %v", err)
	}
	after, err := h.balances.Get(acct)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Balance != before.Balance {
		t.Fatalf("duplicate sequence must not reapply: balance changed from %s to %s", before.Balance, after.Balance)
	}
}

// TestProcessor_ChecksumMismatchTripsKillSwitch verifies spec §4.1's
// mandated checksum verification before dispatch.
func TestProcessor_ChecksumMismatchTripsKillSwitch(t *testing.T) {
	h := newTestHarness(t)
	_, acct := h.openFundedAccount(t, 100_000*types.PriceScale)
	now := h.clock.Now()

	event := orderSubmitEvent(1, h.market, now, &events.OrderSubmitPayload{
		OrderID:     types.NewOrderID(),
		AccountID:   acct,
		Side:        events.SideBuy,
		OrderType:   events.OrderTypeLimit,
		TimeInForce: events.TimeInForceGTC,
		Price:       50_000 * types.PriceScale,
		Quantity:    1 * types.PriceScale,
	})
	event.Checksum[0] ^= 0xFF // corrupt

	if err := h.proc.Process(event); err == nil {
		t.Fatal("expected checksum mismatch to return an error")
	}
	if !h.killSwitch.Tripped() {
		t.Fatal("expected kill switch to trip on checksum mismatch")
	}
}

// TestProcessor_OrderSubmitAndCancel exercises the OrderSubmit and
// OrderCancel dispatch handlers end to end, including margin release.
func TestProcessor_OrderSubmitAndCancel(t *testing.T) {
	h := newTestHarness(t)
	_, acct := h.openFundedAccount(t, 100_000*types.PriceScale)
	now := h.clock.Now()

	orderID := types.NewOrderID()
	submit := orderSubmitEvent(1, h.market, now, &events.OrderSubmitPayload{
		OrderID:     orderID,
		AccountID:   acct,
		Side:        events.SideBuy,
		OrderType:   events.OrderTypeLimit,
		TimeInForce: events.TimeInForceGTC,
		Price:       50_000 * types.PriceScale,
		Quantity:    1 * types.PriceScale,
	})
	if err := h.proc.Process(submit); err != nil {
		t.Fatalf("submit: %v", err)
	}

	acctAfterSubmit, err := h.balances.Get(acct)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acctAfterSubmit.ReservedMargin == 0 {
		t.Fatal("expected resting order to reserve margin")
	}

	cancel := &events.BaseEvent{
		EventID:   types.NewEventID(),
		Type:      events.EventTypeOrderCancel,
		Timestamp: now,
		MarketID:  h.market,
		Sequence:  2,
		Payload:   &events.OrderCancelPayload{OrderID: orderID, AccountID: acct},
	}
	cancel.Stamp()
	if err := h.proc.Process(cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	acctAfterCancel, err := h.balances.Get(acct)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acctAfterCancel.ReservedMargin != 0 {
		t.Fatalf("expected cancel to release all reserved margin, got %s", acctAfterCancel.ReservedMargin)
	}
}

// TestProcessor_PriceSnapshotUpdatesMarkPrice exercises the PriceSnapshot
// dispatch handler.
func TestProcessor_PriceSnapshotUpdatesMarkPrice(t *testing.T) {
	h := newTestHarness(t)
	now := h.clock.Now()

	snap := &events.BaseEvent{
		EventID:   types.NewEventID(),
		Type:      events.EventTypePriceSnapshot,
		Timestamp: now,
		MarketID:  h.market,
		Sequence:  1,
		Payload: &events.PriceSnapshotPayload{
			IndexPrice: 49_900 * types.PriceScale,
			MarkPrice:  50_000 * types.PriceScale,
		},
	}
	snap.Stamp()
	if err := h.proc.Process(snap); err != nil {
		t.Fatalf("price snapshot: %v", err)
	}
	if mark, ok := h.proc.publisher.MarkPrice(h.market); !ok || mark != 50_000*types.PriceScale {
		t.Fatalf("expected mark price 50000 after snapshot, got %s (ok=%v)", mark, ok)
	}
}

// TestProcessor_KillSwitchHaltsDispatch verifies that once tripped, the
// processor short-circuits every subsequent event instead of dispatching.
func TestProcessor_KillSwitchHaltsDispatch(t *testing.T) {
	h := newTestHarness(t)
	h.killSwitch.Trip("test halt", h.clock.Now())

	event := orderSubmitEvent(1, h.market, h.clock.Now(), &events.OrderSubmitPayload{
		OrderID:     types.NewOrderID(),
		AccountID:   types.DeriveAccountID(types.NewUserID()),
		Side:        events.SideBuy,
		OrderType:   events.OrderTypeLimit,
		TimeInForce: events.TimeInForceGTC,
		Price:       50_000 * types.PriceScale,
		Quantity:    1 * types.PriceScale,
	})
	if err := h.proc.Process(event); err == nil {
		t.Fatal("expected kill switch to short-circuit dispatch")
	}
}
