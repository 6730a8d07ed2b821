package funding

import (
	"context"
	"testing"

	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

func TestRateCalculator_ClampsToMaxRate(t *testing.T) {
	market := types.NewMarketID()
	rc := NewRateCalculator(types.RatioFromFloat(0.05), types.FundingRateFromFloat(0.0075))

	rate, err := rc.Update(market, types.PriceFromFloat(60_000), types.PriceFromFloat(50_000))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	maxRate := types.FundingRateFromFloat(0.0075)
	if rate != maxRate {
		t.Fatalf("expected rate clamped to max %s, got %s", maxRate, rate)
	}
}

// TestFunding_S4_ZeroSum mirrors the spec's zero-sum requirement: payments
// across a long and a short of unequal size (10 and -7) at the same mark price must sum
// to exactly zero after the largest-absolute-value adjustment.
func TestFunding_S4_ZeroSum(t *testing.T) {
	market := types.NewMarketID()
	longUser, shortUser := types.NewUserID(), types.NewUserID()

	positions := []*ledger.Position{
		{UserID: longUser, MarketID: market, Size: types.QuantityFromFloat(10), EntryPrice: types.PriceFromFloat(50_000)},
		{UserID: shortUser, MarketID: market, Size: types.QuantityFromFloat(-7), EntryPrice: types.PriceFromFloat(50_000)},
	}

	pc := NewPaymentCalculator()
	payments, err := pc.Compute(positions, types.PriceFromFloat(50_000), types.FundingRateFromFloat(0.0001))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	var sum int64
	for _, p := range payments {
		sum += int64(p.Amount)
	}
	if sum != 0 {
		t.Fatalf("expected payments to sum to exactly zero, got %d", sum)
	}
	if len(payments) != 2 {
		t.Fatalf("expected one payment per non-flat position, got %d", len(payments))
	}
}

func TestFunding_SkipsFlatPositions(t *testing.T) {
	market := types.NewMarketID()
	flatUser := types.NewUserID()
	pc := NewPaymentCalculator()
	payments, err := pc.Compute([]*ledger.Position{{UserID: flatUser, MarketID: market}}, types.PriceFromFloat(50_000), types.FundingRateFromFloat(0.0001))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(payments) != 0 {
		t.Fatalf("expected no payment for a flat position, got %d", len(payments))
	}
}

func TestApplicator_AppliesPaymentsAndStampsTimestamp(t *testing.T) {
	l := ledger.New()
	positions := ledger.NewPositionStore()
	clock := types.NewClock()
	market := types.NewMarketID()
	user := types.NewUserID()
	account := types.DeriveAccountID(user)

	now := types.Timestamp{PhysicalMS: 1}
	l.OpenAccount(account, user, market, now)
	if err := l.Deposit(account, types.BalanceFromFloat(1000), now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	pos := &ledger.Position{UserID: user, MarketID: market, Size: types.QuantityFromFloat(1), EntryPrice: types.PriceFromFloat(50_000)}
	if err := positions.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	applicator := NewApplicator(l, positions, clock)
	payment := Payment{UserID: user, MarketID: market, AccountID: account, Amount: types.BalanceFromFloat(-5)}
	if err := applicator.Apply(context.Background(), []Payment{payment}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	acct, err := l.Get(account)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantBalance := types.BalanceFromFloat(995)
	if acct.Balance != wantBalance {
		t.Fatalf("expected balance %s, got %s", wantBalance, acct.Balance)
	}

	updated, err := positions.Position(user, market)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if updated.LastFundingTimestamp == (types.Timestamp{}) {
		t.Fatalf("expected LastFundingTimestamp to be stamped")
	}
}

func TestApplicator_RejectsNonZeroSumBatch(t *testing.T) {
	l := ledger.New()
	positions := ledger.NewPositionStore()
	clock := types.NewClock()
	applicator := NewApplicator(l, positions, clock)

	bad := []Payment{{Amount: types.BalanceFromFloat(1)}}
	if err := applicator.Apply(context.Background(), bad); err == nil {
		t.Fatalf("expected non-zero-sum batch to be rejected")
	}
}
