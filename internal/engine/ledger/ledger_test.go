package ledger

import (
	"testing"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

func TestLedger_ReserveAndReleaseMargin(t *testing.T) {
	l := New()
	now := types.Timestamp{PhysicalMS: 1}
	acct := types.DeriveAccountID(types.NewUserID())

	l.OpenAccount(acct, types.NewUserID(), types.NewMarketID(), now)
	if err := l.Deposit(acct, 10_000*types.PriceScale, now, "seed"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if err := l.ReserveMargin(acct, 2_500*types.PriceScale, now, "order-1"); err != nil {
		t.Fatalf("ReserveMargin: %v", err)
	}

	got, err := l.Get(acct)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Available() != 7_500*types.PriceScale {
		t.Fatalf("expected available 7500, got %s", got.Available())
	}

	if err := l.ReleaseMargin(acct, 2_500*types.PriceScale, now, "order-1"); err != nil {
		t.Fatalf("ReleaseMargin: %v", err)
	}
	got, _ = l.Get(acct)
	if got.Available() != 10_000*types.PriceScale {
		t.Fatalf("expected available back to 10000, got %s", got.Available())
	}
}

func TestLedger_ReserveMoreThanAvailableFails(t *testing.T) {
	l := New()
	now := types.Timestamp{PhysicalMS: 1}
	acct := types.DeriveAccountID(types.NewUserID())

	l.OpenAccount(acct, types.NewUserID(), types.NewMarketID(), now)
	l.Deposit(acct, 100*types.PriceScale, now, "seed")

	if err := l.ReserveMargin(acct, 200*types.PriceScale, now, "order-1"); err != ErrInsufficientAvailable {
		t.Fatalf("expected ErrInsufficientAvailable, got %v", err)
	}
}

func TestPosition_WeightedAverageEntryOnIncrease(t *testing.T) {
	pos := &Position{}

	if _, err := pos.ApplyFill(events.SideBuy, 10*types.PriceScale, 50_000*types.PriceScale); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if pos.Size != 10*types.PriceScale || pos.EntryPrice != 50_000*types.PriceScale {
		t.Fatalf("unexpected position after first fill: %+v", pos)
	}

	if _, err := pos.ApplyFill(events.SideBuy, 10*types.PriceScale, 52_000*types.PriceScale); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if pos.Size != 20*types.PriceScale {
		t.Fatalf("expected size 20, got %s", pos.Size)
	}
	if pos.EntryPrice != 51_000*types.PriceScale {
		t.Fatalf("expected weighted entry 51000, got %s", pos.EntryPrice)
	}
}

func TestPosition_RealizesPnLOnReducingFill(t *testing.T) {
	pos := &Position{Size: 10 * types.PriceScale, EntryPrice: 50_000 * types.PriceScale}

	realized, err := pos.ApplyFill(events.SideSell, 4*types.PriceScale, 51_000*types.PriceScale)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if realized != 4_000*types.PriceScale {
		t.Fatalf("expected realized pnl 4000, got %s", realized)
	}
	if pos.Size != 6*types.PriceScale {
		t.Fatalf("expected remaining size 6, got %s", pos.Size)
	}
}
