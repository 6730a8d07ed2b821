package priceagg

import (
	"testing"
	"time"

	"github.com/perpengine/matching-engine/internal/engine/invariant"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

func mkUpdate(source string, price, weight float64, age time.Duration, now time.Time) RawPriceUpdate {
	return RawPriceUpdate{SourceID: source, Price: price, Weight: weight, ReceivedAt: now.Add(-age)}
}

func TestAggregator_DropsStaleTicksAndRequiresTwoFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewAggregator(types.NewMarketID())
	updates := []RawPriceUpdate{
		mkUpdate("a", 50_000, 1, 10*time.Second, now),
		mkUpdate("b", 50_100, 1, 1*time.Second, now),
	}
	_, err := a.Aggregate(updates, 50_050, now)
	if err == nil {
		t.Fatalf("expected InsufficientFreshPrices with only one fresh tick")
	}
	if _, ok := err.(*InsufficientFreshPrices); !ok {
		t.Fatalf("expected InsufficientFreshPrices, got %T", err)
	}
}

func TestAggregator_DropsOutliersThenWeightedMedian(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewAggregator(types.NewMarketID())
	updates := []RawPriceUpdate{
		mkUpdate("a", 50_000, 1, 0, now),
		mkUpdate("b", 50_010, 2, 0, now),
		mkUpdate("c", 100_000, 1, 0, now), // outlier, >5% away from simple median
	}
	snap, err := a.Aggregate(updates, 50_010, now)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if snap.FreshSources != 2 {
		t.Fatalf("expected the outlier to be dropped, leaving 2 survivors, got %d", snap.FreshSources)
	}
}

func TestAllPricesAreOutliers_ErrorMessage(t *testing.T) {
	var e error = &AllPricesAreOutliers{}
	if e.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestCircuitBreaker_TripsOnSingleStepIndexMove(t *testing.T) {
	ks := invariant.NewKillSwitch()
	b := NewCircuitBreaker(ks)

	b.Observe(50_000, 50_000, false, types.Timestamp{PhysicalMS: 1})
	if ks.Tripped() {
		t.Fatalf("first observation should not trip the breaker")
	}

	reason := b.Observe(56_000, 56_000, false, types.Timestamp{PhysicalMS: 2})
	if reason == "" || !ks.Tripped() {
		t.Fatalf("expected a >10%% single-step index move to trip the breaker")
	}
}

func TestCircuitBreaker_TripsOnAllSourcesStale(t *testing.T) {
	ks := invariant.NewKillSwitch()
	b := NewCircuitBreaker(ks)
	reason := b.Observe(0, 0, true, types.Timestamp{PhysicalMS: 1})
	if reason == "" || !ks.Tripped() {
		t.Fatalf("expected all-sources-stale to trip the breaker")
	}
}
