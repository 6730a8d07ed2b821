package types

import (
	"testing"
	"time"
)

func TestNotional(t *testing.T) {
	price := Price(50000 * PriceScale)
	qty := Quantity(10 * PriceScale)

	notional, err := Notional(qty, price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Balance(500000 * PriceScale)
	if notional != want {
		t.Errorf("Notional = %v, want %v", notional, want)
	}
}

func TestRoundHalfEven(t *testing.T) {
	cases := []struct {
		num, den int64
		want     int64
	}{
		{100, 4, 25},
		{5, 2, 2},  // 2.5 -> 2 (even)
		{7, 2, 4},  // 3.5 -> 4 (even)
		{-5, 2, -2},
	}
	for _, c := range cases {
		got := RoundHalfEven(c.num, c.den)
		if got != c.want {
			t.Errorf("RoundHalfEven(%d,%d) = %d, want %d", c.num, c.den, got, c.want)
		}
	}
}

func TestRoundCeil(t *testing.T) {
	if got := RoundCeil(250, 1000); got != 1 {
		t.Errorf("RoundCeil(250,1000) = %d, want 1", got)
	}
	if got := RoundCeil(1000, 1000); got != 1 {
		t.Errorf("RoundCeil(1000,1000) = %d, want 1", got)
	}
	if got := RoundCeil(0, 1000); got != 0 {
		t.Errorf("RoundCeil(0,1000) = %d, want 0", got)
	}
}

func TestClockMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1000)
	clk := NewClockWithSource(func() time.Time { return fixed })

	first := clk.Now()
	second := clk.Now()
	if !first.Before(second) {
		t.Fatalf("expected %v before %v when wall clock frozen", first, second)
	}
	if second.Logical != first.Logical+1 {
		t.Errorf("expected logical counter to advance by 1, got %d -> %d", first.Logical, second.Logical)
	}
}
