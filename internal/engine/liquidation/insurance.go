package liquidation

import (
	"sync"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// InsuranceFund absorbs shortfalls left behind by accounts that go
// negative after a forced liquidation settles, per spec §4.4 step 6.
type InsuranceFund struct {
	mu      sync.Mutex
	balance types.Balance
}

// NewInsuranceFund creates a fund seeded with an initial balance.
func NewInsuranceFund(seed types.Balance) *InsuranceFund {
	return &InsuranceFund{balance: seed}
}

// Balance returns the fund's current balance.
func (f *InsuranceFund) Balance() types.Balance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// Credit adds to the fund, e.g. from liquidation penalty fees.
func (f *InsuranceFund) Credit(amount types.Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
}

// Absorb attempts to cover a shortfall. Reports false, leaving the fund
// untouched, if the fund cannot cover it in full — callers treat that as
// fatal (InsuranceFundDepleted).
func (f *InsuranceFund) Absorb(shortfall types.Balance) bool {
	if shortfall <= 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if shortfall > f.balance {
		return false
	}
	f.balance -= shortfall
	return true
}
