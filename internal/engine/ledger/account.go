// Package ledger owns account balances, margin reservations and positions:
// the single source of truth for every balance mutation in the engine.
// Grounded on the teacher engine's settlement.ClearingHouse (a map-of-ID
// store behind one RWMutex, one owning type per aggregate) but the domain
// here is margin accounts and perpetual positions, not spot cash/share
// holdings.
package ledger

import (
	"errors"
	"fmt"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

var (
	// ErrInsufficientBalance is returned when a withdrawal would exceed the
	// account's available (unreserved) balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientAvailable is returned when a margin reservation would
	// exceed the account's unreserved balance.
	ErrInsufficientAvailable = errors.New("ledger: insufficient available margin")
	// ErrOverRelease is returned when releasing more margin than reserved.
	ErrOverRelease = errors.New("ledger: release exceeds reserved margin")
	// ErrAccountNotFound is returned when an operation targets an unknown account.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// Account holds one user's balance, reserved margin and running PnL for a
// single market. deposit, withdraw, reserveMargin and releaseMargin enforce
// the ledger invariants instead of clamping silently: 0 ≤ reserved_margin ≤
// balance, balance ≥ 0. applyRealizedPnL is the exception and may take the
// balance negative.
type Account struct {
	AccountID     types.AccountID
	UserID        types.UserID
	MarketID      types.MarketID
	Balance       types.Balance
	ReservedMargin types.Balance
	RealizedPnL   types.Balance
	UnrealizedPnL types.Balance
	CreatedAt     types.Timestamp
	UpdatedAt     types.Timestamp
}

// Available returns the balance not currently reserved as margin.
func (a *Account) Available() types.Balance {
	return a.Balance - a.ReservedMargin
}

func (a *Account) checkInvariants() error {
	if a.Balance < 0 {
		return fmt.Errorf("ledger: account %s balance %s went negative", a.AccountID, a.Balance)
	}
	if a.ReservedMargin < 0 || a.ReservedMargin > a.Balance {
		return fmt.Errorf("ledger: account %s reserved margin %s out of [0, balance=%s]",
			a.AccountID, a.ReservedMargin, a.Balance)
	}
	return nil
}

// deposit credits the account balance. Always succeeds for non-negative amounts.
func (a *Account) deposit(amount types.Balance, now types.Timestamp) error {
	if amount < 0 {
		return fmt.Errorf("ledger: deposit amount %s must be non-negative", amount)
	}
	a.Balance += amount
	a.UpdatedAt = now
	return a.checkInvariants()
}

// withdraw debits the account balance, failing if it would exceed available
// (unreserved) balance.
func (a *Account) withdraw(amount types.Balance, now types.Timestamp) error {
	if amount < 0 {
		return fmt.Errorf("ledger: withdraw amount %s must be non-negative", amount)
	}
	if amount > a.Available() {
		return ErrInsufficientBalance
	}
	a.Balance -= amount
	a.UpdatedAt = now
	return a.checkInvariants()
}

// reserveMargin moves `amount` from available into reserved, failing if
// available balance is insufficient.
func (a *Account) reserveMargin(amount types.Balance, now types.Timestamp) error {
	if amount < 0 {
		return fmt.Errorf("ledger: reserve amount %s must be non-negative", amount)
	}
	if amount > a.Available() {
		return ErrInsufficientAvailable
	}
	a.ReservedMargin += amount
	a.UpdatedAt = now
	return a.checkInvariants()
}

// releaseMargin moves `amount` from reserved back to available, failing if
// it exceeds what is currently reserved.
func (a *Account) releaseMargin(amount types.Balance, now types.Timestamp) error {
	if amount < 0 {
		return fmt.Errorf("ledger: release amount %s must be non-negative", amount)
	}
	if amount > a.ReservedMargin {
		return ErrOverRelease
	}
	a.ReservedMargin -= amount
	a.UpdatedAt = now
	return a.checkInvariants()
}

// applyRealizedPnL adjusts balance and the realized PnL accumulator by a
// signed amount (profit credits, loss debits). Unlike deposit/withdraw/
// margin reservation, this is allowed to take the balance negative: a
// large enough loss on a fill is exactly the condition the liquidation
// engine exists to detect and the insurance fund exists to backstop
// (spec §4.4 step 6). The invariant monitor, not this mutator, is what
// flags a negative balance that liquidation failed to correct in time.
func (a *Account) applyRealizedPnL(amount types.Balance, now types.Timestamp) error {
	a.Balance += amount
	a.RealizedPnL += amount
	a.UpdatedAt = now
	return nil
}

// setUnrealizedPnL overwrites the mark-to-market unrealized PnL figure.
// Unlike balance fields this is not itself part of the balance invariant;
// it is informational until realized via applyRealizedPnL on close.
func (a *Account) setUnrealizedPnL(amount types.Balance, now types.Timestamp) {
	a.UnrealizedPnL = amount
	a.UpdatedAt = now
}
