package ledger

import (
	"fmt"
	"sync"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// EntryType classifies a single LedgerEntry.
type EntryType int

const (
	EntryDeposit EntryType = iota
	EntryWithdrawal
	EntryTrade
	EntryFee
	EntryFunding
	EntryLiquidation
	EntryReserveMargin
	EntryReleaseMargin
)

func (t EntryType) String() string {
	switch t {
	case EntryDeposit:
		return "DEPOSIT"
	case EntryWithdrawal:
		return "WITHDRAWAL"
	case EntryTrade:
		return "TRADE"
	case EntryFee:
		return "FEE"
	case EntryFunding:
		return "FUNDING"
	case EntryLiquidation:
		return "LIQUIDATION"
	case EntryReserveMargin:
		return "RESERVE_MARGIN"
	case EntryReleaseMargin:
		return "RELEASE_MARGIN"
	default:
		return "UNKNOWN"
	}
}

// LedgerEntry is an immutable record of a single balance mutation, with the
// resulting balance snapshotted so the entry log can reconstruct state
// without replaying arithmetic.
type LedgerEntry struct {
	EntryID      types.EntryID
	AccountID    types.AccountID
	Type         EntryType
	Amount       types.Balance
	BalanceAfter types.Balance
	Timestamp    types.Timestamp
	Reference    string // trade id, funding event id, liquidation id, etc.
}

// Ledger is the single owning store of accounts and their entry history.
// Every exported mutator takes the write lock for the duration of the
// mutation, and each balance or margin mutation appends exactly one
// LedgerEntry (OpenAccount and SetUnrealizedPnL append none) — the same "one owning
// component, one lock" discipline the teacher's ClearingHouse uses for
// spot accounts.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[types.AccountID]*Account
	entries  []LedgerEntry
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[types.AccountID]*Account),
	}
}

// OpenAccount creates (or returns the existing) account for a user/market pair.
func (l *Ledger) OpenAccount(accountID types.AccountID, userID types.UserID, marketID types.MarketID, now types.Timestamp) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[accountID]; ok {
		return acct
	}
	acct := &Account{
		AccountID: accountID,
		UserID:    userID,
		MarketID:  marketID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.accounts[accountID] = acct
	return acct
}

// Get returns the account, or ErrAccountNotFound.
func (l *Ledger) Get(accountID types.AccountID) (*Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *acct
	return &copied, nil
}

func (l *Ledger) record(entryType EntryType, accountID types.AccountID, amount, balanceAfter types.Balance, now types.Timestamp, reference string) {
	l.entries = append(l.entries, LedgerEntry{
		EntryID:      types.NewEntryID(),
		AccountID:    accountID,
		Type:         entryType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Timestamp:    now,
		Reference:    reference,
	})
}

// Deposit credits funds to an account.
func (l *Ledger) Deposit(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if err := acct.deposit(amount, now); err != nil {
		return err
	}
	l.record(EntryDeposit, accountID, amount, acct.Balance, now, reference)
	return nil
}

// Withdraw debits funds from an account's available balance.
func (l *Ledger) Withdraw(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if err := acct.withdraw(amount, now); err != nil {
		return err
	}
	l.record(EntryWithdrawal, accountID, -amount, acct.Balance, now, reference)
	return nil
}

// ReserveMargin moves funds from available into reserved margin.
func (l *Ledger) ReserveMargin(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if err := acct.reserveMargin(amount, now); err != nil {
		return err
	}
	l.record(EntryReserveMargin, accountID, amount, acct.Balance, now, reference)
	return nil
}

// ReleaseMargin moves funds from reserved margin back to available.
func (l *Ledger) ReleaseMargin(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if err := acct.releaseMargin(amount, now); err != nil {
		return err
	}
	l.record(EntryReleaseMargin, accountID, -amount, acct.Balance, now, reference)
	return nil
}

// ApplyFee debits a trade fee from the account balance.
func (l *Ledger) ApplyFee(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if err := acct.applyRealizedPnL(-amount, now); err != nil {
		return err
	}
	l.record(EntryFee, accountID, -amount, acct.Balance, now, reference)
	return nil
}

// ApplyRealizedPnL credits or debits realized trade/funding/liquidation PnL.
func (l *Ledger) ApplyRealizedPnL(accountID types.AccountID, amount types.Balance, entryType EntryType, now types.Timestamp, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if err := acct.applyRealizedPnL(amount, now); err != nil {
		return err
	}
	l.record(entryType, accountID, amount, acct.Balance, now, reference)
	return nil
}

// SetUnrealizedPnL overwrites the mark-to-market unrealized PnL figure for
// an account. Does not itself produce a ledger entry (informational only).
func (l *Ledger) SetUnrealizedPnL(accountID types.AccountID, amount types.Balance, now types.Timestamp) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.setUnrealizedPnL(amount, now)
	return nil
}

// Accounts returns a snapshot copy of every account, for the liquidation
// detector and invariant monitor sweeps.
func (l *Ledger) Accounts() []*Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		copied := *acct
		out = append(out, &copied)
	}
	return out
}

// Entries returns a copy of the full entry history, for audit/replay checks.
func (l *Ledger) Entries() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// CheckInvariants verifies 0 ≤ reserved_margin ≤ balance and balance ≥ 0
// for every account; used by the invariant monitor's periodic sweep.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, acct := range l.accounts {
		if err := acct.checkInvariants(); err != nil {
			return fmt.Errorf("ledger: invariant violation for account %s: %w", id, err)
		}
	}
	return nil
}
