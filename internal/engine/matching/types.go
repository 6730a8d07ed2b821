package matching

import (
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/orders"
	"github.com/perpengine/matching-engine/internal/engine/risk"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// SelfTradePolicy governs what happens when a taker would trade against a
// resting order from the same account.
type SelfTradePolicy int

const (
	// CancelMaker pops the resting maker and continues matching (default).
	CancelMaker SelfTradePolicy = iota
	// CancelTaker stops matching immediately, returning trades already made.
	CancelTaker
	// CancelBoth pops the maker and stops matching.
	CancelBoth
	// Allow lets the self-trade execute normally.
	Allow
)

func (p SelfTradePolicy) String() string {
	switch p {
	case CancelMaker:
		return "CANCEL_MAKER"
	case CancelTaker:
		return "CANCEL_TAKER"
	case CancelBoth:
		return "CANCEL_BOTH"
	case Allow:
		return "ALLOW"
	default:
		return "UNKNOWN"
	}
}

// BalanceProvider is the capability the matcher needs from the ledger: fee
// debits and margin reservation/release, without depending on the concrete
// *ledger.Ledger type. Breaks the C5→C3 reference into an interface per the
// engine's "no cyclic component references" rule.
type BalanceProvider interface {
	Get(accountID types.AccountID) (*ledger.Account, error)
	ReserveMargin(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error
	ReleaseMargin(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error
	ApplyFee(accountID types.AccountID, amount types.Balance, now types.Timestamp, reference string) error
	ApplyRealizedPnL(accountID types.AccountID, amount types.Balance, entryType ledger.EntryType, now types.Timestamp, reference string) error
}

// FeeConfig holds the maker/taker fee rates for a market.
type FeeConfig struct {
	MakerRate types.Ratio
	TakerRate types.Ratio
}

// RiskChecker is the capability the matcher consults before accepting an
// order, implemented by risk.Checker.
type RiskChecker interface {
	Check(order *orders.Order, account *ledger.Account, position *ledger.Position, markPrice types.Price) risk.CheckResult
}
