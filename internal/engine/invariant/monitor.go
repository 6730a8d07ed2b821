package invariant

import (
	"fmt"

	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/orderbook"
	"github.com/perpengine/matching-engine/internal/engine/risk"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Violation describes a single failed invariant check, carried in the
// forensic dump handed to the kill switch trip reason.
type Violation struct {
	Check   string
	Detail  string
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Check, v.Detail) }

// RiskConfig is the subset of *risk.Checker the monitor needs to compute
// maintenance margin per market.
type RiskConfig interface {
	Config(marketID types.MarketID) (risk.MarketConfig, bool)
}

// Monitor runs the five invariant classes of spec §4.7 over a consistent
// read of ledger, position and order-book state, tripping the shared
// KillSwitch on any violation. It holds no lock of its own: every
// collaborator it reads from (Ledger, PositionStore, OrderBook) takes its
// own short-lived read lock internally, per spec §5's (b) read-snapshot
// path.
type Monitor struct {
	books      map[types.MarketID]*orderbook.OrderBook
	balances   *ledger.Ledger
	positions  *ledger.PositionStore
	riskCfg    RiskConfig
	killSwitch *KillSwitch

	// InsuranceFundDelta and RoundingEnvelope feed the aggregate
	// conservation check (spec §4.7's fifth invariant). InsuranceFundDelta
	// is a callback rather than a direct dependency on the liquidation
	// package, which would otherwise import this one back (liquidation's
	// Executor already depends on KillSwitch).
	InsuranceFundDelta func() types.Balance
	RoundingEnvelope   types.Balance
}

// NewMonitor creates an invariant monitor over the given market books,
// ledger, position store and risk configuration.
func NewMonitor(books map[types.MarketID]*orderbook.OrderBook, balances *ledger.Ledger, positions *ledger.PositionStore, riskCfg RiskConfig, killSwitch *KillSwitch) *Monitor {
	return &Monitor{
		books:              books,
		balances:           balances,
		positions:          positions,
		riskCfg:            riskCfg,
		killSwitch:         killSwitch,
		InsuranceFundDelta: func() types.Balance { return 0 },
		RoundingEnvelope:   types.BalanceFromFloat(0.01),
	}
}

// Tick runs every invariant check once. marks supplies the current mark
// price per market for the margin-ratio check. Returns the violations
// found (nil if none) and has already tripped the kill switch if any were
// found.
func (m *Monitor) Tick(marks map[types.MarketID]types.Price, now types.Timestamp) []Violation {
	var violations []Violation

	violations = append(violations, m.checkBookConsistency()...)
	violations = append(violations, m.checkNoNegativeBalances()...)
	violations = append(violations, m.checkMarginBounds()...)
	violations = append(violations, m.checkNoEscapedLiquidations(marks)...)
	violations = append(violations, m.checkAggregateConservation()...)

	if len(violations) > 0 {
		reason := fmt.Sprintf("invariant violation: %d check(s) failed: %v", len(violations), violations)
		m.killSwitch.Trip(reason, now)
	}
	return violations
}

// checkBookConsistency verifies each price level's aggregate TotalQty
// equals the sum of its resting orders' remaining quantity.
func (m *Monitor) checkBookConsistency() []Violation {
	var out []Violation
	for marketID, book := range m.books {
		for _, level := range append(book.BidLevels(1<<20), book.AskLevels(1<<20)...) {
			var sum types.Quantity
			for _, ord := range level.Orders() {
				sum += ord.RemainingQty()
			}
			if sum != level.TotalQty {
				out = append(out, Violation{
					Check:  "book_consistency",
					Detail: fmt.Sprintf("market %s price %s: level total %s != sum of orders %s", marketID, level.Price, level.TotalQty, sum),
				})
			}
		}
	}
	return out
}

func (m *Monitor) checkNoNegativeBalances() []Violation {
	var out []Violation
	for _, acct := range m.balances.Accounts() {
		if acct.Balance < 0 {
			out = append(out, Violation{
				Check:  "no_negative_balance",
				Detail: fmt.Sprintf("account %s balance %s", acct.AccountID, acct.Balance),
			})
		}
	}
	return out
}

func (m *Monitor) checkMarginBounds() []Violation {
	var out []Violation
	for _, acct := range m.balances.Accounts() {
		if acct.ReservedMargin < 0 || acct.ReservedMargin > acct.Balance {
			out = append(out, Violation{
				Check:  "margin_bounds",
				Detail: fmt.Sprintf("account %s reserved margin %s out of [0, balance=%s]", acct.AccountID, acct.ReservedMargin, acct.Balance),
			})
		}
	}
	return out
}

func (m *Monitor) checkNoEscapedLiquidations(marks map[types.MarketID]types.Price) []Violation {
	var out []Violation
	for _, pos := range m.positions.All() {
		if pos.IsFlat() {
			continue
		}
		mark, ok := marks[pos.MarketID]
		if !ok {
			continue
		}
		cfg, ok := m.riskCfg.Config(pos.MarketID)
		if !ok {
			continue
		}
		maint, err := risk.MaintenanceMargin(pos.Size.Abs(), mark, cfg.MaintenanceRate)
		if err != nil {
			continue
		}
		unrealized, err := pos.UnrealizedPnL(mark)
		if err != nil {
			continue
		}
		account, err := m.balances.Get(types.DeriveAccountID(pos.UserID))
		if err != nil {
			continue
		}
		ratio := risk.MarginRatio(account.Balance, unrealized, maint)
		if risk.IsLiquidatable(ratio) {
			out = append(out, Violation{
				Check:  "no_escaped_liquidation",
				Detail: fmt.Sprintf("user %s market %s margin ratio %.4f < 1.0", pos.UserID, pos.MarketID, ratio),
			})
		}
	}
	return out
}

// checkAggregateConservation verifies Σbalances ± insurance_fund_delta
// equals cumulative deposits − withdrawals − fee sink, within a small
// rounding envelope, per spec §4.7's fifth invariant. Realized PnL nets to
// zero across all accounts for trade/funding transfers (one account's
// gain is another's loss) so it does not appear as a separate term; it is
// only fees and insurance-fund flow that are a net sink/source against
// deposits and withdrawals.
func (m *Monitor) checkAggregateConservation() []Violation {
	var sumBalances, deposits, withdrawals, fees int64
	for _, acct := range m.balances.Accounts() {
		sumBalances += int64(acct.Balance)
	}
	for _, entry := range m.balances.Entries() {
		switch entry.Type {
		case ledger.EntryDeposit:
			deposits += int64(entry.Amount)
		case ledger.EntryWithdrawal:
			withdrawals += int64(-entry.Amount)
		case ledger.EntryFee:
			fees += int64(-entry.Amount)
		}
	}

	expected := deposits - withdrawals - fees + int64(m.InsuranceFundDelta())
	diff := sumBalances - expected
	if diff < 0 {
		diff = -diff
	}
	if types.Balance(diff) > m.RoundingEnvelope {
		return []Violation{{
			Check:  "aggregate_conservation",
			Detail: fmt.Sprintf("sum balances %d vs expected %d (diff %d exceeds envelope %s)", sumBalances, expected, diff, m.RoundingEnvelope),
		}}
	}
	return nil
}
