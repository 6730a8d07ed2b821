package liquidation

import (
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/risk"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// RiskConfig supplies the per-market maintenance rate the detector needs.
// Satisfied by *risk.Checker without this package importing it back into
// risk.
type RiskConfig interface {
	Config(marketID types.MarketID) (risk.MarketConfig, bool)
}

// Detector scans every open position against the current mark prices and
// emits a Candidate for each whose margin ratio has fallen below 1.0, per
// spec §4.4.
type Detector struct {
	positions *ledger.PositionStore
	balances  *ledger.Ledger
	riskCfg   RiskConfig
}

// NewDetector creates a liquidation detector over the engine's position
// store, ledger, and risk configuration.
func NewDetector(positions *ledger.PositionStore, balances *ledger.Ledger, riskCfg RiskConfig) *Detector {
	return &Detector{positions: positions, balances: balances, riskCfg: riskCfg}
}

// Scan computes liquidation candidates given a mark price per market.
// Positions in markets with no fresh mark price are skipped — the price
// aggregator's circuit breaker is the thing that should halt trading on a
// stale market, not a liquidation false-positive here.
func (d *Detector) Scan(marks map[types.MarketID]types.Price) []Candidate {
	var out []Candidate
	for _, pos := range d.positions.All() {
		if pos.IsFlat() {
			continue
		}
		mark, ok := marks[pos.MarketID]
		if !ok {
			continue
		}
		cfg, ok := d.riskCfg.Config(pos.MarketID)
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
		accountID := types.DeriveAccountID(pos.UserID)
		account, err := d.balances.Get(accountID)
		if err != nil {
			continue
		}
		equity := account.Balance + unrealized
		ratio := risk.MarginRatio(account.Balance, unrealized, maint)
		if !risk.IsLiquidatable(ratio) {
			continue
		}
		out = append(out, Candidate{
			UserID:            pos.UserID,
			MarketID:          pos.MarketID,
			Position:          *pos,
			Equity:            equity,
			MaintenanceMargin: maint,
			MarginRatio:       ratio,
			MarkPrice:         mark,
		})
	}
	return out
}
