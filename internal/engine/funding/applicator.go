package funding

import (
	"context"

	"github.com/perpengine/matching-engine/internal/engine/engineerr"
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Applicator applies a computed batch of funding payments to account
// balances and stamps each affected position's LastFundingTimestamp, per
// spec §4.5 step 6.
type Applicator struct {
	balances  *ledger.Ledger
	positions *ledger.PositionStore
	clock     *types.Clock
}

// NewApplicator creates a funding applicator.
func NewApplicator(balances *ledger.Ledger, positions *ledger.PositionStore, clock *types.Clock) *Applicator {
	return &Applicator{balances: balances, positions: positions, clock: clock}
}

// Apply settles every payment in the batch. A non-zero-sum batch reaching
// this method is a bug in the calculator, not a runtime condition — it is
// rejected outright and surfaced as the fatal engineerr sentinel rather
// than partially applied.
func (a *Applicator) Apply(ctx context.Context, payments []Payment) error {
	var sum int64
	for _, p := range payments {
		sum += int64(p.Amount)
	}
	if sum != 0 {
		return engineerr.ErrFundingNotZeroSum
	}

	now := a.clock.Now()
	for _, p := range payments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := a.balances.ApplyRealizedPnL(p.AccountID, p.Amount, ledger.EntryFunding, now, "funding"); err != nil {
			return err
		}
		pos, err := a.positions.Position(p.UserID, p.MarketID)
		if err != nil {
			return err
		}
		pos.LastFundingTimestamp = now
		if err := a.positions.UpsertPosition(pos); err != nil {
			return err
		}
	}
	return nil
}
