package funding

import (
	"errors"
	"fmt"

	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// ErrNotZeroSum is returned (and is always a programming-error-class
// bug, never a runtime condition a caller should retry past) when the
// computed payments cannot be forced to sum to exactly zero. The
// applicator re-checks the sum on its own and reports a non-zero batch as
// engineerr.ErrFundingNotZeroSum.
var ErrNotZeroSum = errors.New("funding: payments do not sum to zero after adjustment")

// Payment is one account's funding settlement for a single interval.
type Payment struct {
	UserID    types.UserID
	MarketID  types.MarketID
	AccountID types.AccountID
	Amount    types.Balance // positive: credited; negative: debited
}

// PaymentCalculator computes the per-position funding payment for an
// interval and enforces the zero-sum invariant spec §4.5 step 5 requires.
type PaymentCalculator struct{}

// NewPaymentCalculator creates a payment calculator.
func NewPaymentCalculator() *PaymentCalculator {
	return &PaymentCalculator{}
}

// Compute returns the funding payment for every non-flat position in
// positions, given the market's mark price and funding rate. The returned
// slice always sums to exactly zero; if rounding leaves a nonzero residual
// it is absorbed into the single payment with the largest absolute value.
func (pc *PaymentCalculator) Compute(positions []*ledger.Position, mark types.Price, rate types.FundingRate) ([]Payment, error) {
	payments := make([]Payment, 0, len(positions))
	var sum int64

	for _, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		notional, err := types.Notional(pos.Size.Abs(), mark)
		if err != nil {
			return nil, err
		}
		raw, err := types.MulDiv(int64(notional), int64(rate), types.FundingRateScale)
		if err != nil {
			return nil, err
		}
		amount := -int64(pos.Size.Sign()) * raw

		payments = append(payments, Payment{
			UserID:    pos.UserID,
			MarketID:  pos.MarketID,
			AccountID: types.DeriveAccountID(pos.UserID),
			Amount:    types.Balance(amount),
		})
		sum += amount
	}

	if sum != 0 && len(payments) > 0 {
		largest := 0
		for i, p := range payments {
			if abs64(int64(p.Amount)) > abs64(int64(payments[largest].Amount)) {
				largest = i
			}
			_ = i
		}
		payments[largest].Amount -= types.Balance(sum)
		sum = 0
	}

	var verify int64
	for _, p := range payments {
		verify += int64(p.Amount)
	}
	if verify != 0 {
		return nil, fmt.Errorf("%w: residual %d", ErrNotZeroSum, verify)
	}
	return payments, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
