// Package risk implements pre-trade margin/leverage checks and the PnL and
// liquidation-eligibility math they depend on. The checklist pattern
// (ordered checks, first-failure-wins, CheckResult{Passed, Reason,
// ChecksRun}) is kept from the teacher engine's risk.Checker; the checks
// themselves are replaced with the margin model a leveraged perpetual
// venue needs instead of the teacher's spot size/value/price-band/volume
// limits.
package risk

import (
	"math"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// InitialMargin returns qty × price / maxLeverage.
func InitialMargin(qty types.Quantity, price types.Price, maxLeverage types.Ratio) (types.Balance, error) {
	notional, err := types.Notional(qty, price)
	if err != nil {
		return 0, err
	}
	if maxLeverage <= 0 {
		return 0, nil
	}
	v, err := types.MulDiv(int64(notional), types.PriceScale, int64(maxLeverage))
	if err != nil {
		return 0, err
	}
	return types.Balance(v), nil
}

// MaintenanceMargin returns qty × price × maintenanceRate.
func MaintenanceMargin(qty types.Quantity, price types.Price, maintenanceRate types.Ratio) (types.Balance, error) {
	notional, err := types.Notional(qty, price)
	if err != nil {
		return 0, err
	}
	v, err := types.MulDiv(int64(notional), int64(maintenanceRate), types.PriceScale)
	if err != nil {
		return 0, err
	}
	return types.Balance(v), nil
}

// MarginRatio returns (balance + unrealizedPnL) / maintenanceMargin. If
// maintenanceMargin is zero the ratio is +Inf (an unleveraged or flat
// position can never be liquidated).
func MarginRatio(balance, unrealizedPnL, maintenanceMargin types.Balance) float64 {
	if maintenanceMargin == 0 {
		return math.Inf(1)
	}
	equity := float64(balance+unrealizedPnL) / types.PriceScale
	maint := float64(maintenanceMargin) / types.PriceScale
	return equity / maint
}

// IsLiquidatable reports whether the margin ratio has fallen below 1.0.
func IsLiquidatable(ratio float64) bool {
	return ratio < 1.0
}

// UnrealizedPnL returns size × (mark − entry); signed size yields the
// correct sign for both longs and shorts.
func UnrealizedPnL(size types.Quantity, mark, entry types.Price) (types.Balance, error) {
	diff := int64(mark) - int64(entry)
	v, err := types.MulDiv(int64(size), diff, types.PriceScale)
	if err != nil {
		return 0, err
	}
	return types.Balance(v), nil
}
