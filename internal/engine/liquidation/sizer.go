package liquidation

import "github.com/perpengine/matching-engine/internal/engine/types"

// fullLiquidationRatio is the margin ratio below which a position is
// closed in full rather than partially, per spec §4.4.
const fullLiquidationRatio = 0.05

// targetMarginRatio is the margin ratio a partial liquidation aims to
// restore the position to.
const targetMarginRatio = 0.15

// escalateFraction: a partial that would close this fraction of the
// position (or more) escalates to a full liquidation instead, since the
// residual is no longer worth leaving open.
const escalateFraction = 0.90

// Sizer computes how much of a candidate's position to liquidate.
type Sizer struct {
	// MinViableSize is the smallest residual position size considered
	// worth leaving open after a partial liquidation; below this, the
	// liquidation escalates to full.
	MinViableSize types.Quantity
}

// NewSizer creates a Sizer with the given minimum viable residual size.
func NewSizer(minViableSize types.Quantity) *Sizer {
	return &Sizer{MinViableSize: minViableSize}
}

// Size returns the quantity to liquidate and whether it is a full closure.
func (s *Sizer) Size(c Candidate) (qty types.Quantity, full bool) {
	fullSize := c.Position.Size.Abs()
	if fullSize <= 0 {
		return 0, false
	}

	if c.MarginRatio < fullLiquidationRatio {
		return fullSize, true
	}

	targetRatio := types.RatioFromFloat(targetMarginRatio)
	targetNotional, err := types.MulDiv(int64(c.Equity), types.PriceScale, int64(targetRatio))
	if err != nil {
		return fullSize, true
	}
	currentNotional, err := types.Notional(fullSize, c.MarkPrice)
	if err != nil {
		return fullSize, true
	}
	liqNotional := int64(currentNotional) - targetNotional
	if liqNotional <= 0 {
		return fullSize, true
	}
	liqSizeRaw, err := types.MulDiv(liqNotional, types.PriceScale, int64(c.MarkPrice))
	if err != nil {
		return fullSize, true
	}
	liqSize := types.Quantity(liqSizeRaw)

	if liqSize < 1 {
		liqSize = 1
	}
	if liqSize > fullSize {
		liqSize = fullSize
	}

	residual := fullSize - liqSize
	if residual < s.MinViableSize || liqSize >= types.Quantity(float64(fullSize)*escalateFraction) {
		return fullSize, true
	}
	return liqSize, false
}
