package risk

import (
	"fmt"
	"sync"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/orders"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// CheckResult contains the result of the pre-trade risk check sequence.
type CheckResult struct {
	Passed    bool
	Reason    string
	ChecksRun []string
}

// MarketConfig holds the per-market risk parameters a checker enforces.
type MarketConfig struct {
	MaxLeverage       types.Ratio
	MaintenanceRate   types.Ratio
	MaxPositionSize   types.Quantity
}

// Checker performs the ordered pre-trade risk checks spec §4.3 requires:
// available margin, post-trade leverage, max position size, reduce-only.
// Structurally this is the teacher's risk.Checker (ordered checklist,
// first-failure-wins, RWMutex-guarded per-market config map) retargeted
// from spot size/value/price-band/volume limits to margin/leverage limits.
type Checker struct {
	mu      sync.RWMutex
	configs map[types.MarketID]MarketConfig
}

// NewChecker creates an empty risk checker; per-market configuration is
// registered with SetMarketConfig.
func NewChecker() *Checker {
	return &Checker{configs: make(map[types.MarketID]MarketConfig)}
}

// SetMarketConfig registers (or replaces) the risk parameters for a market.
func (c *Checker) SetMarketConfig(marketID types.MarketID, cfg MarketConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[marketID] = cfg
}

func (c *Checker) config(marketID types.MarketID) (MarketConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[marketID]
	return cfg, ok
}

// Config returns the risk parameters registered for a market, for
// collaborators (the liquidation detector) that need the maintenance rate
// without re-running the full pre-trade check sequence.
func (c *Checker) Config(marketID types.MarketID) (MarketConfig, bool) {
	return c.config(marketID)
}

// Check runs the full pre-trade sequence for a prospective fill/rest of
// order against the account's available margin and the account's existing
// position, stopping at the first failure.
func (c *Checker) Check(order *orders.Order, account *ledger.Account, position *ledger.Position, markPrice types.Price) CheckResult {
	result := CheckResult{Passed: true, ChecksRun: make([]string, 0, 4)}

	cfg, ok := c.config(order.MarketID)
	if !ok {
		return CheckResult{Passed: false, Reason: fmt.Sprintf("no risk configuration for market %s", order.MarketID), ChecksRun: result.ChecksRun}
	}

	price := order.Price
	if price == 0 {
		price = markPrice
	}

	// 1. Available margin check.
	result.ChecksRun = append(result.ChecksRun, "available_margin")
	required, err := InitialMargin(order.RemainingQty(), price, cfg.MaxLeverage)
	if err != nil {
		return CheckResult{Passed: false, Reason: fmt.Sprintf("margin computation overflow: %v", err), ChecksRun: result.ChecksRun}
	}
	if required > account.Available() {
		return CheckResult{
			Passed: false,
			Reason: fmt.Sprintf("insufficient available margin: need %s, have %s", required, account.Available()),
			ChecksRun: result.ChecksRun,
		}
	}

	// 2. Post-trade leverage check.
	result.ChecksRun = append(result.ChecksRun, "post_trade_leverage")
	newSize := projectedSize(position, order.Side, order.RemainingQty())
	notional, err := types.Notional(newSize.Abs(), price)
	if err != nil {
		return CheckResult{Passed: false, Reason: fmt.Sprintf("notional computation overflow: %v", err), ChecksRun: result.ChecksRun}
	}
	equity := account.Balance + account.UnrealizedPnL
	if equity > 0 && cfg.MaxLeverage > 0 {
		maxNotional, err := types.MulDiv(int64(equity), int64(cfg.MaxLeverage), types.PriceScale)
		if err != nil {
			return CheckResult{Passed: false, Reason: fmt.Sprintf("leverage computation overflow: %v", err), ChecksRun: result.ChecksRun}
		}
		if int64(notional) > maxNotional {
			return CheckResult{
				Passed: false,
				Reason: fmt.Sprintf("post-trade leverage exceeds max %s", cfg.MaxLeverage),
				ChecksRun: result.ChecksRun,
			}
		}
	}

	// 3. Max position size check.
	result.ChecksRun = append(result.ChecksRun, "max_position_size")
	if cfg.MaxPositionSize > 0 && newSize.Abs() > cfg.MaxPositionSize {
		return CheckResult{
			Passed: false,
			Reason: fmt.Sprintf("position size %s would exceed max %s", newSize.Abs(), cfg.MaxPositionSize),
			ChecksRun: result.ChecksRun,
		}
	}

	// 4. Reduce-only check.
	if order.ReduceOnly {
		result.ChecksRun = append(result.ChecksRun, "reduce_only")
		if !reducesPosition(position, order.Side, newSize) {
			return CheckResult{
				Passed: false,
				Reason: "reduce-only order does not strictly reduce the existing position",
				ChecksRun: result.ChecksRun,
			}
		}
	}

	return result
}

func projectedSize(position *ledger.Position, side events.Side, qty types.Quantity) types.Quantity {
	if position == nil {
		if side == events.SideSell {
			qty = -qty
		}
		return qty
	}
	delta := qty
	if side == events.SideSell {
		delta = -qty
	}
	return position.Size + delta
}

func reducesPosition(position *ledger.Position, side events.Side, newSize types.Quantity) bool {
	if position == nil || position.Size == 0 {
		return false
	}
	if position.Size > 0 && side != events.SideSell {
		return false
	}
	if position.Size < 0 && side != events.SideBuy {
		return false
	}
	return newSize.Abs() < position.Size.Abs()
}
