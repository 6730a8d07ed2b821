package ledger

import (
	"fmt"
	"sync"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Position is one user's net exposure in one market. Size is signed:
// positive is long, negative is short.
type Position struct {
	UserID               types.UserID
	MarketID             types.MarketID
	Size                 types.Quantity // signed
	EntryPrice           types.Price
	RealizedPnL          types.Balance
	LastFundingTimestamp types.Timestamp
}

// IsFlat reports whether the position carries no exposure.
func (p *Position) IsFlat() bool { return p.Size == 0 }

// ApplyFill updates the position for a fill of the given side/qty/price,
// implementing the weighted-average entry-price rule: increases on the
// same side recompute a size-weighted average entry; fills on the opposite
// side realize PnL on the closing portion first (close_qty × (trade_price
// − entry), negated for shorts) and, if the fill overshoots the existing
// size, flip the position open at the fill price for the remainder.
// Returns the PnL realized by this fill.
func (p *Position) ApplyFill(side events.Side, qty types.Quantity, price types.Price) (types.Balance, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("ledger: fill quantity %s must be positive", qty)
	}

	signedQty := qty
	if side == events.SideSell {
		signedQty = -qty
	}

	switch {
	case p.Size == 0:
		p.Size = signedQty
		p.EntryPrice = price
		return 0, nil

	case sameSign(p.Size, signedQty):
		// Increasing: recompute weighted-average entry price.
		oldAbs := p.Size.Abs()
		newAbs := oldAbs + qty
		oldNotional, err := types.Notional(oldAbs, p.EntryPrice)
		if err != nil {
			return 0, err
		}
		addNotional, err := types.Notional(qty, price)
		if err != nil {
			return 0, err
		}
		weighted, err := types.MulDiv(int64(oldNotional)+int64(addNotional), types.PriceScale, int64(newAbs))
		if err != nil {
			return 0, err
		}
		p.EntryPrice = types.Price(weighted)
		p.Size += signedQty
		return 0, nil

	default:
		// Reducing or flipping.
		closeQty := qty
		if closeQty > p.Size.Abs() {
			closeQty = p.Size.Abs()
		}

		diff := int64(price) - int64(p.EntryPrice)
		var realized types.Balance
		if p.Size > 0 {
			// Closing a long: sell side reduces it.
			bal, err := types.MulDiv(int64(closeQty), diff, types.PriceScale)
			if err != nil {
				return 0, err
			}
			realized = types.Balance(bal)
		} else {
			bal, err := types.MulDiv(int64(closeQty), -diff, types.PriceScale)
			if err != nil {
				return 0, err
			}
			realized = types.Balance(bal)
		}
		p.RealizedPnL += realized

		remainder := qty - closeQty
		newSize := p.Size + signFor(side)*closeQty
		if remainder > 0 {
			// Position flips: remaining quantity opens fresh at fill price.
			p.Size = signFor(side) * remainder
			p.EntryPrice = price
		} else {
			p.Size = newSize
			if p.Size == 0 {
				p.EntryPrice = 0
			}
		}
		return realized, nil
	}
}

func sameSign(a, b types.Quantity) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func signFor(side events.Side) types.Quantity {
	if side == events.SideBuy {
		return 1
	}
	return -1
}

// UnrealizedPnL returns size × (mark − entry); signed size yields the
// correct sign for both longs and shorts.
func (p *Position) UnrealizedPnL(mark types.Price) (types.Balance, error) {
	if p.Size == 0 {
		return 0, nil
	}
	diff := int64(mark) - int64(p.EntryPrice)
	bal, err := types.MulDiv(int64(p.Size), diff, types.PriceScale)
	if err != nil {
		return 0, err
	}
	return types.Balance(bal), nil
}

// Store is the capability interface the matcher depends on instead of the
// concrete position store; the liquidation detector and executor and the
// event processor take *PositionStore directly.
type Store interface {
	Position(userID types.UserID, marketID types.MarketID) (*Position, error)
	UpsertPosition(pos *Position) error
}

// PositionStore is the in-memory Store implementation owned by this package.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[positionKey]*Position
}

type positionKey struct {
	userID   types.UserID
	marketID types.MarketID
}

// NewPositionStore creates an empty position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[positionKey]*Position)}
}

// Position returns the position for a user/market pair, creating a flat one
// if none exists yet.
func (s *PositionStore) Position(userID types.UserID, marketID types.MarketID) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey{userID, marketID}
	pos, ok := s.positions[key]
	if !ok {
		pos = &Position{UserID: userID, MarketID: marketID}
		s.positions[key] = pos
	}
	copied := *pos
	return &copied, nil
}

// UpsertPosition writes back a position after mutation.
func (s *PositionStore) UpsertPosition(pos *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{pos.UserID, pos.MarketID}
	copied := *pos
	s.positions[key] = &copied
	return nil
}

// All returns a snapshot of every tracked position, for the liquidation
// detector and invariant monitor sweeps.
func (s *PositionStore) All() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, pos := range s.positions {
		copied := *pos
		out = append(out, &copied)
	}
	return out
}
