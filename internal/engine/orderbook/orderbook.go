package orderbook

import (
	"fmt"
	"strings"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/orders"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// OrderBook is a single market's limit order book: a bid tree (descending,
// best = highest price) and an ask tree (ascending, best = lowest price),
// plus a hash index from order id to its resting node for O(1) cancel and
// quantity update.
type OrderBook struct {
	MarketID types.MarketID

	bids *RBTree
	asks *RBTree

	index map[types.OrderID]*OrderNode
}

// NewOrderBook creates an empty order book for a market.
func NewOrderBook(marketID types.MarketID) *OrderBook {
	return &OrderBook{
		MarketID: marketID,
		bids:     NewRBTree(true),
		asks:     NewRBTree(false),
		index:    make(map[types.OrderID]*OrderNode),
	}
}

func (ob *OrderBook) getTree(side events.Side) *RBTree {
	if side == events.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// AddOrder inserts a resting order into the book at its limit price.
func (ob *OrderBook) AddOrder(order *orders.Order) *OrderNode {
	tree := ob.getTree(order.Side)

	level := tree.Get(order.Price)
	if level == nil {
		level = NewPriceLevel(order.Price)
		tree.Insert(level)
	}

	node := level.Append(order)
	ob.index[order.ID] = node
	return node
}

// CancelOrder removes a resting order from the book by id. Returns false if
// the order was not resting.
func (ob *OrderBook) CancelOrder(id types.OrderID) bool {
	node, ok := ob.index[id]
	if !ok {
		return false
	}

	level := node.level
	level.Remove(node)
	delete(ob.index, id)

	if level.IsEmpty() {
		ob.getTree(node.Order.Side).Delete(level.Price)
	}
	return true
}

// GetOrder returns the resting order with the given id, if present.
func (ob *OrderBook) GetOrder(id types.OrderID) (*orders.Order, bool) {
	node, ok := ob.index[id]
	if !ok {
		return nil, false
	}
	return node.Order, true
}

// GetBestBid returns the highest-priced resting bid level, or nil.
func (ob *OrderBook) GetBestBid() *PriceLevel { return ob.bids.Min() }

// GetBestAsk returns the lowest-priced resting ask level, or nil.
func (ob *OrderBook) GetBestAsk() *PriceLevel { return ob.asks.Min() }

// GetSpread returns ask - bid, and false if either side is empty.
func (ob *OrderBook) GetSpread() (types.Price, bool) {
	bid := ob.GetBestBid()
	ask := ob.GetBestAsk()
	if bid == nil || ask == nil {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// GetMidPrice returns the midpoint between best bid and best ask, and false
// if either side is empty.
func (ob *OrderBook) GetMidPrice() (types.Price, bool) {
	bid := ob.GetBestBid()
	ask := ob.GetBestAsk()
	if bid == nil || ask == nil {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// BidLevels returns up to depth bid price levels, best first. Allocates.
func (ob *OrderBook) BidLevels(depth int) []*PriceLevel {
	return collectLevels(ob.bids, depth)
}

// AskLevels returns up to depth ask price levels, best first. Allocates.
func (ob *OrderBook) AskLevels(depth int) []*PriceLevel {
	return collectLevels(ob.asks, depth)
}

func collectLevels(tree *RBTree, depth int) []*PriceLevel {
	levels := make([]*PriceLevel, 0, depth)
	tree.ForEach(func(pl *PriceLevel) bool {
		levels = append(levels, pl)
		return len(levels) < depth
	})
	return levels
}

// TotalOrders returns the number of resting orders across both sides.
func (ob *OrderBook) TotalOrders() int {
	return len(ob.index)
}

// GetBidDepth returns the aggregate resting bid quantity across up to depth
// levels.
func (ob *OrderBook) GetBidDepth(depth int) types.Quantity {
	return sumDepth(ob.bids, depth)
}

// GetAskDepth returns the aggregate resting ask quantity across up to depth
// levels.
func (ob *OrderBook) GetAskDepth(depth int) types.Quantity {
	return sumDepth(ob.asks, depth)
}

func sumDepth(tree *RBTree, depth int) types.Quantity {
	var total types.Quantity
	n := 0
	tree.ForEach(func(pl *PriceLevel) bool {
		total += pl.TotalQty
		n++
		return n < depth
	})
	return total
}

// UpdateOrderQuantity adjusts the book's accounting for a partial fill of a
// resting order. The caller is responsible for updating order.FilledQty
// beforehand; delta is the negative quantity removed from the book.
func (ob *OrderBook) UpdateOrderQuantity(id types.OrderID, delta types.Quantity) {
	node, ok := ob.index[id]
	if !ok {
		return
	}
	node.level.UpdateQuantity(delta)
}

// RemoveFilledOrders drops any order from the index/level whose remaining
// quantity has reached zero. Resting maker orders are normally popped
// directly by the matcher via CancelOrder; this is a sweep for consistency
// checks and replay reconciliation.
func (ob *OrderBook) RemoveFilledOrders() {
	for id, node := range ob.index {
		if node.Order.IsFilled() {
			ob.CancelOrder(id)
		}
	}
}

func (ob *OrderBook) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "OrderBook{Market:%s, Bids:%d, Asks:%d, Orders:%d}",
		ob.MarketID, ob.bids.Size(), ob.asks.Size(), len(ob.index))
	return b.String()
}
