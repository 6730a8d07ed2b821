package orderbook

import (
	"testing"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/orders"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

func newTestOrder(side events.Side, price types.Price, qty types.Quantity) *orders.Order {
	return &orders.Order{
		ID:       types.NewOrderID(),
		Side:     side,
		Price:    price,
		Quantity: qty,
	}
}

func TestOrderBook_BestBidAskAndSpread(t *testing.T) {
	ob := NewOrderBook(types.NewMarketID())

	ob.AddOrder(newTestOrder(events.SideBuy, 9900_00000000, 1_00000000))
	ob.AddOrder(newTestOrder(events.SideBuy, 9950_00000000, 1_00000000))
	ob.AddOrder(newTestOrder(events.SideSell, 10100_00000000, 1_00000000))
	ob.AddOrder(newTestOrder(events.SideSell, 10050_00000000, 1_00000000))

	bid := ob.GetBestBid()
	if bid == nil || bid.Price != 9950_00000000 {
		t.Fatalf("expected best bid 9950, got %v", bid)
	}
	ask := ob.GetBestAsk()
	if ask == nil || ask.Price != 10050_00000000 {
		t.Fatalf("expected best ask 10050, got %v", ask)
	}

	spread, ok := ob.GetSpread()
	if !ok || spread != 100_00000000 {
		t.Fatalf("expected spread 100, got %v", spread)
	}
}

func TestOrderBook_CancelRemovesEmptyLevel(t *testing.T) {
	ob := NewOrderBook(types.NewMarketID())
	order := newTestOrder(events.SideBuy, 100_00000000, 1_00000000)
	ob.AddOrder(order)

	if ob.GetBestBid() == nil {
		t.Fatalf("expected resting bid level")
	}
	if !ob.CancelOrder(order.ID) {
		t.Fatalf("expected CancelOrder to succeed")
	}
	if ob.GetBestBid() != nil {
		t.Fatalf("expected bid level removed after cancelling only order")
	}
	if ob.TotalOrders() != 0 {
		t.Fatalf("expected 0 orders after cancel, got %d", ob.TotalOrders())
	}
}

func TestOrderBook_FIFOWithinLevel(t *testing.T) {
	ob := NewOrderBook(types.NewMarketID())
	first := newTestOrder(events.SideSell, 100_00000000, 1_00000000)
	second := newTestOrder(events.SideSell, 100_00000000, 2_00000000)
	ob.AddOrder(first)
	ob.AddOrder(second)

	level := ob.GetBestAsk()
	if level.Count() != 2 {
		t.Fatalf("expected 2 orders at level, got %d", level.Count())
	}
	head := level.Head()
	if head.Order.ID != first.ID {
		t.Fatalf("expected FIFO order, first order should be at head")
	}
	if head.Next().Order.ID != second.ID {
		t.Fatalf("expected second order after first in FIFO queue")
	}
}
