// Package orders defines the core order, fill and trade types shared by
// the order book and matcher, generalized from the teacher engine's
// equities order model to the perpetual-futures order model: signed
// margin-reserving orders with GTC/IOC/FOK time-in-force and reduce-only
// / post-only constraints, on fixed-point Price/Quantity instead of bare
// cents.
package orders

import (
	"fmt"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Status represents the current state of an order.
type Status int

const (
	StatusNew Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Order represents a single order resting in or passing through the book.
type Order struct {
	ID            types.OrderID
	MarketID      types.MarketID
	UserID        types.UserID
	AccountID     types.AccountID
	ClientOrderID string

	Side        events.Side
	Type        events.OrderType
	TimeInForce events.TimeInForce

	Price         types.Price
	Quantity      types.Quantity
	FilledQty     types.Quantity
	ReduceOnly    bool
	PostOnly      bool
	SlippageLimit types.Ratio

	ReservedMargin types.Balance

	Timestamp types.Timestamp
	Status    Status
}

// RemainingQty returns the unfilled quantity of the order.
func (o *Order) RemainingQty() types.Quantity {
	return o.Quantity - o.FilledQty
}

// IsFilled reports whether the order has been completely filled.
func (o *Order) IsFilled() bool {
	return o.FilledQty >= o.Quantity
}

// IsActive reports whether the order can still be matched.
func (o *Order) IsActive() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyFilled
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{ID:%s, %s %d@%s, Filled:%s, Status:%s}",
		o.ID, o.Side, o.MarketID, o.Price, o.FilledQty, o.Status)
}

// Fill represents a single execution between a taker and a resting maker.
type Fill struct {
	TradeID        types.TradeID
	MakerOrderID   types.OrderID
	TakerOrderID   types.OrderID
	MakerAccountID types.AccountID
	TakerAccountID types.AccountID

	Price     types.Price
	Quantity  types.Quantity
	Timestamp types.Timestamp

	MakerFee types.Balance
	TakerFee types.Balance

	TakerSide events.Side
}

func (f *Fill) String() string {
	return fmt.Sprintf("Fill{Trade:%s, %s@%s, Maker:%s, Taker:%s}",
		f.TradeID, f.Quantity, f.Price, f.MakerOrderID, f.TakerOrderID)
}

// ExecutionResult contains the outcome of processing an order through the
// matcher.
type ExecutionResult struct {
	Order        *Order
	Fills        []Fill
	Accepted     bool
	RejectReason string
	RestingQty   types.Quantity
}
