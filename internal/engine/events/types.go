// Package events defines the event envelope and typed payload union that
// flows through the engine's event-sourced core, plus the Log collaborator
// interface (spec §6) used to append and replay them.
//
// Event Sourcing: state is never stored directly, it is derived by
// replaying this log from a snapshot. Every mutation to ledger, position,
// or order-book state must be representable as one of these payloads.
package events

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Sequence is the monotonically increasing number the event log transport
// assigns at produce time.
type Sequence uint64

// EventType tags the payload union carried by a BaseEvent.
type EventType uint8

const (
	EventTypeEmpty EventType = iota
	EventTypeOrderSubmit
	EventTypeOrderCancel
	EventTypeTrade
	EventTypePriceSnapshot
	EventTypeFunding
	EventTypeLiquidation
	EventTypeBalanceUpdate
)

func (t EventType) String() string {
	switch t {
	case EventTypeOrderSubmit:
		return "ORDER_SUBMIT"
	case EventTypeOrderCancel:
		return "ORDER_CANCEL"
	case EventTypeTrade:
		return "TRADE"
	case EventTypePriceSnapshot:
		return "PRICE_SNAPSHOT"
	case EventTypeFunding:
		return "FUNDING"
	case EventTypeLiquidation:
		return "LIQUIDATION"
	case EventTypeBalanceUpdate:
		return "BALANCE_UPDATE"
	default:
		return "EMPTY"
	}
}

// BaseEvent is the envelope every event is wrapped in before it reaches the
// log. Checksum covers (EventID, Sequence, PhysicalMS, EventType) and is
// verified by the processor before dispatch (spec §3).
type BaseEvent struct {
	EventID       types.EventID
	Type          EventType
	Version       uint16
	Timestamp     types.Timestamp
	MarketID      types.MarketID
	Sequence      Sequence
	CorrelationID types.EventID
	Metadata      map[string]string
	Payload       any
	Checksum      [32]byte
}

// ComputeChecksum derives the SHA-256 checksum over the fields the spec
// names: event id, sequence, physical timestamp and event type tag.
func (e *BaseEvent) ComputeChecksum() [32]byte {
	var buf [24]byte
	eventID := [16]byte(e.EventID)
	copy(buf[0:16], eventID[:])
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.Sequence))
	h := sha256.New()
	h.Write(buf[:])
	var physBuf [8]byte
	binary.BigEndian.PutUint64(physBuf[:], uint64(e.Timestamp.PhysicalMS))
	h.Write(physBuf[:])
	h.Write([]byte{byte(e.Type)})
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Stamp computes and sets the checksum field, returning the event for
// chaining.
func (e *BaseEvent) Stamp() *BaseEvent {
	e.Checksum = e.ComputeChecksum()
	return e
}

// VerifyChecksum reports whether the event's stored checksum matches its
// recomputed value.
func (e *BaseEvent) VerifyChecksum() bool {
	return e.Checksum == e.ComputeChecksum()
}

// OrderSubmitPayload carries a new order submission.
type OrderSubmitPayload struct {
	OrderID       types.OrderID
	AccountID     types.AccountID
	Side          Side
	OrderType     OrderType
	TimeInForce   TimeInForce
	Price         types.Price
	Quantity      types.Quantity
	ReduceOnly    bool
	PostOnly      bool
	SlippageLimit types.Ratio
	ClientOrderID string
}

// OrderCancelPayload carries an order cancellation request.
type OrderCancelPayload struct {
	OrderID   types.OrderID
	AccountID types.AccountID
}

// TradePayload is used on the replay path: it carries a previously-matched
// trade so position/balance/fee updates can be reapplied without re-running
// the matcher.
type TradePayload struct {
	TradeID        types.TradeID
	MakerOrderID   types.OrderID
	TakerOrderID   types.OrderID
	MakerAccountID types.AccountID
	TakerAccountID types.AccountID
	Price          types.Price
	Quantity       types.Quantity
	TakerSide      Side
	MakerFee       types.Balance
	TakerFee       types.Balance
}

// PriceSnapshotPayload carries an aggregated mark/index price update.
type PriceSnapshotPayload struct {
	IndexPrice types.Price
	MarkPrice  types.Price
}

// FundingPayload carries a funding round's per-user payments.
type FundingPayload struct {
	Rate     types.FundingRate
	Payments []FundingPaymentEntry
}

// FundingPaymentEntry is one account's funding payment within a round.
type FundingPaymentEntry struct {
	AccountID types.AccountID
	Amount    types.Balance // negative = account pays, positive = account receives
}

// LiquidationPayload carries a persisted liquidation to be re-applied
// during replay.
type LiquidationPayload struct {
	LiquidationID   types.LiquidationID
	AccountID       types.AccountID
	Full            bool
	LiquidatedQty   types.Quantity
	Price           types.Price
	MarginRatio     types.Ratio
	InsuranceImpact types.Balance
}

// BalanceUpdatePayload carries a deposit or withdrawal.
type BalanceUpdatePayload struct {
	AccountID types.AccountID
	UserID    types.UserID
	Amount    types.Balance // positive = deposit, negative = withdrawal
}

// Side mirrors the order book side.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// OrderType represents the execution semantics of an order.
type OrderType int

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
)

func (t OrderType) String() string {
	if t == OrderTypeMarket {
		return "MARKET"
	}
	return "LIMIT"
}

// TimeInForce controls how unfilled quantity is handled after matching.
type TimeInForce int

const (
	TimeInForceGTC TimeInForce = iota
	TimeInForceIOC
	TimeInForceFOK
)

func (f TimeInForce) String() string {
	switch f {
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	default:
		return "GTC"
	}
}
