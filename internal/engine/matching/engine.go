// Package matching implements price-time-priority order matching with
// self-trade prevention, fee computation and margin reservation on rest.
//
// Architecture: single-threaded core (LMAX Disruptor pattern), adapted
// from the teacher engine's matching.Engine. Determinism requires ProcessOrder
// to be called from exactly one goroutine; external synchronization is the
// event processor's ring buffer/sequencer, not a lock here.
package matching

import (
	"errors"
	"fmt"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/orderbook"
	"github.com/perpengine/matching-engine/internal/engine/orders"
	"github.com/perpengine/matching-engine/internal/engine/risk"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// MarkPriceProvider supplies the current mark price for a market, used by
// the risk checker and by market orders with no explicit limit price.
type MarkPriceProvider interface {
	MarkPrice(marketID types.MarketID) (types.Price, bool)
}

// Engine is the single-threaded order matching engine for every market it
// has been told about via AddMarket.
//
// Thread safety: ProcessOrder must only be called from a single goroutine; the
// ring buffer/sequencer feeding it is the engine's only synchronization.
type Engine struct {
	books        map[types.MarketID]*orderbook.OrderBook
	balances     BalanceProvider
	positions    ledger.Store
	risk         RiskChecker
	markPrices   MarkPriceProvider
	fees         map[types.MarketID]FeeConfig
	maxLeverage  map[types.MarketID]types.Ratio
	clock        *types.Clock
	selfTrade    SelfTradePolicy
}

// NewEngine creates a matching engine. selfTrade sets the default
// self-trade policy applied to every market (spec default: CancelMaker).
func NewEngine(balances BalanceProvider, positions ledger.Store, riskChecker RiskChecker, markPrices MarkPriceProvider, clock *types.Clock, selfTrade SelfTradePolicy) *Engine {
	return &Engine{
		books:      make(map[types.MarketID]*orderbook.OrderBook),
		balances:   balances,
		positions:  positions,
		risk:       riskChecker,
		markPrices:  markPrices,
		fees:        make(map[types.MarketID]FeeConfig),
		maxLeverage: make(map[types.MarketID]types.Ratio),
		clock:       clock,
		selfTrade:  selfTrade,
	}
}

// AddMarket registers a tradable market with its fee schedule and the
// leverage used to size margin reservations for resting orders.
func (e *Engine) AddMarket(marketID types.MarketID, fees FeeConfig, maxLeverage types.Ratio) {
	if _, exists := e.books[marketID]; !exists {
		e.books[marketID] = orderbook.NewOrderBook(marketID)
	}
	e.fees[marketID] = fees
	e.maxLeverage[marketID] = maxLeverage
}

// Book returns the order book for a market, or nil.
func (e *Engine) Book(marketID types.MarketID) *orderbook.OrderBook {
	return e.books[marketID]
}

func (e *Engine) markPrice(marketID types.MarketID, fallback types.Price) types.Price {
	if e.markPrices == nil {
		return fallback
	}
	if p, ok := e.markPrices.MarkPrice(marketID); ok {
		return p
	}
	return fallback
}

// ProcessOrder is the main entry point: validate, risk-check, match, then
// rest/cancel the remainder per time-in-force. O(M log P) in the number of
// fills M and price levels P.
func (e *Engine) ProcessOrder(order *orders.Order) *orders.ExecutionResult {
	result := &orders.ExecutionResult{Order: order, Fills: make([]orders.Fill, 0)}

	book, ok := e.books[order.MarketID]
	if !ok {
		return reject(result, order, fmt.Sprintf("unknown market: %s", order.MarketID))
	}
	if order.Quantity <= 0 {
		return reject(result, order, "quantity must be positive")
	}
	if order.Type == events.OrderTypeLimit && order.Price <= 0 {
		return reject(result, order, "limit order must have a positive price")
	}

	if order.ID.IsZero() {
		order.ID = types.NewOrderID()
	}
	if order.Timestamp == (types.Timestamp{}) {
		order.Timestamp = e.clock.Now()
	}
	order.Status = orders.StatusNew

	mark := e.markPrice(order.MarketID, order.Price)

	if e.risk != nil {
		account, err := e.balances.Get(order.AccountID)
		if err != nil {
			return reject(result, order, fmt.Sprintf("unknown account: %s", order.AccountID))
		}
		position, _ := e.positions.Position(order.UserID, order.MarketID)
		check := e.risk.Check(order, account, position, mark)
		if !check.Passed {
			return reject(result, order, check.Reason)
		}
	}

	if order.PostOnly && wouldCross(order, book) {
		return reject(result, order, "post-only order would cross the book")
	}

	if order.TimeInForce == events.TimeInForceFOK && !e.canFillEntirely(order, book) {
		return reject(result, order, "could not fill entire quantity")
	}

	result.Accepted = true
	fills, err := e.matchOrder(order, book)
	if err != nil {
		return reject(result, order, err.Error())
	}
	result.Fills = fills

	switch {
	case order.IsFilled():
		order.Status = orders.StatusFilled
	case order.FilledQty > 0:
		order.Status = orders.StatusPartiallyFilled
	}

	remaining := order.RemainingQty()
	if remaining > 0 {
		switch {
		case order.Type == events.OrderTypeMarket:
			order.Status = orders.StatusCancelled
			result.RejectReason = "insufficient liquidity"
		case order.TimeInForce == events.TimeInForceIOC:
			order.Status = orders.StatusCancelled
		case order.TimeInForce == events.TimeInForceFOK:
			order.Status = orders.StatusCancelled
			result.Accepted = false
			result.RejectReason = "could not fill entire quantity"
		default: // GTC limit rests in the book.
			if err := e.restOrder(order, remaining, mark); err != nil {
				order.Status = orders.StatusCancelled
				result.RejectReason = err.Error()
				return result
			}
			book.AddOrder(order)
			result.RestingQty = remaining
		}
	}

	return result
}

// ProcessLiquidation submits a forced-closure IOC order on behalf of a
// position under liquidation. Unlike ProcessOrder it bypasses the
// pre-trade risk check — the account is already below maintenance margin
// by construction, which would otherwise reject every liquidation order —
// and it never rests: whatever it cannot fill immediately is abandoned,
// leaving the position to be redetected on the next price tick per
// spec §4.4 step 5.
func (e *Engine) ProcessLiquidation(order *orders.Order) *orders.ExecutionResult {
	result := &orders.ExecutionResult{Order: order, Fills: make([]orders.Fill, 0)}

	book, ok := e.books[order.MarketID]
	if !ok {
		return reject(result, order, fmt.Sprintf("unknown market: %s", order.MarketID))
	}
	if order.Quantity <= 0 {
		return reject(result, order, "quantity must be positive")
	}

	if order.ID.IsZero() {
		order.ID = types.NewOrderID()
	}
	if order.Timestamp == (types.Timestamp{}) {
		order.Timestamp = e.clock.Now()
	}
	order.TimeInForce = events.TimeInForceIOC
	order.Status = orders.StatusNew

	result.Accepted = true
	fills, err := e.matchOrder(order, book)
	if err != nil {
		return reject(result, order, err.Error())
	}
	result.Fills = fills

	switch {
	case order.IsFilled():
		order.Status = orders.StatusFilled
	case order.FilledQty > 0:
		order.Status = orders.StatusPartiallyFilled
	default:
		order.Status = orders.StatusCancelled
	}
	if order.RemainingQty() > 0 {
		order.Status = orders.StatusCancelled
	}
	return result
}

func reject(result *orders.ExecutionResult, order *orders.Order, reason string) *orders.ExecutionResult {
	order.Status = orders.StatusRejected
	result.Accepted = false
	result.RejectReason = reason
	return result
}

// ErrOrderNotFound is returned by CancelOrder when no resting order with
// the given ID exists in the market's book.
var ErrOrderNotFound = errors.New("matching: order not found")

// ErrNotOrderOwner is returned by CancelOrder when accountID does not match
// the resting order's own account.
var ErrNotOrderOwner = errors.New("matching: account does not own order")

// CancelOrder removes a resting order from the book and releases the
// margin reserved for it, per spec §4.1's OrderCancel handler: verify
// ownership, remove from book, release margin. It releases the order's
// whole ReservedMargin; fills do not release any reserved margin, so the
// amount is not scaled to the cancelled (unfilled) quantity.
func (e *Engine) CancelOrder(marketID types.MarketID, orderID types.OrderID, accountID types.AccountID) (*orders.Order, error) {
	book, ok := e.books[marketID]
	if !ok {
		return nil, fmt.Errorf("unknown market: %s", marketID)
	}
	order, ok := book.GetOrder(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.AccountID != accountID {
		return nil, ErrNotOrderOwner
	}
	if !book.CancelOrder(orderID) {
		return nil, ErrOrderNotFound
	}
	if order.ReservedMargin > 0 {
		if err := e.balances.ReleaseMargin(order.AccountID, order.ReservedMargin, e.clock.Now(), order.ID.String()); err != nil {
			return nil, err
		}
		order.ReservedMargin = 0
	}
	order.Status = orders.StatusCancelled
	return order, nil
}

// restOrder reserves initial margin for the residual quantity before it is
// added to the book — the matcher never lets an order rest without capital
// backing it, unlike the teacher's cash-settled spot book which reserved
// nothing.
func (e *Engine) restOrder(order *orders.Order, qty types.Quantity, mark types.Price) error {
	price := order.Price
	if price == 0 {
		price = mark
	}
	leverage := e.maxLeverage[order.MarketID]
	if leverage <= 0 {
		leverage = types.PriceScale // default to 1x when unconfigured
	}
	margin, err := risk.InitialMargin(qty, price, leverage)
	if err != nil {
		return err
	}
	if err := e.balances.ReserveMargin(order.AccountID, margin, e.clock.Now(), order.ID.String()); err != nil {
		return err
	}
	order.ReservedMargin += margin
	return nil
}

func wouldCross(order *orders.Order, book *orderbook.OrderBook) bool {
	if order.Side == events.SideBuy {
		ask := book.GetBestAsk()
		return ask != nil && order.Price >= ask.Price
	}
	bid := book.GetBestBid()
	return bid != nil && order.Price <= bid.Price
}

// matchOrder walks the opposing side of the book, applying self-trade
// policy and fee computation per fill, per spec §4.2's algorithm.
func (e *Engine) matchOrder(order *orders.Order, book *orderbook.OrderBook) ([]orders.Fill, error) {
	var fills []orders.Fill
	fees := e.fees[order.MarketID]

	var getLevel func() *orderbook.PriceLevel
	var priceAcceptable func(levelPrice types.Price) bool

	if order.Side == events.SideBuy {
		getLevel = book.GetBestAsk
		priceAcceptable = func(levelPrice types.Price) bool {
			return order.Type == events.OrderTypeMarket || levelPrice <= order.Price
		}
	} else {
		getLevel = book.GetBestBid
		priceAcceptable = func(levelPrice types.Price) bool {
			return order.Type == events.OrderTypeMarket || levelPrice >= order.Price
		}
	}

	for order.RemainingQty() > 0 {
		level := getLevel()
		if level == nil || !priceAcceptable(level.Price) {
			break
		}

		node := level.Head()
		for node != nil && order.RemainingQty() > 0 {
			maker := node.Order
			next := node.Next()

			if maker.AccountID == order.AccountID {
				switch e.selfTrade {
				case CancelTaker:
					return fills, nil
				case CancelBoth:
					book.CancelOrder(maker.ID)
					maker.Status = orders.StatusCancelled
					return fills, nil
				case Allow:
					// fall through to normal fill
				default: // CancelMaker
					book.CancelOrder(maker.ID)
					maker.Status = orders.StatusCancelled
					node = next
					continue
				}
			}

			fillQty := minQty(order.RemainingQty(), maker.RemainingQty())
			fill, err := e.buildFill(order, maker, level.Price, fillQty, fees)
			if err != nil {
				return fills, err
			}
			fills = append(fills, *fill)

			order.FilledQty += fillQty
			maker.FilledQty += fillQty
			if maker.IsFilled() {
				maker.Status = orders.StatusFilled
			} else {
				maker.Status = orders.StatusPartiallyFilled
			}

			if err := e.settleFill(order, maker, fill); err != nil {
				return fills, err
			}

			level.UpdateQuantity(-fillQty)
			if maker.IsFilled() {
				book.CancelOrder(maker.ID)
			}

			node = next
		}

		if level.IsEmpty() {
			break
		}
	}

	return fills, nil
}

func (e *Engine) buildFill(taker, maker *orders.Order, price types.Price, qty types.Quantity, fees FeeConfig) (*orders.Fill, error) {
	notional, err := types.Notional(qty, price)
	if err != nil {
		return nil, err
	}
	makerProduct, err := types.MulDiv(int64(notional), int64(fees.MakerRate), 1)
	if err != nil {
		return nil, err
	}
	takerProduct, err := types.MulDiv(int64(notional), int64(fees.TakerRate), 1)
	if err != nil {
		return nil, err
	}
	makerFee := types.Balance(types.RoundHalfEven(makerProduct, types.PriceScale))
	takerFee := types.Balance(types.RoundCeil(takerProduct, types.PriceScale))

	return &orders.Fill{
		TradeID:        types.NewTradeID(),
		MakerOrderID:   maker.ID,
		TakerOrderID:   taker.ID,
		MakerAccountID: maker.AccountID,
		TakerAccountID: taker.AccountID,
		Price:          price,
		Quantity:       qty,
		Timestamp:      e.clock.Now(),
		MakerFee:       makerFee,
		TakerFee:       takerFee,
		TakerSide:      taker.Side,
	}, nil
}

// settleFill applies position updates and fee/PnL debits for both sides of
// a single fill.
func (e *Engine) settleFill(taker, maker *orders.Order, fill *orders.Fill) error {
	now := e.clock.Now()

	if err := e.applySideOfFill(maker.AccountID, maker.UserID, maker.MarketID, maker.Side, fill.Quantity, fill.Price, fill.MakerFee, now, fill.TradeID.String()); err != nil {
		return err
	}
	if err := e.applySideOfFill(taker.AccountID, taker.UserID, taker.MarketID, taker.Side, fill.Quantity, fill.Price, fill.TakerFee, now, fill.TradeID.String()); err != nil {
		return err
	}
	return nil
}

func (e *Engine) applySideOfFill(accountID types.AccountID, userID types.UserID, marketID types.MarketID, side events.Side, qty types.Quantity, price types.Price, fee types.Balance, now types.Timestamp, reference string) error {
	position, err := e.positions.Position(userID, marketID)
	if err != nil {
		return err
	}
	realized, err := position.ApplyFill(side, qty, price)
	if err != nil {
		return err
	}
	if err := e.positions.UpsertPosition(position); err != nil {
		return err
	}
	if realized != 0 {
		if err := e.balances.ApplyRealizedPnL(accountID, realized, ledger.EntryTrade, now, reference); err != nil {
			return err
		}
	}
	if fee != 0 {
		if err := e.balances.ApplyFee(accountID, fee, now, reference); err != nil {
			return err
		}
	}
	return nil
}

// canFillEntirely checks whether an FOK order's full quantity is coverable
// by currently resting liquidity, without mutating book state. Kept from
// the teacher's same O(levels) walk; FOK orders are rare enough that this
// doesn't need to be fast.
func (e *Engine) canFillEntirely(order *orders.Order, book *orderbook.OrderBook) bool {
	var levels []*orderbook.PriceLevel
	if order.Side == events.SideBuy {
		levels = book.AskLevels(1 << 20)
	} else {
		levels = book.BidLevels(1 << 20)
	}

	remaining := order.Quantity
	for _, level := range levels {
		acceptable := order.Type == events.OrderTypeMarket
		if order.Side == events.SideBuy {
			acceptable = acceptable || level.Price <= order.Price
		} else {
			acceptable = acceptable || level.Price >= order.Price
		}
		if !acceptable {
			break
		}
		if level.TotalQty >= remaining {
			return true
		}
		remaining -= level.TotalQty
	}
	return remaining <= 0
}

func minQty(a, b types.Quantity) types.Quantity {
	if a < b {
		return a
	}
	return b
}
