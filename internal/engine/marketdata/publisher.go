// Package marketdata distributes post-trade market data and the current
// mark price to the rest of the engine and any external subscribers.
//
// Distribution levels, adapted from an equities L1/L2/trade-report split
// to the perpetual's leaner surface (spec's external interfaces name an
// order/trade/position/price WebSocket egress, out of scope to actually
// serve over the wire, but the in-process pub/sub shape is reused):
//
//   - L1 (top of book): best bid/ask plus the last trade price.
//   - Trade reports: one per matched fill.
//   - Mark price: the latest aggregated mark per market (spec §4.1's
//     PriceSnapshot handler updates this store directly).
package marketdata

import (
	"sync"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// L1Quote represents top-of-book market data for one market.
type L1Quote struct {
	MarketID  types.MarketID
	BidPrice  types.Price
	BidSize   types.Quantity
	AskPrice  types.Price
	AskSize   types.Quantity
	LastPrice types.Price
	LastSize  types.Quantity
	Timestamp types.Timestamp
}

// TradeReport represents a single matched fill.
type TradeReport struct {
	TradeID       types.TradeID
	MarketID      types.MarketID
	Price         types.Price
	Quantity      types.Quantity
	AggressorSide events.Side
	Timestamp     types.Timestamp
}

// Publisher distributes market data to subscribers and holds the latest
// mark price per market — the source `matching.MarkPriceProvider` reads
// from.
//
// Structurally unchanged from the teacher's Publisher (per-symbol and
// all-symbols subscriber lists under one RWMutex, non-blocking buffered
// sends that drop on a full channel rather than block the publisher);
// retargeted from symbol strings/raw int64 fields to the domain's
// MarketID/Price/Quantity types, and extended with the mark price store
// the matching engine's risk checks and the invariant monitor both read.
type Publisher struct {
	mu           sync.RWMutex
	l1Subs       map[types.MarketID][]chan L1Quote
	tradeSubs    map[types.MarketID][]chan TradeReport
	allL1Subs    []chan L1Quote
	allTradeSubs []chan TradeReport
	bufferSize   int

	markPrices map[types.MarketID]types.Price
}

// NewPublisher creates a new market data publisher.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Publisher{
		l1Subs:     make(map[types.MarketID][]chan L1Quote),
		tradeSubs:  make(map[types.MarketID][]chan TradeReport),
		bufferSize: bufferSize,
		markPrices: make(map[types.MarketID]types.Price),
	}
}

// SubscribeL1 subscribes to L1 quotes for a market.
func (p *Publisher) SubscribeL1(marketID types.MarketID) <-chan L1Quote {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan L1Quote, p.bufferSize)
	p.l1Subs[marketID] = append(p.l1Subs[marketID], ch)
	return ch
}

// SubscribeAllL1 subscribes to L1 quotes for every market.
func (p *Publisher) SubscribeAllL1() <-chan L1Quote {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan L1Quote, p.bufferSize)
	p.allL1Subs = append(p.allL1Subs, ch)
	return ch
}

// SubscribeTrades subscribes to trade reports for a market.
func (p *Publisher) SubscribeTrades(marketID types.MarketID) <-chan TradeReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan TradeReport, p.bufferSize)
	p.tradeSubs[marketID] = append(p.tradeSubs[marketID], ch)
	return ch
}

// SubscribeAllTrades subscribes to trade reports for every market.
func (p *Publisher) SubscribeAllTrades() <-chan TradeReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan TradeReport, p.bufferSize)
	p.allTradeSubs = append(p.allTradeSubs, ch)
	return ch
}

// PublishL1 sends an L1 quote update to subscribers. Non-blocking: drops
// the update for any subscriber whose channel is full.
func (p *Publisher) PublishL1(quote L1Quote) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.l1Subs[quote.MarketID] {
		select {
		case ch <- quote:
		default:
		}
	}
	for _, ch := range p.allL1Subs {
		select {
		case ch <- quote:
		default:
		}
	}
}

// PublishTrade sends a trade report to subscribers.
func (p *Publisher) PublishTrade(trade TradeReport) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.tradeSubs[trade.MarketID] {
		select {
		case ch <- trade:
		default:
		}
	}
	for _, ch := range p.allTradeSubs {
		select {
		case ch <- trade:
		default:
		}
	}
}

// SetMarkPrice records the latest aggregated mark price for a market, per
// spec §4.1's PriceSnapshot handler ("update last_mark_price").
func (p *Publisher) SetMarkPrice(marketID types.MarketID, mark types.Price) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markPrices[marketID] = mark
}

// MarkPrice implements matching.MarkPriceProvider: it returns the latest
// mark price recorded for a market, or false if none has been observed
// yet.
func (p *Publisher) MarkPrice(marketID types.MarketID) (types.Price, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.markPrices[marketID]
	return price, ok
}

// Close closes every subscription channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, subs := range p.l1Subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range p.tradeSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range p.allL1Subs {
		close(ch)
	}
	for _, ch := range p.allTradeSubs {
		close(ch)
	}
}
