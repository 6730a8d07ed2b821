// Package liquidation implements the detector, priority queue, sizer and
// executor that force-close under-margined positions. The priority queue
// is a container/heap min-heap keyed by margin ratio, grounded on the
// backtest package's eventQueue (other_examples/meltica-gateway) — the
// same Len/Less/Swap/Push/Pop shape, keyed here by margin ratio instead of
// event timestamp.
package liquidation

import (
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Candidate is a position whose margin ratio has fallen below 1.0.
type Candidate struct {
	UserID            types.UserID
	MarketID          types.MarketID
	Position          ledger.Position
	Equity            types.Balance // account balance + unrealized PnL
	MaintenanceMargin types.Balance
	MarginRatio       float64
	MarkPrice         types.Price
}

// queue is a min-heap of candidates ordered by ascending margin ratio
// (lowest ratio — most urgent — first), deduplicated per user by the
// PriorityQueue wrapper.
type queue []*Candidate

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool { return q[i].MarginRatio < q[j].MarginRatio }

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) {
	*q = append(*q, x.(*Candidate))
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
