package liquidation

import (
	"container/heap"
	"sync"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// PriorityQueue holds at most one candidate per user; re-detecting an
// already-queued user refreshes its margin ratio in place rather than
// inserting a duplicate.
type PriorityQueue struct {
	mu    sync.Mutex
	q     queue
	index map[types.UserID]*Candidate
}

// NewPriorityQueue creates an empty liquidation priority queue.
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{index: make(map[types.UserID]*Candidate)}
	heap.Init(&pq.q)
	return pq
}

// Upsert inserts a new candidate, or replaces the queued entry for the same
// user if one is already present (the queue only ever holds the latest
// detection for a given user).
func (pq *PriorityQueue) Upsert(c Candidate) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if existing, ok := pq.index[c.UserID]; ok {
		*existing = c
		heap.Fix(&pq.q, pq.indexOf(existing))
		return
	}
	item := &c
	pq.index[c.UserID] = item
	heap.Push(&pq.q, item)
}

func (pq *PriorityQueue) indexOf(target *Candidate) int {
	for i, c := range pq.q {
		if c == target {
			return i
		}
	}
	return -1
}

// Pop removes and returns the most urgent (lowest margin ratio) candidate,
// or false if the queue is empty.
func (pq *PriorityQueue) Pop() (Candidate, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.q.Len() == 0 {
		return Candidate{}, false
	}
	item := heap.Pop(&pq.q).(*Candidate)
	delete(pq.index, item.UserID)
	return *item, true
}

// Len returns the number of queued candidates.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.q.Len()
}
