package processor

import (
	"runtime"
	"sync/atomic"

	"github.com/perpengine/matching-engine/internal/engine/events"
)

// Sequencer coordinates access to the ring buffer using atomic CAS
// operations.
//
// - Next() claims a sequence number for a producer.
// - Publish() writes the event to the claimed slot.
// - Multi-producer safe through a CAS loop.
// - Backpressure via spinning and eventual rejection.
type Sequencer struct {
	rb *RingBuffer
}

// NewSequencer creates a new sequencer for the given ring buffer.
func NewSequencer(rb *RingBuffer) *Sequencer {
	return &Sequencer{rb: rb}
}

// Next claims the next sequence number for writing.
//
// Lock-free and multi-producer safe via atomic CAS. If the buffer is full
// it spins briefly (~100μs) before returning ErrBufferFull.
func (s *Sequencer) Next() (uint64, error) {
	const maxSpins = 10000 // ~100μs on modern CPU (10ns per iteration)

	for spins := 0; spins < maxSpins; spins++ {
		current := atomic.LoadUint64(&s.rb.cursor)
		next := current + 1

		cachedGatingSequence := atomic.LoadUint64(&s.rb.gatingSequence)
		availableSequence := cachedGatingSequence + s.rb.bufferSize

		if next > availableSequence {
			runtime.Gosched()
			continue
		}

		if atomic.CompareAndSwapUint64(&s.rb.cursor, current, next) {
			return next, nil
		}
	}

	return 0, ErrBufferFull
}

// Publish writes an event to the claimed sequence slot.
//
// Must only be called after successfully claiming a sequence via Next().
// The atomic store of SequenceNum is the release barrier that makes the
// slot's Event/ResponseCh writes visible to the single consumer.
func (s *Sequencer) Publish(seq uint64, event *events.BaseEvent, responseCh chan *Result) {
	index := seq & s.rb.indexMask
	slot := &s.rb.slots[index]

	slot.Event = event
	slot.ResponseCh = responseCh

	atomic.StoreUint64(&slot.SequenceNum, seq)
}
