// Package processor implements the LMAX Disruptor pattern for lock-free,
// single-writer event processing.
//
// The Disruptor pattern achieves high throughput through:
// 1. Lock-free multi-producer coordination using CAS operations
// 2. Pre-allocated ring buffer to eliminate GC pressure
// 3. Cache-aligned data structures to prevent false sharing
// 4. Single-threaded consumer for deterministic processing
//
// Reference: https://lmax-exchange.github.io/disruptor/
//
// Adapted from the teacher engine's internal/disruptor package: the ring
// buffer, sequencer and spin-wait consumer loop are kept structurally
// unchanged (same slot layout, same CAS claim/publish discipline). What
// changes is the payload riding the buffer: instead of an
// order-submit/cancel request union, each slot now carries a full
// events.BaseEvent, dispatched through the spec §4.1 table rather than
// straight into the matcher.
package processor

import (
	"errors"

	"github.com/perpengine/matching-engine/internal/engine/events"
)

// Result is the outcome of processing one event, delivered back to the
// producer that published it.
type Result struct {
	Sequence events.Sequence
	Accepted bool
	Err      error
}

// RingBufferSlot represents a single slot in the ring buffer.
// Cache-aligned to 64 bytes to prevent false sharing between CPU cores.
type RingBufferSlot struct {
	// SequenceNum is the sequence number for this slot.
	// The slot is ready when SequenceNum matches the expected sequence.
	SequenceNum uint64

	// Event is the queued event awaiting dispatch.
	Event *events.BaseEvent

	// ResponseCh is where the result will be sent.
	ResponseCh chan *Result

	// Padding to reach 64 bytes: 8 (seq) + 8 (event ptr) + 8 (chan ptr) = 24
	// bytes used, 40 bytes padding.
	_ [40]byte
}

// RingBuffer is a lock-free, multi-producer, single-consumer ring buffer.
//
// - Fixed size (must be a power of 2 for fast modulo via bitwise AND)
// - Pre-allocated slots to avoid GC pressure
// - Atomic cursors for multi-producer coordination
// - Gating sequence to prevent overwriting unconsumed data
type RingBuffer struct {
	bufferSize uint64
	indexMask  uint64
	slots      []RingBufferSlot

	// cursor is the write cursor (multi-producer, atomic CAS); tracks the
	// highest claimed sequence number.
	cursor uint64
	// consumerCursor is the read cursor (single consumer); tracks the next
	// sequence to be consumed.
	consumerCursor uint64
	// gatingSequence tracks the highest consumed sequence, preventing
	// producers from overwriting unconsumed data.
	gatingSequence uint64

	_ [40]byte
}

// Config holds ring buffer configuration.
type Config struct {
	// BufferSize is the number of slots in the ring buffer. Must be a
	// power of 2 (e.g. 1024, 4096, 8192).
	BufferSize uint64
}

// DefaultConfig returns reasonable defaults for the ring buffer.
func DefaultConfig() Config {
	return Config{BufferSize: 8192}
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(config Config) *RingBuffer {
	if config.BufferSize == 0 || (config.BufferSize&(config.BufferSize-1)) != 0 {
		panic("BufferSize must be a power of 2")
	}

	return &RingBuffer{
		bufferSize:     config.BufferSize,
		indexMask:      config.BufferSize - 1,
		slots:          make([]RingBufferSlot, config.BufferSize),
		cursor:         0,
		consumerCursor: 1,
		gatingSequence: 0,
	}
}

// GetBufferSize returns the buffer size.
func (rb *RingBuffer) GetBufferSize() uint64 {
	return rb.bufferSize
}

// ErrBufferFull is returned when the ring buffer is full.
var ErrBufferFull = errors.New("processor: ring buffer is full")
