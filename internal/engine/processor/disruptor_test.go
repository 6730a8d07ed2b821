package processor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// TestRingBuffer_BasicOperations tests basic ring buffer operations.
func TestRingBuffer_BasicOperations(t *testing.T) {
	rb := NewRingBuffer(DefaultConfig())

	if rb.GetBufferSize() != 8192 {
		t.Errorf("Expected buffer size 8192, got %d", rb.GetBufferSize())
	}

	size := rb.bufferSize
	if size&(size-1) != 0 {
		t.Errorf("Buffer size %d is not a power of 2", size)
	}

	expectedMask := size - 1
	if rb.indexMask != expectedMask {
		t.Errorf("Expected index mask %d, got %d", expectedMask, rb.indexMask)
	}
}

// TestSequencer_SingleProducer tests single producer scenario.
func TestSequencer_SingleProducer(t *testing.T) {
	rb := NewRingBuffer(Config{BufferSize: 1024})
	seq := NewSequencer(rb)

	for i := uint64(1); i <= 100; i++ {
		s, err := seq.Next()
		if err != nil {
			t.Fatalf("Failed to claim sequence %d: %v", i, err)
		}
		if s != i {
			t.Errorf("Expected sequence %d, got %d", i, s)
		}
	}
}

// TestSequencer_MultiProducer tests concurrent producers claiming distinct
// sequences with no duplicates.
func TestSequencer_MultiProducer(t *testing.T) {
	rb := NewRingBuffer(Config{BufferSize: 4096})
	seq := NewSequencer(rb)

	numProducers := 10
	sequencesPerProducer := 100

	var wg sync.WaitGroup
	claimed := make(map[uint64]bool)
	claimedMu := sync.Mutex{}

	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < sequencesPerProducer; i++ {
				s, err := seq.Next()
				if err != nil {
					t.Errorf("Failed to claim sequence: %v", err)
					return
				}
				claimedMu.Lock()
				if claimed[s] {
					t.Errorf("Duplicate sequence claimed: %d", s)
				}
				claimed[s] = true
				claimedMu.Unlock()
			}
		}()
	}
	wg.Wait()

	expectedTotal := numProducers * sequencesPerProducer
	if len(claimed) != expectedTotal {
		t.Errorf("Expected %d unique sequences, got %d", expectedTotal, len(claimed))
	}
}

// TestSequencer_Backpressure tests backpressure when the buffer fills.
func TestSequencer_Backpressure(t *testing.T) {
	rb := NewRingBuffer(Config{BufferSize: 16})
	seq := NewSequencer(rb)

	for i := uint64(1); i <= 16; i++ {
		if _, err := seq.Next(); err != nil {
			t.Fatalf("Failed to claim sequence %d: %v", i, err)
		}
	}

	if _, err := seq.Next(); err != ErrBufferFull {
		t.Errorf("Expected ErrBufferFull, got %v", err)
	}
}

// TestDisruptorIntegration exercises the full claim/publish/consume flow
// with events.BaseEvent riding the buffer instead of the teacher's
// order-request union.
func TestDisruptorIntegration(t *testing.T) {
	rb := NewRingBuffer(Config{BufferSize: 1024})
	seq := NewSequencer(rb)

	var consumed uint64
	numOrders := 100
	responseChs := make([]chan *Result, numOrders)
	marketID := types.NewMarketID()

	for i := 0; i < numOrders; i++ {
		s, err := seq.Next()
		if err != nil {
			t.Fatalf("Failed to claim sequence: %v", err)
		}
		responseChs[i] = make(chan *Result, 1)

		event := &events.BaseEvent{
			EventID:  types.NewEventID(),
			Type:     events.EventTypeOrderSubmit,
			MarketID: marketID,
			Sequence: events.Sequence(s),
			Payload: &events.OrderSubmitPayload{
				OrderID:  types.NewOrderID(),
				Side:     events.SideBuy,
				Price:    types.PriceFromFloat(150.00),
				Quantity: types.QuantityFromFloat(100),
			},
		}
		event.Stamp()
		seq.Publish(s, event, responseChs[i])
	}

	nextSeq := uint64(1)
	for nextSeq <= uint64(numOrders) {
		index := nextSeq & rb.indexMask
		slot := &rb.slots[index]

		for {
			available := atomic.LoadUint64(&slot.SequenceNum)
			if available == nextSeq {
				break
			}
			time.Sleep(10 * time.Microsecond)
		}

		if slot.Event == nil {
			t.Errorf("Slot %d has nil event", nextSeq)
		} else if slot.Event.Type != events.EventTypeOrderSubmit {
			t.Errorf("Expected EventTypeOrderSubmit, got %v", slot.Event.Type)
		} else if !slot.Event.VerifyChecksum() {
			t.Errorf("Slot %d event failed checksum verification", nextSeq)
		}

		atomic.StoreUint64(&rb.gatingSequence, nextSeq)
		nextSeq++
		consumed++
	}

	if consumed != uint64(numOrders) {
		t.Errorf("Expected to consume %d orders, consumed %d", numOrders, consumed)
	}
}

// BenchmarkSequencer_SingleProducer benchmarks single producer throughput.
func BenchmarkSequencer_SingleProducer(b *testing.B) {
	rb := NewRingBuffer(Config{BufferSize: 8192})
	seq := NewSequencer(rb)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := seq.Next()
		if err != nil {
			b.Fatalf("Failed to claim sequence: %v", err)
		}
		index := s & rb.indexMask
		atomic.StoreUint64(&rb.slots[index].SequenceNum, s)
		if i%100 == 0 {
			atomic.StoreUint64(&rb.gatingSequence, s-rb.bufferSize/2)
		}
	}
}

// BenchmarkSequencer_MultiProducer benchmarks multi-producer throughput.
func BenchmarkSequencer_MultiProducer(b *testing.B) {
	rb := NewRingBuffer(Config{BufferSize: 8192})
	seq := NewSequencer(rb)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s, err := seq.Next()
			if err != nil {
				continue
			}
			index := s & rb.indexMask
			atomic.StoreUint64(&rb.slots[index].SequenceNum, s)
		}
	})
}
