package processor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpengine/matching-engine/internal/engine/events"
)

// EventBatcher batches events before writing to the durable log, reducing
// per-event I/O overhead to per-batch.
//
// - Async goroutine that receives events from the processor.
// - Batches events until reaching batch size or timeout.
// - Each flushed event is still one log.Produce call, so a log in sync
//   mode (FileLog with SyncMode) fsyncs once per event, not once per batch.
//
// Kept structurally identical to the teacher's EventBatcher; only the
// payload type and the log collaborator's Produce signature changed.
type EventBatcher struct {
	log           events.Log
	queue         chan *events.BaseEvent
	batchSize     int
	flushInterval time.Duration
	shutdownCh    chan struct{}
	shutdownDone  chan struct{}
	logger        zerolog.Logger
}

// NewEventBatcher creates a new event batcher.
func NewEventBatcher(log events.Log, batchSize int, flushIntervalMs int, logger zerolog.Logger) *EventBatcher {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 10
	}

	return &EventBatcher{
		log:           log,
		queue:         make(chan *events.BaseEvent, batchSize*2),
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		shutdownCh:    make(chan struct{}),
		shutdownDone:  make(chan struct{}),
		logger:        logger.With().Str("component", "event_batcher").Logger(),
	}
}

// Start begins the batching loop.
func (b *EventBatcher) Start() {
	go b.batchLoop()
}

func (b *EventBatcher) batchLoop() {
	defer close(b.shutdownDone)

	batch := make([]*events.BaseEvent, 0, b.batchSize)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-b.queue:
			batch = append(batch, event)
			if len(batch) >= b.batchSize {
				b.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}

		case <-b.shutdownCh:
			if len(batch) > 0 {
				b.flush(batch)
			}
			for {
				select {
				case event := <-b.queue:
					if _, err := b.log.Produce(context.Background(), event); err != nil {
						b.logger.Error().Err(err).Msg("failed to append event during drain")
					}
				default:
					return
				}
			}
		}
	}
}

func (b *EventBatcher) flush(batch []*events.BaseEvent) {
	for _, event := range batch {
		if _, err := b.log.Produce(context.Background(), event); err != nil {
			b.logger.Error().Err(err).Uint8("event_type", uint8(event.Type)).Msg("failed to append event")
		}
	}
}

// QueueEvent queues an event for batched writing. Non-blocking: if the
// queue is full the event is dropped and logged, which should be rare
// with proper buffer sizing.
func (b *EventBatcher) QueueEvent(event *events.BaseEvent) {
	select {
	case b.queue <- event:
	default:
		b.logger.Warn().Uint8("event_type", uint8(event.Type)).Msg("event queue full, dropping event")
	}
}

// Shutdown gracefully shuts down the batcher, flushing all remaining events.
func (b *EventBatcher) Shutdown() {
	close(b.shutdownCh)
	<-b.shutdownDone
}
