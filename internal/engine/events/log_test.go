package events

import (
	"context"
	"testing"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

func TestInMemoryLog_ProduceAssignsSequenceAndChecksum(t *testing.T) {
	log := NewInMemoryLog()
	ctx := context.Background()

	event := &BaseEvent{
		EventID: types.NewEventID(),
		Type:    EventTypeBalanceUpdate,
		Payload: &BalanceUpdatePayload{Amount: types.Balance(100)},
	}

	seq, err := log.Produce(ctx, event)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence 1, got %d", seq)
	}
	if !event.VerifyChecksum() {
		t.Fatalf("expected checksum to verify after Stamp")
	}

	fetched, err := log.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched.Sequence != 1 {
		t.Errorf("expected fetched sequence 1, got %d", fetched.Sequence)
	}

	if _, err := log.Fetch(ctx, 2); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown sequence, got %v", err)
	}
}

func TestInMemoryLog_FetchNextAdvancesCursor(t *testing.T) {
	log := NewInMemoryLog()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		log.Produce(ctx, &BaseEvent{EventID: types.NewEventID(), Type: EventTypeEmpty})
	}

	for i := Sequence(1); i <= 3; i++ {
		ev, err := log.FetchNext(ctx)
		if err != nil {
			t.Fatalf("FetchNext: %v", err)
		}
		if ev.Sequence != i {
			t.Errorf("expected sequence %d, got %d", i, ev.Sequence)
		}
	}

	if _, err := log.FetchNext(ctx); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after exhausting log, got %v", err)
	}
}

func TestChecksumDetectsTampering(t *testing.T) {
	event := (&BaseEvent{
		EventID:   types.NewEventID(),
		Sequence:  42,
		Type:      EventTypeTrade,
		Timestamp: types.Timestamp{PhysicalMS: 1000},
	}).Stamp()

	if !event.VerifyChecksum() {
		t.Fatalf("expected freshly stamped event to verify")
	}

	event.Sequence = 43
	if event.VerifyChecksum() {
		t.Fatalf("expected checksum mismatch after mutating sequence without re-stamping")
	}
}
