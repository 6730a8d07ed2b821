package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/processor"
)

// Replayer feeds events from a log through the event processor's normal
// Process entry point — the same dispatch path live traffic uses — so
// replayed state is bit-identical to the original run (spec §8's S6
// snapshot round-trip property).
type Replayer struct {
	log  events.Log
	proc *processor.EventProcessor
}

// NewReplayer creates a Replayer over log, dispatching into proc.
func NewReplayer(log events.Log, proc *processor.EventProcessor) *Replayer {
	return &Replayer{log: log, proc: proc}
}

// Replay feeds every event with sequence strictly greater than from
// through the processor, in order, stopping at the end of the log. This
// is the tail-of-log replay step that follows loading a Snapshot: since
// the snapshot's own Sequence is the last event already reflected in its
// captured state, replay resumes at from+1.
func (r *Replayer) Replay(ctx context.Context, from events.Sequence) (events.Sequence, error) {
	last := from
	seq := from + 1
	for {
		event, err := r.log.Fetch(ctx, seq)
		if err != nil {
			if errors.Is(err, events.ErrNotFound) {
				return last, nil
			}
			return last, fmt.Errorf("snapshot: replay fetch sequence %d: %w", seq, err)
		}
		if err := r.proc.Process(event); err != nil {
			return last, fmt.Errorf("snapshot: replay apply sequence %d: %w", seq, err)
		}
		last = event.Sequence
		seq++
	}
}
