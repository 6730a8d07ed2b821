package priceagg

import (
	"math"

	"github.com/perpengine/matching-engine/internal/engine/invariant"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

const (
	defaultIndexStepThreshold = 0.10 // 10%
	defaultMarkIndexThreshold = 0.05 // 5%
)

// CircuitBreaker is separate state from the Aggregator per spec §4.6: it
// watches the aggregator's output for the three trip conditions and, once
// tripped, requires an operator reset rather than self-clearing.
type CircuitBreaker struct {
	IndexStepThreshold float64
	MarkIndexThreshold float64

	killSwitch *invariant.KillSwitch
	lastIndex  float64
	hasLast    bool
}

// NewCircuitBreaker creates a circuit breaker wired to the shared kill
// switch.
func NewCircuitBreaker(killSwitch *invariant.KillSwitch) *CircuitBreaker {
	return &CircuitBreaker{
		IndexStepThreshold: defaultIndexStepThreshold,
		MarkIndexThreshold: defaultMarkIndexThreshold,
		killSwitch:         killSwitch,
	}
}

// Observe checks one aggregation tick's (index, mark) pair against the
// single-step and mark/index divergence conditions, and allSourcesStale
// against the all-stale condition, tripping the kill switch on any
// violation. Returns the reason string if tripped, or "" otherwise.
func (b *CircuitBreaker) Observe(index, mark float64, allSourcesStale bool, at types.Timestamp) string {
	var reason string

	switch {
	case allSourcesStale:
		reason = "circuit breaker: all price sources stale simultaneously"
	case b.hasLast && b.lastIndex != 0 && math.Abs(index-b.lastIndex)/b.lastIndex > b.IndexStepThreshold:
		reason = "circuit breaker: single-step index price move exceeds threshold"
	case index != 0 && math.Abs(mark-index)/index > b.MarkIndexThreshold:
		reason = "circuit breaker: mark/index divergence exceeds threshold"
	}

	if !allSourcesStale {
		b.lastIndex = index
		b.hasLast = true
	}

	if reason != "" {
		b.killSwitch.Trip(reason, at)
	}
	return reason
}

// Tripped reports whether the breaker (via the shared kill switch) has
// halted trading.
func (b *CircuitBreaker) Tripped() bool { return b.killSwitch.Tripped() }
