// Package invariant implements the engine's single kill switch and the
// periodic invariant monitor that trips it. Per spec §9's explicit
// guidance against global singletons, the KillSwitch is a value created
// once at startup and injected by reference into the components that
// check or trip it (event processor, liquidation executor, price circuit
// breaker, invariant monitor) rather than accessed through a package-level
// variable. The ledger, matcher, funding applicator and price aggregator
// do not hold it.
package invariant

import (
	"sync/atomic"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// KillSwitch is a single atomic halt flag with a recorded reason and trip
// timestamp. The event processor checks Tripped() at the top of Process
// and the liquidation executor at the top of Execute, so no event is
// dispatched to the ledger or matcher once it has tripped.
type KillSwitch struct {
	tripped atomic.Bool
	reason  atomic.Value // string
	at      atomic.Value // types.Timestamp
}

// NewKillSwitch creates an untripped kill switch.
func NewKillSwitch() *KillSwitch {
	ks := &KillSwitch{}
	ks.reason.Store("")
	ks.at.Store(types.Timestamp{})
	return ks
}

// Tripped reports whether the kill switch has been activated.
func (k *KillSwitch) Tripped() bool {
	return k.tripped.Load()
}

// Trip activates the kill switch with a reason and timestamp. Idempotent:
// only the first trip's reason/timestamp are retained.
func (k *KillSwitch) Trip(reason string, at types.Timestamp) {
	if k.tripped.CompareAndSwap(false, true) {
		k.reason.Store(reason)
		k.at.Store(at)
	}
}

// Reason returns the reason the kill switch was tripped, or "" if untripped.
func (k *KillSwitch) Reason() string {
	return k.reason.Load().(string)
}

// TrippedAt returns the timestamp the kill switch was tripped at.
func (k *KillSwitch) TrippedAt() types.Timestamp {
	return k.at.Load().(types.Timestamp)
}

// Reset clears the kill switch after operator-confirmed recovery. Never
// called automatically by the engine itself.
func (k *KillSwitch) Reset() {
	k.tripped.Store(false)
	k.reason.Store("")
	k.at.Store(types.Timestamp{})
}
