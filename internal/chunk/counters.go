// Package chunk implements the bulk-traffic data plane: the receive
// loop that owns the chunk-port UDP socket (spec.md §4.6) and the send
// scheduler that serializes application send requests onto sessions
// under QoS (spec.md §4.5).
//
// Grounded on pkg/routing/core.go's handler() select-over-status-channel
// receive side and RegisterConvergenceSender's send-path bookkeeping,
// rebuilt for a single UDP transport instead of pluggable CLAs.
package chunk

import "sync/atomic"

// Counters tracks the drop/admission statistics of the data plane,
// mirroring the error taxonomy of spec.md §7. Nothing is retried; these
// counters are the only trace a dropped chunk leaves, surfaced through
// the control surface's status() operation.
type Counters struct {
	Sent                 atomic.Uint64
	Admitted             atomic.Uint64
	Buffered             atomic.Uint64
	MalformedWire        atomic.Uint64
	IntegrityFailure     atomic.Uint64
	AEADFailure          atomic.Uint64
	UnknownSchema        atomic.Uint64
	ValidatorReject      atomic.Uint64
	TrustBlocked         atomic.Uint64
	QuotaExhausted       atomic.Uint64
	ChannelFull          atomic.Uint64
	NoSession            atomic.Uint64
	BackgroundSuppressed atomic.Uint64
	CacheError           atomic.Uint64
}

// Snapshot is a point-in-time copy of every counter, safe to serialize.
type Snapshot struct {
	Sent                 uint64 `json:"sent"`
	Admitted             uint64 `json:"admitted"`
	Buffered             uint64 `json:"buffered"`
	MalformedWire        uint64 `json:"malformed_wire"`
	IntegrityFailure     uint64 `json:"integrity_failure"`
	AEADFailure          uint64 `json:"aead_failure"`
	UnknownSchema        uint64 `json:"unknown_schema"`
	ValidatorReject      uint64 `json:"validator_reject"`
	TrustBlocked         uint64 `json:"trust_blocked"`
	QuotaExhausted       uint64 `json:"quota_exhausted"`
	ChannelFull          uint64 `json:"channel_full"`
	NoSession            uint64 `json:"no_session"`
	BackgroundSuppressed uint64 `json:"background_suppressed"`
	CacheError           uint64 `json:"cache_error"`
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Sent:                 c.Sent.Load(),
		Admitted:             c.Admitted.Load(),
		Buffered:             c.Buffered.Load(),
		MalformedWire:        c.MalformedWire.Load(),
		IntegrityFailure:     c.IntegrityFailure.Load(),
		AEADFailure:          c.AEADFailure.Load(),
		UnknownSchema:        c.UnknownSchema.Load(),
		ValidatorReject:      c.ValidatorReject.Load(),
		TrustBlocked:         c.TrustBlocked.Load(),
		QuotaExhausted:       c.QuotaExhausted.Load(),
		ChannelFull:          c.ChannelFull.Load(),
		NoSession:            c.NoSession.Load(),
		BackgroundSuppressed: c.BackgroundSuppressed.Load(),
		CacheError:           c.CacheError.Load(),
	}
}
