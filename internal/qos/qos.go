// Package qos implements the per-session token bucket rate limiter
// described in spec.md §4.5: Realtime sessions are never throttled,
// Bulk and Background sessions refill continuously from elapsed time
// and drop a chunk outright when empty.
//
// Grounded on the original Rust TokenBucket
// (original_source/crates/summitd/src/qos.rs), translated from a
// float64-second clock built on time.Instant to one built on
// time.Time/time.Duration.
package qos

import (
	"sync"
	"time"

	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

const (
	bulkRate  = 64.0
	bulkBurst = 32.0
	bgRate    = 8.0
	bgBurst   = 4.0
)

// Bucket is a token bucket parameterized by a session's contract. The
// zero value is not usable; construct with New.
type Bucket struct {
	mu sync.Mutex

	contract   wire.Contract
	unlimited  bool
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// New returns a token bucket sized for contract, starting full.
func New(contract wire.Contract) *Bucket {
	b := &Bucket{contract: contract, lastRefill: time.Now()}

	switch contract {
	case wire.Realtime:
		b.unlimited = true
	case wire.Bulk:
		b.capacity = bulkBurst
		b.refillRate = bulkRate
	case wire.Background:
		b.capacity = bgBurst
		b.refillRate = bgRate
	}

	b.tokens = b.capacity
	return b
}

// Allow reports whether a chunk may be sent now, consuming one token
// if so. Realtime buckets always allow.
func (b *Bucket) Allow() bool {
	if b.unlimited {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// Contract returns the contract this bucket was sized for.
func (b *Bucket) Contract() wire.Contract {
	return b.contract
}

// Tokens reports the current token count, for status reporting.
func (b *Bucket) Tokens() float64 {
	if b.unlimited {
		return -1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	tokens := b.tokens + elapsed*b.refillRate
	if tokens > b.capacity {
		tokens = b.capacity
	}
	return tokens
}
