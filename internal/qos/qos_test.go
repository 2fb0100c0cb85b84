package qos

import (
	"testing"
	"time"

	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

func TestRealtimeIsNeverThrottled(t *testing.T) {
	b := New(wire.Realtime)
	for i := 0; i < 1000; i++ {
		if !b.Allow() {
			t.Fatal("Realtime bucket refused a send")
		}
	}
	if got := b.Tokens(); got != -1 {
		t.Fatalf("Tokens on Realtime = %v, want -1 (unlimited sentinel)", got)
	}
}

func TestBulkAllowsBurstThenThrottles(t *testing.T) {
	b := New(wire.Bulk)

	allowed := 0
	for i := 0; i < 64; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed != bulkBurst {
		t.Fatalf("allowed %d back-to-back sends, want burst of %d", allowed, int(bulkBurst))
	}

	if b.Allow() {
		t.Fatal("expected bucket to be empty after exhausting burst capacity")
	}
}

func TestBackgroundRefillsOverTime(t *testing.T) {
	b := New(wire.Background)

	for b.Allow() {
	}
	if b.Allow() {
		t.Fatal("expected bucket to be exhausted")
	}

	b.mu.Lock()
	b.lastRefill = b.lastRefill.Add(-1 * time.Second)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatal("expected at least one token to have refilled after 1s at 8/s")
	}
}

func TestCapacityIsNotExceededOnRefill(t *testing.T) {
	b := New(wire.Bulk)

	b.mu.Lock()
	b.lastRefill = b.lastRefill.Add(-1 * time.Hour)
	b.mu.Unlock()

	if got := b.Tokens(); got != bulkBurst {
		t.Fatalf("Tokens after long idle = %v, want capped at burst %v", got, bulkBurst)
	}
}
