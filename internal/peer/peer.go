// Package peer implements the concurrent peer table: the set of devices
// Summit has heard a valid capability announcement from recently.
//
// Grounded on pkg/cla/manager.go's *sync.Map of per-address elements,
// generalized from CLA-address keys to public-key keys with a TTL
// sweep driven by internal/cron instead of a CLA activation retry
// ticker.
package peer

import (
	"encoding/hex"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// TTL is the maximum age of a peer record before it is pruned.
const TTL = 60 * time.Second

// Record describes a peer Summit has discovered, per spec.md §3. The
// session table is the sole source of truth for session state; Record
// does not duplicate it, to avoid the cyclic peer/session reference
// Design Notes §9 calls out — callers join on PublicKey instead.
type Record struct {
	PublicKey      [32]byte
	LastSeen       time.Time
	SessionPort    uint16
	ChunkPort      uint16
	Contract       wire.Contract
	Version        uint32
	CapabilityHash [32]byte
	Addr           *net.UDPAddr
}

// Hex returns the peer's public key as a lowercase hex string, used as
// a human-readable identifier in logs and the control surface.
func (r Record) Hex() string {
	return hex.EncodeToString(r.PublicKey[:])
}

// entry wraps a Record behind its own mutex so readers of other peers
// never block on this one's writer.
type entry struct {
	mu     sync.Mutex
	record Record
}

// Table is the concurrent, pubkey-keyed peer registry.
type Table struct {
	local [32]byte // the local node's own public key, never recorded

	entries sync.Map // [32]byte -> *entry

	// onExpire, if set, is invoked with the public key of any record
	// pruned by Expire, so the session manager can tear down the
	// associated session.
	onExpire func(pubkey [32]byte)
}

// New creates a peer table for a node whose own public key is local.
// Announcements from local are dropped (spec.md §3: "a peer's own
// public-key record is never created").
func New(local [32]byte) *Table {
	return &Table{local: local}
}

// OnExpire registers the callback fired for each record Expire prunes.
func (t *Table) OnExpire(fn func(pubkey [32]byte)) {
	t.onExpire = fn
}

// Observe creates a new record or refreshes an existing one from a
// valid announcement. It is a no-op for self-announcements.
func (t *Table) Observe(ann wire.CapabilityAnnouncement, addr *net.UDPAddr) {
	if ann.PublicKey == t.local {
		return
	}

	v, _ := t.entries.LoadOrStore(ann.PublicKey, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.record = Record{
		PublicKey:      ann.PublicKey,
		LastSeen:       time.Now(),
		SessionPort:    ann.SessionPort,
		ChunkPort:      ann.ChunkPort,
		Contract:       ann.Contract,
		Version:        ann.Version,
		CapabilityHash: ann.CapabilityHash,
		Addr:           addr,
	}
}

// Get returns the record for pubkey, if present.
func (t *Table) Get(pubkey [32]byte) (Record, bool) {
	v, ok := t.entries.Load(pubkey)
	if !ok {
		return Record{}, false
	}
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, true
}

// All returns a snapshot of every current peer record.
func (t *Table) All() []Record {
	var out []Record
	t.entries.Range(func(_, v interface{}) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.record)
		e.mu.Unlock()
		return true
	})
	return out
}

// Expire removes every record whose LastSeen is older than TTL,
// invoking the OnExpire callback (if any) for each one removed.
// Intended to be registered with internal/cron on a 5s interval per
// spec.md §4.2.
func (t *Table) Expire() {
	now := time.Now()

	var expired [][32]byte
	t.entries.Range(func(k, v interface{}) bool {
		e := v.(*entry)

		e.mu.Lock()
		stale := now.Sub(e.record.LastSeen) > TTL
		e.mu.Unlock()

		if stale {
			expired = append(expired, k.([32]byte))
		}
		return true
	})

	for _, pubkey := range expired {
		t.entries.Delete(pubkey)

		log.WithField("peer", hex.EncodeToString(pubkey[:])).Debug("peer record expired")

		if t.onExpire != nil {
			t.onExpire(pubkey)
		}
	}
}

// ByAddr returns the record whose last-known address matches addr, for
// routing an inbound session-port datagram back to the peer that
// claims to have sent it. Used before a handshake completes, when the
// sender's public key is not yet cryptographically confirmed.
func (t *Table) ByAddr(addr *net.UDPAddr) (Record, bool) {
	var found Record
	ok := false

	t.entries.Range(func(_, v interface{}) bool {
		e := v.(*entry)
		e.mu.Lock()
		match := e.record.Addr != nil && e.record.Addr.IP.Equal(addr.IP) && e.record.Addr.Port == addr.Port
		rec := e.record
		e.mu.Unlock()

		if match {
			found, ok = rec, true
			return false
		}
		return true
	})

	return found, ok
}

// Count returns the number of currently known peers.
func (t *Table) Count() int {
	n := 0
	t.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
