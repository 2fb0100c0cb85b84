package session

import (
	"net"
	"sync"

	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// Table is the concurrent, pubkey-keyed session registry. Per spec.md
// §3's invariant, at most one session exists per peer public key at a
// time.
type Table struct {
	byPubkey sync.Map // [32]byte -> *Session
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{}
}

// Get returns the session for peerPubkey, if one exists.
func (t *Table) Get(peerPubkey [32]byte) (*Session, bool) {
	v, ok := t.byPubkey.Load(peerPubkey)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// GetOrCreate returns the existing session for peerPubkey, or
// atomically installs and returns a newly created Idle one.
func (t *Table) GetOrCreate(local identity.Identity, peerPubkey [32]byte, contract wire.Contract, sessionAddr *net.UDPAddr) (*Session, bool) {
	s := newSession(local, peerPubkey, contract, sessionAddr)
	v, loaded := t.byPubkey.LoadOrStore(peerPubkey, s)
	return v.(*Session), !loaded
}

// Drop removes the session for peerPubkey, if any.
func (t *Table) Drop(peerPubkey [32]byte) {
	t.byPubkey.Delete(peerPubkey)
}

// All returns a snapshot of every session currently in the table.
func (t *Table) All() []*Session {
	var out []*Session
	t.byPubkey.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Count returns the number of sessions currently in the table.
func (t *Table) Count() int {
	n := 0
	t.byPubkey.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
