// Package trust implements peer authorization and the chunk admission
// gate described in spec.md §4.4: a three-tier trust model (Blocked,
// Untrusted, Trusted) plus a per-peer buffer of chunk references held
// back until a peer is promoted.
//
// Grounded in shape on the original Rust TrustRegistry/UntrustedBuffer
// (original_source/crates/summitd/src/trust.rs), reimplemented with
// pkg/cla/manager.go's per-entry-locked sync.Map pattern in place of
// dashmap.
package trust

import (
	"encoding/hex"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level is a peer's trust tier. The zero value is Untrusted, matching
// the "unknown peer" default.
type Level int

const (
	Untrusted Level = iota
	Trusted
	Blocked
)

func (l Level) String() string {
	switch l {
	case Trusted:
		return "trusted"
	case Blocked:
		return "blocked"
	default:
		return "untrusted"
	}
}

// Rule is one explicit trust entry, as returned by Registry.List.
type Rule struct {
	PublicKey [32]byte
	Level     Level
}

// Registry tracks explicit trust rules keyed by public key. Peers with
// no rule are implicitly Untrusted.
type Registry struct {
	rules sync.Map // [32]byte -> Level
}

// NewRegistry returns an empty trust registry; every peer starts
// Untrusted.
func NewRegistry() *Registry {
	return &Registry{}
}

// Check returns the trust level for publicKey, defaulting to Untrusted
// when no explicit rule exists.
func (r *Registry) Check(publicKey [32]byte) Level {
	v, ok := r.rules.Load(publicKey)
	if !ok {
		return Untrusted
	}
	return v.(Level)
}

// Trust marks publicKey as Trusted.
func (r *Registry) Trust(publicKey [32]byte) {
	r.rules.Store(publicKey, Trusted)
	logrus.WithField("peer", hex.EncodeToString(publicKey[:])).Info("peer trusted")
}

// Block marks publicKey as Blocked.
func (r *Registry) Block(publicKey [32]byte) {
	r.rules.Store(publicKey, Blocked)
	logrus.WithField("peer", hex.EncodeToString(publicKey[:])).Info("peer blocked")
}

// Remove deletes any explicit rule for publicKey, reverting it to the
// Untrusted default.
func (r *Registry) Remove(publicKey [32]byte) {
	r.rules.Delete(publicKey)
}

// List returns every peer with an explicit trust rule.
func (r *Registry) List() []Rule {
	var out []Rule
	r.rules.Range(func(k, v any) bool {
		out = append(out, Rule{PublicKey: k.([32]byte), Level: v.(Level)})
		return true
	})
	return out
}

// Counts returns the number of explicitly trusted, untrusted, and
// blocked peers.
func (r *Registry) Counts() (trusted, untrusted, blocked int) {
	r.rules.Range(func(_, v any) bool {
		switch v.(Level) {
		case Trusted:
			trusted++
		case Untrusted:
			untrusted++
		case Blocked:
			blocked++
		}
		return true
	})
	return
}
