// Package identity manages the daemon's ephemeral Curve25519 key pair.
//
// A key pair is generated fresh at process startup and never written to
// disk; Summit has no persistent peer identity across restarts (spec.md
// §1, Non-goals).
package identity

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of a Curve25519 public or private key.
const KeySize = 32

// Identity is the local node's static Curve25519 key pair.
type Identity struct {
	private [KeySize]byte
	public  [KeySize]byte
}

// Generate creates a fresh random key pair, clamped per RFC 7748.
func Generate() (Identity, error) {
	var id Identity
	if _, err := rand.Read(id.private[:]); err != nil {
		return Identity{}, err
	}
	clamp(&id.private)

	pub, err := curve25519.X25519(id.private[:], curve25519.Basepoint)
	if err != nil {
		return Identity{}, err
	}
	copy(id.public[:], pub)

	return id, nil
}

// Public returns the node's 32-byte public key.
func (id Identity) Public() [KeySize]byte {
	return id.public
}

// PrivateBytes returns the raw private key, for handing to the Noise
// handshake builder. The caller must not persist these bytes.
func (id Identity) PrivateBytes() [KeySize]byte {
	return id.private
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
