// Package sessioncrypto drives the Noise_XX handshake (mutual static-key
// authentication, forward secrecy) that establishes each session, and
// wraps the resulting transport keys in an explicit-nonce AEAD codec
// suitable for reordered, best-effort UDP delivery.
//
// The Noise variant is fixed once, per spec.md's open question:
// Noise_XX_25519_ChaChaPoly_BLAKE2s.
package sessioncrypto

import (
	"errors"
	"sync"

	"github.com/flynn/noise"
)

// Suite is the single Noise cipher suite Summit speaks.
var Suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Pattern is the Noise handshake pattern: mutual authentication with
// both static keys transmitted under encryption.
var Pattern = noise.HandshakeXX

const nonceFieldLength = 8

// Errors surfaced by the handshake and transport codec.
var (
	ErrShortFrame  = errors.New("sessioncrypto: frame shorter than nonce prefix")
	ErrReplay      = errors.New("sessioncrypto: nonce not strictly greater than last accepted")
	ErrAEADFailure = errors.New("sessioncrypto: AEAD open failed")
)

// Handshake drives one side (initiator or responder) of a Noise_XX
// exchange. It is used once and discarded once WriteMessage/ReadMessage
// returns a non-nil Transport.
type Handshake struct {
	hs        *noise.HandshakeState
	initiator bool
}

// LocalKey is the local static key pair, expressed in the raw byte form
// internal/identity produces.
type LocalKey struct {
	Private [32]byte
	Public  [32]byte
}

// NewInitiator begins a handshake as the initiator. Call WriteMessage
// to produce msg1.
func NewInitiator(local LocalKey) (*Handshake, error) {
	return newHandshake(local, true)
}

// NewResponder begins a handshake as the responder. Call ReadMessage
// with msg1 to advance it.
func NewResponder(local LocalKey) (*Handshake, error) {
	return newHandshake(local, false)
}

func newHandshake(local LocalKey, initiator bool) (*Handshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: Suite,
		Pattern:     Pattern,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: append([]byte{}, local.Private[:]...),
			Public:  append([]byte{}, local.Public[:]...),
		},
	})
	if err != nil {
		return nil, err
	}

	return &Handshake{hs: hs, initiator: initiator}, nil
}

// WriteMessage advances the handshake by writing the next message this
// side owes. For the XX pattern the initiator writes messages 1 and 3;
// the responder writes message 2. Returns the completed Transport once
// the final message of the pattern has been produced.
func (h *Handshake) WriteMessage() (out []byte, t *Transport, err error) {
	out, cs1, cs2, err := h.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if cs1 != nil && cs2 != nil {
		t = newTransport(cs1, cs2, h.initiator)
	}
	return out, t, nil
}

// ReadMessage advances the handshake by consuming a message from the
// peer, returning the completed Transport once the pattern finishes.
func (h *Handshake) ReadMessage(msg []byte) (t *Transport, err error) {
	_, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		t = newTransport(cs1, cs2, h.initiator)
	}
	return t, nil
}

// PeerStatic returns the peer's static public key, available once the
// peer's static key message has been processed (after msg2 for an
// initiator, after msg3 for a responder).
func (h *Handshake) PeerStatic() []byte {
	return h.hs.PeerStatic()
}

// Transport is the post-handshake AEAD codec for one session's pair of
// directions. Encrypt and Decrypt may be called from any goroutine;
// both directions are serialized by one mutex, so neither direction
// is owned by a single dedicated goroutine.
//
// Frames are explicit-nonce: an 8-byte big-endian counter is prepended
// to every ciphertext so out-of-order UDP delivery can still recover
// the AEAD nonce the sender used.
type Transport struct {
	mu sync.Mutex

	tx *noise.CipherState
	rx *noise.CipherState

	sendNonce uint64

	haveRecv  bool
	recvNonce uint64
}

func newTransport(cs1, cs2 *noise.CipherState, initiator bool) *Transport {
	// By convention cs1 is used by the initiator to send / responder to
	// receive; cs2 is the reverse.
	if initiator {
		return &Transport{tx: cs1, rx: cs2}
	}
	return &Transport{tx: cs2, rx: cs1}
}

// Encrypt seals plaintext under the next send nonce, returning the
// 8-byte nonce prefix followed by ciphertext+tag. The send nonce only
// advances on success, so a failed seal does not burn a nonce.
func (t *Transport) Encrypt(plaintext []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nonce := t.sendNonce
	t.tx.SetNonce(nonce)
	sealed, err := t.tx.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, err
	}
	t.sendNonce = nonce + 1

	out := make([]byte, nonceFieldLength+len(sealed))
	putUint64(out[:nonceFieldLength], nonce)
	copy(out[nonceFieldLength:], sealed)
	return out, nil
}

// Decrypt opens a frame produced by Encrypt. It enforces spec.md §4.3's
// replay rule: a frame whose nonce is not strictly greater than the
// last accepted nonce is dropped without attempting to authenticate it.
func (t *Transport) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < nonceFieldLength {
		return nil, ErrShortFrame
	}

	nonce := getUint64(frame[:nonceFieldLength])

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.haveRecv && nonce <= t.recvNonce {
		return nil, ErrReplay
	}

	t.rx.SetNonce(nonce)
	plaintext, err := t.rx.Decrypt(nil, nil, frame[nonceFieldLength:])
	if err != nil {
		return nil, ErrAEADFailure
	}

	t.haveRecv = true
	t.recvNonce = nonce

	return plaintext, nil
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
