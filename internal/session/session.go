// Package session implements the per-peer Noise_XX session state
// machine of spec.md §4.3: handshake establishment, the deterministic
// initiator tie-break, the session table, and AEAD-failure-threshold
// teardown.
//
// Grounded on pkg/cla/manager.go's Manager (a sync.Map of per-address
// elements, a handler() goroutine multiplexing a status channel) and
// pkg/cla/mtcp/client.go's handler() (stopSyn/stopAck shutdown, a
// ticker-driven periodic action), generalized from CLA-address-keyed
// convergence elements to pubkey-keyed Noise sessions.
package session

import (
	"bytes"
	"net"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/qos"
	"github.com/4-R-C-4-N-4/summit/internal/sessioncrypto"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// State is one node of the per-peer handshake state machine.
type State int

const (
	Idle State = iota
	Initiating
	Responding
	Responding2
	WaitComplete
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Initiating:
		return "Initiating"
	case Responding:
		return "Responding"
	case Responding2:
		return "Responding2"
	case WaitComplete:
		return "WaitComplete"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HandshakeTimeout bounds how long a single leg of the handshake may
// take before the session is declared Failed.
const HandshakeTimeout = 3 * time.Second

// FailedCooldown is how long a session stays in Failed before it is
// eligible to return to Idle and be re-initiated.
const FailedCooldown = 5 * time.Second

// AEADFailureThreshold and AEADFailureWindow bound the number of
// decrypt failures a session tolerates before it is torn down.
const (
	AEADFailureThreshold = 16
	AEADFailureWindow     = 10 * time.Second
)

// ID is a session's deterministic identifier: BLAKE3(min(a,b)||max(a,b))
// truncated to 16 bytes, so both peers compute the same value
// independently without negotiation.
type ID [16]byte

// DeriveID computes the session ID for a pair of public keys.
func DeriveID(a, b [32]byte) ID {
	lo, hi := a, b
	if bytes.Compare(a[:], b[:]) > 0 {
		lo, hi = b, a
	}

	concat := make([]byte, 0, 64)
	concat = append(concat, lo[:]...)
	concat = append(concat, hi[:]...)

	sum := blake3.Sum256(concat)

	var id ID
	copy(id[:], sum[:16])
	return id
}

// Session is one peer's handshake/transport state, protected by its
// own mutex so other sessions never block on it.
type Session struct {
	mu sync.Mutex

	id         ID
	peerPubkey [32]byte
	contract   wire.Contract
	state      State

	handshake   *sessioncrypto.Handshake
	transport   *sessioncrypto.Transport
	chunkAddr   *net.UDPAddr
	sessionAddr *net.UDPAddr

	establishedAt time.Time
	deadline      time.Time

	qosBucket *qos.Bucket

	failures    []time.Time
	isInitiator bool
}

// newSession allocates a session in Idle state for peer.
func newSession(local identity.Identity, peerPubkey [32]byte, contract wire.Contract, sessionAddr *net.UDPAddr) *Session {
	return &Session{
		id:          DeriveID(local.Public(), peerPubkey),
		peerPubkey:  peerPubkey,
		contract:    contract,
		state:       Idle,
		sessionAddr: sessionAddr,
	}
}

// ID returns the session's deterministic identifier.
func (s *Session) ID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// PeerPubkey returns the remote peer's static public key.
func (s *Session) PeerPubkey() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerPubkey
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChunkAddr returns the peer's confirmed chunk-port address, or nil if
// not yet confirmed by an encrypted frame.
func (s *Session) ChunkAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkAddr
}

// SetChunkAddr records the peer's chunk-port address, confirmed inside
// the first encrypted frame after handshake completion per spec.md
// §4.3's "authoritative" rule.
func (s *Session) SetChunkAddr(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkAddr = addr
}

// EstablishedAt returns the time the handshake completed, the zero
// value if not yet Established.
func (s *Session) EstablishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.establishedAt
}

// QoS returns the session's token bucket, created lazily on first
// access from the session's contract.
func (s *Session) QoS() *qos.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qosBucket == nil {
		s.qosBucket = qos.New(s.contract)
	}
	return s.qosBucket
}

// Contract returns the session's QoS contract.
func (s *Session) Contract() wire.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contract
}

// Encrypt encrypts plaintext using the session's transport state. The
// session must be Established.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Encrypt(plaintext)
}

// Decrypt decrypts frame using the session's transport state,
// recording an AEAD failure (for threshold tracking) on error.
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.transport.Decrypt(frame)
	if err != nil {
		s.recordFailureLocked()
	}
	return plaintext, err
}

// recordFailureLocked appends an AEAD failure timestamp and discards
// timestamps older than AEADFailureWindow; OverFailureThreshold reports
// whether the threshold has been crossed. Caller holds s.mu.
func (s *Session) recordFailureLocked() {
	now := time.Now()
	s.failures = append(s.failures, now)

	cutoff := now.Add(-AEADFailureWindow)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = kept
}

// OverFailureThreshold reports whether the session has exceeded the
// AEAD failure threshold within the trailing window and should be
// dropped.
func (s *Session) OverFailureThreshold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures) > AEADFailureThreshold
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setDeadline(d time.Duration) {
	s.mu.Lock()
	s.deadline = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Session) deadlinePassed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.deadline.IsZero() && time.Now().After(s.deadline)
}

// IsInitiator reports whether this node sent the handshake's first
// message for this session.
func (s *Session) IsInitiator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isInitiator
}

// ShouldInitiate applies spec.md §4.3's deterministic tie-break: the
// peer whose public key compares lexicographically smaller initiates.
func ShouldInitiate(local, remote [32]byte) bool {
	return bytes.Compare(local[:], remote[:]) < 0
}
