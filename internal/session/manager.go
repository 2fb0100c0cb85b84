package session

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/sessioncrypto"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// EventKind classifies a SessionEvent.
type EventKind int

const (
	EventEstablished EventKind = iota
	EventDropped
)

// SessionEvent is pushed on the Events channel, read by the daemon's
// central handler, on every session lifecycle transition of interest.
type SessionEvent struct {
	Kind       EventKind
	PeerPubkey [32]byte
	SessionID  ID
}

// handshakeHeaderLen is the size of the envelope prepended to every
// session-port datagram: a claimed sender static key, used only for
// routing before the Noise exchange cryptographically confirms it.
const handshakeHeaderLen = 32

// Manager drives Noise_XX handshakes for every peer in the peer table
// and owns the resulting Sessions. There is no goroutine per session:
// the Manager's single receive loop demultiplexes inbound datagrams and
// advances each session's state machine, and timeouts are handled by
// Sweep.
type Manager struct {
	local  identity.Identity
	peers  *peer.Table
	table  *Table
	conn   *net.UDPConn
	events chan SessionEvent

	wg sync.WaitGroup

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewManager binds a UDP socket for session-port traffic and returns a
// Manager ready to have Start called.
func NewManager(local identity.Identity, peers *peer.Table, laddr *net.UDPAddr) (*Manager, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	return &Manager{
		local:   local,
		peers:   peers,
		table:   NewTable(),
		conn:    conn,
		events:  make(chan SessionEvent, 64),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}, nil
}

// Table returns the manager's session table.
func (m *Manager) Table() *Table {
	return m.table
}

// Events returns the channel of session lifecycle notifications. Must
// always be drained; the Manager blocks while it is full.
func (m *Manager) Events() <-chan SessionEvent {
	return m.events
}

// LocalAddr returns the bound session-port address.
func (m *Manager) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the receive loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.receiveLoop()
}

// Close tears down the receive loop and the underlying socket.
func (m *Manager) Close() error {
	close(m.stopSyn)
	err := m.conn.Close()
	m.wg.Wait()
	close(m.stopAck)
	return err
}

// Initiate begins a handshake to a peer the daemon has decided to
// connect to, honoring the lexicographic tie-break: if the local key
// does not compare smaller, this is a no-op — the peer is expected to
// initiate instead.
func (m *Manager) Initiate(p peer.Record) {
	if !ShouldInitiate(m.local.Public(), p.PublicKey) {
		return
	}

	if _, exists := m.table.Get(p.PublicKey); exists {
		return
	}

	s, created := m.table.GetOrCreate(m.local, p.PublicKey, p.Contract, p.Addr)
	if !created {
		return
	}

	s.isInitiator = true

	hs, err := sessioncrypto.NewInitiator(sessioncrypto.LocalKey{
		Private: m.local.PrivateBytes(),
		Public:  m.local.Public(),
	})
	if err != nil {
		log.WithError(err).Warn("session: failed to start initiator handshake")
		m.fail(s)
		return
	}
	s.handshake = hs
	s.setState(Initiating)
	s.setDeadline(HandshakeTimeout)

	msg1, _, err := hs.WriteMessage()
	if err != nil {
		log.WithError(err).Warn("session: failed to write handshake msg1")
		m.fail(s)
		return
	}

	m.send(p.Addr, msg1)
}

func (m *Manager) send(addr *net.UDPAddr, noiseMsg []byte) {
	out := make([]byte, handshakeHeaderLen+len(noiseMsg))
	localPub := m.local.Public()
	copy(out[:handshakeHeaderLen], localPub[:])
	copy(out[handshakeHeaderLen:], noiseMsg)

	if _, err := m.conn.WriteToUDP(out, addr); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("session: write failed")
	}
}

func (m *Manager) receiveLoop() {
	defer m.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.stopSyn:
				return
			default:
				log.WithError(err).Debug("session: read error")
				continue
			}
		}

		if n < handshakeHeaderLen {
			continue
		}

		var claimedSender [32]byte
		copy(claimedSender[:], buf[:handshakeHeaderLen])
		msg := append([]byte{}, buf[handshakeHeaderLen:n]...)

		m.handle(claimedSender, addr, msg)
	}
}

func (m *Manager) handle(claimedSender [32]byte, addr *net.UDPAddr, msg []byte) {
	if claimedSender == m.local.Public() {
		return
	}

	s, exists := m.table.Get(claimedSender)
	if !exists {
		p, ok := m.peers.Get(claimedSender)
		if !ok {
			p = peer.Record{PublicKey: claimedSender, Addr: addr, Contract: wire.Background}
		}
		s, _ = m.table.GetOrCreate(m.local, claimedSender, p.Contract, addr)
	}

	switch s.State() {
	case Idle:
		m.advanceResponder(s, addr, msg)
	case Initiating:
		m.advanceInitiator(s, addr, msg)
	case Responding, WaitComplete:
		m.advanceResponderComplete(s, addr, msg)
	case Established:
		m.confirmChunkAddr(s, addr, msg)
	default:
		log.WithField("peer", s.PeerPubkey()).WithField("state", s.State()).
			Debug("session: dropping handshake datagram in unexpected state")
	}
}

func (m *Manager) advanceResponder(s *Session, addr *net.UDPAddr, msg []byte) {
	hs, err := sessioncrypto.NewResponder(sessioncrypto.LocalKey{
		Private: m.local.PrivateBytes(),
		Public:  m.local.Public(),
	})
	if err != nil {
		m.fail(s)
		return
	}

	if _, err := hs.ReadMessage(msg); err != nil {
		log.WithError(err).Debug("session: responder failed to read msg1")
		m.fail(s)
		return
	}

	s.handshake = hs
	s.setState(Responding)
	s.setDeadline(HandshakeTimeout)

	msg2, transport, err := hs.WriteMessage()
	if err != nil {
		log.WithError(err).Debug("session: responder failed to write msg2")
		m.fail(s)
		return
	}

	if transport != nil {
		m.establish(s, transport)
	} else {
		s.setState(WaitComplete)
		s.setDeadline(HandshakeTimeout)
	}

	m.send(addr, msg2)
}

func (m *Manager) advanceInitiator(s *Session, addr *net.UDPAddr, msg []byte) {
	transport, err := s.handshake.ReadMessage(msg)
	if err != nil {
		log.WithError(err).Debug("session: initiator failed to read msg2")
		m.fail(s)
		return
	}

	s.setState(Responding2)
	s.setDeadline(HandshakeTimeout)

	msg3, t2, err := s.handshake.WriteMessage()
	if err != nil {
		log.WithError(err).Debug("session: initiator failed to write msg3")
		m.fail(s)
		return
	}

	m.send(addr, msg3)

	if transport != nil {
		m.establish(s, transport)
	} else if t2 != nil {
		m.establish(s, t2)
	}
}

func (m *Manager) advanceResponderComplete(s *Session, _ *net.UDPAddr, msg []byte) {
	transport, err := s.handshake.ReadMessage(msg)
	if err != nil {
		log.WithError(err).Debug("session: responder failed to read msg3")
		m.fail(s)
		return
	}
	if transport != nil {
		m.establish(s, transport)
	}
}

func (m *Manager) establish(s *Session, t *sessioncrypto.Transport) {
	s.mu.Lock()
	s.transport = t
	s.state = Established
	s.establishedAt = time.Now()
	s.handshake = nil
	s.mu.Unlock()

	m.emit(SessionEvent{Kind: EventEstablished, PeerPubkey: s.peerPubkey, SessionID: s.id})
}

// confirmChunkAddr handles a re-confirmation frame sent on the session
// socket carrying the peer's authoritative chunk port, per spec.md
// §4.3's "re-confirmed inside the first encrypted frame" rule. The
// frame's plaintext is a big-endian uint16 chunk port; the sender's
// observed IP (from the session-port datagram itself) is combined with
// it since the chunk socket shares the peer's address.
func (m *Manager) confirmChunkAddr(s *Session, addr *net.UDPAddr, frame []byte) {
	plaintext, err := s.Decrypt(frame)
	if err != nil {
		if s.OverFailureThreshold() {
			m.Drop(s.peerPubkey)
		}
		return
	}
	if len(plaintext) < 2 {
		return
	}

	port := binary.BigEndian.Uint16(plaintext[:2])
	s.SetChunkAddr(&net.UDPAddr{IP: addr.IP, Port: int(port)})
}

// ConfirmChunkPort sends the authoritative chunk-port confirmation to
// peerPubkey as the first encrypted frame after handshake completion:
// the local chunk port, big-endian, sealed with the session transport
// and carried on the session socket.
func (m *Manager) ConfirmChunkPort(peerPubkey [32]byte, chunkPort uint16) {
	s, ok := m.table.Get(peerPubkey)
	if !ok || s.State() != Established {
		return
	}

	var plaintext [2]byte
	binary.BigEndian.PutUint16(plaintext[:], chunkPort)

	s.mu.Lock()
	addr := s.sessionAddr
	s.mu.Unlock()
	if addr == nil {
		return
	}

	frame, err := s.Encrypt(plaintext[:])
	if err != nil {
		log.WithError(err).WithField("peer", s.PeerPubkey()).
			Warn("session: failed to seal chunk-port confirmation")
		return
	}
	m.send(addr, frame)
}

func (m *Manager) fail(s *Session) {
	s.setState(Failed)
	go func() {
		time.Sleep(FailedCooldown)
		m.table.Drop(s.peerPubkey)
	}()
}

// Drop tears down the session for peerPubkey immediately, used when a
// peer record expires or the AEAD failure threshold is crossed.
func (m *Manager) Drop(peerPubkey [32]byte) {
	if s, ok := m.table.Get(peerPubkey); ok {
		id := s.ID()
		m.table.Drop(peerPubkey)
		m.emit(SessionEvent{Kind: EventDropped, PeerPubkey: peerPubkey, SessionID: id})
	}
}

func (m *Manager) emit(ev SessionEvent) {
	select {
	case m.events <- ev:
	case <-m.stopSyn:
	}
}

// Sweep scans every in-progress session for handshake-leg timeouts and
// transitions expired ones to Failed. Intended to be registered with
// internal/cron.
func (m *Manager) Sweep() {
	for _, s := range m.table.All() {
		st := s.State()
		if st == Established || st == Idle || st == Failed {
			continue
		}
		if s.deadlinePassed() {
			log.WithField("peer", s.PeerPubkey()).WithField("state", st).
				Debug("session: handshake leg timed out")
			m.fail(s)
		}
	}
}
