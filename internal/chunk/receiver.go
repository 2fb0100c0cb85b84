package chunk

import (
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/dispatch"
	"github.com/4-R-C-4-N-4/summit/internal/session"
	"github.com/4-R-C-4-N-4/summit/internal/trust"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// maxDatagram bounds the receive buffer. Payloads are recommended to
// stay under 1200 bytes for IPv6 without fragmentation, but the kernel
// may still deliver larger reassembled datagrams.
const maxDatagram = 65535

// Receiver owns the ephemeral chunk-port UDP socket: it demultiplexes
// inbound datagrams to their sessions by source address, decrypts them,
// runs the trust gate, and dispatches admitted chunks by type tag.
type Receiver struct {
	conn     *net.UDPConn
	sessions *session.Table
	gate     *trust.Gate
	table    *dispatch.Table
	counters *Counters

	// byAddr is the source-address-to-session routing table, updated at
	// handshake time via Register and lazily backfilled from confirmed
	// chunk addresses.
	byAddr sync.Map // string -> *session.Session

	// onPending, if set, is invoked when a chunk from an Untrusted peer
	// was buffered, so the control surface can be notified.
	onPending func(peer [32]byte)

	// onOverThreshold, if set, is invoked when a session crosses the
	// AEAD failure threshold and must be dropped.
	onOverThreshold func(peer [32]byte)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopSyn  chan struct{}
}

// NewReceiver binds an ephemeral UDP socket for bulk chunk traffic.
func NewReceiver(sessions *session.Table, gate *trust.Gate, table *dispatch.Table, counters *Counters) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}

	return &Receiver{
		conn:     conn,
		sessions: sessions,
		gate:     gate,
		table:    table,
		counters: counters,
		stopSyn:  make(chan struct{}),
	}, nil
}

// OnPending registers the callback fired when an untrusted peer's chunk
// is buffered.
func (r *Receiver) OnPending(fn func(peer [32]byte)) {
	r.onPending = fn
}

// OnOverThreshold registers the callback fired when a session exceeds
// the AEAD failure threshold.
func (r *Receiver) OnOverThreshold(fn func(peer [32]byte)) {
	r.onOverThreshold = fn
}

// LocalAddr returns the bound chunk-port address.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the bound chunk port, for the capability announcement.
func (r *Receiver) Port() uint16 {
	return uint16(r.LocalAddr().Port)
}

// Conn exposes the chunk socket for the send scheduler; per spec.md
// §4.3 both directions of bulk traffic share the one ephemeral socket.
func (r *Receiver) Conn() *net.UDPConn {
	return r.conn
}

// Register binds a peer's chunk-traffic source address to its session,
// called by the daemon when a handshake completes.
func (r *Receiver) Register(addr *net.UDPAddr, s *session.Session) {
	r.byAddr.Store(addr.String(), s)
}

// Unregister removes every routing entry pointing at peerPubkey's
// session, called when the session drops.
func (r *Receiver) Unregister(peerPubkey [32]byte) {
	r.byAddr.Range(func(k, v interface{}) bool {
		if v.(*session.Session).PeerPubkey() == peerPubkey {
			r.byAddr.Delete(k)
		}
		return true
	})
}

// Start launches the receive loop.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.receiveLoop()
}

// Close tears down the receive loop and the underlying socket.
func (r *Receiver) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopSyn)
		err = r.conn.Close()
	})
	r.wg.Wait()
	return err
}

func (r *Receiver) receiveLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stopSyn:
				return
			default:
				log.WithError(err).Debug("chunk: read error")
				continue
			}
		}

		frame := append([]byte{}, buf[:n]...)
		r.handle(addr, frame)
	}
}

// lookup resolves the session for a datagram's source address: first
// the explicit routing table, then the sessions' confirmed chunk
// addresses, caching a hit for next time.
func (r *Receiver) lookup(addr *net.UDPAddr) (*session.Session, bool) {
	if v, ok := r.byAddr.Load(addr.String()); ok {
		return v.(*session.Session), true
	}

	for _, s := range r.sessions.All() {
		ca := s.ChunkAddr()
		if ca != nil && ca.IP.Equal(addr.IP) && ca.Port == addr.Port {
			r.byAddr.Store(addr.String(), s)
			return s, true
		}
	}
	return nil, false
}

func (r *Receiver) handle(addr *net.UDPAddr, frame []byte) {
	s, ok := r.lookup(addr)
	if !ok {
		r.counters.NoSession.Add(1)
		return
	}

	plaintext, err := s.Decrypt(frame)
	if err != nil {
		r.counters.AEADFailure.Add(1)
		if s.OverFailureThreshold() && r.onOverThreshold != nil {
			r.onOverThreshold(s.PeerPubkey())
		}
		return
	}

	header, payload, err := wire.DecodeChunk(plaintext)
	if err != nil {
		r.counters.MalformedWire.Add(1)
		return
	}

	outcome, err := r.gate.Admit(s.PeerPubkey(), header.ContentHash, header.SchemaID, header.TypeTag, payload)
	switch outcome {
	case trust.Admitted:
		r.counters.Admitted.Add(1)
		if err := r.table.Dispatch(header, payload); err != nil {
			if errors.Is(err, dispatch.ErrChannelFull) {
				r.counters.ChannelFull.Add(1)
			}
			log.WithError(err).WithField("type_tag", header.TypeTag).
				Debug("chunk: dispatch dropped admitted chunk")
		}
	case trust.Buffered:
		r.counters.Buffered.Add(1)
		if r.onPending != nil {
			r.onPending(s.PeerPubkey())
		}
	case trust.DroppedBlocked:
		r.counters.TrustBlocked.Add(1)
	case trust.DroppedIntegrity:
		r.counters.IntegrityFailure.Add(1)
		log.WithField("peer", s.PeerPubkey()).Warn("chunk: content hash mismatch")
	case trust.DroppedUnknownSchema:
		r.counters.UnknownSchema.Add(1)
	case trust.DroppedValidatorReject:
		r.counters.ValidatorReject.Add(1)
	case trust.DroppedIOError:
		r.counters.CacheError.Add(1)
		log.WithError(err).Error("chunk: cache write failed")
	}
}
