package chunk

import (
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/4-R-C-4-N-4/summit/internal/cache"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/session"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// DrainDeadline bounds how long Close waits for queued sends to flush.
const DrainDeadline = time.Second

// requestQueueDepth is the send queue's capacity. A full queue rejects
// further Submit calls instead of blocking the application.
const requestQueueDepth = 256

// wireVersion is stamped into every outbound chunk header.
const wireVersion = 1

// TargetKind selects how a send request is fanned out.
type TargetKind int

const (
	// Broadcast transmits on every established session whose contract
	// allows it.
	Broadcast TargetKind = iota
	// ToPeer transmits on the session to one peer public key.
	ToPeer
	// ToSession transmits on one session only.
	ToSession
)

// Target names the destination of a send request.
type Target struct {
	Kind    TargetKind
	Peer    [32]byte
	Session session.ID
}

// Request is one application send request.
type Request struct {
	Payload  []byte
	SchemaID [32]byte
	TypeTag  uint8
	Target   Target
}

// Errors returned by Submit.
var (
	ErrQueueFull    = errors.New("chunk: send queue is full")
	ErrShuttingDown = errors.New("chunk: scheduler is shutting down")
)

// Scheduler serializes application send requests onto sessions,
// honoring per-session QoS token buckets, Background suppression under
// Realtime, multipath broadcast, and cache-before-send.
type Scheduler struct {
	conn     *net.UDPConn
	sessions *session.Table
	peers    *peer.Table
	cache    *cache.Cache
	counters *Counters

	requests chan Request

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
}

// NewScheduler builds a scheduler transmitting on conn, the shared
// chunk socket.
func NewScheduler(conn *net.UDPConn, sessions *session.Table, peers *peer.Table, c *cache.Cache, counters *Counters) *Scheduler {
	return &Scheduler{
		conn:     conn,
		sessions: sessions,
		peers:    peers,
		cache:    c,
		counters: counters,
		requests: make(chan Request, requestQueueDepth),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
}

// Start launches the send loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.sendLoop()
}

// Close stops accepting requests and drains in-flight sends, bounded
// by DrainDeadline.
func (s *Scheduler) Close() error {
	s.stopOnce.Do(func() { close(s.stopSyn) })
	<-s.stopAck
	s.wg.Wait()
	return nil
}

// Submit enqueues a send request. A broadcast with zero established
// sessions is accepted and transmits nothing; a full queue or a
// shutting-down scheduler rejects the request.
func (s *Scheduler) Submit(req Request) error {
	select {
	case <-s.stopSyn:
		return ErrShuttingDown
	default:
	}

	select {
	case s.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Scheduler) sendLoop() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.requests:
			s.transmit(req)
		case <-s.stopSyn:
			s.drain()
			close(s.stopAck)
			return
		}
	}
}

// drain flushes queued requests after shutdown begins, giving up after
// DrainDeadline.
func (s *Scheduler) drain() {
	deadline := time.NewTimer(DrainDeadline)
	defer deadline.Stop()

	for {
		select {
		case req := <-s.requests:
			s.transmit(req)
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

func (s *Scheduler) transmit(req Request) {
	header := wire.ChunkHeader{
		ContentHash: blake3.Sum256(req.Payload),
		SchemaID:    req.SchemaID,
		TypeTag:     req.TypeTag,
		Version:     wireVersion,
		Length:      uint32(len(req.Payload)),
	}

	// Cache before transmission so the local view matches what receivers
	// will store; a second arrival of the same chunk is AlreadyPresent
	// on both ends.
	if _, err := s.cache.Put(header.ContentHash, req.Payload); err != nil {
		s.counters.CacheError.Add(1)
		log.WithError(err).Error("chunk: cache-on-send failed")
	}

	plaintext := wire.EncodeChunk(header, req.Payload)
	realtimeUp := s.anyRealtimeEstablished()

	for _, sess := range s.eligible(req.Target) {
		s.transmitOn(sess, plaintext, realtimeUp)
	}
}

// eligible resolves a target to the set of established sessions it
// names.
func (s *Scheduler) eligible(target Target) []*session.Session {
	var out []*session.Session

	switch target.Kind {
	case Broadcast:
		for _, sess := range s.sessions.All() {
			if sess.State() == session.Established {
				out = append(out, sess)
			}
		}
	case ToPeer:
		if sess, ok := s.sessions.Get(target.Peer); ok && sess.State() == session.Established {
			out = append(out, sess)
		}
	case ToSession:
		for _, sess := range s.sessions.All() {
			if sess.ID() == target.Session && sess.State() == session.Established {
				out = append(out, sess)
				break
			}
		}
	}

	return out
}

func (s *Scheduler) anyRealtimeEstablished() bool {
	for _, sess := range s.sessions.All() {
		if sess.State() == session.Established && sess.Contract() == wire.Realtime {
			return true
		}
	}
	return false
}

func (s *Scheduler) transmitOn(sess *session.Session, plaintext []byte, realtimeUp bool) {
	// Background sends are suppressed outright while any Realtime
	// session exists, protecting latency-sensitive traffic.
	if sess.Contract() == wire.Background && realtimeUp {
		s.counters.BackgroundSuppressed.Add(1)
		return
	}

	if !sess.QoS().Allow() {
		s.counters.QuotaExhausted.Add(1)
		return
	}

	addr := s.chunkAddr(sess)
	if addr == nil {
		s.counters.NoSession.Add(1)
		return
	}

	frame, err := sess.Encrypt(plaintext)
	if err != nil {
		s.counters.AEADFailure.Add(1)
		log.WithError(err).WithField("peer", sess.PeerPubkey()).Warn("chunk: seal failed")
		return
	}
	if _, err := s.conn.WriteToUDP(frame, addr); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("chunk: send failed")
		return
	}
	s.counters.Sent.Add(1)
}

// chunkAddr resolves a session's chunk-traffic destination: the address
// confirmed inside the first encrypted frame is authoritative, the
// announcement's chunk port the first hint.
func (s *Scheduler) chunkAddr(sess *session.Session) *net.UDPAddr {
	if addr := sess.ChunkAddr(); addr != nil {
		return addr
	}

	p, ok := s.peers.Get(sess.PeerPubkey())
	if !ok || p.Addr == nil {
		return nil
	}
	return &net.UDPAddr{IP: p.Addr.IP, Port: int(p.ChunkPort)}
}
