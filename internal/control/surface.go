// Package control exposes the daemon's side-channel: the Surface the
// (external) HTTP API and CLI call into, and the EventHub they
// subscribe to for push notifications such as trust-pending peers.
//
// Grounded on pkg/agent/ws_agent.go's WebSocketAgent, narrowed from a
// full bidirectional application-agent transport to a query surface
// plus a one-way push endpoint; the REST API itself is an out-of-scope
// external collaborator.
package control

import (
	"encoding/hex"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/cache"
	"github.com/4-R-C-4-N-4/summit/internal/chunk"
	"github.com/4-R-C-4-N-4/summit/internal/dispatch"
	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/schema"
	"github.com/4-R-C-4-N-4/summit/internal/session"
	"github.com/4-R-C-4-N-4/summit/internal/trust"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// ErrUnknownSession is returned by SessionsInspect and SessionsDrop for
// an ID not in the session table.
var ErrUnknownSession = errors.New("control: no session with that id")

// SessionInfo describes one session for status and inspection.
type SessionInfo struct {
	ID            string    `json:"id"`
	PeerPublicKey string    `json:"peer_public_key"`
	Contract      string    `json:"contract"`
	State         string    `json:"state"`
	EstablishedAt time.Time `json:"established_at"`
	RemoteAddr    string    `json:"remote_addr"`
}

// PeerInfo describes one discovered peer.
type PeerInfo struct {
	PublicKey string    `json:"public_key"`
	LastSeen  time.Time `json:"last_seen"`
	Addr      string    `json:"addr"`
	Contract  string    `json:"contract"`
	ChunkPort uint16    `json:"chunk_port"`
}

// TrustEntry is one explicit trust rule.
type TrustEntry struct {
	PublicKey string `json:"public_key"`
	Level     string `json:"level"`
}

// PendingEntry reports an untrusted peer with buffered traffic.
type PendingEntry struct {
	PublicKey string `json:"public_key"`
	Buffered  int    `json:"buffered"`
}

// CacheStats reports the cache's size.
type CacheStats struct {
	Count      int64 `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}

// StatusReport is the aggregate answer to the status() operation.
type StatusReport struct {
	LocalPublicKey string         `json:"local_public_key"`
	Sessions       []SessionInfo  `json:"sessions"`
	Peers          []PeerInfo     `json:"peers"`
	Cache          CacheStats     `json:"cache"`
	Counters       chunk.Snapshot `json:"counters"`
}

// Surface is the in-process control interface the external HTTP API and
// CLI consume; every operation of spec.md §6's control-surface contract
// is a method here.
type Surface struct {
	local     identity.Identity
	peers     *peer.Table
	sessions  *session.Manager
	gate      *trust.Gate
	cache     *cache.Cache
	schemas   *schema.Registry
	scheduler *chunk.Scheduler
	table     *dispatch.Table
	files     *dispatch.Reassembler
	counters  *chunk.Counters
}

// NewSurface wires the daemon's registries into a control surface.
func NewSurface(local identity.Identity, peers *peer.Table, sessions *session.Manager, gate *trust.Gate, c *cache.Cache, schemas *schema.Registry, scheduler *chunk.Scheduler, table *dispatch.Table, files *dispatch.Reassembler, counters *chunk.Counters) *Surface {
	return &Surface{
		local:     local,
		peers:     peers,
		sessions:  sessions,
		gate:      gate,
		cache:     c,
		schemas:   schemas,
		scheduler: scheduler,
		table:     table,
		files:     files,
		counters:  counters,
	}
}

// Status reports active sessions, discovered peers, cache stats, and
// the local public key.
func (s *Surface) Status() StatusReport {
	localPub := s.local.Public()
	return StatusReport{
		LocalPublicKey: hex.EncodeToString(localPub[:]),
		Sessions:       s.sessionInfos(),
		Peers:          s.Peers(),
		Cache:          s.CacheStats(),
		Counters:       s.counters.Snapshot(),
	}
}

func (s *Surface) sessionInfos() []SessionInfo {
	var out []SessionInfo
	for _, sess := range s.sessions.Table().All() {
		out = append(out, sessionInfo(sess))
	}
	return out
}

func sessionInfo(sess *session.Session) SessionInfo {
	pk := sess.PeerPubkey()
	id := sess.ID()

	remote := ""
	if addr := sess.ChunkAddr(); addr != nil {
		remote = addr.String()
	}

	return SessionInfo{
		ID:            hex.EncodeToString(id[:]),
		PeerPublicKey: hex.EncodeToString(pk[:]),
		Contract:      sess.Contract().String(),
		State:         sess.State().String(),
		EstablishedAt: sess.EstablishedAt(),
		RemoteAddr:    remote,
	}
}

// Peers lists every current peer record.
func (s *Surface) Peers() []PeerInfo {
	var out []PeerInfo
	for _, r := range s.peers.All() {
		addr := ""
		if r.Addr != nil {
			addr = r.Addr.String()
		}
		out = append(out, PeerInfo{
			PublicKey: r.Hex(),
			LastSeen:  r.LastSeen,
			Addr:      addr,
			Contract:  r.Contract.String(),
			ChunkPort: r.ChunkPort,
		})
	}
	return out
}

// TrustList returns every explicit trust rule.
func (s *Surface) TrustList() []TrustEntry {
	var out []TrustEntry
	for _, rule := range s.gate.Trust.List() {
		out = append(out, TrustEntry{
			PublicKey: hex.EncodeToString(rule.PublicKey[:]),
			Level:     rule.Level.String(),
		})
	}
	return out
}

// TrustAdd promotes a peer to Trusted and replays its buffered chunk
// references into the dispatch pipeline in FIFO order, per spec.md
// §4.4's promotion flush.
func (s *Surface) TrustAdd(publicKey [32]byte) {
	for _, ref := range s.gate.Promote(publicKey) {
		data, ok, err := s.cache.Get(ref.ContentHash)
		if err != nil || !ok {
			// The cache is the single copy of a buffered chunk's payload;
			// a miss here means it vanished underneath us. Logged and
			// skipped — the peer re-sends on its next broadcast.
			log.WithError(err).WithField("hash", hex.EncodeToString(ref.ContentHash[:])).
				Warn("control: buffered chunk missing from cache")
			continue
		}

		header := wire.ChunkHeader{
			ContentHash: ref.ContentHash,
			SchemaID:    ref.SchemaID,
			TypeTag:     ref.TypeTag,
			Length:      uint32(len(data)),
		}
		if err := s.table.Dispatch(header, data); err != nil {
			log.WithError(err).Debug("control: replay dispatch dropped chunk")
		}
	}
}

// TrustBlock demotes a peer to Blocked and discards its buffer.
func (s *Surface) TrustBlock(publicKey [32]byte) {
	s.gate.Demote(publicKey)
}

// TrustPending lists untrusted peers with buffered traffic.
func (s *Surface) TrustPending() []PendingEntry {
	var out []PendingEntry
	for pk, n := range s.gate.Buffer.Pending() {
		out = append(out, PendingEntry{
			PublicKey: hex.EncodeToString(pk[:]),
			Buffered:  n,
		})
	}
	return out
}

// SessionsInspect returns the session with the given ID.
func (s *Surface) SessionsInspect(id session.ID) (SessionInfo, error) {
	for _, sess := range s.sessions.Table().All() {
		if sess.ID() == id {
			return sessionInfo(sess), nil
		}
	}
	return SessionInfo{}, ErrUnknownSession
}

// SessionsDrop tears down the session with the given ID.
func (s *Surface) SessionsDrop(id session.ID) error {
	for _, sess := range s.sessions.Table().All() {
		if sess.ID() == id {
			s.sessions.Drop(sess.PeerPubkey())
			return nil
		}
	}
	return ErrUnknownSession
}

// CacheStats reports the cache's entry count and total size.
func (s *Surface) CacheStats() CacheStats {
	count, totalBytes := s.cache.Stats()
	return CacheStats{Count: count, TotalBytes: totalBytes}
}

// CacheClear removes every cached entry, returning the number removed.
func (s *Surface) CacheClear() (int, error) {
	return s.cache.Clear()
}

// Schemas lists every known schema name.
func (s *Surface) Schemas() []string {
	return s.schemas.Names()
}

// Send submits an application payload for transmission. The schema is
// named rather than hashed on this side of the surface; an unknown name
// rejects the request.
func (s *Surface) Send(payload []byte, schemaName string, typeTag uint8, target chunk.Target) error {
	schemaID := schema.ID(schemaName)
	if _, ok := s.schemas.Lookup(schemaID); !ok {
		return schema.ErrUnknownSchema
	}

	return s.scheduler.Submit(chunk.Request{
		Payload:  payload,
		SchemaID: schemaID,
		TypeTag:  typeTag,
		Target:   target,
	})
}

// FilesStatus lists completed and in-progress file reassemblies.
func (s *Surface) FilesStatus() []dispatch.FileStatus {
	return s.files.Status()
}
