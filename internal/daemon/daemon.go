// Package daemon wires Summit's registries and loops into one process:
// the explicit state bundle of Design Notes §9, passed by shared
// ownership to each subsystem, never as singletons.
//
// Grounded on pkg/routing/core.go's Core (NewCore wires every subsystem
// and runs a central handler() select over the CLA manager's status
// channel) and cmd/dtnd/main.go's shutdown sequencing.
package daemon

import (
	"encoding/hex"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/4-R-C-4-N-4/summit/internal/cache"
	"github.com/4-R-C-4-N-4/summit/internal/chunk"
	"github.com/4-R-C-4-N-4/summit/internal/config"
	"github.com/4-R-C-4-N-4/summit/internal/control"
	"github.com/4-R-C-4-N-4/summit/internal/cron"
	"github.com/4-R-C-4-N-4/summit/internal/discovery"
	"github.com/4-R-C-4-N-4/summit/internal/dispatch"
	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/schema"
	"github.com/4-R-C-4-N-4/summit/internal/session"
	"github.com/4-R-C-4-N-4/summit/internal/trust"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// capabilityDescriptor identifies the protocol variant and feature set;
// its BLAKE3 hash is the capability hash carried in every announcement.
// Nodes with mismatched capability hashes ignore each other.
const capabilityDescriptor = "summit/1 noise-xx/25519/chachapoly/blake2s blake3-content"

// CapabilityHash returns the announcement capability hash for this
// build's protocol variant.
func CapabilityHash() [32]byte {
	return blake3.Sum256([]byte(capabilityDescriptor))
}

// Daemon is the assembled Summit node.
type Daemon struct {
	conf     config.Config
	id       identity.Identity
	contract wire.Contract

	peers     *peer.Table
	cache     *cache.Cache
	schemas   *schema.Registry
	gate      *trust.Gate
	sessions  *session.Manager
	receiver  *chunk.Receiver
	scheduler *chunk.Scheduler
	table     *dispatch.Table
	files     *dispatch.Reassembler
	messages  *dispatch.MessageStore
	counters  *chunk.Counters

	disc *discovery.Manager
	cron *cron.Cron

	surface *control.Surface
	hub     *control.EventHub
	httpSrv *http.Server

	stopSyn chan struct{}
	stopAck chan struct{}
}

// consumerQueueDepth bounds the message and compute consumer queues.
const consumerQueueDepth = 1024

// New assembles a daemon from its configuration. Nothing is started;
// call Start once, then Close once.
func New(conf config.Config) (*Daemon, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}

	contract, err := conf.Contract()
	if err != nil {
		return nil, err
	}

	var chunkCache *cache.Cache
	if conf.Cache.Root != "" {
		chunkCache, err = cache.New(conf.Cache.Root)
	} else {
		chunkCache, err = cache.NewInTempDir("summit")
	}
	if err != nil {
		return nil, err
	}

	peers := peer.New(id.Public())
	schemas := schema.NewRegistry()
	gate := trust.NewGate(trust.NewRegistry(), trust.NewBuffer(), chunkCache, schemas)

	sessions, err := session.NewManager(id, peers, &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}

	table := dispatch.NewTable()
	files, err := dispatch.NewReassembler(conf.Core.OutputDir)
	if err != nil {
		return nil, err
	}
	messages := dispatch.NewMessageStore(consumerQueueDepth)
	table.Register(dispatch.TagPing, dispatch.NewPingConsumer())
	table.Register(dispatch.TagTextMessage, messages)
	table.Register(dispatch.TagFileData, files)
	table.Register(dispatch.TagFileMetadata, files)
	table.Register(dispatch.TagComputeRequest, dispatch.NewComputeExecutor(consumerQueueDepth))
	table.Register(dispatch.TagComputeResult, dispatch.NewComputeSubmitter(consumerQueueDepth))

	counters := &chunk.Counters{}

	receiver, err := chunk.NewReceiver(sessions.Table(), gate, table, counters)
	if err != nil {
		return nil, err
	}

	scheduler := chunk.NewScheduler(receiver.Conn(), sessions.Table(), peers, chunkCache, counters)

	disc, err := discovery.New(id, peers, conf.Core.Interface, CapabilityHash(), conf.Core.Version,
		func() uint16 { return uint16(sessions.LocalAddr().Port) },
		receiver.Port,
		func() wire.Contract { return contract })
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		conf:      conf,
		id:        id,
		contract:  contract,
		peers:     peers,
		cache:     chunkCache,
		schemas:   schemas,
		gate:      gate,
		sessions:  sessions,
		receiver:  receiver,
		scheduler: scheduler,
		table:     table,
		files:     files,
		messages:  messages,
		counters:  counters,
		disc:      disc,
		hub:       control.NewEventHub(),
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}

	d.surface = control.NewSurface(id, peers, sessions, gate, chunkCache, schemas, scheduler, table, files, counters)

	peers.OnExpire(d.onPeerExpired)
	receiver.OnPending(d.onTrustPending)
	receiver.OnOverThreshold(d.onOverThreshold)

	return d, nil
}

// Surface returns the control surface for the external HTTP API and
// CLI.
func (d *Daemon) Surface() *control.Surface {
	return d.surface
}

// Hub returns the push-notification hub.
func (d *Daemon) Hub() *control.EventHub {
	return d.hub
}

// LocalPublicKey returns the node's static public key.
func (d *Daemon) LocalPublicKey() [32]byte {
	return d.id.Public()
}

// Start launches every loop: discovery, session handshakes, the chunk
// data plane, periodic maintenance, and the optional control listener.
func (d *Daemon) Start() error {
	d.sessions.Start()
	d.receiver.Start()
	d.scheduler.Start()
	d.disc.Start()

	d.cron = cron.New()
	var startErr *multierror.Error
	startErr = multierror.Append(startErr,
		d.cron.Register("peer-expiry", d.peers.Expire, discovery.ExpiryInterval))
	startErr = multierror.Append(startErr,
		d.cron.Register("session-sweep", d.sessions.Sweep, time.Second))
	startErr = multierror.Append(startErr,
		d.cron.Register("session-initiate", d.initiateSessions, discovery.BroadcastInterval))

	go d.handler()

	if d.conf.Control.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", d.hub)
		d.httpSrv = &http.Server{Addr: d.conf.Control.Listen, Handler: mux}
		go func() {
			if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("daemon: control listener failed")
			}
		}()
	}

	localPub := d.id.Public()
	log.WithFields(log.Fields{
		"pubkey":       hex.EncodeToString(localPub[:]),
		"session_port": d.sessions.LocalAddr().Port,
		"chunk_port":   d.receiver.Port(),
		"contract":     d.contract,
	}).Info("summit daemon started")

	return startErr.ErrorOrNil()
}

// initiateSessions opens a handshake to every known peer without one.
// Initiate itself applies the lexicographic tie-break, so calling it
// for every peer is safe.
func (d *Daemon) initiateSessions() {
	for _, p := range d.peers.All() {
		if _, exists := d.sessions.Table().Get(p.PublicKey); !exists {
			d.sessions.Initiate(p)
		}
	}
}

// handler is the daemon's central event loop, consuming session
// lifecycle events exactly the way the teacher's Core.handler consumes
// the CLA manager's status channel.
func (d *Daemon) handler() {
	defer close(d.stopAck)

	for {
		select {
		case <-d.stopSyn:
			return

		case ev := <-d.sessions.Events():
			switch ev.Kind {
			case session.EventEstablished:
				d.onEstablished(ev)
			case session.EventDropped:
				d.receiver.Unregister(ev.PeerPubkey)
				d.hub.Publish(control.Event{
					Type:      control.EventSessionDropped,
					PublicKey: hex.EncodeToString(ev.PeerPubkey[:]),
					SessionID: hex.EncodeToString(ev.SessionID[:]),
				})
			}
		}
	}
}

func (d *Daemon) onEstablished(ev session.SessionEvent) {
	// First hint for the peer's chunk address comes from its
	// announcement; the peer's own confirmation frame is authoritative
	// and lands via Manager.confirmChunkAddr.
	if p, ok := d.peers.Get(ev.PeerPubkey); ok && p.Addr != nil {
		if s, ok := d.sessions.Table().Get(ev.PeerPubkey); ok {
			addr := &net.UDPAddr{IP: p.Addr.IP, Port: int(p.ChunkPort), Zone: p.Addr.Zone}
			s.SetChunkAddr(addr)
			d.receiver.Register(addr, s)
		}
	}

	d.sessions.ConfirmChunkPort(ev.PeerPubkey, d.receiver.Port())

	d.hub.Publish(control.Event{
		Type:      control.EventSessionEstablished,
		PublicKey: hex.EncodeToString(ev.PeerPubkey[:]),
		SessionID: hex.EncodeToString(ev.SessionID[:]),
	})
}

func (d *Daemon) onPeerExpired(pubkey [32]byte) {
	d.sessions.Drop(pubkey)
	d.hub.Publish(control.Event{
		Type:      control.EventPeerExpired,
		PublicKey: hex.EncodeToString(pubkey[:]),
	})
}

func (d *Daemon) onTrustPending(pubkey [32]byte) {
	d.hub.Publish(control.Event{
		Type:      control.EventTrustPending,
		PublicKey: hex.EncodeToString(pubkey[:]),
	})
}

func (d *Daemon) onOverThreshold(pubkey [32]byte) {
	log.WithField("peer", hex.EncodeToString(pubkey[:])).
		Warn("daemon: dropping session over AEAD failure threshold")
	d.sessions.Drop(pubkey)
}

// Close shuts every subsystem down in reverse dependency order,
// collecting all errors. The send scheduler drains in-flight chunks
// bounded by its drain deadline; the cache needs no flush.
func (d *Daemon) Close() error {
	var result *multierror.Error

	if d.httpSrv != nil {
		result = multierror.Append(result, d.httpSrv.Close())
	}

	result = multierror.Append(result, d.disc.Close())

	if d.cron != nil {
		d.cron.Stop()
	}

	result = multierror.Append(result, d.scheduler.Close())

	close(d.stopSyn)
	result = multierror.Append(result, d.sessions.Close())
	<-d.stopAck

	result = multierror.Append(result, d.receiver.Close())
	result = multierror.Append(result, d.hub.Close())

	log.Info("summit daemon stopped")
	return result.ErrorOrNil()
}
