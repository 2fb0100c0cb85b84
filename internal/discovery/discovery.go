// Package discovery announces the local node on the link-local
// multicast group and maintains the peer table from received
// announcements, per spec.md §4.2.
//
// Grounded on pkg/discovery/manager.go's Manager shape (NewManager,
// notify/handleDiscovery, stopChan-style shutdown), with
// golang.org/x/net/ipv6 driving multicast group membership over a raw
// UDP socket in place of github.com/schollz/peerdiscovery, which frames
// its own discovery payload and cannot carry spec.md's fixed 80-byte
// CapabilityAnnouncement bit-for-bit.
package discovery

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"

	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// MulticastGroup and Port are the fixed announcement rendezvous point.
const (
	MulticastGroup    = "ff02::1"
	Port              = 9000
	BroadcastInterval = 2 * time.Second
	ExpiryInterval    = 5 * time.Second
)

// Manager owns the multicast announce/listen loops for one network
// interface.
type Manager struct {
	local    identity.Identity
	peers    *peer.Table
	iface    *net.Interface
	conn     *net.UDPConn
	pconn    *ipv6.PacketConn
	group    *net.UDPAddr
	sentinel wire.CapabilityAnnouncement

	sessionPort func() uint16
	chunkPort   func() uint16
	contract    func() wire.Contract

	stopSyn chan struct{}
	stopAck chan struct{}
}

// New builds a discovery manager bound to ifaceName, advertising
// sessionPort/chunkPort/contract as reported by the callbacks supplied
// (ports may be ephemeral and change across restarts, per spec.md
// §4.2's "current chunk port is included because it may be ephemeral").
func New(local identity.Identity, peers *peer.Table, ifaceName string, capabilityHash [32]byte, version uint32, sessionPort, chunkPort func() uint16, contract func() wire.Contract) (*Manager, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, err
	}

	group := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: Port}

	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: Port})
	if err != nil {
		return nil, err
	}

	pconn := ipv6.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, group); err != nil {
		conn.Close()
		return nil, err
	}
	if err := pconn.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, err
	}

	return &Manager{
		local:       local,
		peers:       peers,
		iface:       iface,
		conn:        conn,
		pconn:       pconn,
		group:       group,
		sessionPort: sessionPort,
		chunkPort:   chunkPort,
		contract:    contract,
		sentinel:    wire.CapabilityAnnouncement{CapabilityHash: capabilityHash, PublicKey: local.Public(), Version: version},
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
	}, nil
}

// Start launches the announce and listen loops.
func (m *Manager) Start() {
	go m.listenLoop()
	go m.announceLoop()
}

// Close tears down both loops and the underlying socket.
func (m *Manager) Close() error {
	close(m.stopSyn)
	err := m.conn.Close()
	<-m.stopAck
	<-m.stopAck
	return err
}

func (m *Manager) announceLoop() {
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSyn:
			m.stopAck <- struct{}{}
			return
		case <-ticker.C:
			m.announceOnce()
		}
	}
}

func (m *Manager) buildAnnouncement() wire.CapabilityAnnouncement {
	ann := m.sentinel
	ann.SessionPort = m.sessionPort()
	ann.ChunkPort = m.chunkPort()
	ann.Contract = m.contract()
	return ann
}

func (m *Manager) announceOnce() {
	buf := m.buildAnnouncement().Marshal()
	if _, err := m.pconn.WriteTo(buf, nil, m.group); err != nil {
		log.WithError(err).Debug("discovery: announcement send failed, will retry next tick")
	}
}

func (m *Manager) listenLoop() {
	buf := make([]byte, wire.AnnouncementSize+64)

	for {
		select {
		case <-m.stopSyn:
			m.stopAck <- struct{}{}
			return
		default:
		}

		m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		ann, err := wire.ParseCapabilityAnnouncement(buf[:n])
		if err != nil {
			log.WithError(err).Debug("discovery: dropped malformed announcement")
			continue
		}

		m.peers.Observe(ann, addr)
	}
}
