package chunk

import (
	"net"
	"testing"
	"time"

	"lukechampine.com/blake3"

	"github.com/4-R-C-4-N-4/summit/internal/cache"
	"github.com/4-R-C-4-N-4/summit/internal/dispatch"
	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/schema"
	"github.com/4-R-C-4-N-4/summit/internal/session"
	"github.com/4-R-C-4-N-4/summit/internal/trust"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// node bundles one side's full data plane for loopback tests.
type node struct {
	id       identity.Identity
	peers    *peer.Table
	mgr      *session.Manager
	gate     *trust.Gate
	cache    *cache.Cache
	table    *dispatch.Table
	msgs     *dispatch.MessageStore
	recv     *Receiver
	sched    *Scheduler
	counters *Counters
}

func newNode(t *testing.T) *node {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	peers := peer.New(id.Public())

	mgr, err := session.NewManager(id, peers, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	mgr.Start()
	t.Cleanup(func() { mgr.Close() })

	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	gate := trust.NewGate(trust.NewRegistry(), trust.NewBuffer(), c, schema.NewRegistry())

	table := dispatch.NewTable()
	msgs := dispatch.NewMessageStore(64)
	table.Register(dispatch.TagTextMessage, msgs)

	counters := &Counters{}

	recv, err := NewReceiver(mgr.Table(), gate, table, counters)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	recv.Start()
	t.Cleanup(func() { recv.Close() })

	sched := NewScheduler(recv.Conn(), mgr.Table(), peers, c, counters)
	sched.Start()
	t.Cleanup(func() { sched.Close() })

	return &node{
		id: id, peers: peers, mgr: mgr, gate: gate, cache: c,
		table: table, msgs: msgs, recv: recv, sched: sched, counters: counters,
	}
}

func (n *node) chunkUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(n.recv.Port())}
}

// observe installs b in a's peer table as if a had heard b's
// announcement.
func observe(a, b *node, contract wire.Contract) {
	a.peers.Observe(wire.CapabilityAnnouncement{
		PublicKey:   b.id.Public(),
		SessionPort: uint16(b.mgr.LocalAddr().Port),
		ChunkPort:   b.recv.Port(),
		Contract:    contract,
	}, b.mgr.LocalAddr())
}

// connect establishes a session pair between a and b with the given
// contract and wires the chunk-traffic routing tables on both sides.
func connect(t *testing.T, a, b *node, contract wire.Contract) {
	t.Helper()

	observe(a, b, contract)
	observe(b, a, contract)

	recA, _ := a.peers.Get(b.id.Public())
	recB, _ := b.peers.Get(a.id.Public())
	a.mgr.Initiate(recA)
	b.mgr.Initiate(recB)

	waitEstablished(t, a, b.id.Public())
	waitEstablished(t, b, a.id.Public())

	sa, _ := a.mgr.Table().Get(b.id.Public())
	sb, _ := b.mgr.Table().Get(a.id.Public())
	sa.SetChunkAddr(b.chunkUDPAddr())
	sb.SetChunkAddr(a.chunkUDPAddr())
	a.recv.Register(b.chunkUDPAddr(), sa)
	b.recv.Register(a.chunkUDPAddr(), sb)
}

func waitEstablished(t *testing.T, n *node, peerPubkey [32]byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-n.mgr.Events():
			if ev.Kind == session.EventEstablished && ev.PeerPubkey == peerPubkey {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session with %x", peerPubkey[:4])
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestSendDeliversToTrustedPeer(t *testing.T) {
	a := newNode(t)
	b := newNode(t)
	connect(t, a, b, wire.Bulk)

	b.gate.Trust.Trust(a.id.Public())

	payload := []byte("hello")
	err := a.sched.Submit(Request{
		Payload:  payload,
		SchemaID: schema.ID("text.message"),
		TypeTag:  dispatch.TagTextMessage,
		Target:   Target{Kind: Broadcast},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !waitUntil(t, 2*time.Second, func() bool { return len(b.msgs.Messages()) == 1 }) {
		t.Fatalf("message not delivered; counters a=%+v b=%+v", a.counters.Snapshot(), b.counters.Snapshot())
	}
	if got := b.msgs.Messages()[0].Text; got != "hello" {
		t.Fatalf("delivered %q, want %q", got, "hello")
	}

	hash := blake3.Sum256(payload)
	if !a.cache.Has(hash) {
		t.Fatal("sender should cache the chunk before transmission")
	}
	if !b.cache.Has(hash) {
		t.Fatal("receiver should cache the admitted chunk")
	}
}

func TestUntrustedSenderIsBufferedAndFlushedOnPromotion(t *testing.T) {
	a := newNode(t)
	b := newNode(t)
	connect(t, a, b, wire.Bulk)

	pending := make(chan [32]byte, 1)
	b.recv.OnPending(func(p [32]byte) {
		select {
		case pending <- p:
		default:
		}
	})

	payload := []byte("deferred")
	if err := a.sched.Submit(Request{
		Payload:  payload,
		SchemaID: schema.ID("text.message"),
		TypeTag:  dispatch.TagTextMessage,
		Target:   Target{Kind: ToPeer, Peer: b.id.Public()},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case p := <-pending:
		if p != a.id.Public() {
			t.Fatal("pending notification names the wrong peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trust-pending notification")
	}

	if len(b.msgs.Messages()) != 0 {
		t.Fatal("untrusted sender's message must not be dispatched yet")
	}

	// Operator promotes the peer; buffered references replay in FIFO
	// order through the dispatch pipeline.
	for _, ref := range b.gate.Promote(a.id.Public()) {
		data, ok, err := b.cache.Get(ref.ContentHash)
		if err != nil || !ok {
			t.Fatalf("cache.Get buffered ref: ok=%v err=%v", ok, err)
		}
		header := wire.ChunkHeader{
			ContentHash: ref.ContentHash,
			SchemaID:    ref.SchemaID,
			TypeTag:     ref.TypeTag,
			Length:      uint32(len(data)),
		}
		if err := b.table.Dispatch(header, data); err != nil {
			t.Fatalf("Dispatch replay: %v", err)
		}
	}

	msgs := b.msgs.Messages()
	if len(msgs) != 1 || msgs[0].Text != "deferred" {
		t.Fatalf("after promotion got %v, want the one deferred message", msgs)
	}
}

func TestQuotaExhaustionDropsChunks(t *testing.T) {
	a := newNode(t)
	b := newNode(t)
	connect(t, a, b, wire.Background) // burst 4, refill 8/s

	b.gate.Trust.Trust(a.id.Public())

	const offered = 6
	for i := byte(0); i < offered; i++ {
		if err := a.sched.Submit(Request{
			Payload:  []byte{'q', i},
			SchemaID: schema.ID("test.ping"),
			TypeTag:  dispatch.TagPing,
			Target:   Target{Kind: ToPeer, Peer: b.id.Public()},
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	if !waitUntil(t, 2*time.Second, func() bool {
		s := a.counters.Snapshot()
		return s.Sent+s.QuotaExhausted == offered
	}) {
		t.Fatalf("offers unaccounted for: %+v", a.counters.Snapshot())
	}

	s := a.counters.Snapshot()
	if s.Sent < 4 {
		t.Fatalf("burst of 4 should transmit immediately, sent %d", s.Sent)
	}
	if s.QuotaExhausted == 0 {
		t.Fatal("offers beyond the burst should be dropped, not queued")
	}
}

func TestBackgroundSuppressedWhileRealtimeEstablished(t *testing.T) {
	a := newNode(t)
	b := newNode(t)
	c := newNode(t)
	connect(t, a, b, wire.Realtime)
	connect(t, a, c, wire.Background)

	b.gate.Trust.Trust(a.id.Public())
	c.gate.Trust.Trust(a.id.Public())

	if err := a.sched.Submit(Request{
		Payload:  []byte("broadcast"),
		SchemaID: schema.ID("test.ping"),
		TypeTag:  dispatch.TagPing,
		Target:   Target{Kind: Broadcast},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !waitUntil(t, 2*time.Second, func() bool {
		s := a.counters.Snapshot()
		return s.Sent == 1 && s.BackgroundSuppressed == 1
	}) {
		t.Fatalf("counters = %+v, want 1 sent (Realtime) and 1 suppressed (Background)", a.counters.Snapshot())
	}
}

func TestBroadcastWithNoSessionsIsAcceptedNoOp(t *testing.T) {
	a := newNode(t)

	if err := a.sched.Submit(Request{
		Payload:  []byte("void"),
		SchemaID: schema.ID("test.ping"),
		TypeTag:  dispatch.TagPing,
		Target:   Target{Kind: Broadcast},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if s := a.counters.Snapshot(); s.Sent != 0 {
		t.Fatalf("broadcast with zero sessions transmitted %d chunks", s.Sent)
	}
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	a := newNode(t)
	a.sched.Close()

	err := a.sched.Submit(Request{Payload: []byte("late"), Target: Target{Kind: Broadcast}})
	if err != ErrShuttingDown {
		t.Fatalf("got %v, want ErrShuttingDown", err)
	}
}
