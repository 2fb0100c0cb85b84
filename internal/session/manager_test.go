package session

import (
	"net"
	"testing"
	"time"

	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

func newTestManager(t *testing.T) (*Manager, identity.Identity) {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	peers := peer.New(id.Public())

	laddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}

	m, err := NewManager(id, peers, laddr)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start()
	t.Cleanup(func() { m.Close() })

	return m, id
}

func waitForEvent(t *testing.T, m *Manager, kind EventKind, timeout time.Duration) SessionEvent {
	t.Helper()
	select {
	case ev := <-m.Events():
		if ev.Kind != kind {
			t.Fatalf("got event kind %v, want %v", ev.Kind, kind)
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event kind %v", kind)
		return SessionEvent{}
	}
}

func TestFullHandshakeEstablishesBothSides(t *testing.T) {
	a, aID := newTestManager(t)
	b, bID := newTestManager(t)

	aRecordOfB := peer.Record{PublicKey: bID.Public(), Addr: b.LocalAddr(), Contract: wire.Bulk}
	bRecordOfA := peer.Record{PublicKey: aID.Public(), Addr: a.LocalAddr(), Contract: wire.Bulk}

	// Both discover each other simultaneously; only the lexicographically
	// smaller public key actually initiates (ShouldInitiate gates it).
	a.Initiate(aRecordOfB)
	b.Initiate(bRecordOfA)

	evA := waitForEvent(t, a, EventEstablished, 2*time.Second)
	evB := waitForEvent(t, b, EventEstablished, 2*time.Second)

	if evA.SessionID != evB.SessionID {
		t.Fatalf("session IDs differ: %x vs %x", evA.SessionID, evB.SessionID)
	}

	sa, ok := a.Table().Get(bID.Public())
	if !ok || sa.State() != Established {
		t.Fatal("A's session with B should be Established")
	}
	sb, ok := b.Table().Get(aID.Public())
	if !ok || sb.State() != Established {
		t.Fatal("B's session with A should be Established")
	}
}

func TestEstablishedSessionsCanExchangeEncryptedFrames(t *testing.T) {
	a, aID := newTestManager(t)
	b, bID := newTestManager(t)

	a.Initiate(peer.Record{PublicKey: bID.Public(), Addr: b.LocalAddr(), Contract: wire.Bulk})
	b.Initiate(peer.Record{PublicKey: aID.Public(), Addr: a.LocalAddr(), Contract: wire.Bulk})

	waitForEvent(t, a, EventEstablished, 2*time.Second)
	waitForEvent(t, b, EventEstablished, 2*time.Second)

	sa, _ := a.Table().Get(bID.Public())
	sb, _ := b.Table().Get(aID.Public())

	frame, err := sa.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := sb.Decrypt(frame)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("got %q, want %q", plaintext, "hello")
	}
}

func TestDropRemovesSessionAndEmitsEvent(t *testing.T) {
	a, aID := newTestManager(t)
	b, bID := newTestManager(t)

	a.Initiate(peer.Record{PublicKey: bID.Public(), Addr: b.LocalAddr(), Contract: wire.Bulk})
	b.Initiate(peer.Record{PublicKey: aID.Public(), Addr: a.LocalAddr(), Contract: wire.Bulk})

	waitForEvent(t, a, EventEstablished, 2*time.Second)
	waitForEvent(t, b, EventEstablished, 2*time.Second)

	a.Drop(bID.Public())
	ev := waitForEvent(t, a, EventDropped, time.Second)
	if ev.PeerPubkey != bID.Public() {
		t.Fatal("dropped event should reference the dropped peer")
	}
	if _, ok := a.Table().Get(bID.Public()); ok {
		t.Fatal("session should be removed from the table after Drop")
	}
}
