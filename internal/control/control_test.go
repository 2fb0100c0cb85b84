package control

import (
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"lukechampine.com/blake3"

	"github.com/4-R-C-4-N-4/summit/internal/cache"
	"github.com/4-R-C-4-N-4/summit/internal/chunk"
	"github.com/4-R-C-4-N-4/summit/internal/dispatch"
	"github.com/4-R-C-4-N-4/summit/internal/identity"
	"github.com/4-R-C-4-N-4/summit/internal/peer"
	"github.com/4-R-C-4-N-4/summit/internal/schema"
	"github.com/4-R-C-4-N-4/summit/internal/session"
	"github.com/4-R-C-4-N-4/summit/internal/trust"
)

func newSurface(t *testing.T) (*Surface, *dispatch.MessageStore) {
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

	schemas := schema.NewRegistry()
	gate := trust.NewGate(trust.NewRegistry(), trust.NewBuffer(), c, schemas)

	table := dispatch.NewTable()
	msgs := dispatch.NewMessageStore(16)
	table.Register(dispatch.TagTextMessage, msgs)

	files, err := dispatch.NewReassembler(t.TempDir())
	if err != nil {
		t.Fatalf("dispatch.NewReassembler: %v", err)
	}

	counters := &chunk.Counters{}

	recv, err := chunk.NewReceiver(mgr.Table(), gate, table, counters)
	if err != nil {
		t.Fatalf("chunk.NewReceiver: %v", err)
	}
	recv.Start()
	t.Cleanup(func() { recv.Close() })

	sched := chunk.NewScheduler(recv.Conn(), mgr.Table(), peers, c, counters)
	sched.Start()
	t.Cleanup(func() { sched.Close() })

	return NewSurface(id, peers, mgr, gate, c, schemas, sched, table, files, counters), msgs
}

func TestTrustAddFlushesBufferedChunks(t *testing.T) {
	s, msgs := newSurface(t)

	sender := [32]byte{7}
	for _, text := range []string{"first", "second"} {
		payload := []byte(text)
		hash := blake3.Sum256(payload)
		outcome, err := s.gate.Admit(sender, hash, schema.ID("text.message"), dispatch.TagTextMessage, payload)
		if outcome != trust.Buffered || err != nil {
			t.Fatalf("Admit = (%v, %v), want (Buffered, nil)", outcome, err)
		}
	}

	pending := s.TrustPending()
	if len(pending) != 1 || pending[0].Buffered != 2 {
		t.Fatalf("TrustPending = %v, want one peer with 2 buffered", pending)
	}

	s.TrustAdd(sender)

	got := msgs.Messages()
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("flush delivered %v, want first then second", got)
	}
	if len(s.TrustPending()) != 0 {
		t.Fatal("TrustPending should be empty after promotion")
	}

	rules := s.TrustList()
	if len(rules) != 1 || rules[0].Level != "trusted" {
		t.Fatalf("TrustList = %v, want the promoted peer", rules)
	}
}

func TestTrustBlockDropsBuffer(t *testing.T) {
	s, msgs := newSurface(t)

	sender := [32]byte{9}
	payload := []byte("never delivered")
	hash := blake3.Sum256(payload)
	if _, err := s.gate.Admit(sender, hash, schema.ID("text.message"), dispatch.TagTextMessage, payload); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	s.TrustBlock(sender)

	if len(s.TrustPending()) != 0 {
		t.Fatal("blocking should drop the pending buffer")
	}
	if len(msgs.Messages()) != 0 {
		t.Fatal("blocked peer's chunks must never be dispatched")
	}
}

func TestStatusAndCacheOperations(t *testing.T) {
	s, _ := newSurface(t)

	payload := []byte("cached")
	hash := blake3.Sum256(payload)
	if _, err := s.cache.Put(hash, payload); err != nil {
		t.Fatalf("cache.Put: %v", err)
	}

	status := s.Status()
	if len(status.LocalPublicKey) != 64 {
		t.Fatalf("LocalPublicKey = %q, want 64 hex chars", status.LocalPublicKey)
	}
	if status.Cache.Count != 1 || status.Cache.TotalBytes != int64(len(payload)) {
		t.Fatalf("cache stats = %+v", status.Cache)
	}

	removed, err := s.CacheClear()
	if err != nil || removed != 1 {
		t.Fatalf("CacheClear = (%d, %v), want (1, nil)", removed, err)
	}
	if s.CacheStats().Count != 0 {
		t.Fatal("cache should be empty after clear")
	}
}

func TestSchemasListsBuiltins(t *testing.T) {
	s, _ := newSurface(t)

	names := s.Schemas()
	want := map[string]bool{
		"test.ping": false, "text.message": false, "file.chunk": false,
		"file.data": false, "file.metadata": false,
		"compute.request": false, "compute.result": false,
	}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("schema %q missing from %v", n, names)
		}
	}
}

func TestSendRejectsUnknownSchema(t *testing.T) {
	s, _ := newSurface(t)

	err := s.Send([]byte("x"), "no.such.schema", 0, chunk.Target{Kind: chunk.Broadcast})
	if err != schema.ErrUnknownSchema {
		t.Fatalf("Send = %v, want ErrUnknownSchema", err)
	}

	// A known schema with zero sessions is accepted and transmits
	// nothing.
	if err := s.Send([]byte("ping"), "test.ping", dispatch.TagPing, chunk.Target{Kind: chunk.Broadcast}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSessionsInspectUnknownID(t *testing.T) {
	s, _ := newSurface(t)

	if _, err := s.SessionsInspect(session.ID{1, 2, 3}); err != ErrUnknownSession {
		t.Fatalf("SessionsInspect = %v, want ErrUnknownSession", err)
	}
	if err := s.SessionsDrop(session.ID{1, 2, 3}); err != ErrUnknownSession {
		t.Fatalf("SessionsDrop = %v, want ErrUnknownSession", err)
	}
}

func TestEventHubPushesToSubscribers(t *testing.T) {
	hub := NewEventHub()
	t.Cleanup(func() { hub.Close() })

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Subscribers() != 1 {
		t.Fatal("subscriber never registered")
	}

	hub.Publish(Event{Type: EventTrustPending, PublicKey: "ab"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != EventTrustPending || got.PublicKey != "ab" {
		t.Fatalf("got event %+v", got)
	}
}
