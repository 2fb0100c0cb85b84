package trust

import "testing"

func key(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

func TestCheckDefaultsToUntrusted(t *testing.T) {
	r := NewRegistry()
	if got := r.Check(key(1)); got != Untrusted {
		t.Fatalf("Check on unknown peer = %v, want Untrusted", got)
	}
}

func TestTrustAndBlockOverrideDefault(t *testing.T) {
	r := NewRegistry()
	p := key(1)

	r.Trust(p)
	if got := r.Check(p); got != Trusted {
		t.Fatalf("after Trust, Check = %v, want Trusted", got)
	}

	r.Block(p)
	if got := r.Check(p); got != Blocked {
		t.Fatalf("after Block, Check = %v, want Blocked", got)
	}
}

func TestRemoveRevertsToUntrusted(t *testing.T) {
	r := NewRegistry()
	p := key(1)
	r.Trust(p)
	r.Remove(p)
	if got := r.Check(p); got != Untrusted {
		t.Fatalf("after Remove, Check = %v, want Untrusted", got)
	}
}

func TestCounts(t *testing.T) {
	r := NewRegistry()
	r.Trust(key(1))
	r.Trust(key(2))
	r.Block(key(3))

	trusted, untrusted, blocked := r.Counts()
	if trusted != 2 || untrusted != 0 || blocked != 1 {
		t.Fatalf("Counts = (%d, %d, %d), want (2, 0, 1)", trusted, untrusted, blocked)
	}
}

func TestBufferAddAndFlushIsFIFO(t *testing.T) {
	b := NewBuffer()
	p := key(1)

	b.Add(p, ChunkRef{ContentHash: key(10)})
	b.Add(p, ChunkRef{ContentHash: key(11)})
	b.Add(p, ChunkRef{ContentHash: key(12)})

	refs := b.Flush(p)
	if len(refs) != 3 {
		t.Fatalf("Flush returned %d refs, want 3", len(refs))
	}
	if refs[0].ContentHash != key(10) || refs[2].ContentHash != key(12) {
		t.Fatalf("Flush order = %v, want FIFO", refs)
	}

	if got := b.Count(p); got != 0 {
		t.Fatalf("Count after Flush = %d, want 0", got)
	}
}

func TestBufferClearDiscardsQueue(t *testing.T) {
	b := NewBuffer()
	p := key(1)
	b.Add(p, ChunkRef{})
	b.Clear(p)
	if got := b.Count(p); got != 0 {
		t.Fatalf("Count after Clear = %d, want 0", got)
	}
}

func TestBufferTotalAndPending(t *testing.T) {
	b := NewBuffer()
	b.Add(key(1), ChunkRef{})
	b.Add(key(1), ChunkRef{})
	b.Add(key(2), ChunkRef{})

	if got := b.Total(); got != 3 {
		t.Fatalf("Total = %d, want 3", got)
	}

	pending := b.Pending()
	if pending[key(1)] != 2 || pending[key(2)] != 1 {
		t.Fatalf("Pending = %v, want {1:2, 2:1}", pending)
	}
}

func TestBufferEvictsOldestAtCapacity(t *testing.T) {
	b := NewBuffer()
	p := key(1)

	for i := 0; i < maxBufferedPerPeer; i++ {
		b.Add(p, ChunkRef{TypeTag: 1})
	}
	b.Add(p, ChunkRef{ContentHash: key(99), TypeTag: 2})

	if got := b.Count(p); got != maxBufferedPerPeer {
		t.Fatalf("Count = %d, want capacity %d", got, maxBufferedPerPeer)
	}

	refs := b.Flush(p)
	if refs[0].TypeTag != 1 {
		t.Fatal("second-oldest reference should now be first")
	}
	if last := refs[len(refs)-1]; last.ContentHash != key(99) {
		t.Fatalf("newest reference missing, tail = %v", last)
	}
}
