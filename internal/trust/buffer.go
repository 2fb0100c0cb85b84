package trust

import "sync"

// maxBufferedPerPeer bounds each untrusted peer's queue. When full, the
// oldest reference is evicted; the payload stays in the cache, so a
// trusted re-send recovers it.
const maxBufferedPerPeer = 1024

// ChunkRef is a reference to a chunk admitted into the cache while its
// sender was Untrusted, held back from dispatch until the peer is
// promoted to Trusted. spec.md §3 deliberately keeps this a reference
// rather than the chunk bytes — the cache is the single copy of the
// payload.
type ChunkRef struct {
	ContentHash [32]byte
	SchemaID    [32]byte
	TypeTag     uint8
}

// Buffer holds per-peer bounded queues of pending chunk references for
// untrusted senders, in FIFO order.
type Buffer struct {
	mu    sync.Mutex
	queue map[[32]byte][]ChunkRef
}

// NewBuffer returns an empty untrusted buffer.
func NewBuffer() *Buffer {
	return &Buffer{queue: make(map[[32]byte][]ChunkRef)}
}

// Add appends a chunk reference to peer's queue, evicting the oldest
// reference when the queue is at capacity.
func (b *Buffer) Add(peer [32]byte, ref ChunkRef) {
	b.mu.Lock()
	defer b.mu.Unlock()

	refs := b.queue[peer]
	if len(refs) >= maxBufferedPerPeer {
		refs = refs[1:]
	}
	b.queue[peer] = append(refs, ref)
}

// Flush removes and returns peer's entire queue in FIFO order, for
// replay into the dispatch pipeline on promotion to Trusted.
func (b *Buffer) Flush(peer [32]byte) []ChunkRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs := b.queue[peer]
	delete(b.queue, peer)
	return refs
}

// Clear discards peer's queue without returning it, for use when a
// peer is promoted to Blocked.
func (b *Buffer) Clear(peer [32]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queue, peer)
}

// Count returns the number of references buffered for peer.
func (b *Buffer) Count(peer [32]byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue[peer])
}

// Total returns the number of references buffered across all peers.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, refs := range b.queue {
		n += len(refs)
	}
	return n
}

// Pending lists every peer with a non-empty queue and its length, for
// the control surface's trust_pending() operation.
func (b *Buffer) Pending() map[[32]byte]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[[32]byte]int, len(b.queue))
	for peer, refs := range b.queue {
		out[peer] = len(refs)
	}
	return out
}
