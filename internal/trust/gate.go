package trust

import (
	"errors"

	"lukechampine.com/blake3"

	"github.com/4-R-C-4-N-4/summit/internal/cache"
	"github.com/4-R-C-4-N-4/summit/internal/schema"
)

// Outcome reports what the admission gate did with a chunk, for
// metrics and logging.
type Outcome int

const (
	// Admitted means the chunk was cached and handed to dispatch.
	Admitted Outcome = iota
	// Buffered means the chunk was cached but held in the sender's
	// untrusted buffer pending promotion.
	Buffered
	// DroppedBlocked means the sender is Blocked.
	DroppedBlocked
	// DroppedIntegrity means the payload's hash did not match the
	// chunk header's content_hash.
	DroppedIntegrity
	// DroppedUnknownSchema means schema_id has no registered validator.
	DroppedUnknownSchema
	// DroppedValidatorReject means the schema's validator rejected the
	// payload.
	DroppedValidatorReject
	// DroppedIOError means the cache write failed; per spec.md's error
	// taxonomy this is logged and the gate continues, not fatal.
	DroppedIOError
)

// ErrBlocked, ErrIntegrity, ErrUnknownSchema, and ErrValidatorReject
// classify why Gate.Admit declined a chunk; Gate.Admit also returns
// the matching Outcome so callers don't need to compare errors.
var (
	ErrBlocked         = errors.New("trust: sender is blocked")
	ErrIntegrity       = errors.New("trust: payload does not match content hash")
	ErrUnknownSchema   = schema.ErrUnknownSchema
	ErrValidatorReject = schema.ErrValidatorReject
)

// Gate implements the five-step admission rule of spec.md §4.4: the
// single decision point between a decrypted chunk and the application
// layer.
type Gate struct {
	Trust   *Registry
	Buffer  *Buffer
	Cache   *cache.Cache
	Schemas *schema.Registry
}

// NewGate wires a trust registry, untrusted buffer, cache, and schema
// registry into one admission gate.
func NewGate(trust *Registry, buffer *Buffer, c *cache.Cache, schemas *schema.Registry) *Gate {
	return &Gate{Trust: trust, Buffer: buffer, Cache: c, Schemas: schemas}
}

// Admit runs the five-step admission rule for one decrypted chunk from
// sender, carrying contentHash, schemaID, typeTag, and payload. On
// Admitted or Buffered it has already cached the payload via
// put_if_absent semantics; the caller is responsible for dispatching
// on Admitted and for doing nothing further on Buffered (the chunk
// will be replayed on promotion).
func (g *Gate) Admit(sender [32]byte, contentHash, schemaID [32]byte, typeTag uint8, payload []byte) (Outcome, error) {
	if g.Trust.Check(sender) == Blocked {
		return DroppedBlocked, ErrBlocked
	}

	if blake3.Sum256(payload) != contentHash {
		return DroppedIntegrity, ErrIntegrity
	}

	validator, ok := g.Schemas.Lookup(schemaID)
	if !ok {
		return DroppedUnknownSchema, ErrUnknownSchema
	}

	if err := validator(payload); err != nil {
		return DroppedValidatorReject, ErrValidatorReject
	}

	if _, err := g.Cache.Put(contentHash, payload); err != nil {
		return DroppedIOError, err
	}

	if g.Trust.Check(sender) == Trusted {
		return Admitted, nil
	}

	g.Buffer.Add(sender, ChunkRef{ContentHash: contentHash, SchemaID: schemaID, TypeTag: typeTag})
	return Buffered, nil
}

// Promote marks sender as Trusted and returns its buffered chunk
// references in FIFO order for replay into dispatch. Mirrors
// spec.md §4.4's promotion-flush rule.
func (g *Gate) Promote(sender [32]byte) []ChunkRef {
	g.Trust.Trust(sender)
	return g.Buffer.Flush(sender)
}

// Demote marks sender as Blocked and discards its untrusted buffer,
// per spec.md §4.4 ("Trust → Blocked drops the buffer").
func (g *Gate) Demote(sender [32]byte) {
	g.Trust.Block(sender)
	g.Buffer.Clear(sender)
}
