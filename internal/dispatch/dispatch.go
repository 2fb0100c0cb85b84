// Package dispatch routes admitted chunks to their application-layer
// consumers by type tag, per spec.md §4.6: a flat table from type_tag
// to a narrow Consumer interface, extended by registration rather than
// by an inheritance hierarchy (Design Notes §9).
//
// Grounded on pkg/agent/mux_agent.go's table-of-registered-consumers
// pattern and pkg/agent.ApplicationAgent's narrow channel interface,
// generalized from endpoint-ID routing to type-tag routing.
package dispatch

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// Well-known type tags, matching spec.md §4.6's dispatch table.
const (
	TagPing           uint8 = 0
	TagTextMessage    uint8 = 1
	TagFileData       uint8 = 2
	TagFileMetadata   uint8 = 3
	TagComputeRequest uint8 = 4
	TagComputeResult  uint8 = 5
)

// Errors surfaced by Dispatch. ErrChannelFull backs the ChannelFull
// error kind: a saturated consumer drops the chunk, it never blocks
// the receive loop.
var (
	ErrNoConsumer  = errors.New("dispatch: no consumer registered for type tag")
	ErrChannelFull = errors.New("dispatch: consumer queue is full")
)

// Consumer is the narrow interface every chunk consumer implements.
// Submit must not block: a consumer that cannot accept the chunk now
// returns ErrChannelFull and the chunk is dropped.
type Consumer interface {
	Submit(header wire.ChunkHeader, payload []byte) error
}

// Table maps type tags to their registered consumers.
type Table struct {
	mu        sync.RWMutex
	consumers map[uint8]Consumer
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{consumers: make(map[uint8]Consumer)}
}

// Register binds a consumer to a type tag, replacing any previous one.
func (t *Table) Register(tag uint8, c Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[tag] = c
}

// Dispatch hands an admitted chunk to the consumer registered for its
// type tag.
func (t *Table) Dispatch(header wire.ChunkHeader, payload []byte) error {
	t.mu.RLock()
	c, ok := t.consumers[header.TypeTag]
	t.mu.RUnlock()

	if !ok {
		log.WithField("type_tag", header.TypeTag).Debug("dispatch: unroutable chunk")
		return ErrNoConsumer
	}

	return c.Submit(header, payload)
}
