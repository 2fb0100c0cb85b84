package dispatch

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/schema"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// The messaging and compute services proper are external collaborators;
// the consumers here are the in-process ends of the dispatch table that
// hold delivered payloads for them to drain. Each is bounded: a full
// consumer rejects with ErrChannelFull and the chunk is dropped, never
// queued against the receive loop.

// StoredMessage is one delivered text.message payload.
type StoredMessage struct {
	ContentHash [32]byte
	Text        string
}

// MessageStore collects delivered text messages, bounded at capacity.
type MessageStore struct {
	mu       sync.Mutex
	capacity int
	messages []StoredMessage
}

// NewMessageStore returns a message store holding at most capacity
// messages.
func NewMessageStore(capacity int) *MessageStore {
	return &MessageStore{capacity: capacity}
}

// Submit implements Consumer for text.message chunks.
func (s *MessageStore) Submit(header wire.ChunkHeader, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) >= s.capacity {
		return ErrChannelFull
	}
	s.messages = append(s.messages, StoredMessage{
		ContentHash: header.ContentHash,
		Text:        string(payload),
	})
	return nil
}

// Messages returns a snapshot of every stored message in delivery order.
func (s *MessageStore) Messages() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredMessage{}, s.messages...)
}

// PingConsumer handles test.ping chunks, which exist for diagnostics
// only: each one is logged and counted, nothing is stored.
type PingConsumer struct {
	mu    sync.Mutex
	count int
}

// NewPingConsumer returns a ping consumer.
func NewPingConsumer() *PingConsumer {
	return &PingConsumer{}
}

// Submit implements Consumer for test.ping chunks.
func (p *PingConsumer) Submit(_ wire.ChunkHeader, payload []byte) error {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()

	log.WithField("payload", string(payload)).Debug("ping received")
	return nil
}

// Count returns the number of pings received.
func (p *PingConsumer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// ComputeExecutor collects inbound compute.request records for the
// (external) compute service to execute, bounded at capacity.
type ComputeExecutor struct {
	mu       sync.Mutex
	capacity int
	requests []schema.ComputeRequest
}

// NewComputeExecutor returns an executor queue holding at most capacity
// pending requests.
func NewComputeExecutor(capacity int) *ComputeExecutor {
	return &ComputeExecutor{capacity: capacity}
}

// Submit implements Consumer for compute.request chunks.
func (e *ComputeExecutor) Submit(_ wire.ChunkHeader, payload []byte) error {
	req, err := schema.ParseComputeRequest(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.requests) >= e.capacity {
		return ErrChannelFull
	}
	e.requests = append(e.requests, req)
	return nil
}

// Pending returns a snapshot of every queued request.
func (e *ComputeExecutor) Pending() []schema.ComputeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schema.ComputeRequest{}, e.requests...)
}

// ComputeSubmitter collects inbound compute.result records for the
// task's original submitter to drain, bounded at capacity.
type ComputeSubmitter struct {
	mu       sync.Mutex
	capacity int
	results  []schema.ComputeResult
}

// NewComputeSubmitter returns a result queue holding at most capacity
// entries.
func NewComputeSubmitter(capacity int) *ComputeSubmitter {
	return &ComputeSubmitter{capacity: capacity}
}

// Submit implements Consumer for compute.result chunks.
func (s *ComputeSubmitter) Submit(_ wire.ChunkHeader, payload []byte) error {
	res, err := schema.ParseComputeResult(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.results) >= s.capacity {
		return ErrChannelFull
	}
	s.results = append(s.results, res)
	return nil
}

// Results returns a snapshot of every received result.
func (s *ComputeSubmitter) Results() []schema.ComputeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.ComputeResult{}, s.results...)
}
