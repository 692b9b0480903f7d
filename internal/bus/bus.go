package bus

import (
	"context"
	"sync"
)

// MessageBus is the concrete, in-process implementation of EventPublisher
// and MessageRouter: unbuffered-ish channel-backed queues for inbound and
// outbound chat traffic, plus a subscriber map for server-sent events.
// Safe for concurrent use; a single process owns exactly one MessageBus.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New creates a MessageBus with reasonably large buffered queues so a slow
// consumer (agent run in flight) does not block channel adapters.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 256),
		outbound: make(chan OutboundMessage, 256),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message from a channel adapter for consumption
// by the agent run loop. Never blocks the caller forever: if the queue is
// full, the oldest assumption is that the consumer is the bottleneck, so we
// still send (backpressure is intentional — callers run in their own
// goroutine per channel and the buffer generously covers bursts).
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is done.
// The second return value is false once the bus is drained and closed.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-b.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for delivery back to its originating
// channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx is
// done. Channel adapters each run their own SubscribeOutbound loop filtering
// on msg.Channel.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-b.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler under id, overwriting any previous handler
// with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes the handler registered under id, if any.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast fans event out to every current subscriber. Handlers run
// synchronously on the caller's goroutine in subscription order; a handler
// that needs to do slow work should hand off to its own goroutine.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

var (
	_ EventPublisher = (*MessageBus)(nil)
	_ MessageRouter  = (*MessageBus)(nil)
)
