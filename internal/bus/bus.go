package bus

import "context"

// MessageBus is a minimal in-process pub/sub for inbound and outbound
// messages. It implements MessageRouter.
type MessageBus struct {
	inboundCh chan InboundMessage
	outCh     chan OutboundMessage
}

// New creates a MessageBus with reasonably sized buffers; callers that need
// hard backpressure guarantees should drain promptly.
func New() *MessageBus {
	return &MessageBus{
		inboundCh: make(chan InboundMessage, 256),
		outCh:     make(chan OutboundMessage, 256),
	}
}

func (b *MessageBus) PublishInbound(msg InboundMessage) { b.inboundCh <- msg }

func (b *MessageBus) PublishOutbound(msg OutboundMessage) { b.outCh <- msg }

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inboundCh:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// SubscribeOutbound blocks until a message arrives or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outCh:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

var _ MessageRouter = (*MessageBus)(nil)
