// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultChannelBuffer = 1000

var errBusClosed = errors.New("bus is closed")

// ChannelBus is the standalone profile's bus. Alert topics fan out to
// every subscriber; work topics go to one subscriber per message, round
// robin, matching NATS queue groups.
type ChannelBus struct {
	buffer int

	mu     sync.RWMutex
	topics map[string][]*channelSubscription
	closed bool

	rr      atomic.Uint64
	dropped atomic.Int64
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	stop    context.CancelFunc
	owner   *ChannelBus
}

// NewChannelBus gives every subscriber an inbox of buffer messages;
// non-positive means 1000.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelBus{
		buffer: buffer,
		topics: make(map[string][]*channelSubscription),
	}
}

// Publish never blocks: a subscriber whose inbox is full misses the
// message and Dropped goes up.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errBusClosed
	}
	targets := b.topics[topic]
	if len(targets) == 0 {
		return nil
	}
	if domain.IsWorkTopic(topic) {
		i := b.rr.Add(1) % uint64(len(targets))
		targets = targets[i : i+1]
	}

	msg := envelope(ctx, topic, payload)
	for _, sub := range targets {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("subscriber inbox full, message dropped", "topic", topic, "subscription", sub.id)
		}
	}
	return nil
}

// Subscribe runs handler on its own goroutine. A subscription sees its
// messages in publish order, one at a time.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil message handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	subCtx, stop := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.buffer),
		ctx:     subCtx,
		stop:    stop,
		owner:   b,
	}
	b.topics[topic] = append(b.topics[topic], sub)
	go sub.loop()
	return sub, nil
}

// Dropped counts deliveries skipped because an inbox was full.
func (b *ChannelBus) Dropped() int64 { return b.dropped.Load() }

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscription. Queued messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.stop()
		}
	}
	clear(b.topics)
	return nil
}

func (b *ChannelBus) detach(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := slices.DeleteFunc(slices.Clone(b.topics[sub.topic]), func(s *channelSubscription) bool {
		return s == sub
	})
	if len(rest) == 0 {
		delete(b.topics, sub.topic)
		return
	}
	b.topics[sub.topic] = rest
}

func (s *channelSubscription) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.deliver(msg)
		}
	}
}

func (s *channelSubscription) deliver(msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panicked", "topic", s.topic, "message_id", msg.ID, "panic", r)
		}
	}()
	if err := s.handler(deliveryContext(s.ctx, msg), msg); err != nil {
		slog.Error("handler error", "topic", s.topic, "message_id", msg.ID, "error", err)
	}
}

func (s *channelSubscription) Unsubscribe() error {
	s.stop()
	s.owner.detach(s)
	return nil
}

func (s *channelSubscription) Topic() string { return s.topic }
