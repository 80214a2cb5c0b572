package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/callrate/internal/domain"
)

var errClosed = errors.New("bus is closed")

// ChannelBus is the in-process EventBus. Every subscription owns a buffered
// channel drained by one goroutine, so a slow handler only delays its own
// messages. Messages are dropped, and counted, when a buffer is full.
type ChannelBus struct {
	buffer  int
	dropped atomic.Int64

	mu     sync.RWMutex
	subs   map[string]map[string]*channelSub // key -> id -> subscription
	closed bool
}

type channelSub struct {
	bus     *ChannelBus
	id      string
	key     string
	topic   string
	handler domain.MessageHandler
	queue   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// ChannelStats reports the state of a ChannelBus.
type ChannelStats struct {
	Subscriptions int   `json:"subscriptions"`
	Dropped       int64 `json:"dropped"`
}

// NewChannelBus creates a bus whose subscriptions buffer bufferSize
// messages. A non-positive size means 1000.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		buffer: bufferSize,
		subs:   make(map[string]map[string]*channelSub),
	}
}

func channelKey(tenantID, topic string) string {
	return tenantID + "|" + topic
}

// Publish queues payload to the topic's subscribers of the tenant and to its
// AllTenants subscribers.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkTenant(tenantID, false); err != nil {
		return err
	}
	return b.deliver(newMessage(ctx, tenantID, topic, payload))
}

func (b *ChannelBus) deliver(msg *domain.Message) error {
	// Queueing happens under the read lock so Close cannot close a queue
	// mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}

	for _, key := range [2]string{channelKey(msg.TenantID, msg.Topic), channelKey(AllTenants, msg.Topic)} {
		for _, sub := range b.subs[key] {
			select {
			case sub.queue <- msg:
			default:
				b.dropped.Add(1)
				slog.Warn("subscriber buffer full, message dropped",
					"tenant", msg.TenantID,
					"topic", msg.Topic,
					"subscription", sub.id,
				)
			}
		}
	}
	return nil
}

// Subscribe registers handler for topic messages of tenantID, which may be
// AllTenants. The subscription ends with Unsubscribe, Close or ctx.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkTenant(tenantID, true); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSub{
		bus:     b,
		id:      uuid.New().String(),
		key:     channelKey(tenantID, topic),
		topic:   topic,
		handler: handler,
		queue:   make(chan *domain.Message, b.buffer),
		ctx:     subCtx,
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, errClosed
	}
	if b.subs[sub.key] == nil {
		b.subs[sub.key] = make(map[string]*channelSub)
	}
	b.subs[sub.key][sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

func (s *channelSub) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes payload and waits for the first Reply to it. Without a
// deadline in ctx it gives up after 30 seconds.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if err := checkTenant(tenantID, false); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	msg := newMessage(ctx, tenantID, topic, payload)
	replyTo := topic + ".reply." + msg.ID
	msg.Metadata[ReplyToKey] = replyTo

	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, tenantID, replyTo, func(_ context.Context, reply *domain.Message) error {
		select {
		case replies <- reply.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.deliver(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", topic, ctx.Err())
	}
}

// Reply answers a message received from Request.
func (b *ChannelBus) Reply(ctx context.Context, req *domain.Message, payload []byte) error {
	to := req.Metadata[ReplyToKey]
	if to == "" {
		return ErrNoReplyTo
	}
	return b.deliver(newMessage(ctx, req.TenantID, to, payload))
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}
	return nil
}

// Stats returns the live subscription count and the messages dropped so far.
func (b *ChannelBus) Stats() ChannelStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return ChannelStats{Subscriptions: n, Dropped: b.dropped.Load()}
}

// Close ends every subscription. Queued messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for _, sub := range set {
			sub.cancel()
			close(sub.queue)
		}
	}
	b.subs = nil
	return nil
}

// Unsubscribe detaches the subscription so publishers stop queueing to it.
func (s *channelSub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	if set := b.subs[s.key]; set != nil {
		delete(set, s.id)
		if len(set) == 0 {
			delete(b.subs, s.key)
		}
	}
	b.mu.Unlock()
	s.cancel()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSub) Topic() string {
	return s.topic
}
