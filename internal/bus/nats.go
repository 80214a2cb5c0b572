package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/callrate/internal/domain"
)

// Headers set on every published message. The JSON envelope wins over them.
const (
	headerMsgID   = nats.MsgIdHdr
	headerTenant  = "Callrate-Tenant"
	headerTraceID = "Callrate-Trace-Id"
)

// NATSBus implements EventBus using NATS, so several callrate processes
// share ingested calls and reference change notices.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.EventBusConfig
}

type natsSubscription struct {
	bus   *NATSBus
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to cfg.NATSUrl, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, connectOptions(cfg)...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
	}, nil
}

func connectOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("callrate"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subj)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// encode wraps msg for the wire, addressed to subj.
func encode(subj string, msg *domain.Message) (*nats.Msg, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	m := nats.NewMsg(subj)
	m.Data = data
	m.Header.Set(headerMsgID, msg.ID)
	m.Header.Set(headerTenant, msg.TenantID)
	if id := msg.Metadata[TraceIDKey]; id != "" {
		m.Header.Set(headerTraceID, id)
	}
	return m, nil
}

// decode unwraps a wire message. Envelope fields missing from the body are
// taken from the headers.
func decode(m *nats.Msg) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return nil, err
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	if m.Header != nil {
		if msg.ID == "" {
			msg.ID = m.Header.Get(headerMsgID)
		}
		if msg.TenantID == "" {
			msg.TenantID = m.Header.Get(headerTenant)
		}
		if id := m.Header.Get(headerTraceID); id != "" && msg.Metadata[TraceIDKey] == "" {
			msg.Metadata[TraceIDKey] = id
		}
	}
	if m.Reply != "" {
		msg.Metadata[ReplyToKey] = m.Reply
	}
	return &msg, nil
}

// Publish sends payload on callrate.<tenant>.<topic>.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkTenant(tenantID, false); err != nil {
		return err
	}
	m, err := encode(subject(tenantID, topic), newMessage(ctx, tenantID, topic, payload))
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(m)
}

// Subscribe registers a handler for a topic. tenantID may be AllTenants,
// which subscribes with a subject wildcard.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe registers a handler in a queue group: each message is
// delivered to one member of the group across all processes.
func (b *NATSBus) QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue group is required")
	}
	return b.subscribe(ctx, tenantID, topic, queue, handler)
}

func (b *NATSBus) subscribe(ctx context.Context, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkTenant(tenantID, true); err != nil {
		return nil, err
	}

	cb := func(m *nats.Msg) {
		msg, err := decode(m)
		if err != nil {
			slog.Error("failed to decode NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	subj := subject(tenantID, topic)
	var (
		natsSub *nats.Subscription
		err     error
	)
	if queue != "" {
		natsSub, err = b.conn.QueueSubscribe(subj, queue, cb)
	} else {
		natsSub, err = b.conn.Subscribe(subj, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subj, err)
	}

	sub := &natsSubscription{
		bus:   b,
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Request publishes payload with a reply inbox and waits for the first
// answer. Without a deadline in ctx it gives up after 30 seconds.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if err := checkTenant(tenantID, false); err != nil {
		return nil, err
	}
	m, err := encode(subject(tenantID, topic), newMessage(ctx, tenantID, topic, payload))
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	resp, err := b.conn.RequestMsgWithContext(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	reply, err := decode(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply.Payload, nil
}

// Reply answers a message received from Request on its reply inbox.
func (b *NATSBus) Reply(ctx context.Context, req *domain.Message, payload []byte) error {
	inbox := req.Metadata[ReplyToKey]
	if inbox == "" {
		return ErrNoReplyTo
	}
	m, err := encode(inbox, newMessage(ctx, req.TenantID, req.Topic, payload))
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(m)
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close unsubscribes everything and closes the connection. Pending messages
// are dropped.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
	}
	b.subscriptions = make(map[string]*natsSubscription)

	b.conn.Close()
	return nil
}

// subject maps a topic to its NATS subject with the tenant after the
// callrate prefix: callrate.<tenant>.call.ingested.
func subject(tenantID, topic string) string {
	return fmt.Sprintf("callrate.%s.%s", tenantID, strings.TrimPrefix(topic, "callrate."))
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
