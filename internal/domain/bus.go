package domain

import "context"

// Topics of the rating pipeline.
const (
	TopicCallIngested     = "callrate.call.ingested"     // calls to rate asynchronously
	TopicCallRate         = "callrate.call.rate"         // request/reply rating
	TopicCallRated        = "callrate.call.rated"        // every ledger entry
	TopicCallReview       = "callrate.call.review"       // ledger entries flagged for review
	TopicReferenceChanged = "callrate.reference.changed" // a tenant's reference data was replaced
)

// EventBus carries messages between callrate components and processes.
// Every message belongs to one tenant.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe calls handler for each message on topic until the returned
	// subscription is cancelled.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload and blocks until a subscriber replies or ctx
	// ends.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler handles one delivered message. A returned error is logged by
// the bus; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around a published payload.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription is an active Subscribe registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	Type string // channel, nats

	ChannelBufferSize int // per subscription

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
