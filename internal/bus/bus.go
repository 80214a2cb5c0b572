// Package bus provides the event buses that carry calls to the rating worker
// and rated calls out of it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/callrate/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// AllTenants subscribes to a topic across every tenant.
const AllTenants = "*"

// Message metadata keys.
const (
	// TraceIDKey carries the publisher's trace ID.
	TraceIDKey = "trace_id"
	// ReplyToKey names where the reply to a Request goes.
	ReplyToKey = "reply_to"
)

// ErrNoReplyTo is returned when replying to a message that was not sent by
// Request.
var ErrNoReplyTo = errors.New("message expects no reply")

// Replier is implemented by buses that can answer a Request.
type Replier interface {
	Reply(ctx context.Context, req *domain.Message, payload []byte) error
}

// Reply answers req, a message received from a Request, on b.
func Reply(ctx context.Context, b domain.EventBus, req *domain.Message, payload []byte) error {
	if req.Metadata[ReplyToKey] == "" {
		return ErrNoReplyTo
	}
	r, ok := b.(Replier)
	if !ok {
		return fmt.Errorf("bus %T cannot reply", b)
	}
	return r.Reply(ctx, req, payload)
}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage builds the envelope of a published payload. The trace ID of the
// span in ctx, if any, travels in the metadata.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[TraceIDKey] = sc.TraceID().String()
	}
	return msg
}

// checkTenant validates a tenant ID used in a subject. wildcard allows
// AllTenants.
func checkTenant(tenantID string, wildcard bool) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if tenantID == AllTenants {
		if wildcard {
			return nil
		}
		return fmt.Errorf("cannot publish to all tenants")
	}
	if strings.ContainsAny(tenantID, ".*> ") {
		return fmt.Errorf("invalid tenantID %q", tenantID)
	}
	return nil
}
