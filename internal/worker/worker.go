// Package worker rates calls published on the event bus and keeps the
// process's reference snapshots in step with reference data changes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/callrate/internal/bus"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/ledger"
	"github.com/opensource-finance/callrate/internal/service"
)

// QueueSubscriber is implemented by buses that can spread a topic's
// messages over a group of subscribers.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// Worker rates ingested calls asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	rater     *service.Rater
	snapshots service.Invalidator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string

	// QueueGroup shares ingested calls between workers of several processes
	// when the bus supports it.
	QueueGroup string
}

// NewWorker creates a new async worker. snapshots may be nil.
func NewWorker(eventBus domain.EventBus, rater *service.Rater, snapshots service.Invalidator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		rater:     rater,
		snapshots: snapshots,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{bus.AllTenants}
	}

	started := 0
	for _, tenantID := range tenants {
		if err := w.startTenantWorker(tenantID, cfg.QueueGroup); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}

	if started == 0 {
		return fmt.Errorf("no worker started")
	}

	slog.Info("workers started",
		"tenant_count", started,
	)

	return nil
}

// startTenantWorker subscribes to ingested calls, rate requests and reference
// changes of one tenant, or of every tenant for bus.AllTenants.
func (w *Worker) startTenantWorker(tenantID, queue string) error {
	if err := w.subscribeShared(tenantID, domain.TopicCallIngested, queue, w.processCall); err != nil {
		return err
	}
	if err := w.subscribeShared(tenantID, domain.TopicCallRate, queue, w.rateRequest); err != nil {
		return err
	}

	// Every process holds its own snapshots, so reference changes are never
	// queue-grouped
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicReferenceChanged, w.track(w.referenceChanged))
	if err != nil {
		return err
	}
	w.add(sub)

	slog.Info("tenant worker started",
		"tenant", tenantID,
		"queue_group", queue,
	)

	return nil
}

// subscribeShared subscribes h to topic, in the queue group when the bus
// supports one.
func (w *Worker) subscribeShared(tenantID, topic, queue string, h domain.MessageHandler) error {
	var (
		sub domain.Subscription
		err error
	)
	qs, ok := w.bus.(QueueSubscriber)
	if queue != "" && ok {
		sub, err = qs.QueueSubscribe(w.ctx, tenantID, topic, queue, w.track(h))
	} else {
		sub, err = w.bus.Subscribe(w.ctx, tenantID, topic, w.track(h))
	}
	if err != nil {
		return err
	}
	w.add(sub)
	return nil
}

func (w *Worker) add(sub domain.Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscriptions = append(w.subscriptions, sub)
}

// track counts in-flight handlers so Stop can wait for them.
func (w *Worker) track(h domain.MessageHandler) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return nil
		}
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()
		return h(ctx, msg)
	}
}

// CallMessage is the message payload of an ingested call.
type CallMessage struct {
	TenantID string `json:"tenantId,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
	domain.CallRequest
}

// RateReply answers a request on domain.TopicCallRate.
type RateReply struct {
	RatedCall *domain.RatedCall `json:"ratedCall,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// parseCall decodes a call message and resolves its tenant and trace ID from
// the payload, falling back to the envelope.
func parseCall(msg *domain.Message) (callMsg CallMessage, tenantID, traceID string, err error) {
	if err = json.Unmarshal(msg.Payload, &callMsg); err != nil {
		return callMsg, "", "", fmt.Errorf("failed to parse call message %s: %w", msg.ID, err)
	}

	tenantID = msg.TenantID
	if callMsg.TenantID != "" {
		tenantID = callMsg.TenantID
	}

	traceID = callMsg.TraceID
	if traceID == "" {
		traceID = msg.Metadata[bus.TraceIDKey]
	}
	if traceID == "" {
		traceID = msg.ID
	}
	return callMsg, tenantID, traceID, nil
}

// rateRequest rates a call and replies with the ledger entry. Failures are
// replied too so the requester does not wait for a timeout.
func (w *Worker) rateRequest(ctx context.Context, msg *domain.Message) error {
	var reply RateReply
	callMsg, tenantID, traceID, err := parseCall(msg)
	if err == nil {
		reply.RatedCall, err = w.rater.Rate(ctx, tenantID, traceID, callMsg.ToCall(tenantID))
	}
	if err != nil {
		reply.Error = err.Error()
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return bus.Reply(ctx, w.bus, msg, payload)
}

// processCall rates an ingested call and publishes the ledger entry.
func (w *Worker) processCall(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	callMsg, tenantID, traceID, err := parseCall(msg)
	if err != nil {
		slog.Error("failed to parse call message", "message_id", msg.ID, "error", err)
		return err
	}

	slog.Debug("processing call",
		"call_id", callMsg.ID,
		"tenant", tenantID,
		"trace_id", traceID,
	)

	rc, err := w.rater.Rate(ctx, tenantID, traceID, callMsg.ToCall(tenantID))
	if err != nil {
		slog.Error("call rating failed",
			"call_id", callMsg.ID,
			"tenant", tenantID,
			"error", err,
		)
		return err
	}

	resultPayload, _ := json.Marshal(rc)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicCallRated, resultPayload); err != nil {
		slog.Error("failed to publish rated call",
			"call_id", rc.Call.ID,
			"error", err,
		)
	}

	if ledger.NeedsReview(rc) {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicCallReview, resultPayload); err != nil {
			slog.Error("failed to publish review",
				"call_id", rc.Call.ID,
				"error", err,
			)
		}
	}

	slog.Info("call processed",
		"call_id", rc.Call.ID,
		"tenant", tenantID,
		"status", rc.Status,
		"outcome", rc.Rating.Outcome.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// referenceChanged drops the tenant's snapshots held by this process.
func (w *Worker) referenceChanged(ctx context.Context, msg *domain.Message) error {
	if w.snapshots == nil {
		return nil
	}

	tenantID := msg.TenantID
	var change service.ReferenceChange
	if err := json.Unmarshal(msg.Payload, &change); err == nil && change.TenantID != "" {
		tenantID = change.TenantID
	}

	w.snapshots.Invalidate(ctx, tenantID)
	slog.Debug("reference snapshots invalidated", "tenant", tenantID)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.stopped = true
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
