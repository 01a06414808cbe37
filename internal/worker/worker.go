// Package worker analyzes transactions arriving on the event bus and
// publishes the verdicts back onto it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrStopped is returned for messages delivered after Stop began.
var ErrStopped = errors.New("worker stopped")

// Analyzer scores a transaction. *detector.Detector satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, tx *domain.Transaction) *domain.FraudResult
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopping      bool
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	flagged   atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topic to consume. Defaults to domain.TopicTransactionIngested.
	Topic string

	// Concurrency bounds in-flight analyses. Defaults to 1, which keeps
	// per-user ordering for a single subscription.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, analyzer Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.Topic == "" {
		cfg.Topic = domain.TopicTransactionIngested
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sem = make(chan struct{}, cfg.Concurrency)
	sub, err := w.bus.Subscribe(w.ctx, cfg.Topic, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", cfg.Topic,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage hands the message to a processing goroutine once a slot
// is free, so a slow analysis never blocks more than Concurrency messages.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Add under mu so it cannot race with the Wait in Stop.
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		<-w.sem
		return ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()

	// Processing runs on the worker context so Stop can drain in-flight
	// analyses after the subscription context is gone.
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		if err := w.processTransaction(w.ctx, msg); err != nil {
			w.failed.Add(1)
			metrics.BusMessagesTotal.WithLabelValues(msg.Topic, "error").Inc()
			return
		}
		metrics.BusMessagesTotal.WithLabelValues(msg.Topic, "ok").Inc()
	}()
	return nil
}

// processTransaction analyzes one message and publishes the decision.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var txMsg domain.TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return fmt.Errorf("parse message %s: %w", msg.ID, err)
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.Metadata[bus.MetadataTraceID]
	}
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing transaction",
		"tx_id", txMsg.Transaction.ID,
		"trace_id", traceID,
	)

	result := w.analyzer.Analyze(ctx, &txMsg.Transaction)
	w.processed.Add(1)

	payload, err := json.Marshal(domain.DecisionMessage{Result: result, TraceID: traceID})
	if err != nil {
		return fmt.Errorf("marshal decision for %s: %w", result.TransactionID, err)
	}

	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"tx_id", result.TransactionID,
			"error", err,
		)
	}

	if result.IsFraudulent {
		w.flagged.Add(1)
		if err := w.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", result.TransactionID,
				"error", err,
			)
		}
	}

	slog.Info("transaction processed",
		"tx_id", result.TransactionID,
		"trace_id", traceID,
		"is_fraudulent", result.IsFraudulent,
		"score", result.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop unsubscribes and waits for in-flight analyses to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopping = true
	subs := w.subscriptions
	w.subscriptions = nil
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
	w.cancel()

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"flagged", w.flagged.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Flagged           int64    `json:"flagged"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Flagged:           w.flagged.Load(),
		Failed:            w.failed.Load(),
	}
}
