// Package worker consumes trades from the event bus and feeds them to the
// detection engine.
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

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Analyzer evaluates a single trade. *engine.Engine satisfies it.
type Analyzer interface {
	Evaluate(ctx context.Context, trade *domain.Trade) *domain.Evaluation
}

// Worker processes ingested trades asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	engine Analyzer
	jobs   chan job

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed  atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	alerts     atomic.Int64
}

type job struct {
	msgID string
	trade *domain.Trade
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of trades evaluated concurrently.
	WorkerCount int

	// QueueSize bounds trades decoded but not yet evaluated.
	QueueSize int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, engine Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the evaluation pool behind a single subscription to the
// trade topic. Work topics are load balanced across nodes by the bus, so
// within a node one subscription feeds every pool goroutine.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.WorkerCount * 16
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.jobs != nil {
		return errors.New("worker already started")
	}
	w.jobs = make(chan job, cfg.QueueSize)

	for i := 0; i < cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.loop()
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTradeIngested, w.handleMessage)
	if err != nil {
		w.cancel()
		return fmt.Errorf("subscribe %s: %w", domain.TopicTradeIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicTradeIngested,
		"worker_count", cfg.WorkerCount,
		"queue_size", cfg.QueueSize,
	)
	return nil
}

// handleMessage decodes a trade and queues it. It blocks while the queue
// is full so the bus sees backpressure.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var trade domain.Trade
	if err := json.Unmarshal(msg.Payload, &trade); err != nil {
		w.rejected.Add(1)
		slog.Error("failed to parse trade message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	select {
	case w.jobs <- job{msgID: msg.ID, trade: &trade}:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			w.process(j)
		case <-w.ctx.Done():
			return
		}
	}
}

// process runs one trade through the engine. Evaluation never fails; the
// outcome is only counted and logged.
func (w *Worker) process(j job) {
	start := time.Now()
	eval := w.engine.Evaluate(w.ctx, j.trade)

	switch {
	case eval.Invalid != "":
		w.rejected.Add(1)
		return
	case eval.Duplicate:
		w.duplicates.Add(1)
		return
	}

	w.processed.Add(1)
	w.alerts.Add(int64(len(eval.Alerts)))

	slog.Debug("trade processed",
		"message_id", j.msgID,
		"trade_id", eval.TradeID,
		"alerts", len(eval.Alerts),
		"rules_failed", eval.Metadata.RulesFailed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight evaluations. Queued trades
// not yet picked up are dropped; the bus is at-least-once upstream.
func (w *Worker) Stop() error {
	w.mu.Lock()
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

	w.cancel()
	w.wg.Wait()

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"alerts", w.alerts.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Duplicates        int64    `json:"duplicates"`
	Rejected          int64    `json:"rejected"`
	Alerts            int64    `json:"alerts"`
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
		Duplicates:        w.duplicates.Load(),
		Rejected:          w.rejected.Load(),
		Alerts:            w.alerts.Load(),
	}
}
