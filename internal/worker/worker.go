// Package worker consumes contact attempts from the EventBus and runs them
// through the alert pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/crowdguard/internal/alert"
	"github.com/opensource-finance/crowdguard/internal/domain"
)

// DefaultQueueGroup is the NATS queue group replicas share.
const DefaultQueueGroup = "crowdguard-workers"

// Triggerer evaluates a contact attempt.
type Triggerer interface {
	Trigger(ctx context.Context, attempt alert.Attempt) (*alert.TriggerResult, error)
}

// QueueSubscriber is implemented by buses that load-balance a topic across
// a named group of subscribers.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// Worker processes contact attempts asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	pipeline Triggerer

	jobs          chan *domain.Message
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of concurrent consumers
	WorkerCount int

	// QueueGroup is used when the bus supports queue subscriptions
	QueueGroup string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, pipeline Triggerer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to contact attempts and starts the consumers.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}

	w.jobs = make(chan *domain.Message, cfg.WorkerCount*4)

	var sub domain.Subscription
	var err error
	if qs, ok := w.bus.(QueueSubscriber); ok {
		sub, err = qs.QueueSubscribe(w.ctx, domain.TopicContactAttempted, cfg.QueueGroup, w.enqueue)
	} else {
		sub, err = w.bus.Subscribe(w.ctx, domain.TopicContactAttempted, w.enqueue)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicContactAttempted, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	for i := 0; i < cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}

	slog.Info("workers started",
		"topic", domain.TopicContactAttempted,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// enqueue hands a message to the consumers, blocking while they are busy.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	select {
	case w.jobs <- msg:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.jobs:
			if err := w.processAttempt(w.ctx, msg); err != nil {
				w.failed.Add(1)
				continue
			}
			w.processed.Add(1)
		}
	}
}

// AttemptMessage is the message payload for contact attempts.
type AttemptMessage struct {
	AttemptID string         `json:"attemptId"`
	Channel   domain.Channel `json:"channel"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Message   string         `json:"message,omitempty"`
}

// Publish enqueues a contact attempt for asynchronous evaluation.
func Publish(ctx context.Context, bus domain.EventBus, msg AttemptMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}
	return bus.Publish(ctx, domain.TopicContactAttempted, payload)
}

// processAttempt runs one attempt through the pipeline.
func (w *Worker) processAttempt(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var am AttemptMessage
	if err := json.Unmarshal(msg.Payload, &am); err != nil {
		slog.Error("failed to parse contact attempt",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	attemptID := am.AttemptID
	if attemptID == "" {
		attemptID = msg.ID
	}

	res, err := w.pipeline.Trigger(ctx, alert.Attempt{
		Channel: am.Channel,
		From:    am.From,
		To:      am.To,
		Message: am.Message,
	})
	if err != nil {
		slog.Error("contact attempt failed",
			"attempt_id", attemptID,
			"error", err,
		)
		return err
	}

	slog.Info("contact attempt processed",
		"attempt_id", attemptID,
		"channel", am.Channel,
		"alerts_created", res.AlertsCreated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
