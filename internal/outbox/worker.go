// Package outbox implements the transactional outbox used by the actor queues to
// announce bundle lifecycle events. Events are written in the same transaction as
// the queue change and relayed to NATS by a leader-elected worker.

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Publisher is the subset of *nats.Conn the worker needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// Worker handles the polling and publishing of messages from the outbox.
// Messages are published in id order and a batch stops at the first failure.
type Worker struct {
	store        Store
	publisher    Publisher
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	maxRetries   int
	retryBackoff time.Duration
	flushTimeout time.Duration
	isLeader     func() bool
	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// WorkerConfig provides configuration options for the Worker.
type WorkerConfig struct {
	Store        Store
	Publisher    Publisher
	Logger       *slog.Logger
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	FlushTimeout time.Duration
	IsLeader     func() bool
}

func NewWorker(config WorkerConfig) *Worker {
	w := &Worker{
		store:        config.Store,
		publisher:    config.Publisher,
		logger:       config.Logger,
		pollInterval: config.PollInterval,
		batchSize:    config.BatchSize,
		maxRetries:   config.MaxRetries,
		retryBackoff: config.RetryBackoff,
		flushTimeout: config.FlushTimeout,
		isLeader:     config.IsLeader,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 100
	}
	if w.maxRetries <= 0 {
		w.maxRetries = 3
	}
	if w.flushTimeout <= 0 {
		w.flushTimeout = 5 * time.Second
	}
	if w.isLeader == nil {
		w.isLeader = func() bool { return true }
	}
	return w
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop signals the polling loop and waits for the current batch to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	done := w.doneCh
	w.running = false
	w.mu.Unlock()

	<-done
}

func (w *Worker) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !w.isLeader() {
				continue
			}

			if err := w.ProcessMessages(ctx); err != nil {
				w.logger.Error("processing outbox messages", "error", err)
			}
		}
	}
}

// ProcessMessages publishes one batch of pending messages. Messages are marked
// published only after the connection has been flushed.
func (w *Worker) ProcessMessages(ctx context.Context) error {
	messages, err := w.store.GetPendingMessages(ctx, w.batchSize)
	if err != nil {
		return err
	}

	var published []*Message
	var publishErr error
	for _, msg := range messages {
		if err := w.publishMessage(ctx, msg); err != nil {
			w.logger.Warn("publishing outbox message failed", "id", msg.ID, "topic", msg.Topic, "error", err)
			if ferr := w.store.RecordFailure(ctx, msg.ID, w.maxRetries); ferr != nil {
				w.logger.Error("recording outbox failure", "id", msg.ID, "error", ferr)
			}
			publishErr = err
			break // keep order: later messages wait for this one
		}
		published = append(published, msg)
	}

	if len(published) > 0 {
		if err := w.publisher.FlushTimeout(w.flushTimeout); err != nil {
			return fmt.Errorf("flushing published messages: %w", err)
		}
	}
	for _, msg := range published {
		if err := w.store.MarkAsPublished(ctx, msg.ID); err != nil {
			return fmt.Errorf("marking message %d as published: %w", msg.ID, err)
		}
	}
	if len(published) > 0 {
		w.logger.Debug("published outbox messages", "count", len(published))
	}
	return publishErr
}

func (w *Worker) publishMessage(ctx context.Context, msg *Message) error {
	var err error
	for i := 0; i < w.maxRetries; i++ {
		if err = w.publisher.Publish(msg.Topic, msg.Payload); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.retryBackoff * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed to publish after %d retries: %w", w.maxRetries, err)
}
