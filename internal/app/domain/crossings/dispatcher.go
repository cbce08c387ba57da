package crossings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// Dispatcher hands a recorded visit to the correlation engine. The sync
// dispatcher runs the orchestrator on the request path; the queue dispatcher
// publishes the event and lets a worker drive the orchestrator, so a popular
// venue's fan-out never inflates an unrelated caller's latency.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.VisitEvent) (*models.CorrelationResult, error)
	Close() error
}

// SyncDispatcher runs correlation inline.
type SyncDispatcher struct {
	orchestrator Orchestrator
}

func NewSyncDispatcher(orchestrator Orchestrator) *SyncDispatcher {
	return &SyncDispatcher{orchestrator: orchestrator}
}

func (d *SyncDispatcher) Dispatch(ctx context.Context, event *models.VisitEvent) (*models.CorrelationResult, error) {
	return d.orchestrator.OnVisit(ctx, event)
}

func (d *SyncDispatcher) Close() error { return nil }

// QueueDispatcher publishes visit events to a durable RabbitMQ queue.
// Retrying delivery is always safe: every pair upsert downstream is atomic
// and idempotent.
type QueueDispatcher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

func NewQueueDispatcher(amqpURL, queue string, logger *zap.Logger) (*QueueDispatcher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %w", queue, err)
	}

	logger.Info("RabbitMQ dispatcher connected", zap.String("queue", queue))
	return &QueueDispatcher{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Dispatch enqueues the event. The correlation result is not available to the
// caller in queue mode; the returned result is always empty.
func (d *QueueDispatcher) Dispatch(ctx context.Context, event *models.VisitEvent) (*models.CorrelationResult, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal visit event: %w", err)
	}

	err = d.ch.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish visit event: %w", err)
	}

	return &models.CorrelationResult{}, nil
}

func (d *QueueDispatcher) Close() error {
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Worker consumes queued visit events and drives the orchestrator.
type Worker struct {
	dispatcher   *QueueDispatcher
	orchestrator Orchestrator
	logger       *zap.Logger
}

func NewWorker(dispatcher *QueueDispatcher, orchestrator Orchestrator, logger *zap.Logger) *Worker {
	return &Worker{dispatcher: dispatcher, orchestrator: orchestrator, logger: logger}
}

// Run blocks consuming the queue until the context is cancelled or the
// delivery channel closes.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.dispatcher.ch.Consume(w.dispatcher.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Correlation worker started", zap.String("queue", w.dispatcher.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			w.handle(ctx, delivery)
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var event models.VisitEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		w.logger.Error("Failed to decode queued visit event, dropping", zap.Error(err))
		_ = delivery.Nack(false, false)
		return
	}

	_, err := w.orchestrator.OnVisit(ctx, &event)
	var partial *models.PartialCorrelationError
	if err != nil && !errors.As(err, &partial) {
		// Run-level failure: requeue, the whole run is retryable.
		w.logger.Error("Correlation run failed, requeueing",
			zap.String("visit_id", event.ID.String()), zap.Error(err))
		_ = delivery.Nack(false, true)
		return
	}

	if partial != nil {
		w.logger.Warn("Correlation completed with pair failures",
			zap.String("visit_id", event.ID.String()),
			zap.Int("failed_pairs", len(partial.Failed)))
	}
	_ = delivery.Ack(false)
}
