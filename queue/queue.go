package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Task kinds carried on the settlement queue.
const (
	TaskBookingPayment = "booking_payment"
	TaskPayout         = "payout"
	TaskPayoutSubmit   = "payout_submit"
)

// Task is one unit of settlement work. Delivery is at-least-once: every
// handler must be idempotent.
type Task struct {
	Kind      string    `json:"kind"`
	BookingID uuid.UUID `json:"booking_id,omitempty"`
	TeacherID uuid.UUID `json:"teacher_id,omitempty"`
	PayoutID  uuid.UUID `json:"payout_id,omitempty"`
	Attempt   int       `json:"attempt"`
}

// Handler executes one task. A returned error means a transient failure;
// the queue republishes the task until the attempt budget runs out.
type Handler interface {
	Handle(ctx context.Context, task Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) Handle(ctx context.Context, task Task) error { return f(ctx, task) }

type Config struct {
	URL         string
	Queue       string
	Workers     int
	Prefetch    int
	MaxAttempts int
}

// Queue is the shared task queue: one publisher side, N consumer workers
// with manual acks.
type Queue struct {
	cfg     Config
	log     *logrus.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func Connect(cfg Config, log *logrus.Logger) (*Queue, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	log.WithField("queue", cfg.Queue).Info("connected to RabbitMQ")

	return &Queue{cfg: cfg, log: log, conn: conn, channel: ch}, nil
}

// Publish enqueues one task as a persistent message.
func (q *Queue) Publish(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.channel.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume starts the worker pool and blocks until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	msgs, err := q.channel.Consume(
		q.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	q.log.WithField("workers", q.cfg.Workers).Info("starting settlement workers")

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, msgs, handler, i)
	}

	<-ctx.Done()
	q.log.Info("stopping settlement workers")
	q.wg.Wait()
	return nil
}

func (q *Queue) worker(ctx context.Context, msgs <-chan amqp.Delivery, handler Handler, workerID int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				q.log.WithField("worker_id", workerID).Warn("message channel closed")
				return
			}
			q.handle(ctx, msg, handler, workerID)
		}
	}
}

func (q *Queue) handle(ctx context.Context, msg amqp.Delivery, handler Handler, workerID int) {
	var task Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		// Poison message: ack and drop, redelivery cannot fix it.
		q.log.WithError(err).WithField("worker_id", workerID).Error("dropping unparsable task")
		if err := msg.Ack(false); err != nil {
			q.log.WithError(err).Error("failed to ack unparsable task")
		}
		return
	}

	err := handler.Handle(ctx, task)
	if err == nil {
		if err := msg.Ack(false); err != nil {
			q.log.WithError(err).Error("failed to ack task")
		}
		return
	}

	q.log.WithError(err).WithFields(logrus.Fields{
		"worker_id": workerID,
		"kind":      task.Kind,
		"attempt":   task.Attempt + 1,
	}).Warn("task failed")

	if task.Attempt+1 >= q.cfg.MaxAttempts {
		q.log.WithFields(logrus.Fields{
			"kind":       task.Kind,
			"booking_id": task.BookingID,
			"teacher_id": task.TeacherID,
		}).Error("task attempts exhausted, parking for operator review")
		if err := msg.Ack(false); err != nil {
			q.log.WithError(err).Error("failed to ack exhausted task")
		}
		return
	}

	task.Attempt++
	if err := q.Publish(ctx, task); err != nil {
		q.log.WithError(err).Error("failed to republish task, returning to queue")
		if err := msg.Nack(false, true); err != nil {
			q.log.WithError(err).Error("failed to nack task")
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		q.log.WithError(err).Error("failed to ack retried task")
	}
}

// Close tears down the channel and connection.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}
