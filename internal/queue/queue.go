// Package queue carries settlements that could not be applied inline to
// the reconciliation worker over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/config"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

const (
	SettlementQueueName = "settlement_retries"
	ExchangeName        = "resumeai"
)

// ErrPermanent marks a handler failure that retrying cannot fix. Tasks
// failing with it go straight to the dead letter queue.
var ErrPermanent = errors.New("permanent settlement failure")

// SettlementTask is a deduction that still has to be applied
type SettlementTask struct {
	OperationID    string          `json:"operation_id"`
	UserID         string          `json:"user_id"`
	Amount         int             `json:"amount"`
	Action         models.Action   `json:"action"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       models.Metadata `json:"metadata,omitempty"`
	Attempt        int             `json:"attempt"`
	FailedAt       time.Time       `json:"failed_at"`
	Reason         string          `json:"reason"`
}

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logging.Logger
}

// New creates a new queue client and declares the settlement topology
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &Queue{
		conn:    conn,
		channel: channel,
		logger:  logger.WithComponent("queue"),
	}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}
	if err := q.SetupDeadLetterQueue(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) declare() error {
	err := q.channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = q.channel.QueueDeclare(
		SettlementQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = q.channel.QueueBind(
		SettlementQueueName,
		SettlementQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishSettlement queues a settlement for reconciliation
func (q *Queue) PublishSettlement(ctx context.Context, task *SettlementTask) error {
	if task.FailedAt.IsZero() {
		task.FailedAt = time.Now().UTC()
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement task: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		SettlementQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    task.OperationID,
			Headers:      amqp.Table{"x-retry-count": task.Attempt},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish settlement task: %w", err)
	}

	metrics.RecordReconciliationQueued(SettlementQueueName)
	return nil
}

// ConsumeSettlements starts consuming settlement tasks. A task whose handler
// fails is moved to the retry queue, or to the dead letter queue once it is
// out of attempts or fails permanently.
func (q *Queue) ConsumeSettlements(ctx context.Context, handler func(context.Context, *SettlementTask) error) error {
	// Set QoS to limit concurrent processing
	err := q.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		SettlementQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var task SettlementTask
				if err := json.Unmarshal(msg.Body, &task); err != nil {
					q.logger.WarnWithErr("Dropping malformed settlement task", err)
					msg.Nack(false, false)
					continue
				}

				handleErr := handler(ctx, &task)
				if err := q.dispose(ctx, &task, handleErr); err != nil {
					q.logger.ErrorWithErr("Failed to reroute settlement task", err)
					msg.Nack(false, true)
					continue
				}
				msg.Ack(false)
			}
		}
	}()

	return nil
}

func (q *Queue) dispose(ctx context.Context, task *SettlementTask, handleErr error) error {
	switch decide(task, handleErr) {
	case dispositionRetry:
		task.Reason = handleErr.Error()
		return q.PublishToRetryQueue(ctx, task)
	case dispositionDeadLetter:
		return q.PublishToDeadLetterQueue(ctx, task, handleErr.Error())
	default:
		return nil
	}
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(SettlementQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetry
	dispositionDeadLetter
)

func decide(task *SettlementTask, handleErr error) disposition {
	switch {
	case handleErr == nil:
		return dispositionAck
	case errors.Is(handleErr, ErrPermanent), task.Attempt >= MaxRetries:
		return dispositionDeadLetter
	default:
		return dispositionRetry
	}
}
