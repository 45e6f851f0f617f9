package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
)

const (
	DeadLetterQueueName    = "settlement_retries_dlq"
	DeadLetterExchangeName = "resumeai_dlq"
	RetryQueueName         = "settlement_retries_delay"
	MaxRetries             = 5
)

// SetupDeadLetterQueue sets up the dead letter queue infrastructure
func (q *Queue) SetupDeadLetterQueue() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Bind DLQ to exchange
	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Expired retry messages are dead-lettered back onto the main queue
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": SettlementQueueName,
	}

	_, err = q.channel.QueueDeclare(
		RetryQueueName,
		true,
		false,
		false,
		false,
		retryArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	q.logger.Debug("Dead letter queue infrastructure set up")
	return nil
}

// PublishToRetryQueue schedules another attempt after an exponential delay
func (q *Queue) PublishToRetryQueue(ctx context.Context, task *SettlementTask) error {
	if task.Attempt >= MaxRetries {
		return q.PublishToDeadLetterQueue(ctx, task, "max retries exceeded")
	}

	delay := calculateBackoffDelay(task.Attempt)
	task.Attempt++
	task.FailedAt = time.Now().UTC()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement task: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		"",
		RetryQueueName,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    task.OperationID,
			Headers:      amqp.Table{"x-retry-count": task.Attempt},
			Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}

	metrics.RecordReconciliationQueued(RetryQueueName)
	q.logger.WithOperationID(task.OperationID).Infof("Settlement queued for retry #%d in %v", task.Attempt, delay)
	return nil
}

// PublishToDeadLetterQueue parks a task for manual review
func (q *Queue) PublishToDeadLetterQueue(ctx context.Context, task *SettlementTask, reason string) error {
	task.Reason = reason

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement task: %w", err)
	}

	headers := amqp.Table{
		"x-failure-reason": reason,
		"x-failed-at":      time.Now().Format(time.RFC3339),
	}

	err = q.channel.PublishWithContext(ctx,
		DeadLetterExchangeName,
		DeadLetterQueueName,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    task.OperationID,
			Headers:      headers,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.RecordReconciliationQueued(DeadLetterQueueName)
	q.logger.WithOperationID(task.OperationID).
		WithUserID(task.UserID).
		Errorf("Settlement moved to dead letter queue: %s", reason)
	return nil
}

// ConsumeDLQ consumes messages from the dead letter queue for manual processing
func (q *Queue) ConsumeDLQ(ctx context.Context, handler func(*SettlementTask, string) error) error {
	msgs, err := q.channel.Consume(
		DeadLetterQueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register DLQ consumer: %w", err)
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
					msg.Nack(false, false)
					continue
				}

				reason := task.Reason
				if val, ok := msg.Headers["x-failure-reason"].(string); ok {
					reason = val
				}

				if err := handler(&task, reason); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// RetryFromDLQ puts a dead-lettered task back on the main queue with a
// fresh attempt budget
func (q *Queue) RetryFromDLQ(ctx context.Context, task *SettlementTask) error {
	task.Attempt = 0
	task.Reason = ""
	return q.PublishSettlement(ctx, task)
}

// calculateBackoffDelay calculates exponential backoff delay
func calculateBackoffDelay(retryCount int) time.Duration {
	// Exponential backoff: 1min, 2min, 4min, 8min, 16min
	baseDelay := 1 * time.Minute
	delay := baseDelay * (1 << retryCount) // 2^retryCount

	// Cap at 1 hour
	if delay > 1*time.Hour {
		delay = 1 * time.Hour
	}

	return delay
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}
