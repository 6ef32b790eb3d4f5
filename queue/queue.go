// Package queue is the client API of a persistent priority work queue with at-least-once delivery.
//
// A Queue is the only writer of message status. Messages move
// pending -> processing -> completed | pending (retry after backoff) | failed (dead-lettered).
// completed and failed are terminal. A processing message holds a lease until its
// VisibleAfter; once the lease elapses the message can be claimed again, which is how work
// held by a crashed or stopped consumer is recovered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storecast/workq/common"
	"github.com/storecast/workq/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// maxBackoffShift keeps time.Second << shift within time.Duration.
	maxBackoffShift = 33
	tracerName      = "github.com/storecast/workq/queue"
)

type Queue[T any] struct {
	store  db.Store
	record *db.QueueRecord
	opts   *options
	tracer trace.Tracer
}

// New creates the queue's metadata record, or looks it up if the queue exists already.
// No Queue is returned unless this succeeds.
func New[T any](ctx context.Context, store db.Store, cfg Config, opts ...Option) (*Queue[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts)

	queueId, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate queue id: %w", err)
	}

	record, err := store.EnsureQueue(ctx, &db.NewQueue{
		Id:                    queueId.String(),
		Name:                  cfg.Name,
		MaxSize:               cfg.MaxSize,
		MessageTimeoutSeconds: cfg.MessageTimeoutSeconds,
		MaxRetries:            cfg.MaxRetries,
		ConsumerCount:         cfg.ConsumerCount,
		AutoScaleThreshold:    cfg.AutoScaleThreshold,
		CreatedAt:             o.now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Str("queue", cfg.Name).Msg("failed to create or look up queue")
		return nil, fmt.Errorf("open queue %q: %w", cfg.Name, err)
	}

	log.Debug().
		Str("queue", record.Name).
		Str("queue_id", record.Id).
		Str("consumer_id", o.consumerId).
		Msg("queue opened")

	return newQueue[T](store, record, o), nil
}

// Open returns a client for a queue that already exists. Unlike New it never creates one:
// an unknown name fails with common.ErrNotFoundQueue.
func Open[T any](ctx context.Context, store db.Store, name string, opts ...Option) (*Queue[T], error) {
	o := newOptions(opts)

	record, err := store.SelectQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	return newQueue[T](store, record, o), nil
}

func newQueue[T any](store db.Store, record *db.QueueRecord, o *options) *Queue[T] {
	return &Queue[T]{
		store:  store,
		record: record,
		opts:   o,
		tracer: o.tracer.Tracer(tracerName),
	}
}

func (q *Queue[T]) ID() string {
	return q.record.Id
}

func (q *Queue[T]) Name() string {
	return q.record.Name
}

func (q *Queue[T]) ConsumerID() string {
	return q.opts.consumerId
}

// Config returns the stored configuration of the queue.
func (q *Queue[T]) Config() Config {
	return Config{
		Name:                  q.record.Name,
		MaxSize:               q.record.MaxSize,
		MessageTimeoutSeconds: q.record.MessageTimeoutSeconds,
		MaxRetries:            q.record.MaxRetries,
		ConsumerCount:         q.record.ConsumerCount,
		AutoScaleThreshold:    q.record.AutoScaleThreshold,
	}
}

// Enqueue adds a pending message. It fails with common.ErrQueueFull, writing nothing,
// when the queue already holds MaxSize pending messages.
func (q *Queue[T]) Enqueue(ctx context.Context, message T, priority int) (_ *Message[T], err error) {
	ctx, span := q.startSpan(ctx, "workq.enqueue", attribute.Int("workq.priority", priority))
	defer func() { endSpan(span, err) }()

	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	messageId, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	record, err := q.store.InsertMessage(ctx, &db.NewMessage{
		Id:        messageId.String(),
		QueueId:   q.record.Id,
		Message:   payload,
		Priority:  priority,
		CreatedAt: q.nowMs(),
	}, q.record.MaxSize)
	if err != nil {
		if errors.Is(err, common.ErrQueueFull) {
			q.opts.metrics.IncQueueFullRejectionsTotalBy(1, q.record.Name)
			log.Warn().Str("queue", q.record.Name).Int("max_size", q.record.MaxSize).Msg("queue is full, message rejected")
		}
		return nil, err
	}

	q.opts.metrics.IncMessagesEnqueuedTotalBy(1, q.record.Name)
	log.Debug().Str("queue", q.record.Name).Str("message_id", record.Id).Int("priority", priority).Msg("message enqueued")
	span.SetAttributes(attribute.String("workq.message_id", record.Id))

	return toMessage[T](record)
}

// Dequeue claims the highest-priority, oldest eligible message for this client's consumer id.
// It returns nil, nil when no message is eligible.
func (q *Queue[T]) Dequeue(ctx context.Context) (*Message[T], error) {
	return q.DequeueFor(ctx, q.opts.consumerId)
}

// DequeueFor claims a message on behalf of another consumer, e.g. a remote one.
func (q *Queue[T]) DequeueFor(ctx context.Context, consumerId string) (_ *Message[T], err error) {
	ctx, span := q.startSpan(ctx, "workq.dequeue", attribute.String("workq.consumer_id", consumerId))
	defer func() { endSpan(span, err) }()

	leaseMs := int64(q.record.MessageTimeoutSeconds) * 1000

	for attempt := 0; attempt <= q.opts.claimRetries; attempt++ {
		record, err := q.store.ClaimMessage(ctx, &db.MessageClaim{
			QueueId:    q.record.Id,
			ConsumerId: consumerId,
			NowMs:      q.nowMs(),
			LeaseMs:    leaseMs,
		})
		if errors.Is(err, common.ErrClaimConflict) {
			log.Debug().Str("queue", q.record.Name).Int("attempt", attempt+1).Msg("claim lost a race, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, nil
		}

		q.opts.metrics.IncMessagesClaimedTotalBy(1, q.record.Name)

		msg, err := toMessage[T](record)
		if err != nil {
			// an undecodable payload would otherwise be redelivered after every lease expiry
			log.Error().Err(err).Str("queue", q.record.Name).Str("message_id", record.Id).Msg("failed to decode claimed message")
			if ackErr := q.Acknowledge(ctx, record.Id, false, err.Error()); ackErr != nil {
				log.Error().Err(ackErr).Str("message_id", record.Id).Msg("failed to reject undecodable message")
			}
			return nil, err
		}
		log.Debug().Str("queue", q.record.Name).Str("message_id", msg.ID).Str("consumer_id", consumerId).Msg("message claimed")
		span.SetAttributes(attribute.String("workq.message_id", msg.ID), attribute.Int("workq.retry_count", msg.RetryCount))
		return msg, nil
	}

	log.Debug().Str("queue", q.record.Name).Msg("claim retries exhausted")
	return nil, nil
}

// Peek returns the message Dequeue would claim next, without claiming it.
func (q *Queue[T]) Peek(ctx context.Context) (*Message[T], error) {
	record, err := q.store.PeekMessage(ctx, q.record.Id, q.nowMs())
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return toMessage[T](record)
}

// Acknowledge resolves a processing message. On success it becomes completed. On failure its
// retry count grows by one and it either becomes claimable again after 2^retryCount seconds or,
// once MaxRetries is reached, it is marked failed and copied to the dead-letter store.
func (q *Queue[T]) Acknowledge(ctx context.Context, id string, success bool, errorMessage string) (err error) {
	ctx, span := q.startSpan(ctx, "workq.acknowledge", attribute.String("workq.message_id", id), attribute.Bool("workq.success", success))
	defer func() { endSpan(span, err) }()

	current, err := q.store.SelectMessage(ctx, id)
	if err != nil {
		return err
	}
	if current.QueueId != q.record.Id {
		return common.ErrNotFoundMessage
	}
	if current.Status != common.ProcessingStatus {
		log.Warn().Str("queue", q.record.Name).Str("message_id", id).Str("status", current.Status).Msg("acknowledge of a message that is not in flight")
		return common.ErrMessageNotInFlight
	}

	now := q.opts.now()
	if success {
		return q.complete(ctx, id, now)
	}
	return q.fail(ctx, current, errorMessage, now)
}

func (q *Queue[T]) complete(ctx context.Context, id string, now time.Time) error {
	record, err := q.store.CompleteMessage(ctx, id, now.UnixMilli())
	if err != nil {
		return err
	}

	q.opts.metrics.IncMessagesAckedTotalBy(1, q.record.Name)
	if record.ProcessingStartedAt != nil && record.CompletedAt != nil {
		elapsed := time.Duration(*record.CompletedAt-*record.ProcessingStartedAt) * time.Millisecond
		q.opts.metrics.ObserveProcessingDuration(q.record.Name, elapsed.Seconds())
	}
	log.Debug().Str("queue", q.record.Name).Str("message_id", id).Msg("message completed")
	return nil
}

func (q *Queue[T]) fail(ctx context.Context, current *db.MessageRecord, errorMessage string, now time.Time) error {
	retryCount := current.RetryCount + 1
	failure := &db.MessageFailure{
		Id:                 current.Id,
		ExpectedRetryCount: current.RetryCount,
		ErrorMessage:       errorMessage,
		DeadLetter:         retryCount >= q.record.MaxRetries,
		NowMs:              now.UnixMilli(),
	}

	if failure.DeadLetter {
		deadLetterId, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate dead letter id: %w", err)
		}
		failure.DeadLetterId = deadLetterId.String()
		failure.VisibleAfter = now.UnixMilli()
	} else {
		failure.VisibleAfter = now.Add(q.backoff(retryCount)).UnixMilli()
	}

	if _, err := q.store.FailMessage(ctx, failure); err != nil {
		return err
	}

	q.opts.metrics.IncMessagesNackedTotalBy(1, q.record.Name)
	if failure.DeadLetter {
		q.opts.metrics.IncMessagesMovedToDlqTotalBy(1, q.record.Name)
		log.Warn().
			Str("queue", q.record.Name).
			Str("message_id", current.Id).
			Int("retry_count", retryCount).
			Str("error", errorMessage).
			Msg("message exhausted its retries and was dead-lettered")
		return nil
	}

	log.Debug().
		Str("queue", q.record.Name).
		Str("message_id", current.Id).
		Int("retry_count", retryCount).
		Time("visible_after", time.UnixMilli(failure.VisibleAfter)).
		Msg("message rescheduled")
	return nil
}

// backoff is 2^retryCount seconds, capped by the configured maximum.
func (q *Queue[T]) backoff(retryCount int) time.Duration {
	delay := time.Second << min(retryCount, maxBackoffShift)
	if q.opts.maxBackoff > 0 && delay > q.opts.maxBackoff {
		return q.opts.maxBackoff
	}
	return delay
}

// IsEmpty reports whether the queue holds no pending messages. Processing messages are not
// counted, including those whose lease has run out: Dequeue can still reclaim them while
// IsEmpty reports true.
func (q *Queue[T]) IsEmpty(ctx context.Context) (bool, error) {
	count, err := q.store.CountPendingMessages(ctx, q.record.Id)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// IsFull reports whether the pending messages have reached MaxSize, the same count
// Enqueue enforces. Processing messages do not take capacity.
func (q *Queue[T]) IsFull(ctx context.Context) (bool, error) {
	count, err := q.store.CountPendingMessages(ctx, q.record.Id)
	if err != nil {
		return false, err
	}
	return count >= q.record.MaxSize, nil
}

// GetMetrics returns an aggregate snapshot of the queue. With a metrics cache configured
// the snapshot may be up to the cache TTL old.
func (q *Queue[T]) GetMetrics(ctx context.Context) (*Metrics, error) {
	if q.opts.cache != nil {
		if cached, ok := q.opts.cache.Get(q.record.Id); ok {
			return &cached, nil
		}
	}

	stats, err := q.store.SelectQueueStats(ctx, q.record.Id, q.nowMs())
	if err != nil {
		return nil, err
	}

	m := Metrics{
		TotalMessages:     stats.TotalMessages,
		ProcessedMessages: stats.ProcessedMessages,
		FailedMessages:    stats.FailedMessages,
		AvgProcessingTime: time.Duration(stats.AvgProcessingTimeMs * float64(time.Millisecond)),
		CurrentLength:     stats.CurrentLength,
		ConsumerCount:     stats.ConsumerCount,
	}
	if q.opts.cache != nil {
		q.opts.cache.Add(q.record.Id, m)
	}
	return &m, nil
}

func (q *Queue[T]) Get(ctx context.Context, id string) (*Message[T], error) {
	record, err := q.store.SelectMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.QueueId != q.record.Id {
		return nil, common.ErrNotFoundMessage
	}
	return toMessage[T](record)
}

// DeadLetters lists the most recent dead-letter entries of the queue.
func (q *Queue[T]) DeadLetters(ctx context.Context, limit int) ([]DeadLetter[T], error) {
	records, err := q.store.SelectDeadLetters(ctx, q.record.Id, limit)
	if err != nil {
		return nil, err
	}

	deadLetters := make([]DeadLetter[T], 0, len(records))
	for _, r := range records {
		var payload T
		if err := json.Unmarshal(r.Message, &payload); err != nil {
			log.Warn().Err(err).Str("message_id", r.OriginalMessageId).Msg("dead letter payload is not decodable")
		}
		deadLetters = append(deadLetters, DeadLetter[T]{
			ID:                r.Id,
			OriginalMessageID: r.OriginalMessageId,
			QueueID:           r.QueueId,
			Message:           payload,
			ErrorMessage:      r.ErrorMessage,
			RetryCount:        r.RetryCount,
			LastRetryAt:       time.UnixMilli(r.LastRetryAt),
		})
	}
	return deadLetters, nil
}

func (q *Queue[T]) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("workq.queue", q.record.Name))
	return q.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (q *Queue[T]) nowMs() int64 {
	return q.opts.now().UnixMilli()
}

func toMessage[T any](record *db.MessageRecord) (*Message[T], error) {
	var payload T
	if err := json.Unmarshal(record.Message, &payload); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", record.Id, err)
	}

	msg := &Message[T]{
		ID:           record.Id,
		QueueID:      record.QueueId,
		Message:      payload,
		Status:       record.Status,
		Priority:     record.Priority,
		RetryCount:   record.RetryCount,
		VisibleAfter: time.UnixMilli(record.VisibleAfter),
		CreatedAt:    time.UnixMilli(record.CreatedAt),
		UpdatedAt:    time.UnixMilli(record.UpdatedAt),
	}
	if record.ProcessingStartedAt != nil {
		t := time.UnixMilli(*record.ProcessingStartedAt)
		msg.ProcessingStartedAt = &t
	}
	if record.CompletedAt != nil {
		t := time.UnixMilli(*record.CompletedAt)
		msg.CompletedAt = &t
	}
	if record.ErrorMessage != nil {
		msg.ErrorMessage = *record.ErrorMessage
	}
	if record.ConsumerId != nil {
		msg.ConsumerID = *record.ConsumerId
	}
	return msg, nil
}
