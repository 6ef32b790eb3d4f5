package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/storecast/workq/configs"
	"github.com/storecast/workq/db"
	"github.com/storecast/workq/metrics"
	"github.com/storecast/workq/queue"

	"github.com/rs/zerolog/log"
)

// QueuesService keeps one queue client per queue name, all sharing the same store.
// Queues are created on first use with the configured defaults.
type QueuesService struct {
	store          db.Store
	appConfigs     *configs.AppConfigs
	metricsService metrics.Service
	metricsCache   *queue.MetricsCache

	mu     sync.Mutex
	queues map[string]*queue.Queue[json.RawMessage]
}

func NewQueuesService(store db.Store, appConfigs *configs.AppConfigs, metricsService metrics.Service) *QueuesService {
	return &QueuesService{
		store:          store,
		appConfigs:     appConfigs,
		metricsService: metricsService,
		metricsCache:   queue.NewMetricsCache(appConfigs.MetricsCache.Size, appConfigs.MetricsCache.TTL),
		queues:         make(map[string]*queue.Queue[json.RawMessage]),
	}
}

// GetQueue returns the client for queueName, creating the queue with the configured defaults
// if it does not exist yet.
func (qs *QueuesService) GetQueue(ctx context.Context, queueName string) (*queue.Queue[json.RawMessage], error) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if q, ok := qs.queues[queueName]; ok {
		return q, nil
	}

	defaults := qs.appConfigs.QueueDefaults
	q, err := queue.New[json.RawMessage](ctx, qs.store, queue.Config{
		Name:                  queueName,
		MaxSize:               defaults.MaxSize,
		MessageTimeoutSeconds: defaults.MessageTimeoutSeconds,
		MaxRetries:            defaults.MaxRetries,
		ConsumerCount:         defaults.ConsumerCount,
		AutoScaleThreshold:    defaults.AutoScaleThreshold,
	}, qs.queueOptions()...)
	if err != nil {
		return nil, err
	}

	log.Info().Str("queue", queueName).Str("queue_id", q.ID()).Msg("queue registered")
	qs.queues[queueName] = q
	return q, nil
}

// LookupQueue returns the client for an existing queue, or common.ErrNotFoundQueue.
// Reads go through here so that they never create queues.
func (qs *QueuesService) LookupQueue(ctx context.Context, queueName string) (*queue.Queue[json.RawMessage], error) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if q, ok := qs.queues[queueName]; ok {
		return q, nil
	}

	q, err := queue.Open[json.RawMessage](ctx, qs.store, queueName, qs.queueOptions()...)
	if err != nil {
		return nil, err
	}

	qs.queues[queueName] = q
	return q, nil
}

func (qs *QueuesService) queueOptions() []queue.Option {
	return []queue.Option{
		queue.WithMaxBackoff(qs.appConfigs.QueueDefaults.MaxBackoff),
		queue.WithClaimRetries(qs.appConfigs.QueueDefaults.ClaimRetries),
		queue.WithMetrics(qs.metricsService),
		queue.WithMetricsCache(qs.metricsCache),
	}
}

func (qs *QueuesService) GetQueuesStats(ctx context.Context) ([]db.QueueMetadata, error) {
	return qs.store.SelectAllQueuesWithStats(ctx)
}

func (qs *QueuesService) GetQueueMetrics(ctx context.Context, queueName string) (*queue.Metrics, error) {
	q, err := qs.LookupQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.GetMetrics(ctx)
}

func (qs *QueuesService) GetDeadLetters(ctx context.Context, queueName string, limit int) ([]queue.DeadLetter[json.RawMessage], error) {
	q, err := qs.LookupQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.DeadLetters(ctx, limit)
}
