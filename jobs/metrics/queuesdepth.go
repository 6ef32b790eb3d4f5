package metrics

import (
	"context"
	"time"

	"github.com/storecast/workq/db"
	"github.com/storecast/workq/metrics"

	"github.com/rs/zerolog/log"
)

// QueuesStatsSource is the part of db.Store the job reads from.
type QueuesStatsSource interface {
	SelectAllQueuesWithStats(ctx context.Context) ([]db.QueueMetadata, error)
}

type QueuesDepthMetricsJob struct {
	ticker *time.Ticker
	done   chan struct{}
}

func NewQueuesDepthMetricsJob(metricsService metrics.Service, store QueuesStatsSource, intervalMs int64) *QueuesDepthMetricsJob {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancelFunc := context.WithTimeout(context.Background(), time.Duration(intervalMs)*time.Millisecond)
				refreshQueuesDepth(ctx, metricsService, store)
				cancelFunc()
			case <-done:
				return
			}
		}
	}()

	return &QueuesDepthMetricsJob{
		ticker: ticker,
		done:   done,
	}
}

func refreshQueuesDepth(ctx context.Context, metricsService metrics.Service, store QueuesStatsSource) {
	queuesStats, err := store.SelectAllQueuesWithStats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch queues stats by QueuesDepthMetricsJob")
		return
	}
	for _, qs := range queuesStats {
		metricsService.SetQueueDepth(qs.Name, int64(qs.MessagesCount))
	}
}

func (j *QueuesDepthMetricsJob) Close() error {
	j.ticker.Stop()
	close(j.done)
	return nil
}
