package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/storecast/workq/db"
	"github.com/storecast/workq/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatsSource struct {
	stats []db.QueueMetadata
	err   error
}

func (f *fakeStatsSource) SelectAllQueuesWithStats(_ context.Context) ([]db.QueueMetadata, error) {
	return f.stats, f.err
}

const depthMetricsText = `
# HELP workq_queue_depth Current number of pending messages in the queue
# TYPE workq_queue_depth gauge
`

func TestRefreshQueuesDepth(t *testing.T) {
	registry := prometheus.NewRegistry()
	metricsService := metrics.NewMetricsService(true, registry)
	source := &fakeStatsSource{stats: []db.QueueMetadata{
		{Id: "1", Name: "emails", MessagesCount: 4},
		{Id: "2", Name: "reports", MessagesCount: 0},
	}}

	refreshQueuesDepth(context.Background(), metricsService, source)

	expected := depthMetricsText + `workq_queue_depth{queue_name="emails"} 4
workq_queue_depth{queue_name="reports"} 0
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "workq_queue_depth"))
}

func TestRefreshQueuesDepth_StoreErrorKeepsGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	metricsService := metrics.NewMetricsService(true, registry)
	metricsService.SetQueueDepth("emails", 7)

	refreshQueuesDepth(context.Background(), metricsService, &fakeStatsSource{err: errors.New("down")})

	count, err := testutil.GatherAndCount(registry, "workq_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestQueuesDepthMetricsJob_Runs(t *testing.T) {
	registry := prometheus.NewRegistry()
	metricsService := metrics.NewMetricsService(true, registry)
	source := &fakeStatsSource{stats: []db.QueueMetadata{{Id: "1", Name: "emails", MessagesCount: 2}}}

	job := NewQueuesDepthMetricsJob(metricsService, source, 10)
	defer job.Close()

	assert.Eventually(t, func() bool {
		count, err := testutil.GatherAndCount(registry, "workq_queue_depth")
		return err == nil && count == 1
	}, time.Second, 10*time.Millisecond)
}
