package metrics

import "github.com/prometheus/client_golang/prometheus"

type Service interface {
	IncMessagesEnqueuedTotalBy(count int64, queueName string)
	IncMessagesClaimedTotalBy(count int64, queueName string)
	IncMessagesAckedTotalBy(count int64, queueName string)
	IncMessagesNackedTotalBy(count int64, queueName string)
	IncMessagesMovedToDlqTotalBy(count int64, queueName string)
	IncQueueFullRejectionsTotalBy(count int64, queueName string)
	ObserveProcessingDuration(queueName string, seconds float64)
	SetQueueDepth(queueName string, depth int64)
}

// NewMetricsService returns a Prometheus-backed service registered on registerer
// (the default registerer if nil), or a no-op one when metrics are disabled.
func NewMetricsService(metricsEnabled bool, registerer prometheus.Registerer) Service {
	if metricsEnabled {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		return newPrometheusMetricsService(registerer)
	}
	return newNoopMetricsService()
}
