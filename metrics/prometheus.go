package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusMetricsService struct {
	messagesEnqueuedTotal     *prometheus.CounterVec
	messagesClaimedTotal      *prometheus.CounterVec
	messagesAckedTotal        *prometheus.CounterVec
	messagesNackedTotal       *prometheus.CounterVec
	messagesMovedToDlqTotal   *prometheus.CounterVec
	queueFullRejectionsTotal  *prometheus.CounterVec
	messageProcessingDuration *prometheus.HistogramVec
	queueDepth                *prometheus.GaugeVec
}

func newPrometheusMetricsService(registerer prometheus.Registerer) *PrometheusMetricsService {
	srv := &PrometheusMetricsService{
		messagesEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workq_messages_enqueued_total",
				Help: "Total number of messages accepted from producers",
			},
			[]string{"queue_name"},
		),

		messagesClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workq_messages_claimed_total",
				Help: "Total number of messages leased to consumers. Includes re-claims after a lease expired",
			},
			[]string{"queue_name"},
		),

		messagesAckedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workq_messages_acked_total",
				Help: "Total number of messages acknowledged as completed",
			},
			[]string{"queue_name"},
		),

		// counts every failed acknowledgement, whether the message was rescheduled or dead-lettered
		messagesNackedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workq_messages_nacked_total",
				Help: "Total number of failed acknowledgements",
			},
			[]string{"queue_name"},
		),

		messagesMovedToDlqTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workq_messages_moved_to_dlq_total",
				Help: "Total number of messages moved to the dead-letter store after exhausting their retries",
			},
			[]string{"queue_name"},
		),

		queueFullRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workq_queue_full_rejections_total",
				Help: "Total number of enqueue calls rejected because the queue was full",
			},
			[]string{"queue_name"},
		),

		messageProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workq_message_processing_duration_seconds",
				Help:    "Time between a message being claimed and acknowledged as completed",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
			},
			[]string{"queue_name"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workq_queue_depth",
				Help: "Current number of pending messages in the queue",
			},
			[]string{"queue_name"},
		),
	}

	registerer.MustRegister(srv.messagesEnqueuedTotal)
	registerer.MustRegister(srv.messagesClaimedTotal)
	registerer.MustRegister(srv.messagesAckedTotal)
	registerer.MustRegister(srv.messagesNackedTotal)
	registerer.MustRegister(srv.messagesMovedToDlqTotal)
	registerer.MustRegister(srv.queueFullRejectionsTotal)
	registerer.MustRegister(srv.messageProcessingDuration)
	registerer.MustRegister(srv.queueDepth)

	return srv
}

func (pms *PrometheusMetricsService) IncMessagesEnqueuedTotalBy(count int64, queueName string) {
	pms.messagesEnqueuedTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncMessagesClaimedTotalBy(count int64, queueName string) {
	pms.messagesClaimedTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncMessagesAckedTotalBy(count int64, queueName string) {
	pms.messagesAckedTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncMessagesNackedTotalBy(count int64, queueName string) {
	pms.messagesNackedTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncMessagesMovedToDlqTotalBy(count int64, queueName string) {
	pms.messagesMovedToDlqTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncQueueFullRejectionsTotalBy(count int64, queueName string) {
	pms.queueFullRejectionsTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) ObserveProcessingDuration(queueName string, seconds float64) {
	pms.messageProcessingDuration.WithLabelValues(queueName).Observe(seconds)
}

func (pms *PrometheusMetricsService) SetQueueDepth(queueName string, depth int64) {
	pms.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}
