package metrics

type NoopMetricsService struct {
}

func newNoopMetricsService() *NoopMetricsService {
	return &NoopMetricsService{}
}

func (nms *NoopMetricsService) IncMessagesEnqueuedTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncMessagesClaimedTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncMessagesAckedTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncMessagesNackedTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncMessagesMovedToDlqTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncQueueFullRejectionsTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) ObserveProcessingDuration(queueName string, seconds float64) {
	// no-op
}

func (nms *NoopMetricsService) SetQueueDepth(queueName string, depth int64) {
	// no-op
}
