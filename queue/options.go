package queue

import (
	"time"

	"github.com/storecast/workq/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultClaimRetries = 3

type options struct {
	consumerId   string
	now          func() time.Time
	maxBackoff   time.Duration
	claimRetries int
	metrics      metrics.Service
	cache        *MetricsCache
	tracer       trace.TracerProvider
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		consumerId:   uuid.NewString(),
		now:          time.Now,
		claimRetries: defaultClaimRetries,
		metrics:      metrics.NewMetricsService(false, nil),
		tracer:       otel.GetTracerProvider(),
	}
}

func newOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithConsumerID sets the identity recorded on messages claimed through this queue client.
func WithConsumerID(consumerId string) Option {
	return func(o *options) {
		if consumerId != "" {
			o.consumerId = consumerId
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxBackoff caps the retry delay. By default, and with zero, the 2^retryCount seconds
// delay is uncapped.
func WithMaxBackoff(maxBackoff time.Duration) Option {
	return func(o *options) {
		if maxBackoff >= 0 {
			o.maxBackoff = maxBackoff
		}
	}
}

func WithClaimRetries(retries int) Option {
	return func(o *options) {
		if retries >= 0 {
			o.claimRetries = retries
		}
	}
}

func WithMetrics(metricsService metrics.Service) Option {
	return func(o *options) {
		if metricsService != nil {
			o.metrics = metricsService
		}
	}
}

// WithMetricsCache serves GetMetrics from cache while the cached snapshot is fresh.
func WithMetricsCache(cache *MetricsCache) Option {
	return func(o *options) {
		o.cache = cache
	}
}

// WithTracerProvider sets where queue operation spans go. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp
		}
	}
}
