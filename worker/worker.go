// Package worker runs a bounded pool of claim-process-acknowledge cycles against a queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storecast/workq/common"
	"github.com/storecast/workq/configs"
	"github.com/storecast/workq/queue"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPollInterval  = time.Second
	defaultBatchSize     = 10
	defaultMaxConcurrent = 5
)

// Source is the part of queue.Queue a worker consumes from.
type Source[T any] interface {
	Name() string
	Dequeue(ctx context.Context) (*queue.Message[T], error)
	Acknowledge(ctx context.Context, id string, success bool, errorMessage string) error
}

// Handler processes one message payload. A returned error or a panic fails the message.
type Handler[T any] func(ctx context.Context, message T) error

type Config struct {
	PollInterval  time.Duration
	BatchSize     int // claim attempts per tick
	MaxConcurrent int // claims and handlers in flight at once
	ErrorHandler  func(err error)
}

// withDefaults fills zero fields from defaults, then from the package constants.
func (c Config) withDefaults(defaults configs.WorkerDefaults) Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaults.MaxConcurrent
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = func(err error) {
			log.Error().Err(err).Msg("worker error")
		}
	}
	return c
}

type Worker[T any] struct {
	source   Source[T]
	defaults configs.WorkerDefaults

	mu       sync.Mutex
	running  atomic.Bool
	active   atomic.Int64
	cancel   context.CancelFunc
	loopDone chan struct{}
	inFlight sync.WaitGroup
}

func New[T any](source Source[T]) *Worker[T] {
	return &Worker[T]{
		source: source,
	}
}

// NewWithDefaults returns a worker that takes every Config field left at zero in Start
// from defaults, typically configs.AppConfigs.WorkerDefaults.
func NewWithDefaults[T any](source Source[T], defaults configs.WorkerDefaults) *Worker[T] {
	return &Worker[T]{
		source:   source,
		defaults: defaults,
	}
}

// Start launches the polling loop. Calling it while the worker is running is a no-op.
// Cancelling ctx stops the loop like Stop does; handlers already running are not interrupted.
func (w *Worker[T]) Start(ctx context.Context, handler Handler[T], cfg Config) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return
	}
	cfg = cfg.withDefaults(w.defaults)

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	w.running.Store(true)

	log.Info().
		Str("queue", w.source.Name()).
		Dur("poll_interval", cfg.PollInterval).
		Int("batch_size", cfg.BatchSize).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("worker started")

	go w.loop(loopCtx, context.WithoutCancel(ctx), handler, cfg, w.loopDone)
}

func (w *Worker[T]) loop(loopCtx context.Context, workCtx context.Context, handler Handler[T], cfg Config, done chan struct{}) {
	defer close(done)
	defer w.running.Store(false)

	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.tick(loopCtx, workCtx, sem, handler, cfg)

		select {
		case <-ticker.C:
		case <-loopCtx.Done():
			log.Info().Str("queue", w.source.Name()).Msg("worker stopped")
			return
		}
	}
}

func (w *Worker[T]) tick(loopCtx context.Context, workCtx context.Context, sem *semaphore.Weighted, handler Handler[T], cfg Config) {
	for range cfg.BatchSize {
		if err := sem.Acquire(loopCtx, 1); err != nil {
			return
		}
		w.active.Add(1)
		w.inFlight.Add(1)
		go func() {
			defer w.inFlight.Done()
			defer w.active.Add(-1)
			defer sem.Release(1)
			w.process(workCtx, handler, cfg.ErrorHandler)
		}()
	}
}

func (w *Worker[T]) process(ctx context.Context, handler Handler[T], errorHandler func(error)) {
	msg, err := w.source.Dequeue(ctx)
	if err != nil {
		errorHandler(fmt.Errorf("claim message from %s: %w", w.source.Name(), err))
		return
	}
	if msg == nil {
		return
	}

	if err := invoke(ctx, handler, msg.Message); err != nil {
		handlerErr := &common.HandlerError{MessageID: msg.ID, Err: err}
		if ackErr := w.source.Acknowledge(ctx, msg.ID, false, err.Error()); ackErr != nil {
			errorHandler(fmt.Errorf("reject message %s: %w", msg.ID, ackErr))
		}
		errorHandler(handlerErr)
		return
	}

	if err := w.source.Acknowledge(ctx, msg.ID, true, ""); err != nil {
		errorHandler(fmt.Errorf("acknowledge message %s: %w", msg.ID, err))
	}
}

func invoke[T any](ctx context.Context, handler Handler[T], message T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, message)
}

// Stop ends the polling loop at the next tick boundary. In-flight handlers run to completion;
// use Wait to block until they have.
func (w *Worker[T]) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
}

// Wait blocks until the loop has exited and every in-flight message has been acknowledged.
func (w *Worker[T]) Wait() {
	w.mu.Lock()
	done := w.loopDone
	w.mu.Unlock()

	if done != nil {
		<-done
	}
	w.inFlight.Wait()
}

func (w *Worker[T]) IsRunning() bool {
	return w.running.Load()
}

func (w *Worker[T]) GetActiveWorkers() int {
	return int(w.active.Load())
}
