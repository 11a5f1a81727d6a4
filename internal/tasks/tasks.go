// Package tasks runs detached background work such as metering writes and
// last-used updates. Submitting never blocks the caller; when the queue is full
// the task is dropped and logged.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upgateway/internal/metrics"
)

type Func func(ctx context.Context) error

type job struct {
	name string
	fn   Func
}

type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type Dispatcher struct {
	logger  *zap.Logger
	timeout time.Duration
	queue   chan job
	group   *errgroup.Group

	mu     sync.RWMutex
	closed bool
}

func New(logger *zap.Logger, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	d := &Dispatcher{
		logger:  logger,
		timeout: opts.Timeout,
		queue:   make(chan job, opts.QueueSize),
		group:   &errgroup.Group{},
	}
	for i := 0; i < opts.Workers; i++ {
		d.group.Go(d.work)
	}
	return d
}

// Go enqueues fn and reports whether it was accepted.
func (d *Dispatcher) Go(name string, fn Func) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(name, "closed")
		return false
	}
	select {
	case d.queue <- job{name: name, fn: fn}:
		return true
	default:
		d.drop(name, "queue_full")
		return false
	}
}

func (d *Dispatcher) drop(name, reason string) {
	metrics.TasksDropped.WithLabelValues(name, reason).Inc()
	d.logger.Warn("background task dropped", zap.String("task", name), zap.String("reason", reason))
}

func (d *Dispatcher) work() error {
	for j := range d.queue {
		d.run(j)
	}
	return nil
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.TasksFailed.WithLabelValues(j.name).Inc()
			d.logger.Error("background task panicked", zap.String("task", j.name), zap.Any("panic", r))
		}
	}()
	if err := j.fn(ctx); err != nil {
		metrics.TasksFailed.WithLabelValues(j.name).Inc()
		d.logger.Error("background task failed", zap.String("task", j.name), zap.Error(err))
	}
}

// Shutdown stops accepting work and waits for queued tasks to drain or for
// ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Join(errors.New("background tasks did not drain"), ctx.Err())
	}
}
