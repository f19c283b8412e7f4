package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/johnkcr/collection-service/internal/metrics"

	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("queue closed")

// Config sizes a BoundedQueue. IntervalCap > 0 with Interval > 0 limits
// admissions to IntervalCap per Interval on top of the concurrency cap.
type Config struct {
	Name        string
	Concurrency int
	IntervalCap int
	Interval    time.Duration
}

// BoundedQueue admits tasks under a fixed concurrency cap and an optional
// rate window. It never retries; callers layer retry on top.
type BoundedQueue struct {
	name    string
	slots   chan struct{}
	limiter *rate.Limiter
	closed  chan struct{}
	once    atomic.Bool

	pending atomic.Int64
	active  atomic.Int64
}

func New(cfg Config) *BoundedQueue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	q := &BoundedQueue{
		name:   cfg.Name,
		slots:  make(chan struct{}, cfg.Concurrency),
		closed: make(chan struct{}),
	}
	if cfg.IntervalCap > 0 && cfg.Interval > 0 {
		every := cfg.Interval / time.Duration(cfg.IntervalCap)
		q.limiter = rate.NewLimiter(rate.Every(every), cfg.IntervalCap)
	}
	return q
}

func (q *BoundedQueue) Name() string { return q.name }

// Pending is the number of tasks waiting for admission.
func (q *BoundedQueue) Pending() int { return int(q.pending.Load()) }

// Active is the number of tasks currently running.
func (q *BoundedQueue) Active() int { return int(q.active.Load()) }

// Do waits for a slot (and a rate token, if windowed) and runs fn.
// fn's error is returned unchanged.
func (q *BoundedQueue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	q.pending.Add(1)
	metrics.QueuePending.WithLabelValues(q.name).Inc()
	release, err := q.acquire(ctx)
	q.pending.Add(-1)
	metrics.QueuePending.WithLabelValues(q.name).Dec()
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Run is Do for tasks with a result.
func Run[T any](ctx context.Context, q *BoundedQueue, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Close rejects new admissions. Tasks already running are unaffected.
func (q *BoundedQueue) Close() {
	if q.once.CompareAndSwap(false, true) {
		close(q.closed)
	}
}

func (q *BoundedQueue) acquire(ctx context.Context) (func(), error) {
	select {
	case <-q.closed:
		return nil, fmt.Errorf("%s: %w", q.name, ErrClosed)
	default:
	}

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, fmt.Errorf("%s: %w", q.name, ErrClosed)
	}

	if err := q.wait(ctx); err != nil {
		<-q.slots
		return nil, err
	}

	q.active.Add(1)
	metrics.QueueActive.WithLabelValues(q.name).Inc()
	return func() {
		q.active.Add(-1)
		metrics.QueueActive.WithLabelValues(q.name).Dec()
		<-q.slots
	}, nil
}

// wait consumes exactly one token from the rate window.
func (q *BoundedQueue) wait(ctx context.Context) error {
	if q.limiter == nil {
		return nil
	}
	r := q.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("%s: cannot reserve rate token", q.name)
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.QueueRateLimitWaits.WithLabelValues(q.name).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
