package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/johnkcr/collection-service/internal/metrics"
	"github.com/johnkcr/collection-service/internal/store"
)

const (
	DefaultMaxItems    = 500
	DefaultMaxBytes    = 11_534_336 * 3 / 4
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// Committer persists one batch of writes.
type Committer interface {
	Commit(ctx context.Context, writes []store.Write) error
}

type Config struct {
	MaxItems    int
	MaxBytes    int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Writer accumulates writes and commits them in bounded batches. A full
// batch is swapped for an empty one and committed in the background, so
// Add never waits on the store. Background failures are reported by the
// next Flush.
type Writer struct {
	committer Committer
	cfg       Config

	mu    sync.Mutex
	items []store.Write
	bytes int

	inflight sync.WaitGroup
	errMu    sync.Mutex
	errs     []error
}

func NewWriter(c Committer, cfg Config) *Writer {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &Writer{committer: c, cfg: cfg}
}

// Add queues w. If w would push the current batch past either threshold,
// the current batch is committed first and w starts the next one.
func (w *Writer) Add(ctx context.Context, write store.Write) {
	size := writeSize(write)

	w.mu.Lock()
	var full []store.Write
	if len(w.items) > 0 && (len(w.items)+1 > w.cfg.MaxItems || w.bytes+size > w.cfg.MaxBytes) {
		full = w.swap()
	}
	w.items = append(w.items, write)
	w.bytes += size
	w.mu.Unlock()

	if full != nil {
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			if err := w.safeCommit(context.WithoutCancel(ctx), full); err != nil {
				w.errMu.Lock()
				w.errs = append(w.errs, err)
				w.errMu.Unlock()
			}
		}()
	}
}

// Flush waits for background commits and then commits the current
// batch. It returns every commit failure since the previous Flush. When a
// background commit failed the current batch is not committed and stays
// queued for the next Flush, so nothing written after a lost write
// becomes durable ahead of it.
func (w *Writer) Flush(ctx context.Context) error {
	w.inflight.Wait()

	w.errMu.Lock()
	errs := w.errs
	w.errs = nil
	w.errMu.Unlock()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	w.mu.Lock()
	pending := w.swap()
	w.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return w.safeCommit(ctx, pending)
}

// Pending is the number of writes in the current (uncommitted) batch.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

func (w *Writer) swap() []store.Write {
	out := w.items
	w.items = nil
	w.bytes = 0
	return out
}

// safeCommit is commit for background goroutines: a panic in the store
// becomes a commit error instead of taking the process down.
func (w *Writer) safeCommit(ctx context.Context, writes []store.Write) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BatchCommits.WithLabelValues("error").Inc()
			err = fmt.Errorf("commit %d writes: panic: %v", len(writes), r)
		}
	}()
	return w.commit(ctx, writes)
}

func (w *Writer) commit(ctx context.Context, writes []store.Write) error {
	start := time.Now()
	defer func() { metrics.BatchCommitLatency.Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = w.committer.Commit(ctx, writes); err == nil {
			metrics.BatchCommits.WithLabelValues("ok").Inc()
			metrics.BatchCommitItems.Add(float64(len(writes)))
			return nil
		}
		log.Printf("[batch] commit of %d writes failed (attempt %d/%d): %v", len(writes), attempt, w.cfg.MaxAttempts, err)
		if attempt == w.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(w.cfg.RetryDelay):
		case <-ctx.Done():
			metrics.BatchCommits.WithLabelValues("error").Inc()
			return fmt.Errorf("commit %d writes: %w", len(writes), ctx.Err())
		}
	}
	metrics.BatchCommits.WithLabelValues("error").Inc()
	return fmt.Errorf("commit %d writes after %d attempts: %w", len(writes), w.cfg.MaxAttempts, err)
}

func writeSize(w store.Write) int {
	return len(w.Doc) + len(w.Key.String())
}
