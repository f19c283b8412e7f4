package chain

import (
	"context"
	"log"
	"math"

	"github.com/johnkcr/collection-service/internal/metrics"

	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DefaultPageSize  uint64 = 2000
	DefaultMaxStalls        = 5
	// Blocks below head that can still be reorganized away.
	ConfirmationDepth uint64 = 6
)

// FetchFunc returns the logs of the inclusive block range [from, to].
type FetchFunc func(ctx context.Context, from, to uint64) ([]types.Log, error)

// Chunk is one page of logs. Progress is the percentage (0-100) of the
// range covered before this page.
type Chunk struct {
	Logs      []types.Log
	FromBlock uint64
	ToBlock   uint64
	Progress  float64
}

type PaginatorConfig struct {
	PageSize  uint64
	MaxStalls int
	Retry     RetryPolicy
}

// Paginator walks [minBlock, maxBlock] in fixed windows. After MaxStalls
// consecutive empty pages it tries one query over the whole remaining
// range; if that fails it resets the stall count and keeps paging.
type Paginator struct {
	fetch FetchFunc
	cfg   PaginatorConfig

	min, max uint64
	from     uint64
	stalls   int
	done     bool
}

func NewPaginator(fetch FetchFunc, minBlock, maxBlock uint64, cfg PaginatorConfig) *Paginator {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxStalls <= 0 {
		cfg.MaxStalls = DefaultMaxStalls
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetry
	}
	return &Paginator{
		fetch: fetch,
		cfg:   cfg,
		min:   minBlock,
		max:   maxBlock,
		from:  minBlock,
		done:  minBlock > maxBlock,
	}
}

// Next fetches the next page. ok is false once the range is exhausted.
// A page that fails after retries ends the sequence with its error.
func (p *Paginator) Next(ctx context.Context) (chunk Chunk, ok bool, err error) {
	if p.done {
		return Chunk{}, false, nil
	}

	from := p.from
	to := from + p.cfg.PageSize
	if to > p.max || to < from {
		to = p.max
	}
	progress := p.progress(from)

	if p.stalls >= p.cfg.MaxStalls && to < p.max {
		logs, err := p.fetch(ctx, from, p.max)
		metrics.PaginatorPages.WithLabelValues("wide").Inc()
		if err == nil {
			p.done = true
			p.stalls = 0
			return Chunk{Logs: logs, FromBlock: from, ToBlock: p.max, Progress: progress}, true, nil
		}
		log.Printf("[paginator] wide query [%d, %d] failed, paging normally: %v", from, p.max, err)
		p.stalls = 0
	}

	logs, err := Retry(ctx, p.cfg.Retry, func(ctx context.Context) ([]types.Log, error) {
		return p.fetch(ctx, from, to)
	})
	metrics.PaginatorPages.WithLabelValues("normal").Inc()
	if err != nil {
		p.done = true
		return Chunk{}, false, err
	}
	if len(logs) == 0 {
		p.stalls++
	} else {
		p.stalls = 0
	}

	if to >= p.max {
		p.done = true
	} else {
		p.from = to + 1
	}
	return Chunk{Logs: logs, FromBlock: from, ToBlock: to, Progress: progress}, true, nil
}

// Stream pushes every chunk to fn as it is produced. It stops at the first
// error from the paginator or from fn.
func (p *Paginator) Stream(ctx context.Context, fn func(Chunk) error) error {
	for {
		chunk, ok, err := p.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

// Collect drains the paginator and returns all logs in block order.
func (p *Paginator) Collect(ctx context.Context) ([]types.Log, error) {
	var out []types.Log
	err := p.Stream(ctx, func(c Chunk) error {
		out = append(out, c.Logs...)
		return nil
	})
	return out, err
}

func (p *Paginator) progress(from uint64) float64 {
	size := p.max - p.min
	if size == 0 {
		return 0
	}
	pct := float64(from-p.min) / float64(size) * 100
	return math.Floor(pct*100) / 100
}
