package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageCall struct {
	from, to uint64
}

type fakeLogs struct {
	mu       sync.Mutex
	calls    []pageCall
	pageSize uint64
	// logsAt returns the logs for a normal page.
	logsAt  func(from, to uint64) []types.Log
	wideErr error
}

func (f *fakeLogs) fetch(ctx context.Context, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pageCall{from, to})
	f.mu.Unlock()
	if to-from > f.pageSize {
		if f.wideErr != nil {
			return nil, f.wideErr
		}
		return []types.Log{{BlockNumber: to}}, nil
	}
	if f.logsAt == nil {
		return nil, nil
	}
	return f.logsAt(from, to), nil
}

func (f *fakeLogs) wideCalls() int {
	var n int
	for _, c := range f.calls {
		if c.to-c.from > f.pageSize {
			n++
		}
	}
	return n
}

func testPaginatorConfig(pageSize uint64) PaginatorConfig {
	return PaginatorConfig{PageSize: pageSize, MaxStalls: 5, Retry: RetryPolicy{MaxAttempts: 3}}
}

func TestPaginator_StallsTriggerExactlyOneWideQuery(t *testing.T) {
	f := &fakeLogs{pageSize: 1000, wideErr: errors.New("query returned more than 10000 results")}
	p := NewPaginator(f.fetch, 0, 9000, testPaginatorConfig(1000))

	var chunks []Chunk
	require.NoError(t, p.Stream(context.Background(), func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	}))

	assert.Equal(t, 1, f.wideCalls())
	// The wide attempt happens after the fifth empty page.
	require.Len(t, f.calls, 10)
	assert.Equal(t, pageCall{5005, 9000}, f.calls[5])

	// Normal paging covers the range without gaps after the failed attempt.
	require.Len(t, chunks, 9)
	var next uint64
	for _, c := range chunks {
		assert.Equal(t, next, c.FromBlock)
		next = c.ToBlock + 1
	}
	assert.Equal(t, uint64(9000), chunks[len(chunks)-1].ToBlock)
}

func TestPaginator_WideQuerySuccessEndsRange(t *testing.T) {
	f := &fakeLogs{pageSize: 1000}
	p := NewPaginator(f.fetch, 0, 20000, testPaginatorConfig(1000))

	var chunks []Chunk
	for {
		c, ok, err := p.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 6)
	last := chunks[5]
	assert.Equal(t, uint64(5005), last.FromBlock)
	assert.Equal(t, uint64(20000), last.ToBlock)
	assert.Len(t, last.Logs, 1)
	assert.Equal(t, 1, f.wideCalls())
}

func TestPaginator_NonEmptyPagesResetStalls(t *testing.T) {
	f := &fakeLogs{
		pageSize: 100,
		logsAt: func(from, to uint64) []types.Log {
			// Every fourth page has a mint.
			if (from/101)%4 == 3 {
				return []types.Log{{BlockNumber: from}}
			}
			return nil
		},
	}
	p := NewPaginator(f.fetch, 0, 5000, testPaginatorConfig(100))

	logs, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.wideCalls())
	assert.NotEmpty(t, logs)
}

func TestPaginator_ProgressAndSingleBlock(t *testing.T) {
	t.Parallel()

	f := &fakeLogs{pageSize: 10}
	p := NewPaginator(f.fetch, 100, 100, testPaginatorConfig(10))
	c, ok, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), c.FromBlock)
	assert.Equal(t, uint64(100), c.ToBlock)
	assert.Zero(t, c.Progress)

	_, ok, err = p.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	p = NewPaginator(f.fetch, 0, 300, testPaginatorConfig(100))
	var progress []float64
	require.NoError(t, p.Stream(context.Background(), func(c Chunk) error {
		progress = append(progress, c.Progress)
		return nil
	}))
	assert.Equal(t, []float64{0, 33.66, 67.33}, progress)
}

func TestPaginator_PageErrorEndsSequence(t *testing.T) {
	t.Parallel()

	var attempts int
	fatal := codeError{code: codeInvalidParams}
	p := NewPaginator(func(ctx context.Context, from, to uint64) ([]types.Log, error) {
		attempts++
		return nil, fatal
	}, 0, 10, testPaginatorConfig(100))

	_, err := p.Collect(context.Background())
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts, "invalid params are not retried")

	_, ok, err := p.Next(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestPaginator_EmptyRange(t *testing.T) {
	t.Parallel()

	p := NewPaginator(func(ctx context.Context, from, to uint64) ([]types.Log, error) {
		t.Fatalf("fetch called for empty range")
		return nil, nil
	}, 10, 5, PaginatorConfig{})
	logs, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, logs)
}
