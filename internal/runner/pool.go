package runner

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/pipeline"
	"github.com/johnkcr/collection-service/internal/queue"
	"github.com/johnkcr/collection-service/internal/store"
)

const DefaultPoolSize = 2

// Executor runs one collection request.
type Executor interface {
	Run(ctx context.Context, req Request) (models.Collection, error)
}

// Pool runs collection requests on a fixed number of slots. A collection
// that is already queued or running is not queued again. A panicking run
// is recorded as an Unknown failure on the collection.
type Pool struct {
	exec        Executor
	collections *store.Collections
	q           *queue.BoundedQueue

	mu      sync.Mutex
	pending map[store.Key]struct{}
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

func NewPool(exec Executor, st store.Store, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		exec:        exec,
		collections: store.NewCollections(st),
		q:           queue.New(queue.Config{Name: "collections", Concurrency: size}),
		pending:     make(map[store.Key]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Submit queues req. It reports false when the collection is already
// queued or running, or the pool is stopped.
func (p *Pool) Submit(ctx context.Context, req Request) bool {
	req.Address = models.NormalizeAddress(req.Address)
	key := req.Key()

	p.mu.Lock()
	select {
	case <-p.stopCh:
		p.mu.Unlock()
		return false
	default:
	}
	if _, ok := p.pending[key]; ok {
		p.mu.Unlock()
		log.Printf("[pool] %s:%s already queued", req.ChainID, req.Address)
		return false
	}
	p.pending[key] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.release(key)
		err := p.q.Do(ctx, func(ctx context.Context) error {
			return p.supervise(ctx, req)
		})
		if err != nil {
			log.Printf("[pool] %s:%s: %v", req.ChainID, req.Address, err)
		}
	}()
	return true
}

// Queued reports whether the collection is queued or running.
func (p *Pool) Queued(chainID, address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[store.CollectionKey(chainID, models.NormalizeAddress(address))]
	return ok
}

func (p *Pool) Pending() int { return p.q.Pending() }
func (p *Pool) Active() int  { return p.q.Active() }

// Wait blocks until every submitted request has finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Stop rejects new submissions and cancels those still waiting for a
// slot. Running collections finish their current run.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.stopCh)
		p.mu.Unlock()
		p.q.Close()
	})
}

func (p *Pool) release(key store.Key) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

func (p *Pool) supervise(ctx context.Context, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] %s:%s panic: %v\n%s", req.ChainID, req.Address, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
			p.recordPanic(ctx, req, err)
		}
	}()
	_, err = p.exec.Run(ctx, req)
	return err
}

// recordPanic leaves the collection in the terminal Unknown state.
func (p *Pool) recordPanic(ctx context.Context, req Request, cause error) {
	partial := map[string]interface{}{
		"state": map[string]interface{}{
			"create": map[string]interface{}{
				"step":  models.StepUnknown,
				"error": pipeline.ErrorRecordFor(cause),
			},
			"export": map[string]interface{}{"done": false},
		},
	}
	if err := p.collections.Update(context.WithoutCancel(ctx), req.ChainID, req.Address, partial); err != nil {
		log.Printf("[pool] %s:%s failed to record panic: %v", req.ChainID, req.Address, err)
	}
}
