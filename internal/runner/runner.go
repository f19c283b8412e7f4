package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/johnkcr/collection-service/internal/batch"
	"github.com/johnkcr/collection-service/internal/eventbus"
	"github.com/johnkcr/collection-service/internal/metrics"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/pipeline"
	"github.com/johnkcr/collection-service/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts      = 3
	DefaultLogInterval      = time.Second
	DefaultProgressInterval = 10 * time.Second

	// maxResumes bounds one attempt against a pipeline that never settles.
	maxResumes = 64
)

// Request asks for one collection to be indexed.
type Request struct {
	ChainID        string `json:"chainId"`
	Address        string `json:"address"`
	IndexInitiator string `json:"indexInitiator,omitempty"`
	HasBlueCheck   bool   `json:"hasBlueCheck,omitempty"`
	Reset          bool   `json:"reset,omitempty"`
}

func (r Request) Key() store.Key { return store.CollectionKey(r.ChainID, r.Address) }

// ContractFactory builds the contract reader for a collection. It fails
// for unsupported token standards.
type ContractFactory func(ctx context.Context, chainID, address string) (pipeline.Contract, error)

type Config struct {
	MaxAttempts      int
	LogInterval      time.Duration
	ProgressInterval time.Duration
	Batch            batch.Config
}

// Progress is the latest progress report of a running collection.
type Progress struct {
	RunID     string              `json:"runId"`
	ChainID   string              `json:"chainId"`
	Address   string              `json:"address"`
	Step      models.CreationFlow `json:"step"`
	Percent   float64             `json:"percent"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

const (
	EventProgress = "collection.progress"
	EventFinished = "collection.finished"
)

// Runner drives collection pipelines to completion and persists every
// checkpoint before the pipeline moves on.
type Runner struct {
	store       store.Store
	collections *store.Collections
	tokens      *store.Tokens
	contracts   ContractFactory
	deps        pipeline.Deps
	bus         *eventbus.Bus
	cfg         Config
	now         func() time.Time

	mu     sync.RWMutex
	active map[string]Progress
}

// New returns a Runner. deps is a template; Contract and Emitter are set
// per run. bus may be nil.
func New(st store.Store, contracts ContractFactory, deps pipeline.Deps, bus *eventbus.Bus, cfg Config) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = DefaultLogInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	return &Runner{
		store:       st,
		collections: store.NewCollections(st),
		tokens:      store.NewTokens(st),
		contracts:   contracts,
		deps:        deps,
		bus:         bus,
		cfg:         cfg,
		now:         time.Now,
		active:      make(map[string]Progress),
	}
}

// Active returns the latest progress of every running collection.
func (r *Runner) Active() []Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Progress, 0, len(r.active))
	for _, p := range r.active {
		out = append(out, p)
	}
	return out
}

// Run indexes one collection. It returns the last persisted collection
// record. Failures inside the pipeline are recorded on the collection and
// retried; only store and setup failures are returned as errors.
func (r *Runner) Run(ctx context.Context, req Request) (models.Collection, error) {
	req.Address = models.NormalizeAddress(req.Address)
	name := eventbus.Key(req.ChainID, req.Address)
	runID := uuid.NewString()
	log.Printf("[runner] starting collection %s run=%s hasBlueCheck=%t reset=%t", name, runID, req.HasBlueCheck, req.Reset)

	metrics.RunnerActive.Inc()
	defer metrics.RunnerActive.Dec()

	contract, err := r.contracts(ctx, req.ChainID, req.Address)
	if err != nil {
		r.recordFailure(ctx, req, pipeline.SetupError(err))
		return models.Collection{}, fmt.Errorf("create contract %s: %w", name, err)
	}

	col, err := r.load(ctx, req)
	if err != nil {
		return col, err
	}

	w := batch.NewWriter(r.store, r.cfg.Batch)
	rs := &run{r: r, req: req, id: runID, name: name, writer: w}
	r.track(rs, col.State.Create.Step, col.State.Create.Progress)
	defer r.untrack(rs)

	deps := r.deps
	deps.Contract = contract
	deps.Emitter = rs

	for attempt := 1; ; attempt++ {
		p := pipeline.New(deps, pipeline.Options{IndexInitiator: req.IndexInitiator, HasBlueCheck: req.HasBlueCheck})
		col, err = rs.attempt(ctx, p, col)
		if err != nil {
			// The step is kept so the next run resumes where this one stopped.
			col.State.Create.Error = &models.ErrorRecord{Discriminator: string(col.State.Create.Step), Message: err.Error()}
			col.State.Create.UpdatedAt = r.now().UnixMilli()
			if werr := rs.checkpoint(context.WithoutCancel(ctx), col); werr != nil {
				log.Printf("[runner] %s failed to record error: %v", name, werr)
			}
			r.finish(rs, col)
			return col, fmt.Errorf("collection %s: %w", name, err)
		}

		switch col.State.Create.Step {
		case models.StepComplete:
			log.Printf("[runner] collection completed: %s", name)
			r.finish(rs, col)
			return col, nil
		case models.StepIncomplete:
			log.Printf("[runner] ran indexer for collection %s previously. Skipping for now", name)
			r.finish(rs, col)
			return col, nil
		case models.StepUnknown:
			log.Printf("[runner] unknown error occurred for collection %s previously. Skipping for now", name)
			r.finish(rs, col)
			return col, nil
		}

		if attempt >= r.cfg.MaxAttempts {
			log.Printf("[runner] failed to complete collection %s: %+v", name, col.State.Create.Error)
			r.finish(rs, col)
			return col, nil
		}
		log.Printf("[runner] failed to complete collection %s. Retrying... (attempt %d/%d)", name, attempt+1, r.cfg.MaxAttempts)
	}
}

// load reads the stored collection. On reset it starts a fresh record
// that keeps only the stored export flag. The index initiator is written
// immediately for new collections.
func (r *Runner) load(ctx context.Context, req Request) (models.Collection, error) {
	col := models.Collection{ChainID: req.ChainID, Address: req.Address}
	stored, err := r.collections.Get(ctx, req.ChainID, req.Address)
	switch {
	case err == nil && req.Reset:
		col.State.Export.Done = stored.State.Export.Done
	case err == nil:
		col = *stored
	case errors.Is(err, store.ErrNotFound):
	default:
		return col, fmt.Errorf("load collection: %w", err)
	}
	if col.IndexInitiator == "" {
		col.IndexInitiator = req.IndexInitiator
		col.State.Create.UpdatedAt = r.now().UnixMilli()
		if err := r.collections.Set(ctx, &col, false); err != nil {
			return col, fmt.Errorf("save collection: %w", err)
		}
	}
	return col, nil
}

// recordFailure stores err on the collection without reading it first.
func (r *Runner) recordFailure(ctx context.Context, req Request, err error) {
	partial := map[string]interface{}{
		"chainId": req.ChainID,
		"address": req.Address,
		"state": map[string]interface{}{
			"create": map[string]interface{}{
				"step":      pipeline.RecoveryStep("", err),
				"updatedAt": r.now().UnixMilli(),
				"error":     pipeline.ErrorRecordFor(err),
			},
			"export": map[string]interface{}{"done": false},
		},
	}
	if uerr := r.collections.Update(ctx, req.ChainID, req.Address, partial); uerr != nil {
		log.Printf("[runner] %s:%s failed to record error: %v", req.ChainID, req.Address, uerr)
	}
}

func (r *Runner) track(rs *run, step models.CreationFlow, pct float64) {
	p := Progress{RunID: rs.id, ChainID: rs.req.ChainID, Address: rs.req.Address, Step: step, Percent: pct, UpdatedAt: r.now()}
	r.mu.Lock()
	r.active[rs.name] = p
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventProgress, Key: rs.name, Timestamp: p.UpdatedAt, Data: p})
	}
}

func (r *Runner) untrack(rs *run) {
	r.mu.Lock()
	delete(r.active, rs.name)
	r.mu.Unlock()
}

func (r *Runner) finish(rs *run, col models.Collection) {
	metrics.RunnerRuns.WithLabelValues(string(col.State.Create.Step)).Inc()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventFinished, Key: rs.name, Timestamp: r.now(), Data: col})
	}
}

// run is the state of one Run call. It is the pipeline's Emitter.
type run struct {
	r      *Runner
	req    Request
	id     string
	name   string
	writer *batch.Writer

	mu             sync.Mutex
	lastLog        time.Time
	lastPersist    time.Time
	progressFailed bool
}

// attempt resumes the pipeline until it finishes or a step fails. Step
// failures are recorded on the returned collection; the error is only
// set when the store is unusable.
func (rs *run) attempt(ctx context.Context, p *pipeline.Pipeline, col models.Collection) (models.Collection, error) {
	var tokens []models.Token
	for i := 0; i < maxResumes; i++ {
		res, err := p.Resume(ctx, col, tokens)
		tokens = nil
		if err != nil {
			pipeline.ApplyFailure(&col, err, rs.r.now())
			return col, rs.checkpoint(ctx, col)
		}

		// The advanced record only replaces col once it is durable.
		if err := rs.checkpoint(ctx, res.Collection); err != nil {
			return col, err
		}
		col = res.Collection
		if res.Done {
			return col, nil
		}
		if res.AwaitTokens {
			tokens, err = rs.r.tokens.All(ctx, col.ChainID, col.Address)
			if err != nil {
				return col, fmt.Errorf("read tokens: %w", err)
			}
			if tokens == nil {
				tokens = []models.Token{}
			}
		}
	}
	return col, fmt.Errorf("pipeline did not settle after %d steps", maxResumes)
}

// checkpoint flushes every pending token write and only then replaces
// the collection record. A failed token write leaves the stored step
// where it was.
func (rs *run) checkpoint(ctx context.Context, col models.Collection) error {
	if err := rs.writer.Flush(ctx); err != nil {
		return fmt.Errorf("flush token writes: %w", err)
	}
	doc, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}
	rs.writer.Add(ctx, store.Write{Key: rs.req.Key(), Doc: doc})
	if err := rs.writer.Flush(ctx); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}

func (rs *run) Emit(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventProgress:
		rs.progress(e.Step, e.Progress)
		return
	case pipeline.EventTokenError:
		rs.addToken(e.Token.TokenID, e.FailurePatch(), true)
	case pipeline.EventMint:
		rs.addToken(e.Token.TokenID, e.Token, !rs.req.Reset)
	case pipeline.EventToken:
		rs.addToken(e.Token.TokenID, clearTokenError(e.Token), true)
	default:
		rs.addToken(e.Token.TokenID, e.Token, true)
	}
}

func (rs *run) addToken(tokenID string, doc interface{}, merge bool) {
	if tokenID == "" {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		log.Printf("[runner] %s failed to encode token %s: %v", rs.name, tokenID, err)
		return
	}
	rs.writer.Add(context.Background(), store.Write{
		Key:   store.TokenKey(rs.req.ChainID, rs.req.Address, tokenID),
		Doc:   raw,
		Merge: merge,
	})
}

// clearTokenError drops a previous refresh error when the token's state
// is rewritten.
func clearTokenError(tok models.Token) interface{} {
	if tok.State == nil || tok.State.Metadata.Error != nil {
		return tok
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return tok
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return tok
	}
	if st, ok := doc["state"].(map[string]interface{}); ok {
		if md, ok := st["metadata"].(map[string]interface{}); ok {
			md["error"] = nil
		}
	}
	return doc
}

// progress logs at most once per LogInterval and persists at most once
// per ProgressInterval. 100% is always logged and persisted.
func (rs *run) progress(step models.CreationFlow, pct float64) {
	now := rs.r.now()
	rs.mu.Lock()
	doLog := pct >= 100 || now.Sub(rs.lastLog) > rs.r.cfg.LogInterval
	if doLog {
		rs.lastLog = now
	}
	doPersist := pct >= 100 || now.Sub(rs.lastPersist) > rs.r.cfg.ProgressInterval
	if doPersist {
		rs.lastPersist = now
	}
	rs.mu.Unlock()

	rs.r.track(rs, step, pct)
	if doLog {
		log.Printf("[runner][%s][%s][ %6.2f%% ][%s]", now.Format("15:04:05"), rs.name, pct, step)
	}
	if doPersist {
		partial := map[string]interface{}{
			"state": map[string]interface{}{
				"create": map[string]interface{}{"progress": pct, "step": step},
			},
		}
		if err := rs.r.collections.Update(context.Background(), rs.req.ChainID, rs.req.Address, partial); err != nil {
			log.Printf("[runner] %s failed to update collection progress: %v", rs.name, err)
		}
	}
}
