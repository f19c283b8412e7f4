package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/johnkcr/collection-service/internal/eventbus"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/queue"
	"github.com/johnkcr/collection-service/internal/runner"
	"github.com/johnkcr/collection-service/internal/store"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// Enqueuer accepts collection runs. runner.Pool implements it.
type Enqueuer interface {
	Submit(ctx context.Context, req runner.Request) bool
	Queued(chainID, address string) bool
	Pending() int
	Active() int
}

// ProgressSource reports running collections. runner.Runner implements it.
type ProgressSource interface {
	Active() []runner.Progress
}

type Config struct {
	Port           int
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	// RecentWindow is how long after its last checkpoint a collection is
	// not queued again without reset.
	RecentWindow time.Duration
	// Supported reports whether a chain id can be indexed.
	Supported func(chainID string) bool
}

type Server struct {
	ctx         context.Context
	cfg         Config
	store       store.Store
	collections *store.Collections
	tokens      *store.Tokens
	pool        Enqueuer
	progress    ProgressSource
	queues      []*queue.BoundedQueue
	recent      *recentRuns
	now         func() time.Time

	httpServer *http.Server
}

// NewServer builds the HTTP front end. ctx bounds the runs it enqueues.
// bus may be nil.
func NewServer(ctx context.Context, cfg Config, st store.Store, pool Enqueuer, progress ProgressSource, bus *eventbus.Bus, queues ...*queue.BoundedQueue) *Server {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10 * time.Minute
	}
	if cfg.Supported == nil {
		cfg.Supported = func(string) bool { return true }
	}
	s := &Server{
		ctx:         ctx,
		cfg:         cfg,
		store:       st,
		collections: store.NewCollections(st),
		tokens:      store.NewTokens(st),
		pool:        pool,
		progress:    progress,
		queues:      queues,
		recent:      newRecentRuns(ctx, bus, 20),
		now:         time.Now,
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).middleware)
	registerRoutes(r, s, newAdminAuth(cfg.JWTSecret))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func registerRoutes(r *mux.Router, s *Server, auth *adminAuth) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/collection", s.handleEnqueue).Methods("POST", "OPTIONS")
	r.HandleFunc("/collections/summary", s.handleSummary).Methods("GET", "OPTIONS")
	r.HandleFunc("/collection/{chainId}/{address}", s.handleGetCollection).Methods("GET", "OPTIONS")
	r.HandleFunc("/collection/{chainId}/{address}/tokens", s.handleGetTokens).Methods("GET", "OPTIONS")
	r.HandleFunc("/collection/{chainId}/{address}/export.csv", s.handleExportCSV).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(auth.middleware)
	admin.HandleFunc("/collection/{chainId}/{address}/reset", s.handleReset).Methods("POST")
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type apiEnvelope struct {
	Meta  map[string]interface{} `json:"_meta,omitempty"`
	Data  interface{}            `json:"data,omitempty"`
	Error interface{}            `json:"error,omitempty"`
}

func writeAPIResponse(w http.ResponseWriter, status int, data interface{}, meta map[string]interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{Meta: meta, Data: data})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{
		Error: map[string]string{"message": message},
	})
}

// recentRuns keeps the last finished runs reported on the bus.
type recentRuns struct {
	mu   sync.Mutex
	max  int
	runs []finishedRun
}

type finishedRun struct {
	Collection string              `json:"collection"`
	Step       models.CreationFlow `json:"step"`
	Error      *models.ErrorRecord `json:"error,omitempty"`
	FinishedAt time.Time           `json:"finishedAt"`
}

func newRecentRuns(ctx context.Context, bus *eventbus.Bus, max int) *recentRuns {
	rr := &recentRuns{max: max}
	if bus == nil {
		return rr
	}
	sub := bus.Subscribe(64, eventbus.Filter{Types: []string{runner.EventFinished}})
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				rr.add(evt)
			}
		}
	}()
	return rr
}

func (rr *recentRuns) add(evt eventbus.Event) {
	run := finishedRun{Collection: evt.Key, FinishedAt: evt.Timestamp}
	if col, ok := evt.Data.(models.Collection); ok {
		run.Step = col.State.Create.Step
		run.Error = col.State.Create.Error
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.runs = append(rr.runs, run)
	if len(rr.runs) > rr.max {
		rr.runs = rr.runs[len(rr.runs)-rr.max:]
	}
}

func (rr *recentRuns) snapshot() []finishedRun {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	out := make([]finishedRun, len(rr.runs))
	copy(out, rr.runs)
	return out
}
