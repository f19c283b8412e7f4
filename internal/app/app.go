// Package app wires the configured store, rate-limited queues, providers
// and chain clients into a collection runner. The server and the CLI
// tools share it.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/johnkcr/collection-service/internal/chain"
	"github.com/johnkcr/collection-service/internal/config"
	"github.com/johnkcr/collection-service/internal/eventbus"
	"github.com/johnkcr/collection-service/internal/pipeline"
	"github.com/johnkcr/collection-service/internal/providers"
	"github.com/johnkcr/collection-service/internal/queue"
	"github.com/johnkcr/collection-service/internal/repository"
	"github.com/johnkcr/collection-service/internal/runner"
	"github.com/johnkcr/collection-service/internal/store"
)

// OpenStore opens the record store selected by cfg.Store. Postgres is
// migrated unless cfg.SkipMigration is set.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreBolt:
		b, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.StorePostgres:
		repo, err := repository.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.SkipMigration {
			log.Println("[app] database migration skipped")
			return repo, nil
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store)
	}
}

// Queues are the shared rate limiters. Every outbound call of every
// running collection goes through one of them.
type Queues struct {
	Chain    *queue.BoundedQueue
	Metadata *queue.BoundedQueue
	Alchemy  *queue.BoundedQueue
	OpenSea  *queue.BoundedQueue
	Moralis  *queue.BoundedQueue
}

func NewQueues(cfg config.Queues) *Queues {
	mk := func(name string, l config.QueueLimit) *queue.BoundedQueue {
		return queue.New(queue.Config{
			Name:        name,
			Concurrency: l.Concurrency,
			IntervalCap: l.IntervalCap,
			Interval:    l.Interval,
		})
	}
	return &Queues{
		Chain:    mk("chain", cfg.Chain),
		Metadata: mk("metadata", cfg.Metadata),
		Alchemy:  mk("alchemy", cfg.Alchemy),
		OpenSea:  mk("opensea", cfg.OpenSea),
		Moralis:  mk("moralis", cfg.Moralis),
	}
}

func (q *Queues) All() []*queue.BoundedQueue {
	return []*queue.BoundedQueue{q.Chain, q.Metadata, q.Alchemy, q.OpenSea, q.Moralis}
}

func (q *Queues) Close() {
	for _, bq := range q.All() {
		bq.Close()
	}
}

// Clients dials one JSON-RPC client per chain on first use.
type Clients struct {
	networks map[string]config.Network

	mu      sync.Mutex
	clients map[string]*chain.Client
}

func NewClients(networks map[string]config.Network) *Clients {
	return &Clients{networks: networks, clients: make(map[string]*chain.Client)}
}

func (c *Clients) Get(ctx context.Context, chainID string) (*chain.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[chainID]; ok {
		return cl, nil
	}
	n, ok := c.networks[chainID]
	if !ok || n.RPCURL == "" {
		return nil, fmt.Errorf("chain %s is not configured", chainID)
	}
	cl, err := chain.Dial(ctx, n.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", n.Name, err)
	}
	if cl.ChainID() != chainID {
		cl.Close()
		return nil, fmt.Errorf("rpc for chain %s reports chain id %s", chainID, cl.ChainID())
	}
	log.Printf("[app] connected to %s (chain %s)", n.Name, chainID)
	c.clients[chainID] = cl
	return cl, nil
}

func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		cl.Close()
		delete(c.clients, id)
	}
}

// ContractFactory detects ERC-721 contracts through the dialed clients.
func (c *Clients) ContractFactory(q *queue.BoundedQueue) runner.ContractFactory {
	return func(ctx context.Context, chainID, address string) (pipeline.Contract, error) {
		cl, err := c.Get(ctx, chainID)
		if err != nil {
			return nil, err
		}
		contract, err := chain.DetectERC721(ctx, chainID, address, cl, q)
		if err != nil {
			return nil, err
		}
		return contract, nil
	}
}

// Deps builds the provider set shared by every run.
func Deps(cfg *config.Config, q *Queues) pipeline.Deps {
	opensea := providers.NewOpenSea(cfg.OpenSeaURL, cfg.OpenSeaAPIKey, q.OpenSea)
	deps := pipeline.Deps{
		Metadata:         opensea,
		Images:           opensea,
		URI:              providers.NewMetadataClient(cfg.IPFSGateway, q.Metadata),
		ID:               providers.NewMoralis(cfg.MoralisURL, cfg.MoralisAPIKey, q.Moralis),
		TokenConcurrency: cfg.TokenConcurrency,
	}
	if cfg.AlchemyURL != "" {
		deps.Bulk = providers.NewAlchemy(cfg.AlchemyURL, q.Alchemy)
	}
	return deps
}

// App is a fully wired runner with the resources it holds.
type App struct {
	Config  *config.Config
	Store   store.Store
	Queues  *Queues
	Clients *Clients
	Bus     *eventbus.Bus
	Runner  *runner.Runner
}

// New opens the store and wires a Runner. Close releases everything.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	q := NewQueues(cfg.Queues)
	clients := NewClients(cfg.Networks)
	bus := eventbus.New()
	r := runner.New(st, clients.ContractFactory(q.Chain), Deps(cfg, q), bus, runner.Config{})
	return &App{
		Config:  cfg,
		Store:   st,
		Queues:  q,
		Clients: clients,
		Bus:     bus,
		Runner:  r,
	}, nil
}

func (a *App) Close() {
	a.Bus.Close()
	a.Queues.Close()
	a.Clients.Close()
	if err := a.Store.Close(); err != nil {
		log.Printf("[app] close store: %v", err)
	}
}
