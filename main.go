package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/johnkcr/collection-service/internal/api"
	"github.com/johnkcr/collection-service/internal/app"
	"github.com/johnkcr/collection-service/internal/config"
	"github.com/johnkcr/collection-service/internal/export"
	"github.com/johnkcr/collection-service/internal/runner"

	"github.com/jackc/pgx/v5/pgconn"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Println("Initializing Collection Service...")
	log.Printf("Store: %s", cfg.Store)
	if cfg.Store == config.StorePostgres {
		log.Printf("DB: %s", describeDatabase(cfg.DatabaseURL))
	}
	for _, id := range cfg.ChainIDs() {
		log.Printf("Chain %s: %s", id, cfg.Networks[id].Name)
	}
	log.Printf("API Port: %d", cfg.APIPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Dependencies
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	// 3. Services
	pool := runner.NewPool(a.Runner, a.Store, cfg.CollectionConcurrency)

	api.BuildCommit = BuildCommit
	apiServer := api.NewServer(ctx, api.Config{
		Port:           cfg.APIPort,
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		RecentWindow:   cfg.RecentWindow,
		Supported:      cfg.Supported,
	}, a.Store, pool, a.Runner, a.Bus, a.Queues.All()...)
	if cfg.JWTSecret == "" {
		log.Println("Admin endpoints are DISABLED (API_JWT_SECRET not set)")
	}

	// Handle SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 4. Run
	go func() {
		log.Printf("Starting API Server on :%d", cfg.APIPort)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	if cfg.ExportDir != "" {
		if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
			log.Fatalf("Failed to create export dir: %v", err)
		}
		exporter := export.NewExporter(a.Store, cfg.ExportDir)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runExporter(ctx, exporter, cfg.ExportInterval)
		}()
	} else {
		log.Println("CSV Export is DISABLED (EXPORT_DIR not set)")
	}

	<-sigChan
	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	pool.Stop()
	cancel()
	pool.Wait()
	wg.Wait()
}

func runExporter(ctx context.Context, e *export.Exporter, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Pending(ctx)
			if err != nil {
				log.Printf("[export] failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[export] wrote %d collection(s)", n)
			}
		}
	}
}

// describeDatabase renders the connection target of a DATABASE_URL
// without its credentials or options.
func describeDatabase(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return "(unparseable DATABASE_URL)"
	}
	return fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}
