package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnkcr/collection-service/internal/app"
	"github.com/johnkcr/collection-service/internal/config"
	"github.com/johnkcr/collection-service/internal/eventbus"
	"github.com/johnkcr/collection-service/internal/export"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/runner"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	var (
		chainID   string
		address   string
		initiator string
		blueCheck bool
		reset     bool
		exportDir string
	)
	flag.StringVar(&chainID, "chain", "1", "chain id")
	flag.StringVar(&address, "address", "", "collection contract address")
	flag.StringVar(&initiator, "initiator", "", "address that requested the index")
	flag.BoolVar(&blueCheck, "blue-check", false, "mark the collection as verified")
	flag.BoolVar(&reset, "reset", false, "start from an empty collection")
	flag.StringVar(&exportDir, "export", "", "write the token CSV to this directory when the run completes")
	flag.Parse()

	if !common.IsHexAddress(address) {
		log.Fatalf("invalid -address %q", address)
	}
	if initiator != "" && !common.IsHexAddress(initiator) {
		log.Fatalf("invalid -initiator %q", initiator)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if !cfg.Supported(chainID) {
		log.Fatalf("chain %s has no RPC endpoint configured", chainID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer a.Close()

	sub := a.Bus.Subscribe(16, eventbus.Filter{
		Types: []string{runner.EventProgress},
		Key:   eventbus.Key(chainID, address),
	})
	go func() {
		for evt := range sub.C {
			if p, ok := evt.Data.(runner.Progress); ok {
				log.Printf("%s %s %.1f%%", evt.Key, p.Step, p.Percent)
			}
		}
	}()

	start := time.Now()
	col, err := a.Runner.Run(ctx, runner.Request{
		ChainID:        chainID,
		Address:        address,
		IndexInitiator: models.NormalizeAddress(initiator),
		HasBlueCheck:   blueCheck,
		Reset:          reset,
	})
	sub.Close()
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	log.Printf("%s:%s finished at %q in %s (nfts=%d traits=%d)",
		col.ChainID, col.Address, col.State.Create.Step, time.Since(start).Round(time.Millisecond), col.NumNfts, col.NumTraitTypes)
	if e := col.State.Create.Error; e != nil {
		log.Printf("last error [%s]: %s", e.Discriminator, e.Message)
	}

	if exportDir == "" || col.State.Create.Step != models.StepComplete {
		return
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		log.Fatalf("failed to create %s: %v", exportDir, err)
	}
	path, err := export.NewExporter(a.Store, exportDir).Collection(ctx, col.ChainID, col.Address)
	if err != nil {
		log.Fatalf("export failed: %v", err)
	}
	log.Printf("wrote %s", path)
}
