package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/johnkcr/collection-service/internal/app"
	"github.com/johnkcr/collection-service/internal/config"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/store"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	var (
		chainID     string
		address     string
		purgeTokens bool
	)
	flag.StringVar(&chainID, "chain", "1", "chain id")
	flag.StringVar(&address, "address", "", "collection contract address")
	flag.BoolVar(&purgeTokens, "purge-tokens", false, "also delete every token of the collection")
	flag.Parse()

	if !common.IsHexAddress(address) {
		log.Fatalf("invalid -address %q", address)
	}
	address = models.NormalizeAddress(address)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx := context.Background()
	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	collections := store.NewCollections(st)
	col, err := collections.Get(ctx, chainID, address)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Printf("No collection found for %s:%s. It was never indexed.\n", chainID, address)
		return
	}
	if err != nil {
		log.Fatalf("failed to read collection: %v", err)
	}

	if err := collections.Reset(ctx, chainID, address, time.Now()); err != nil {
		log.Fatalf("failed to reset collection: %v", err)
	}
	fmt.Printf("Reset %s:%s from step %q. The next run restarts at %q.\n",
		chainID, address, col.State.Create.Step, models.StepCollectionCreator)

	if !purgeTokens {
		return
	}
	deleter, ok := st.(store.TokenDeleter)
	if !ok {
		log.Fatalf("store %q cannot delete tokens", cfg.Store)
	}
	n, err := deleter.DeleteTokens(ctx, store.CollectionKey(chainID, address))
	if err != nil {
		log.Fatalf("failed to delete tokens: %v", err)
	}
	fmt.Printf("Deleted %d token(s).\n", n)
}
