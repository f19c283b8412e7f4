package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/johnkcr/collection-service/internal/app"
	"github.com/johnkcr/collection-service/internal/config"
	"github.com/johnkcr/collection-service/internal/export"
	"github.com/johnkcr/collection-service/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	var (
		chainID string
		address string
		outDir  string
		pending bool
	)
	flag.StringVar(&chainID, "chain", "1", "chain id")
	flag.StringVar(&address, "address", "", "collection contract address (empty with -pending exports every completed collection)")
	flag.StringVar(&outDir, "out", getEnv("EXPORT_DIR", "."), "output directory")
	flag.BoolVar(&pending, "pending", false, "export every completed collection not exported yet")
	flag.Parse()

	if !pending && !common.IsHexAddress(address) {
		log.Fatalf("invalid -address %q", address)
	}

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

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatalf("failed to create %s: %v", outDir, err)
	}
	exporter := export.NewExporter(st, outDir)

	if pending {
		n, err := exporter.Pending(ctx)
		if err != nil {
			log.Fatalf("export failed after %d collection(s): %v", n, err)
		}
		log.Printf("exported %d collection(s) to %s", n, outDir)
		return
	}

	path, err := exporter.Collection(ctx, chainID, models.NormalizeAddress(address))
	if err != nil {
		log.Fatalf("export failed: %v", err)
	}
	log.Printf("wrote %s", path)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
