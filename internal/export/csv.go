package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/store"
)

// WriteCSV writes one line per token:
//
//	chainId:address:tokenId,rarityScore,rarityRank,imageUrl,numTokens
//
// Missing values are written as empty fields.
func WriteCSV(w io.Writer, chainID, address string, tokens []models.Token) error {
	cw := csv.NewWriter(w)
	total := strconv.Itoa(len(tokens))
	for _, t := range tokens {
		var score, rank, image string
		if t.RarityScore != nil {
			score = strconv.FormatFloat(*t.RarityScore, 'f', -1, 64)
		}
		if t.RarityRank != nil {
			rank = strconv.Itoa(*t.RarityRank)
		}
		if t.Image != nil {
			image = t.Image.URL
		}
		id := chainID + ":" + address + ":" + t.TokenID
		if err := cw.Write([]string{id, score, rank, image, total}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Exporter writes CSV files for collections that have not been exported.
type Exporter struct {
	collections *store.Collections
	tokens      *store.Tokens
	dir         string
}

func NewExporter(st store.Store, dir string) *Exporter {
	return &Exporter{collections: store.NewCollections(st), tokens: store.NewTokens(st), dir: dir}
}

// Collection writes <dir>/<address>.csv and returns its path.
func (e *Exporter) Collection(ctx context.Context, chainID, address string) (string, error) {
	address = models.NormalizeAddress(address)
	tokens, err := e.tokens.All(ctx, chainID, address)
	if err != nil {
		return "", fmt.Errorf("read tokens: %w", err)
	}

	path := filepath.Join(e.dir, address+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := WriteCSV(f, chainID, address, tokens); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, f.Close()
}

// Pending exports every complete collection whose export flag is unset
// and sets the flag. It returns the number of files written.
func (e *Exporter) Pending(ctx context.Context) (int, error) {
	var pending []models.Collection
	err := e.collections.Stream(ctx, func(c *models.Collection) bool {
		return c.State.Create.Step == models.StepComplete && !c.State.Export.Done
	}, func(c *models.Collection) error {
		pending = append(pending, *c)
		return nil
	})
	if err != nil {
		return 0, err
	}

	var n int
	for _, c := range pending {
		log.Printf("[export] exporting %s:%s", c.ChainID, c.Address)
		if _, err := e.Collection(ctx, c.ChainID, c.Address); err != nil {
			return n, fmt.Errorf("export %s:%s: %w", c.ChainID, c.Address, err)
		}
		done := map[string]interface{}{"state": map[string]interface{}{"export": map[string]interface{}{"done": true}}}
		if err := e.collections.Update(ctx, c.ChainID, c.Address, done); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
