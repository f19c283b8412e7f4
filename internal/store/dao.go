package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/johnkcr/collection-service/internal/models"
)

// Collections is the typed view over collection documents.
type Collections struct {
	s Store
}

func NewCollections(s Store) *Collections {
	return &Collections{s: s}
}

// Get returns ErrNotFound when the collection has never been written.
func (c *Collections) Get(ctx context.Context, chainID, address string) (*models.Collection, error) {
	doc, err := c.s.Get(ctx, CollectionKey(chainID, address))
	if err != nil {
		return nil, err
	}
	var col models.Collection
	if err := json.Unmarshal(doc, &col); err != nil {
		return nil, fmt.Errorf("decode collection %s:%s: %w", chainID, address, err)
	}
	return &col, nil
}

func (c *Collections) Set(ctx context.Context, col *models.Collection, merge bool) error {
	doc, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}
	return c.s.Set(ctx, CollectionKey(col.ChainID, col.Address), doc, merge)
}

// Update merges an arbitrary partial document into the collection.
func (c *Collections) Update(ctx context.Context, chainID, address string, partial interface{}) error {
	doc, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("encode collection update: %w", err)
	}
	return c.s.Set(ctx, CollectionKey(chainID, address), doc, true)
}

// Stream calls fn for every collection accepted by filter (nil accepts all).
func (c *Collections) Stream(ctx context.Context, filter func(*models.Collection) bool, fn func(*models.Collection) error) error {
	return c.s.ScanCollections(ctx, func(k Key, doc []byte) error {
		var col models.Collection
		if err := json.Unmarshal(doc, &col); err != nil {
			return fmt.Errorf("decode collection %s: %w", k, err)
		}
		if filter != nil && !filter(&col) {
			return nil
		}
		return fn(&col)
	})
}

type Summary struct {
	Total      int                         `json:"total"`
	ByStep     map[models.CreationFlow]int `json:"by_step"`
	Exported   int                         `json:"exported"`
	WithErrors int                         `json:"with_errors"`
}

func (c *Collections) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{ByStep: make(map[models.CreationFlow]int)}
	err := c.Stream(ctx, nil, func(col *models.Collection) error {
		sum.Total++
		step := col.State.Create.Step
		if step == "" {
			step = models.StepCollectionCreator
		}
		sum.ByStep[step]++
		if col.State.Export.Done {
			sum.Exported++
		}
		if col.State.Create.Error != nil {
			sum.WithErrors++
		}
		return nil
	})
	return sum, err
}

// Reset clears the creation checkpoint so the next run starts at the
// creator step. Descriptive fields are kept until the creator rewrites
// them.
func (c *Collections) Reset(ctx context.Context, chainID, address string, now time.Time) error {
	return c.Update(ctx, chainID, address, map[string]interface{}{
		"state": map[string]interface{}{
			"create": map[string]interface{}{
				"step":      models.StepCollectionCreator,
				"progress":  0,
				"updatedAt": now.UnixMilli(),
				"error":     nil,
			},
			"export": map[string]interface{}{"done": false},
		},
	})
}

// RecentlyUpdated reports whether the collection's checkpoint was written
// within window of now.
func RecentlyUpdated(col *models.Collection, now time.Time, window time.Duration) bool {
	if col == nil || col.State.Create.UpdatedAt == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(col.State.Create.UpdatedAt)) < window
}

// Tokens is the typed view over token documents.
type Tokens struct {
	s Store
}

func NewTokens(s Store) *Tokens {
	return &Tokens{s: s}
}

// All returns every token of the collection ordered by numeric token id.
func (t *Tokens) All(ctx context.Context, chainID, address string) ([]models.Token, error) {
	var tokens []models.Token
	err := t.s.ScanTokens(ctx, CollectionKey(chainID, address), func(k Key, doc []byte) error {
		var tok models.Token
		if err := json.Unmarshal(doc, &tok); err != nil {
			return fmt.Errorf("decode token %s: %w", k, err)
		}
		if tok.TokenID == "" {
			tok.TokenID = k.TokenID
		}
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tokens, func(i, j int) bool {
		return lessTokenID(tokens[i].TokenID, tokens[j].TokenID)
	})
	return tokens, nil
}

func (t *Tokens) Get(ctx context.Context, chainID, address, tokenID string) (*models.Token, error) {
	doc, err := t.s.Get(ctx, TokenKey(chainID, address, tokenID))
	if err != nil {
		return nil, err
	}
	var tok models.Token
	if err := json.Unmarshal(doc, &tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", tokenID, err)
	}
	return &tok, nil
}

// lessTokenID orders decimal token ids numerically without parsing them
// into a bounded integer type.
func lessTokenID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
