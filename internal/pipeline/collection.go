package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnkcr/collection-service/internal/chain"
	"github.com/johnkcr/collection-service/internal/metrics"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/providers"
	"github.com/johnkcr/collection-service/internal/rarity"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	alchemyPageSize      = 100
	openSeaPageSize      = 50
	openSeaTokenIDsLimit = 20
	imagelessThreshold   = 40
	creatorAttempts      = 3
	mintLookupAttempts   = 3

	defaultTokenConcurrency = 10
	defaultMintConcurrency  = 50
)

// Contract is the chain data the collection pipeline reads.
type Contract interface {
	TokenURIReader
	ChainID() string
	Address() string
	Standard() string
	CreationInfo(ctx context.Context) (chain.CreationInfo, error)
	Owner(ctx context.Context) (string, error)
	Mints(ctx context.Context, fromBlock uint64) (*chain.Paginator, error)
	BlockTimestamp(ctx context.Context, block uint64) (int64, error)
	MintPrice(ctx context.Context, txHash common.Hash) (float64, error)
}

type CollectionMetadataProvider interface {
	CollectionMetadata(ctx context.Context, address string) (*models.CollectionMetadata, error)
}

type BulkMetadataProvider interface {
	NFTsForCollection(ctx context.Context, address, startToken string) (*providers.CollectionNFTs, error)
}

type ImageProvider interface {
	AssetsByTokenIDs(ctx context.Context, address string, tokenIDs []string) (*providers.AssetsPage, error)
	Assets(ctx context.Context, address string, limit int, cursor string) (*providers.AssetsPage, error)
	NFTMetadata(ctx context.Context, address, tokenID string) (*providers.NFTMetadata, error)
}

// Deps wires a Pipeline to its collaborators.
type Deps struct {
	Contract Contract
	Metadata CollectionMetadataProvider
	Bulk     BulkMetadataProvider
	Images   ImageProvider
	URI      URIMetadataSource
	ID       IDMetadataSource
	Emitter  Emitter

	// TokenConcurrency bounds token refreshes in TokenMetadataUri.
	TokenConcurrency int
	// MintConcurrency bounds mint conversions in flight.
	MintConcurrency int
	Now             func() time.Time
}

type Options struct {
	IndexInitiator string
	HasBlueCheck   bool
}

// StepResult is the outcome of one Resume call. AwaitTokens means the
// step needs the collection's tokens; call Resume again with them.
type StepResult struct {
	Collection  models.Collection
	AwaitTokens bool
	Done        bool
}

// Pipeline runs the collection creation flow one step at a time.
type Pipeline struct {
	deps Deps
	opts Options

	sf         singleflight.Group
	mu         sync.Mutex
	timestamps map[uint64]int64
	prices     map[common.Hash]float64
}

func New(deps Deps, opts Options) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TokenConcurrency <= 0 {
		deps.TokenConcurrency = defaultTokenConcurrency
	}
	if deps.MintConcurrency <= 0 {
		deps.MintConcurrency = defaultMintConcurrency
	}
	if deps.Emitter == nil {
		deps.Emitter = EmitterFunc(func(Event) {})
	}
	return &Pipeline{
		deps:       deps,
		opts:       opts,
		timestamps: make(map[uint64]int64),
		prices:     make(map[common.Hash]float64),
	}
}

// needsTokens reports whether step reads the materialized token set.
func needsTokens(step models.CreationFlow) bool {
	switch step {
	case models.StepTokenMetadata, models.StepTokenMetadataUri, models.StepAggregateMetadata,
		models.StepCacheImage, models.StepValidateImage, models.StepComplete:
		return true
	}
	return false
}

// Resume performs the collection's current step. Steps that read tokens
// return AwaitTokens when tokens is nil. A failed step returns a
// *FlowError naming the step to resume from; the collection is returned
// unchanged.
func (p *Pipeline) Resume(ctx context.Context, col models.Collection, tokens []models.Token) (StepResult, error) {
	step := col.State.Create.Step
	if step == "" {
		step = models.StepCollectionCreator
		col.State.Create.Step = step
	}
	if step.Terminal() && step != models.StepComplete {
		return StepResult{Collection: col, Done: true}, nil
	}
	if needsTokens(step) && tokens == nil {
		return StepResult{Collection: col, AwaitTokens: true}, nil
	}

	start := time.Now()
	next, err := p.run(ctx, step, col, tokens)
	metrics.PipelineStepLatency.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineSteps.WithLabelValues(string(step), "failed").Inc()
		log.Printf("[pipeline] %s:%s step=%s failed: %v", col.ChainID, col.Address, step, err)
		return StepResult{Collection: col}, err
	}
	metrics.PipelineSteps.WithLabelValues(string(step), "ok").Inc()
	p.progress(step, 100)

	if step == models.StepComplete {
		return StepResult{Collection: next, Done: true}, nil
	}
	return StepResult{Collection: next}, nil
}

func (p *Pipeline) run(ctx context.Context, step models.CreationFlow, col models.Collection, tokens []models.Token) (models.Collection, error) {
	switch step {
	case models.StepCollectionCreator:
		return p.creator(ctx, col)
	case models.StepCollectionMetadata:
		return p.metadata(ctx, col)
	case models.StepCollectionMints:
		return p.mints(ctx, col)
	case models.StepTokenMetadata:
		return p.tokenMetadata(ctx, col, tokens)
	case models.StepTokenMetadataUri:
		return p.tokenMetadataURI(ctx, col, tokens)
	case models.StepAggregateMetadata:
		return p.aggregate(col, tokens)
	case models.StepCacheImage:
		return p.cacheImage(ctx, col, tokens)
	case models.StepValidateImage:
		return p.validateImage(ctx, col, tokens)
	case models.StepComplete:
		return col, p.complete(tokens)
	default:
		return col, SetupError(fmt.Errorf("invalid step %q", step))
	}
}

// advance moves col to the step after current, clearing any error.
func (p *Pipeline) advance(col models.Collection, current models.CreationFlow) models.Collection {
	col.State.Create = models.CreateState{
		Step:      current.Next(),
		UpdatedAt: p.deps.Now().UnixMilli(),
	}
	return col
}

func (p *Pipeline) progress(step models.CreationFlow, pct float64) {
	p.deps.Emitter.Emit(Event{Kind: EventProgress, Step: step, Progress: pct})
}

// percent is done/total as a percentage floored to two decimals.
func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Floor(float64(done)/float64(total)*100*100) / 100
}

// creator resets the collection to its provenance. Only the export flag
// survives.
func (p *Pipeline) creator(ctx context.Context, col models.Collection) (models.Collection, error) {
	c := p.deps.Contract
	var (
		info chain.CreationInfo
		err  error
	)
	for attempt := 1; attempt <= creatorAttempts; attempt++ {
		if info, err = c.CreationInfo(ctx); err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return col, CreatorError(err)
	}
	deployer := models.NormalizeAddress(info.Deployer)

	owner, err := c.Owner(ctx)
	if err != nil || owner == "" {
		owner = deployer
	}

	initiator := p.opts.IndexInitiator
	if initiator == "" {
		initiator = col.IndexInitiator
	}
	next := models.Collection{
		ChainID:         c.ChainID(),
		Address:         models.NormalizeAddress(c.Address()),
		TokenStandard:   c.Standard(),
		HasBlueCheck:    p.opts.HasBlueCheck,
		IndexInitiator:  initiator,
		Deployer:        deployer,
		DeployedAt:      info.TimestampMs,
		DeployedAtBlock: info.Block,
		Owner:           models.NormalizeAddress(owner),
		State: models.CollectionState{
			Version: models.SchemaVersion,
			Export:  models.ExportState{Done: col.State.Export.Done},
		},
	}
	return p.advance(next, models.StepCollectionCreator), nil
}

func (p *Pipeline) metadata(ctx context.Context, col models.Collection) (models.Collection, error) {
	md, err := p.deps.Metadata.CollectionMetadata(ctx, p.deps.Contract.Address())
	if err != nil {
		return col, MetadataError(err)
	}
	slug := models.SearchFriendly(md.Links.Slug)
	if slug == "" {
		return col, MetadataError(errors.New("failed to find collection slug"))
	}
	col.Metadata = md
	col.Slug = slug
	col.State.Export.Done = false
	return p.advance(col, models.StepCollectionMetadata), nil
}

// mints scans mint Transfer events and emits a mint token per event.
// Events are converted concurrently while later pages are fetched.
func (p *Pipeline) mints(ctx context.Context, col models.Collection) (models.Collection, error) {
	from := col.DeployedAtBlock
	if e := col.State.Create.Error; e != nil && e.Discriminator == string(models.StepCollectionMints) && e.LastSuccessfulBlock != nil {
		from = *e.LastSuccessfulBlock + 1
		log.Printf("[pipeline] %s:%s resuming mints from block %d", col.ChainID, col.Address, from)
	}

	pages, err := p.deps.Contract.Mints(ctx, from)
	if err != nil {
		return col, MintsError("failed to get mints", nil, err)
	}

	var (
		failed   atomic.Int64
		lastDone *uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.deps.MintConcurrency)
	scanErr := pages.Stream(ctx, func(chunk chain.Chunk) error {
		to := chunk.ToBlock
		lastDone = &to
		p.progress(models.StepCollectionMints, chunk.Progress)
		for _, l := range chunk.Logs {
			l := l
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						failed.Add(1)
						log.Printf("[pipeline] %s:%s panic converting mint tx=%s: %v", col.ChainID, col.Address, l.TxHash.Hex(), r)
					}
				}()
				tok, err := p.mintToken(gctx, l)
				if err != nil {
					failed.Add(1)
					log.Printf("[pipeline] %s:%s failed to convert mint tx=%s: %v", col.ChainID, col.Address, l.TxHash.Hex(), err)
					return nil
				}
				p.deps.Emitter.Emit(Event{Kind: EventMint, Token: tok})
				return nil
			})
		}
		return nil
	})
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return col, MintsError(fmt.Sprintf("failed to get mints for %d tokens with unknown errors", n), nil, nil)
	}
	if scanErr != nil {
		log.Printf("[pipeline] %s:%s failed to get all mints: %v", col.ChainID, col.Address, scanErr)
		return col, MintsError("failed to get mints for all blocks", lastDone, scanErr)
	}
	return p.advance(col, models.StepCollectionMints), nil
}

// mintToken converts a mint Transfer log. A missing block timestamp
// leaves the token mint-invalid; a missing price is recorded as 0.
func (p *Pipeline) mintToken(ctx context.Context, l types.Log) (models.Token, error) {
	tr, err := chain.DecodeTransfer(l)
	if err != nil {
		return models.Token{}, err
	}

	var mintedAt int64
	var price float64
	if tr.From == models.NullAddress {
		if ts, err := p.blockTimestamp(ctx, l.BlockNumber); err == nil {
			mintedAt = ts
		}
		if v, err := p.mintPrice(ctx, l.TxHash); err == nil {
			price = v
		}
	}

	tok := models.Token{
		ChainID:    p.deps.Contract.ChainID(),
		TokenID:    tr.TokenID,
		MintedAt:   mintedAt,
		Minter:     models.NormalizeAddress(tr.To),
		MintTxHash: l.TxHash.Hex(),
		MintPrice:  models.Float64(price),
	}
	if err := ValidateToken(&tok, models.TokenStepMint); err != nil {
		return models.Token{}, err
	}
	return tok, nil
}

// blockTimestamp and mintPrice cache per block / per tx and coalesce
// concurrent lookups.
func (p *Pipeline) blockTimestamp(ctx context.Context, block uint64) (int64, error) {
	v, err, _ := p.sf.Do("block:"+strconv.FormatUint(block, 10), func() (interface{}, error) {
		p.mu.Lock()
		ts, ok := p.timestamps[block]
		p.mu.Unlock()
		if ok {
			return ts, nil
		}
		var err error
		for attempt := 1; attempt <= mintLookupAttempts; attempt++ {
			if ts, err = p.deps.Contract.BlockTimestamp(ctx, block); err == nil || ctx.Err() != nil {
				break
			}
		}
		if err != nil {
			return int64(0), err
		}
		p.mu.Lock()
		p.timestamps[block] = ts
		p.mu.Unlock()
		return ts, nil
	})
	return v.(int64), err
}

func (p *Pipeline) mintPrice(ctx context.Context, tx common.Hash) (float64, error) {
	v, err, _ := p.sf.Do("tx:"+tx.Hex(), func() (interface{}, error) {
		p.mu.Lock()
		price, ok := p.prices[tx]
		p.mu.Unlock()
		if ok {
			return price, nil
		}
		var err error
		for attempt := 1; attempt <= mintLookupAttempts; attempt++ {
			if price, err = p.deps.Contract.MintPrice(ctx, tx); err == nil || ctx.Err() != nil {
				break
			}
		}
		if err != nil {
			return float64(0), err
		}
		p.mu.Lock()
		p.prices[tx] = price
		p.mu.Unlock()
		return price, nil
	})
	return v.(float64), err
}

// tokenMetadata pulls metadata for the whole collection from the bulk
// provider, one page per 100 tokens.
func (p *Pipeline) tokenMetadata(ctx context.Context, col models.Collection, tokens []models.Token) (models.Collection, error) {
	for i := range tokens {
		if !validAt(&tokens[i], models.TokenStepMint) {
			return col, MintsError("token metadata received invalid mint tokens", nil, nil)
		}
	}

	n := len(tokens)
	if p.deps.Bulk == nil {
		// Without a bulk provider every token is fetched in TokenMetadataUri.
		col.NumNfts = n
		return p.advance(col, models.StepTokenMetadata), nil
	}
	pages := (n + alchemyPageSize - 1) / alchemyPageSize
	cursor := ""
	for i := 0; i < pages; i++ {
		page, err := p.deps.Bulk.NFTsForCollection(ctx, p.deps.Contract.Address(), cursor)
		if err != nil {
			return col, TokenMetadataError("failed to get token metadata", err)
		}
		cursor = page.NextToken
		for _, nft := range page.NFTs {
			if tok, ok := p.bulkToken(nft); ok {
				p.deps.Emitter.Emit(Event{Kind: EventMetadata, Token: tok})
			}
		}
		p.progress(models.StepTokenMetadata, percent(i*alchemyPageSize, n))
	}

	col.NumNfts = n
	return p.advance(col, models.StepTokenMetadata), nil
}

// bulkToken converts a bulk provider entry. Entries without metadata get
// an empty document and no trait count so the token stays
// metadata-invalid.
func (p *Pipeline) bulkToken(nft providers.AlchemyNFT) (models.Token, bool) {
	id, err := nft.DecimalTokenID()
	if err != nil {
		return models.Token{}, false
	}
	md, err := nft.TokenMetadata()
	var traits *int
	if err != nil {
		md = &models.TokenMetadata{}
	} else {
		traits = models.Int(len(md.Attributes))
	}
	md.Description = nft.Description
	if md.Image == "" {
		md.Image = nft.TokenURI.Gateway
	}

	name := nft.Title
	if name == "" {
		name = md.Name
	}
	if name == "" {
		name = md.Title
	}
	return models.Token{
		TokenID:       id,
		Slug:          models.SearchFriendly(name),
		TokenURI:      nft.TokenURI.Raw,
		NumTraitTypes: traits,
		Metadata:      md,
		UpdatedAt:     p.deps.Now().UnixMilli(),
	}, true
}

// tokenMetadataURI refreshes every metadata-invalid token from its token
// URI.
func (p *Pipeline) tokenMetadataURI(ctx context.Context, col models.Collection, tokens []models.Token) (models.Collection, error) {
	var pending []models.Token
	for i := range tokens {
		if !validAt(&tokens[i], models.TokenStepMetadata) {
			pending = append(pending, tokens[i])
		}
	}

	deps := TokenDeps{
		ChainID:  p.deps.Contract.ChainID(),
		Address:  p.deps.Contract.Address(),
		Contract: p.deps.Contract,
		URI:      p.deps.URI,
		ID:       p.deps.ID,
		Now:      p.deps.Now,
	}

	var (
		mu           sync.Mutex
		total        float64
		mintFailures int
		failures     int
		firstReason  string
	)
	report := func(delta float64) {
		mu.Lock()
		total += delta
		pct := math.Floor(total/float64(len(pending))*100*100) / 100
		mu.Unlock()
		p.progress(models.StepTokenMetadataUri, pct)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.deps.TokenConcurrency)
	for _, tok := range pending {
		tok := tok
		g.Go(func() (err error) {
			var (
				prev  float64
				final models.Token
			)
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[pipeline] %s:%s panic refreshing token %s: %v", col.ChainID, col.Address, tok.TokenID, r)
					err = tokenError(models.TokenStepUri, "failed to refresh metadata", fmt.Errorf("panic: %v", r))
					restart := models.Token{State: &models.TokenState{Metadata: models.TokenMetadataState{Step: models.TokenStepUri}}}
					p.deps.Emitter.Emit(tokenFailure(tok.TokenID, restart, err))
					mu.Lock()
					failures++
					if firstReason == "" {
						firstReason = err.Error()
					}
					mu.Unlock()
					err = nil
				}
			}()
			final, err = NewTokenPipeline(tok, deps, false).Run(gctx, func(u Update) {
				if u.Failed {
					return
				}
				// Each step is persisted so a later failure resumes after it.
				p.deps.Emitter.Emit(Event{Kind: EventToken, Token: u.Token})
				report(u.Progress - prev)
				prev = u.Progress
			})
			if err != nil {
				p.deps.Emitter.Emit(tokenFailure(tok.TokenID, final, err))

				mu.Lock()
				if IsMintError(err) {
					mintFailures++
				} else {
					failures++
					if firstReason == "" {
						firstReason = err.Error()
					}
				}
				mu.Unlock()
				return nil
			}
			report(1 - prev)
			p.deps.Emitter.Emit(Event{Kind: EventToken, Token: final})
			return nil
		})
	}
	_ = g.Wait()

	if mintFailures > 0 {
		return col, MintsError("tokens contained invalid mint data", nil, nil)
	}
	if failures > 0 {
		return col, TokenMetadataError(fmt.Sprintf("failed to refresh %d tokens: %s", failures, firstReason), nil)
	}
	if err := ctx.Err(); err != nil {
		return col, TokenMetadataError("token refresh interrupted", err)
	}

	col.NumNfts = len(tokens)
	return p.advance(col, models.StepTokenMetadataUri), nil
}

// tokenFailure is the event recording a failed token refresh. Unless the
// failure is a mint failure it carries the step the token resumes at.
func tokenFailure(tokenID string, failed models.Token, err error) Event {
	rec := &models.ErrorRecord{Discriminator: string(models.TokenStepUri), Message: err.Error()}
	var te *TokenError
	if errors.As(err, &te) {
		rec = te.Record()
	}
	tok := models.Token{TokenID: tokenID}
	if !IsMintError(err) && failed.State != nil {
		state := *failed.State
		tok.State = &state
		if state.Metadata.Error != nil {
			rec = state.Metadata.Error
		}
	}
	return Event{Kind: EventTokenError, Token: tok, Error: rec}
}

// aggregate builds the trait histogram and ranks every token.
func (p *Pipeline) aggregate(col models.Collection, tokens []models.Token) (models.Collection, error) {
	if col.NumNfts != len(tokens) {
		return col, TokenMetadataError(fmt.Sprintf("expected %d tokens, received %d", col.NumNfts, len(tokens)), nil)
	}
	for i := range tokens {
		if err := ValidateToken(&tokens[i], models.TokenStepMetadata); err != nil {
			return col, TokenMetadataError("received invalid metadata tokens", err)
		}
	}

	attrs := rarity.Aggregate(tokens)
	for _, r := range rarity.Rank(tokens, attrs) {
		p.deps.Emitter.Emit(Event{Kind: EventToken, Token: models.Token{
			TokenID:     r.TokenID,
			RarityScore: models.Float64(r.Score),
			RarityRank:  models.Int(r.Rank),
		}})
	}

	col.Attributes = attrs
	col.NumTraitTypes = len(attrs)
	return p.advance(col, models.StepAggregateMetadata), nil
}

// cacheImage fills in cached image urls. When fewer than 40% of tokens
// lack an image only those are looked up; otherwise every asset of the
// contract is scanned.
func (p *Pipeline) cacheImage(ctx context.Context, col models.Collection, tokens []models.Token) (models.Collection, error) {
	byID := make(map[string]*models.Token, len(tokens))
	var missing []string
	for i := range tokens {
		byID[tokens[i].TokenID] = &tokens[i]
		if imageless(&tokens[i]) {
			missing = append(missing, tokens[i].TokenID)
		}
	}

	address := p.deps.Contract.Address()
	n := len(tokens)
	switch {
	case len(missing) == 0:
	case len(missing)*100/n < imagelessThreshold:
		for i := 0; i < len(missing); i += openSeaTokenIDsLimit {
			end := i + openSeaTokenIDsLimit
			if end > len(missing) {
				end = len(missing)
			}
			page, err := p.deps.Images.AssetsByTokenIDs(ctx, address, missing[i:end])
			if err != nil {
				return col, CacheImageError(err)
			}
			p.emitImages(page.Assets, byID)
			p.progress(models.StepCacheImage, percent(i, len(missing)))
		}
	default:
		pages := (n + openSeaPageSize - 1) / openSeaPageSize
		cursor := ""
		for i := 0; i < pages; i++ {
			page, err := p.deps.Images.Assets(ctx, address, openSeaPageSize, cursor)
			if err != nil {
				return col, CacheImageError(err)
			}
			cursor = page.Next
			p.emitImages(page.Assets, byID)
			p.progress(models.StepCacheImage, percent(i*openSeaPageSize, n))
		}
	}

	col.NumNfts = n
	return p.advance(col, models.StepCacheImage), nil
}

func (p *Pipeline) emitImages(assets []providers.Asset, byID map[string]*models.Token) {
	now := p.deps.Now().UnixMilli()
	for _, a := range assets {
		tok, ok := byID[a.TokenID]
		if !ok {
			continue
		}
		original := a.ImageOriginalURL
		if original == "" && tok.Metadata != nil {
			original = tok.Metadata.Image
		}
		p.deps.Emitter.Emit(Event{Kind: EventImage, Token: models.Token{
			TokenID: a.TokenID,
			Image:   &models.TokenImage{URL: a.ImageURL, OriginalURL: original, UpdatedAt: now},
		}})
	}
}

// validateImage looks up every token still missing a cached image one at
// a time.
func (p *Pipeline) validateImage(ctx context.Context, col models.Collection, tokens []models.Token) (models.Collection, error) {
	var invalid []*models.Token
	for i := range tokens {
		if !validAt(&tokens[i], models.TokenStepCacheImage) {
			invalid = append(invalid, &tokens[i])
		}
	}

	address := p.deps.Contract.Address()
	for i, tok := range invalid {
		md, err := p.deps.Images.NFTMetadata(ctx, address, tok.TokenID)
		if err != nil {
			return col, ImageValidationError("failed to validate image", err)
		}
		var original string
		if tok.Metadata != nil {
			original = tok.Metadata.Image
		}
		p.deps.Emitter.Emit(Event{Kind: EventImage, Token: models.Token{
			TokenID: tok.TokenID,
			Image:   &models.TokenImage{URL: md.Image, OriginalURL: original, UpdatedAt: p.deps.Now().UnixMilli()},
		}})
		p.progress(models.StepValidateImage, percent(i+1, len(invalid)))
	}

	col.NumNfts = len(tokens)
	return p.advance(col, models.StepValidateImage), nil
}

// complete checks every token is fully populated. The first invalid
// token decides which step the collection goes back to.
func (p *Pipeline) complete(tokens []models.Token) error {
	var (
		count int
		first *TokenError
	)
	for i := range tokens {
		err := ValidateToken(&tokens[i], models.TokenStepComplete)
		if err == nil {
			continue
		}
		count++
		if first == nil {
			errors.As(err, &first)
		}
	}
	if count == 0 {
		return nil
	}
	msg := fmt.Sprintf("received %d invalid tokens", count)
	if first == nil {
		return IndexingError(msg)
	}
	step := CompleteGate(first.Step)
	if step == models.StepIncomplete {
		return IndexingError(msg)
	}
	return &FlowError{Step: step, Message: msg, Err: first}
}
