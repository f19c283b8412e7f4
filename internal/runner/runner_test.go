package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/johnkcr/collection-service/internal/batch"
	"github.com/johnkcr/collection-service/internal/chain"
	"github.com/johnkcr/collection-service/internal/eventbus"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/pipeline"
	"github.com/johnkcr/collection-service/internal/providers"
	"github.com/johnkcr/collection-service/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChain   = "1"
	testAddress = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"
	testMinter  = "0x00000000000000000000000000000000000000bb"
)

// fakeChain serves a two-token collection through every pipeline
// interface.
type fakeChain struct {
	mu           sync.Mutex
	metadataErrs int // CollectionMetadata fails this many times
	metadataN    int
	creatorN     int
	uriCalls     map[string]int

	// onMetadata runs when the collection metadata step starts.
	onMetadata func()
}

func (f *fakeChain) ChainID() string  { return testChain }
func (f *fakeChain) Address() string  { return testAddress }
func (f *fakeChain) Standard() string { return models.TokenStandardERC721 }

func (f *fakeChain) CreationInfo(ctx context.Context) (chain.CreationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creatorN++
	return chain.CreationInfo{Deployer: testMinter, Block: 1, TimestampMs: 1000}, nil
}

func (f *fakeChain) Owner(ctx context.Context) (string, error) { return testMinter, nil }

func (f *fakeChain) Mints(ctx context.Context, fromBlock uint64) (*chain.Paginator, error) {
	logs := []types.Log{mintLog(1, 4), mintLog(2, 8)}
	fetch := func(ctx context.Context, from, to uint64) ([]types.Log, error) {
		var out []types.Log
		for _, l := range logs {
			if l.BlockNumber >= from && l.BlockNumber <= to {
				out = append(out, l)
			}
		}
		return out, nil
	}
	return chain.NewPaginator(fetch, fromBlock, 10, chain.PaginatorConfig{PageSize: 5, Retry: chain.RetryPolicy{MaxAttempts: 1}}), nil
}

func (f *fakeChain) BlockTimestamp(ctx context.Context, block uint64) (int64, error) {
	return int64(block) * 12_000, nil
}

func (f *fakeChain) MintPrice(ctx context.Context, tx common.Hash) (float64, error) { return 0.05, nil }

func (f *fakeChain) TokenURI(ctx context.Context, tokenID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uriCalls == nil {
		f.uriCalls = make(map[string]int)
	}
	f.uriCalls[tokenID]++
	return "ipfs://QmBase/" + tokenID, nil
}

func (f *fakeChain) CollectionMetadata(ctx context.Context, address string) (*models.CollectionMetadata, error) {
	if f.onMetadata != nil {
		f.onMetadata()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataN++
	if f.metadataN <= f.metadataErrs {
		return nil, errors.New("opensea unavailable")
	}
	return &models.CollectionMetadata{Name: "Apes", Links: models.Links{Slug: "apes"}}, nil
}

func (f *fakeChain) NFTsForCollection(ctx context.Context, address, startToken string) (*providers.CollectionNFTs, error) {
	page := &providers.CollectionNFTs{}
	for id, fur := range map[int64]string{1: "Gold", 2: "Blue"} {
		var nft providers.AlchemyNFT
		nft.ID.TokenID = fmt.Sprintf("0x%064x", big.NewInt(id))
		nft.TokenURI.Raw = fmt.Sprintf("ipfs://QmBase/%d", id)
		nft.Metadata = json.RawMessage(fmt.Sprintf(`{"name":"Ape %d","image":"ipfs://img/%d","attributes":[{"trait_type":"Fur","value":%q}]}`, id, id, fur))
		page.NFTs = append(page.NFTs, nft)
	}
	return page, nil
}

func (f *fakeChain) AssetsByTokenIDs(ctx context.Context, address string, ids []string) (*providers.AssetsPage, error) {
	page := &providers.AssetsPage{}
	for _, id := range ids {
		page.Assets = append(page.Assets, providers.Asset{TokenID: id, ImageURL: "https://cdn/" + id + ".png"})
	}
	return page, nil
}

func (f *fakeChain) Assets(ctx context.Context, address string, limit int, cursor string) (*providers.AssetsPage, error) {
	return f.AssetsByTokenIDs(ctx, address, []string{"1", "2"})
}

func (f *fakeChain) NFTMetadata(ctx context.Context, address, tokenID string) (*providers.NFTMetadata, error) {
	return &providers.NFTMetadata{Image: "https://cdn/" + tokenID + ".png"}, nil
}

// uriDocs serves token URI documents by uri.
type uriDocs map[string]*models.TokenMetadata

func (d uriDocs) TokenMetadata(ctx context.Context, uri string) (*models.TokenMetadata, error) {
	if md, ok := d[uri]; ok {
		return md, nil
	}
	return nil, providers.ErrNotFound
}

// flakyStore fails the first tokenFailures commits that carry a token
// write.
type flakyStore struct {
	*store.Memory

	mu            sync.Mutex
	tokenFailures int
}

func (s *flakyStore) Commit(ctx context.Context, writes []store.Write) error {
	s.mu.Lock()
	fail := false
	for _, w := range writes {
		if w.Key.IsToken() && s.tokenFailures > 0 {
			s.tokenFailures--
			fail = true
			break
		}
	}
	s.mu.Unlock()
	if fail {
		return errors.New("deadline exceeded")
	}
	return s.Memory.Commit(ctx, writes)
}

type noMetadata struct{}

func (noMetadata) TokenMetadata(ctx context.Context, uri string) (*models.TokenMetadata, error) {
	return nil, providers.ErrNotFound
}

func mintLog(tokenID int64, block uint64) types.Log {
	return types.Log{
		Address:     common.HexToAddress(testAddress),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + tokenID)),
		Topics: []common.Hash{
			chain.TransferTopic,
			{},
			common.BytesToHash(common.HexToAddress(testMinter).Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

func newTestRunner(st store.Store, f *fakeChain, bus *eventbus.Bus) *Runner {
	factory := func(ctx context.Context, chainID, address string) (pipeline.Contract, error) {
		return f, nil
	}
	deps := pipeline.Deps{Metadata: f, Bulk: f, Images: f, URI: noMetadata{}}
	return New(st, factory, deps, bus, Config{})
}

func TestRunner_RunReachesComplete(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	bus := eventbus.New()
	finished := bus.Subscribe(1, eventbus.Filter{Types: []string{EventFinished}, Key: eventbus.Key(testChain, testAddress)})
	r := newTestRunner(st, &fakeChain{}, bus)

	col, err := r.Run(context.Background(), Request{ChainID: testChain, Address: "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D", IndexInitiator: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, models.StepComplete, col.State.Create.Step)

	stored, err := store.NewCollections(st).Get(context.Background(), testChain, testAddress)
	require.NoError(t, err)
	assert.Equal(t, models.StepComplete, stored.State.Create.Step)
	assert.Nil(t, stored.State.Create.Error)
	assert.Equal(t, 2, stored.NumNfts)
	assert.Equal(t, "0xabc", stored.IndexInitiator)
	assert.Equal(t, "apes", stored.Slug)

	tokens, err := store.NewTokens(st).All(context.Background(), testChain, testAddress)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	for _, tok := range tokens {
		require.NoError(t, pipeline.ValidateToken(&tok, models.TokenStepComplete), tok.TokenID)
		assert.Equal(t, 0.05, *tok.MintPrice)
		assert.Equal(t, float64(2), *tok.RarityScore)
	}
	assert.Equal(t, 1, *tokens[0].RarityRank)
	assert.Equal(t, 2, *tokens[1].RarityRank)

	select {
	case evt := <-finished.C:
		assert.Equal(t, models.StepComplete, evt.Data.(models.Collection).State.Create.Step)
	case <-time.After(time.Second):
		t.Fatal("no finished event")
	}
	assert.Empty(t, r.Active())
}

func TestRunner_RetriesFailedAttempts(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := &fakeChain{metadataErrs: 1}
	col, err := newTestRunner(st, f, nil).Run(context.Background(), Request{ChainID: testChain, Address: testAddress})
	require.NoError(t, err)
	assert.Equal(t, models.StepComplete, col.State.Create.Step)
	assert.Equal(t, 2, f.metadataN)
	assert.Equal(t, 1, f.creatorN, "second attempt resumes at the failed step")
}

func TestRunner_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := &fakeChain{metadataErrs: 100}
	col, err := newTestRunner(st, f, nil).Run(context.Background(), Request{ChainID: testChain, Address: testAddress})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, f.metadataN)

	stored, err := store.NewCollections(st).Get(context.Background(), testChain, testAddress)
	require.NoError(t, err)
	assert.Equal(t, models.StepCollectionMetadata, stored.State.Create.Step)
	require.NotNil(t, stored.State.Create.Error)
	assert.Equal(t, string(models.StepCollectionMetadata), stored.State.Create.Error.Discriminator)
	assert.False(t, stored.State.Export.Done)
	assert.Equal(t, col.State.Create.Step, stored.State.Create.Step)
}

func TestRunner_TerminalRecordIsSkipped(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	cols := store.NewCollections(st)
	require.NoError(t, cols.Set(context.Background(), &models.Collection{
		ChainID: testChain, Address: testAddress, IndexInitiator: "0xabc",
		State: models.CollectionState{Create: models.CreateState{Step: models.StepIncomplete}},
	}, false))

	f := &fakeChain{}
	col, err := newTestRunner(st, f, nil).Run(context.Background(), Request{ChainID: testChain, Address: testAddress})
	require.NoError(t, err)
	assert.Equal(t, models.StepIncomplete, col.State.Create.Step)
	assert.Zero(t, f.creatorN)

	// reset starts over from an empty record
	col, err = newTestRunner(st, f, nil).Run(context.Background(), Request{ChainID: testChain, Address: testAddress, Reset: true})
	require.NoError(t, err)
	assert.Equal(t, models.StepComplete, col.State.Create.Step)
	assert.Equal(t, 1, f.creatorN)
}

func TestRunner_SetupFailureRestartsAtCreator(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	factory := func(ctx context.Context, chainID, address string) (pipeline.Contract, error) {
		return nil, errors.New("unsupported token standard")
	}
	r := New(st, factory, pipeline.Deps{}, nil, Config{})
	_, err := r.Run(context.Background(), Request{ChainID: testChain, Address: testAddress})
	require.Error(t, err)

	stored, err := store.NewCollections(st).Get(context.Background(), testChain, testAddress)
	require.NoError(t, err)
	assert.Equal(t, models.StepCollectionCreator, stored.State.Create.Step)
	assert.Equal(t, string(models.StepUnknown), stored.State.Create.Error.Discriminator)
}

func TestRunner_ProgressIsThrottled(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	r := newTestRunner(st, &fakeChain{}, nil)
	now := time.UnixMilli(1_700_000_000_000)
	r.now = func() time.Time { return now }
	rs := &run{r: r, req: Request{ChainID: testChain, Address: testAddress}, name: "test"}
	cols := store.NewCollections(st)

	rs.progress(models.StepCollectionMints, 10)
	stored, err := cols.Get(context.Background(), testChain, testAddress)
	require.NoError(t, err)
	assert.Equal(t, float64(10), stored.State.Create.Progress)

	now = now.Add(5 * time.Second)
	rs.progress(models.StepCollectionMints, 20)
	stored, _ = cols.Get(context.Background(), testChain, testAddress)
	assert.Equal(t, float64(10), stored.State.Create.Progress)

	rs.progress(models.StepCollectionMints, 100)
	stored, _ = cols.Get(context.Background(), testChain, testAddress)
	assert.Equal(t, float64(100), stored.State.Create.Progress)
	assert.Equal(t, models.StepCollectionMints, stored.State.Create.Step)

	require.Len(t, r.Active(), 1)
	assert.Equal(t, float64(100), r.Active()[0].Percent)
}

func TestRunner_LostTokenWriteKeepsStep(t *testing.T) {
	t.Parallel()

	st := &flakyStore{Memory: store.NewMemory(), tokenFailures: DefaultMaxAttempts}
	f := &fakeChain{}
	factory := func(ctx context.Context, chainID, address string) (pipeline.Contract, error) { return f, nil }
	newRunner := func() *Runner {
		return New(st, factory, pipeline.Deps{Metadata: f, Bulk: f, Images: f, URI: noMetadata{}}, nil, Config{
			Batch: batch.Config{MaxItems: 1, RetryDelay: time.Millisecond},
		})
	}
	ctx := context.Background()
	cols := store.NewCollections(st)

	// The first mint batch exhausts its retries.
	_, err := newRunner().Run(ctx, Request{ChainID: testChain, Address: testAddress})
	require.Error(t, err)
	stored, err := cols.Get(ctx, testChain, testAddress)
	require.NoError(t, err)
	assert.Equal(t, models.StepCollectionMints, stored.State.Create.Step, "step must not advance past a lost write")
	require.NotNil(t, stored.State.Create.Error)
	assert.Equal(t, string(models.StepCollectionMints), stored.State.Create.Error.Discriminator)

	col, err := newRunner().Run(ctx, Request{ChainID: testChain, Address: testAddress})
	require.NoError(t, err)
	assert.Equal(t, models.StepComplete, col.State.Create.Step)
	assert.Equal(t, 2, col.NumNfts)
	tokens, err := store.NewTokens(st).All(ctx, testChain, testAddress)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestRunner_ResetKeepsExportFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	cols := store.NewCollections(st)
	require.NoError(t, cols.Set(ctx, &models.Collection{
		ChainID: testChain, Address: testAddress, IndexInitiator: "0xabc", Slug: "apes", NumNfts: 2,
		State: models.CollectionState{
			Create: models.CreateState{Step: models.StepAggregateMetadata},
			Export: models.ExportState{Done: true},
		},
	}, false))

	var afterCreator *models.Collection
	f := &fakeChain{}
	f.onMetadata = func() {
		if afterCreator == nil {
			afterCreator, _ = cols.Get(ctx, testChain, testAddress)
		}
	}
	_, err := newTestRunner(st, f, nil).Run(ctx, Request{ChainID: testChain, Address: testAddress, Reset: true})
	require.NoError(t, err)

	require.NotNil(t, afterCreator)
	assert.Equal(t, models.StepCollectionMetadata, afterCreator.State.Create.Step)
	assert.True(t, afterCreator.State.Export.Done, "reset keeps the export flag")
	assert.Empty(t, afterCreator.Slug)
	assert.Zero(t, afterCreator.NumNfts)
	assert.Empty(t, afterCreator.IndexInitiator)
}

func TestRunner_FailedTokenResumesAtFailedStep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	f := &fakeChain{}
	factory := func(ctx context.Context, chainID, address string) (pipeline.Contract, error) { return f, nil }
	docs := uriDocs{"ipfs://QmBase/1": {Name: "Ape 1", Image: "ipfs://img/1"}}
	r := New(st, factory, pipeline.Deps{Metadata: f, Images: f, URI: docs}, nil, Config{})

	col, err := r.Run(ctx, Request{ChainID: testChain, Address: testAddress})
	require.NoError(t, err)
	assert.Equal(t, models.StepTokenMetadata, col.State.Create.Step)
	require.NotNil(t, col.State.Create.Error)

	tok, err := store.NewTokens(st).Get(ctx, testChain, testAddress, "2")
	require.NoError(t, err)
	assert.Equal(t, "ipfs://QmBase/2", tok.TokenURI)
	require.NotNil(t, tok.State)
	assert.Equal(t, models.TokenStepMetadata, tok.State.Metadata.Step)
	require.NotNil(t, tok.State.Metadata.Error)
	assert.Equal(t, string(models.TokenStepMetadata), tok.State.Metadata.Error.Discriminator)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.uriCalls["2"], "later attempts resume at metadata")
	assert.Equal(t, 1, f.uriCalls["1"])
}
