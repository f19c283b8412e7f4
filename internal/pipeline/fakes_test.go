package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/johnkcr/collection-service/internal/chain"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/providers"
	"github.com/johnkcr/collection-service/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	testChain   = "1"
	testAddress = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"
	testOwner   = "0x00000000000000000000000000000000000000aa"
	testMinter  = "0x00000000000000000000000000000000000000bb"
)

var testNow = time.UnixMilli(1_700_000_000_000)

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

type fakeContract struct {
	mu sync.Mutex

	creation    chain.CreationInfo
	creationErr error
	creationN   int
	owner       string
	ownerErr    error

	logs      []types.Log
	maxBlock  uint64
	failAbove uint64 // pages reaching past this block fail when > 0
	mintsFrom []uint64

	uris       map[string]string
	uriErr     error
	noTimeFor  map[uint64]bool
	timeCalls  map[uint64]int
	priceCalls map[common.Hash]int
}

func newFakeContract(logs ...types.Log) *fakeContract {
	return &fakeContract{
		creation:   chain.CreationInfo{Deployer: "0x00000000000000000000000000000000000000DD", Block: 3, TimestampMs: 1000},
		owner:      testOwner,
		logs:       logs,
		maxBlock:   30,
		uris:       map[string]string{},
		noTimeFor:  map[uint64]bool{},
		timeCalls:  map[uint64]int{},
		priceCalls: map[common.Hash]int{},
	}
}

func (f *fakeContract) ChainID() string  { return testChain }
func (f *fakeContract) Address() string  { return testAddress }
func (f *fakeContract) Standard() string { return models.TokenStandardERC721 }

func (f *fakeContract) CreationInfo(ctx context.Context) (chain.CreationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creationN++
	return f.creation, f.creationErr
}

func (f *fakeContract) Owner(ctx context.Context) (string, error) { return f.owner, f.ownerErr }

func (f *fakeContract) Mints(ctx context.Context, fromBlock uint64) (*chain.Paginator, error) {
	f.mu.Lock()
	f.mintsFrom = append(f.mintsFrom, fromBlock)
	f.mu.Unlock()
	fetch := func(ctx context.Context, from, to uint64) ([]types.Log, error) {
		if f.failAbove > 0 && to > f.failAbove {
			return nil, errors.New("invalid params")
		}
		var out []types.Log
		for _, l := range f.logs {
			if l.BlockNumber >= from && l.BlockNumber <= to {
				out = append(out, l)
			}
		}
		return out, nil
	}
	return chain.NewPaginator(fetch, fromBlock, f.maxBlock, chain.PaginatorConfig{
		PageSize: 9,
		Retry:    chain.RetryPolicy{MaxAttempts: 1},
	}), nil
}

func (f *fakeContract) BlockTimestamp(ctx context.Context, block uint64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeCalls[block]++
	if f.noTimeFor[block] {
		return 0, errors.New("header not found")
	}
	return int64(block) * 12_000, nil
}

func (f *fakeContract) MintPrice(ctx context.Context, tx common.Hash) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls[tx]++
	return 0.08, nil
}

func (f *fakeContract) TokenURI(ctx context.Context, tokenID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uriErr != nil {
		return "", f.uriErr
	}
	if uri, ok := f.uris[tokenID]; ok {
		return uri, nil
	}
	return "ipfs://QmBase/" + tokenID, nil
}

// fakeProviders serves every provider interface from in-memory data.
type fakeProviders struct {
	mu sync.Mutex

	slug        string
	metadataErr error

	bulk    map[string]json.RawMessage // decimal token id -> metadata doc
	bulkErr error

	uriDocs  map[string]*models.TokenMetadata
	moralis  map[string]*models.TokenMetadata
	assets   map[string]providers.Asset
	nftImage map[string]string

	byIDCalls  [][]string
	scanCalls  int
	nftCalls   []string
	imagesErr  error
	bulkCalls  int
	uriCalls   int
	moralisErr error
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{
		slug:     "Bored-Ape_Yacht Club",
		bulk:     map[string]json.RawMessage{},
		uriDocs:  map[string]*models.TokenMetadata{},
		moralis:  map[string]*models.TokenMetadata{},
		assets:   map[string]providers.Asset{},
		nftImage: map[string]string{},
	}
}

func (p *fakeProviders) CollectionMetadata(ctx context.Context, address string) (*models.CollectionMetadata, error) {
	if p.metadataErr != nil {
		return nil, p.metadataErr
	}
	return &models.CollectionMetadata{Name: "Bored Ape Yacht Club", Links: models.Links{Slug: p.slug}}, nil
}

func (p *fakeProviders) NFTsForCollection(ctx context.Context, address, startToken string) (*providers.CollectionNFTs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bulkCalls++
	if p.bulkErr != nil {
		return nil, p.bulkErr
	}
	ids := make([]string, 0, len(p.bulk))
	for id := range p.bulk {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	page := &providers.CollectionNFTs{}
	for _, id := range ids {
		var nft providers.AlchemyNFT
		n, _ := new(big.Int).SetString(id, 10)
		nft.ID.TokenID = fmt.Sprintf("0x%064x", n)
		nft.TokenURI.Raw = "ipfs://QmBase/" + id
		nft.TokenURI.Gateway = "https://ipfs.io/ipfs/QmBase/" + id
		nft.Metadata = p.bulk[id]
		page.NFTs = append(page.NFTs, nft)
	}
	return page, nil
}

func (p *fakeProviders) AssetsByTokenIDs(ctx context.Context, address string, ids []string) (*providers.AssetsPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byIDCalls = append(p.byIDCalls, append([]string(nil), ids...))
	if p.imagesErr != nil {
		return nil, p.imagesErr
	}
	page := &providers.AssetsPage{}
	for _, id := range ids {
		if a, ok := p.assets[id]; ok {
			page.Assets = append(page.Assets, a)
		}
	}
	return page, nil
}

func (p *fakeProviders) Assets(ctx context.Context, address string, limit int, cursor string) (*providers.AssetsPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanCalls++
	if p.imagesErr != nil {
		return nil, p.imagesErr
	}
	page := &providers.AssetsPage{}
	for _, a := range p.assets {
		page.Assets = append(page.Assets, a)
	}
	return page, nil
}

func (p *fakeProviders) NFTMetadata(ctx context.Context, address, tokenID string) (*providers.NFTMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nftCalls = append(p.nftCalls, tokenID)
	if p.imagesErr != nil {
		return nil, p.imagesErr
	}
	return &providers.NFTMetadata{Image: p.nftImage[tokenID]}, nil
}

// uriSource and idSource split the two TokenMetadata signatures.
type uriSource struct{ p *fakeProviders }

func (s uriSource) TokenMetadata(ctx context.Context, uri string) (*models.TokenMetadata, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.uriCalls++
	if md, ok := s.p.uriDocs[uri]; ok {
		return md, nil
	}
	return nil, providers.ErrNotFound
}

type idSource struct{ p *fakeProviders }

func (s idSource) TokenMetadata(ctx context.Context, chainID, address, tokenID string) (*models.TokenMetadata, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.moralisErr != nil {
		return nil, s.p.moralisErr
	}
	if md, ok := s.p.moralis[tokenID]; ok {
		return md, nil
	}
	return nil, errors.New("moralis doesn't have metadata")
}

// world applies events to a memory store the way the runner does.
type world struct {
	t      *testing.T
	mem    *store.Memory
	tokens *store.Tokens

	mu     sync.Mutex
	events []Event
}

func newWorld(t *testing.T) *world {
	mem := store.NewMemory()
	return &world{t: t, mem: mem, tokens: store.NewTokens(mem)}
}

func (w *world) Emit(e Event) {
	w.mu.Lock()
	w.events = append(w.events, e)
	w.mu.Unlock()

	var doc interface{} = e.Token
	switch e.Kind {
	case EventProgress:
		return
	case EventTokenError:
		doc = e.FailurePatch()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		w.t.Errorf("encode event: %v", err)
		return
	}
	if err := w.mem.Set(context.Background(), store.TokenKey(testChain, testAddress, e.Token.TokenID), raw, true); err != nil {
		w.t.Errorf("apply event: %v", err)
	}
}

func (w *world) all() []models.Token {
	toks, err := w.tokens.All(context.Background(), testChain, testAddress)
	if err != nil {
		w.t.Fatalf("read tokens: %v", err)
	}
	if toks == nil {
		toks = []models.Token{}
	}
	return toks
}

func (w *world) count(kind EventKind) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int
	for _, e := range w.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (w *world) progress(step models.CreationFlow) []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []float64
	for _, e := range w.events {
		if e.Kind == EventProgress && e.Step == step {
			out = append(out, e.Progress)
		}
	}
	return out
}

func validToken(id string) models.Token {
	return models.Token{
		ChainID:       testChain,
		TokenID:       id,
		MintedAt:      1000,
		Minter:        testMinter,
		MintTxHash:    "0xabc" + id,
		MintPrice:     models.Float64(0.1),
		TokenURI:      "ipfs://QmBase/" + id,
		Metadata:      &models.TokenMetadata{Name: "#" + id, Image: "ipfs://img/" + id},
		NumTraitTypes: models.Int(0),
		UpdatedAt:     1000,
		Image:         &models.TokenImage{URL: "https://cdn/" + id, OriginalURL: "ipfs://img/" + id, UpdatedAt: 1000},
	}
}

func newTestPipeline(c *fakeContract, p *fakeProviders, w *world) *Pipeline {
	return New(Deps{
		Contract: c,
		Metadata: p,
		Bulk:     p,
		Images:   p,
		URI:      uriSource{p},
		ID:       idSource{p},
		Emitter:  w,
		Now:      func() time.Time { return testNow },
	}, Options{IndexInitiator: "0xinitiator"})
}

// drive resumes col until it is done or fails, feeding tokens from the
// world at every suspension. It returns the visited steps.
func drive(ctx context.Context, p *Pipeline, w *world, col models.Collection) (models.Collection, []models.CreationFlow, error) {
	var steps []models.CreationFlow
	var tokens []models.Token
	for i := 0; i < 50; i++ {
		res, err := p.Resume(ctx, col, tokens)
		tokens = nil
		if err != nil {
			ApplyFailure(&col, err, testNow)
			return col, steps, err
		}
		if res.AwaitTokens {
			tokens = w.all()
			continue
		}
		step := col.State.Create.Step
		if step == "" {
			step = models.StepCollectionCreator
		}
		steps = append(steps, step)
		col = res.Collection
		if res.Done {
			return col, steps, nil
		}
	}
	return col, steps, errors.New("pipeline did not finish")
}
