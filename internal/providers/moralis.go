package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/queue"
)

const DefaultMoralisURL = "https://deep-index.moralis.io/api/v2"

// Moralis is the id-keyed token metadata fallback.
type Moralis struct {
	r       *requester
	baseURL string
	apiKey  string
}

// NewMoralis expects q to carry the provider's limits (10 concurrent,
// 17 requests per 3 seconds).
func NewMoralis(baseURL, apiKey string, q *queue.BoundedQueue) *Moralis {
	if baseURL == "" {
		baseURL = DefaultMoralisURL
	}
	return &Moralis{
		r: newRequester("moralis", 10*time.Second, q, retryPolicy{
			maxAttempts:      3,
			rateLimitDelay:   time.Second,
			serverErrorDelay: time.Second,
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// TokenMetadata returns the metadata Moralis has indexed for the token.
func (m *Moralis) TokenMetadata(ctx context.Context, chainID, address, tokenID string) (*models.TokenMetadata, error) {
	chain, err := moralisChain(chainID)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/nft/%s/%s?%s", m.baseURL, address, url.PathEscape(tokenID), url.Values{"chain": {chain}}.Encode())

	var token struct {
		TokenID  string  `json:"token_id"`
		TokenURI string  `json:"token_uri"`
		Metadata *string `json:"metadata"`
	}
	if err := m.r.getJSON(ctx, u, http.Header{"X-API-KEY": {m.apiKey}}, &token); err != nil {
		return nil, err
	}
	if token.Metadata == nil || *token.Metadata == "" {
		return nil, errors.New("moralis doesn't have metadata")
	}
	md, err := ParseTokenMetadata([]byte(*token.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata from moralis: %w", err)
	}
	return md, nil
}

// moralisChain converts a decimal chain id to Moralis' 0x-hex form.
func moralisChain(chainID string) (string, error) {
	n, err := strconv.ParseInt(chainID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chainId: %s", chainID)
	}
	return "0x" + strconv.FormatInt(n, 16), nil
}
