package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/queue"
)

// Alchemy is the bulk per-collection token metadata provider. baseURL is
// the NFT API endpoint including the API key.
type Alchemy struct {
	r       *requester
	baseURL string
}

func NewAlchemy(baseURL string, q *queue.BoundedQueue) *Alchemy {
	return &Alchemy{
		r: newRequester("alchemy", 30*time.Second, q, retryPolicy{
			maxAttempts:      3,
			rateLimitDelay:   time.Second,
			serverErrorDelay: time.Second,
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type AlchemyNFT struct {
	ID struct {
		TokenID       string `json:"tokenId"`
		TokenMetadata struct {
			TokenType string `json:"tokenType"`
		} `json:"tokenMetadata"`
	} `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TokenURI    struct {
		Raw     string `json:"raw"`
		Gateway string `json:"gateway"`
	} `json:"tokenUri"`
	Metadata json.RawMessage `json:"metadata"`
}

type CollectionNFTs struct {
	NextToken string       `json:"nextToken"`
	NFTs      []AlchemyNFT `json:"nfts"`
}

// NFTsForCollection returns one page (up to 100 tokens) starting at
// startToken.
func (a *Alchemy) NFTsForCollection(ctx context.Context, address, startToken string) (*CollectionNFTs, error) {
	q := url.Values{}
	q.Set("contractAddress", address)
	q.Set("startToken", startToken)
	q.Set("withMetadata", "true")
	var page CollectionNFTs
	if err := a.r.getJSON(ctx, a.baseURL+"/getNFTsForCollection?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DecimalTokenID converts the hex token id Alchemy reports.
func (n AlchemyNFT) DecimalTokenID() (string, error) {
	return HexToDecimal(n.ID.TokenID)
}

// TokenMetadata parses the embedded metadata document, if any.
func (n AlchemyNFT) TokenMetadata() (*models.TokenMetadata, error) {
	raw := strings.TrimSpace(string(n.Metadata))
	if raw == "" || raw == "null" {
		return nil, fmt.Errorf("no metadata for token %s", n.ID.TokenID)
	}
	return ParseTokenMetadata(n.Metadata)
}

func HexToDecimal(hex string) (string, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(hex, "0x"), "0X")
	if s == "" {
		return "", fmt.Errorf("invalid token id %q", hex)
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return "", fmt.Errorf("invalid token id %q", hex)
	}
	return v.String(), nil
}
