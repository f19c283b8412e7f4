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

	"github.com/ethereum/go-ethereum/common"
)

const DefaultOpenSeaURL = "https://api.opensea.io/api/v1"

// OpenSea is the collection metadata and image provider.
type OpenSea struct {
	r       *requester
	baseURL string
	apiKey  string
	now     func() time.Time
}

func NewOpenSea(baseURL, apiKey string, q *queue.BoundedQueue) *OpenSea {
	if baseURL == "" {
		baseURL = DefaultOpenSeaURL
	}
	return &OpenSea{
		r: newRequester("opensea", 20*time.Second, q, retryPolicy{
			maxAttempts:      3,
			rateLimitDelay:   2 * time.Second,
			serverErrorDelay: 0,
			gatewayDelay:     5 * time.Second,
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		now:     time.Now,
	}
}

type openSeaContract struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Symbol      string `json:"symbol"`
	Collection  struct {
		Slug              string  `json:"slug"`
		ImageURL          string  `json:"image_url"`
		BannerImageURL    string  `json:"banner_image_url"`
		DiscordURL        string  `json:"discord_url"`
		ExternalURL       string  `json:"external_url"`
		MediumUsername    *string `json:"medium_username"`
		TelegramURL       string  `json:"telegram_url"`
		TwitterUsername   *string `json:"twitter_username"`
		InstagramUsername *string `json:"instagram_username"`
		WikiURL           string  `json:"wiki_url"`
		DisplayData       *struct {
			CardDisplayStyle string `json:"card_display_style"`
		} `json:"display_data"`
	} `json:"collection"`
}

// CollectionMetadata returns name, description, images and links for the
// contract.
func (o *OpenSea) CollectionMetadata(ctx context.Context, address string) (*models.CollectionMetadata, error) {
	if !common.IsHexAddress(address) {
		return nil, errors.New("invalid address")
	}
	var data openSeaContract
	if err := o.r.getJSON(ctx, o.baseURL+"/asset_contract/"+address, o.authHeader(), &data); err != nil {
		return nil, err
	}
	c := data.Collection

	md := &models.CollectionMetadata{
		Name:         FormatName(data.Name),
		Description:  data.Description,
		Symbol:       data.Symbol,
		ProfileImage: c.ImageURL,
		BannerImage:  c.BannerImageURL,
		Links: models.Links{
			Timestamp: o.now().UnixMilli(),
			Slug:      c.Slug,
			Discord:   c.DiscordURL,
			External:  c.ExternalURL,
			Medium:    prefixed("https://medium.com/", c.MediumUsername),
			Telegram:  c.TelegramURL,
			Twitter:   prefixed("https://twitter.com/", c.TwitterUsername),
			Instagram: prefixed("https://instagram.com/", c.InstagramUsername),
			Wiki:      c.WikiURL,
		},
	}
	if c.DisplayData != nil {
		md.DisplayType = c.DisplayData.CardDisplayStyle
	}
	return md, nil
}

type Asset struct {
	TokenID          string `json:"token_id"`
	Name             string `json:"name"`
	ImageURL         string `json:"image_url"`
	ImageOriginalURL string `json:"image_original_url"`
	TokenMetadata    string `json:"token_metadata"`
}

type AssetsPage struct {
	Next   string  `json:"next"`
	Assets []Asset `json:"assets"`
}

// Assets returns one page of the contract's assets.
func (o *OpenSea) Assets(ctx context.Context, address string, limit int, cursor string) (*AssetsPage, error) {
	q := url.Values{}
	q.Set("asset_contract_address", address)
	q.Set("include_orders", "false")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("cursor", cursor)
	var page AssetsPage
	if err := o.r.getJSON(ctx, o.baseURL+"/assets?"+q.Encode(), o.authHeader(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AssetsByTokenIDs looks up specific tokens of the contract.
func (o *OpenSea) AssetsByTokenIDs(ctx context.Context, address string, tokenIDs []string) (*AssetsPage, error) {
	q := url.Values{}
	q.Set("asset_contract_address", address)
	q.Set("include_orders", "false")
	q.Set("limit", strconv.Itoa(len(tokenIDs)))
	for _, id := range tokenIDs {
		q.Add("token_ids", id)
	}
	var page AssetsPage
	if err := o.r.getJSON(ctx, o.baseURL+"/assets?"+q.Encode(), o.authHeader(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type NFTMetadata struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ExternalLink string `json:"external_link"`
	Image        string `json:"image"`
	AnimationURL string `json:"animation_url"`
}

// NFTMetadata is the single-token lookup. It does not need an API key.
func (o *OpenSea) NFTMetadata(ctx context.Context, address, tokenID string) (*NFTMetadata, error) {
	var md NFTMetadata
	u := fmt.Sprintf("%s/metadata/%s/%s", o.baseURL, address, url.PathEscape(tokenID))
	if err := o.r.getJSON(ctx, u, nil, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

func (o *OpenSea) authHeader() http.Header {
	if o.apiKey == "" {
		return nil
	}
	return http.Header{"X-Api-Key": []string{o.apiKey}}
}

// FormatName inserts a space before every capital letter that is neither
// the first character nor already preceded by a space:
// BoredApeYachtClub => Bored Ape Yacht Club.
func FormatName(name string) string {
	var b strings.Builder
	prev := rune(-1)
	for _, r := range name {
		if r >= 'A' && r <= 'Z' && prev != -1 && prev != ' ' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func prefixed(prefix string, v *string) string {
	if v == nil {
		return ""
	}
	return prefix + *v
}
