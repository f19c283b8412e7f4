package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/queue"
)

const DefaultIPFSGateway = "https://ipfs.io"

// MetadataClient fetches token metadata documents from token URIs. It
// understands http(s), ipfs:// and data: URIs; any URL with an /ipfs/
// path is rewritten onto the configured gateway.
type MetadataClient struct {
	r       *requester
	gateway string
}

func NewMetadataClient(gateway string, q *queue.BoundedQueue) *MetadataClient {
	if gateway == "" {
		gateway = DefaultIPFSGateway
	}
	return &MetadataClient{
		r: newRequester("metadata", 2*time.Minute, q, retryPolicy{
			maxAttempts:      5,
			rateLimitDelay:   time.Second,
			serverErrorDelay: time.Second,
		}),
		gateway: strings.TrimRight(gateway, "/"),
	}
}

// Get returns the raw document behind uri.
func (c *MetadataClient) Get(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "data:") {
		return decodeDataURI(uri)
	}
	target, err := c.resolve(uri)
	if err != nil {
		return nil, err
	}
	body, err := c.r.get(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata from %s: %w", uri, err)
	}
	return body, nil
}

// TokenMetadata fetches and parses the metadata document behind uri.
func (c *MetadataClient) TokenMetadata(ctx context.Context, uri string) (*models.TokenMetadata, error) {
	body, err := c.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	return ParseTokenMetadata(body)
}

func (c *MetadataClient) resolve(uri string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", fmt.Errorf("invalid token uri %q: %w", uri, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ipfs":
		// ipfs://<cid>/<path> and ipfs://ipfs/<cid>/<path>
		p := strings.TrimPrefix(u.Host+u.Path, "ipfs/")
		return c.gateway + "/ipfs/" + p, nil
	case "http", "https":
		if i := strings.Index(u.Path, "/ipfs/"); i >= 0 {
			if p := u.Path[i+len("/ipfs/"):]; p != "" {
				return c.gateway + "/ipfs/" + p, nil
			}
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("invalid protocol %q in token uri", u.Scheme)
	}
}

// decodeDataURI decodes data:[<mediatype>][;base64],<data>.
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 || comma == len(uri)-1 {
		return nil, fmt.Errorf("unable to parse on chain metadata: %.64s", uri)
	}
	header, payload := uri[len("data:"):comma], uri[comma+1:]
	if strings.HasSuffix(header, ";base64") {
		out, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode base64 metadata: %w", err)
		}
		return out, nil
	}
	out, err := url.PathUnescape(payload)
	if err != nil {
		return []byte(payload), nil
	}
	return []byte(out), nil
}

// ParseTokenMetadata decodes a metadata document, tolerating attribute
// lists that are malformed or contain non-object entries.
func ParseTokenMetadata(raw []byte) (*models.TokenMetadata, error) {
	var doc struct {
		Name         interface{}     `json:"name"`
		Title        string          `json:"title"`
		Description  interface{}     `json:"description"`
		Image        string          `json:"image"`
		ImageURL     string          `json:"image_url"`
		ExternalURL  string          `json:"external_url"`
		AnimationURL string          `json:"animation_url"`
		Attributes   json.RawMessage `json:"attributes"`
		Traits       json.RawMessage `json:"traits"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid metadata document: %w", err)
	}

	md := &models.TokenMetadata{
		Name:         asString(doc.Name),
		Title:        doc.Title,
		Description:  asString(doc.Description),
		Image:        doc.Image,
		ExternalURL:  doc.ExternalURL,
		AnimationURL: doc.AnimationURL,
	}
	if md.Image == "" {
		md.Image = doc.ImageURL
	}
	attrs := doc.Attributes
	if len(attrs) == 0 {
		attrs = doc.Traits
	}
	md.Attributes = parseAttributes(attrs)
	return md, nil
}

func parseAttributes(raw json.RawMessage) []models.Attribute {
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return nil
	}
	out := make([]models.Attribute, 0, len(items))
	for _, item := range items {
		var a struct {
			TraitType   interface{} `json:"trait_type"`
			Value       interface{} `json:"value"`
			DisplayType string      `json:"display_type"`
		}
		if json.Unmarshal(item, &a) != nil || a.Value == nil {
			continue
		}
		switch a.Value.(type) {
		case string, float64, bool:
		default:
			continue
		}
		out = append(out, models.Attribute{
			TraitType:   asString(a.TraitType),
			Value:       a.Value,
			DisplayType: a.DisplayType,
		})
	}
	return out
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
