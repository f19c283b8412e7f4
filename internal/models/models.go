package models

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is stamped on every collection record written by the creator step.
const SchemaVersion = 1

const NullAddress = "0x0000000000000000000000000000000000000000"

const TokenStandardERC721 = "ERC721"

// Collection is the per-collection document. Fields below the provenance
// block are only meaningful once the step that writes them has completed:
// metadata/slug after CollectionMetadata, numNfts after TokenMetadata,
// attributes after AggregateMetadata.
type Collection struct {
	ChainID        string `json:"chainId"`
	Address        string `json:"address"`
	TokenStandard  string `json:"tokenStandard,omitempty"`
	HasBlueCheck   bool   `json:"hasBlueCheck"`
	IndexInitiator string `json:"indexInitiator,omitempty"`

	// Provenance
	Deployer        string `json:"deployer,omitempty"`
	DeployedAt      int64  `json:"deployedAt,omitempty"` // unix ms
	DeployedAtBlock uint64 `json:"deployedAtBlock,omitempty"`
	Owner           string `json:"owner,omitempty"`

	Metadata *CollectionMetadata `json:"metadata,omitempty"`
	Slug     string              `json:"slug,omitempty"`

	NumNfts       int        `json:"numNfts,omitempty"`
	NumTraitTypes int        `json:"numTraitTypes,omitempty"`
	Attributes    Attributes `json:"attributes,omitempty"`

	State CollectionState `json:"state"`
}

type CollectionMetadata struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Symbol       string `json:"symbol"`
	ProfileImage string `json:"profileImage"`
	BannerImage  string `json:"bannerImage"`
	DisplayType  string `json:"displayType,omitempty"`
	Links        Links  `json:"links"`
}

type Links struct {
	Timestamp int64  `json:"timestamp"`
	Slug      string `json:"slug"`
	Discord   string `json:"discord,omitempty"`
	External  string `json:"external,omitempty"`
	Medium    string `json:"medium,omitempty"`
	Telegram  string `json:"telegram,omitempty"`
	Twitter   string `json:"twitter,omitempty"`
	Instagram string `json:"instagram,omitempty"`
	Wiki      string `json:"wiki,omitempty"`
}

type CollectionState struct {
	Version int         `json:"version"`
	Create  CreateState `json:"create"`
	Export  ExportState `json:"export"`
}

// CreateState is the checkpoint of the creation flow.
type CreateState struct {
	Step      CreationFlow `json:"step"`
	Progress  float64      `json:"progress"`
	UpdatedAt int64        `json:"updatedAt"`
	Error     *ErrorRecord `json:"error,omitempty"`
}

type ExportState struct {
	Done bool `json:"done"`
}

// ErrorRecord is the durable form of a pipeline failure.
type ErrorRecord struct {
	Discriminator       string  `json:"discriminator"`
	Message             string  `json:"message"`
	LastSuccessfulBlock *uint64 `json:"lastSuccessfulBlock,omitempty"`
}

// Token is the per-token document. Pointer fields distinguish "not yet
// populated" from a legitimate zero so merge writes never clobber data.
type Token struct {
	ChainID string `json:"chainId,omitempty"`
	TokenID string `json:"tokenId"`

	// Mint
	MintedAt   int64    `json:"mintedAt,omitempty"` // unix ms
	Minter     string   `json:"minter,omitempty"`
	MintTxHash string   `json:"mintTxHash,omitempty"`
	MintPrice  *float64 `json:"mintPrice,omitempty"`

	// Uri + metadata
	TokenURI      string         `json:"tokenUri,omitempty"`
	Slug          string         `json:"slug,omitempty"`
	Metadata      *TokenMetadata `json:"metadata,omitempty"`
	NumTraitTypes *int           `json:"numTraitTypes,omitempty"`
	UpdatedAt     int64          `json:"updatedAt,omitempty"`

	Image *TokenImage `json:"image,omitempty"`

	RarityScore *float64 `json:"rarityScore,omitempty"`
	RarityRank  *int     `json:"rarityRank,omitempty"`

	State *TokenState `json:"state,omitempty"`
}

type TokenMetadata struct {
	Name         string      `json:"name,omitempty"`
	Title        string      `json:"title,omitempty"`
	Description  string      `json:"description,omitempty"`
	Image        string      `json:"image,omitempty"`
	ExternalURL  string      `json:"external_url,omitempty"`
	AnimationURL string      `json:"animation_url,omitempty"`
	Attributes   []Attribute `json:"attributes,omitempty"`
}

// Attribute is one metadata trait. Value is a string or a JSON number.
type Attribute struct {
	TraitType   string      `json:"trait_type,omitempty"`
	Value       interface{} `json:"value"`
	DisplayType string      `json:"display_type,omitempty"`
}

// ValueKey is the histogram key for the attribute value.
func (a Attribute) ValueKey() string {
	switch v := a.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// TypeKey is the trait type, falling back to the value for untyped traits.
func (a Attribute) TypeKey() string {
	if a.TraitType != "" {
		return a.TraitType
	}
	return a.ValueKey()
}

type TokenImage struct {
	URL         string `json:"url,omitempty"`
	OriginalURL string `json:"originalUrl,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

type TokenState struct {
	Metadata TokenMetadataState `json:"metadata"`
}

type TokenMetadataState struct {
	Step  RefreshTokenFlow `json:"step,omitempty"`
	Error *ErrorRecord     `json:"error,omitempty"`
}

// Attributes is the collection trait histogram keyed by trait type.
type Attributes map[string]*TraitType

type TraitType struct {
	DisplayType string                 `json:"displayType,omitempty"`
	Count       int                    `json:"count"`
	Percent     float64                `json:"percent"`
	Values      map[string]*TraitValue `json:"values"`
}

type TraitValue struct {
	Count       int     `json:"count"`
	Percent     float64 `json:"percent"`
	RarityScore float64 `json:"rarityScore"`
}

// NormalizeAddress lower-cases and trims a hex address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SearchFriendly strips whitespace, dashes and underscores and lower-cases.
func SearchFriendly(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func Float64(v float64) *float64 { return &v }

func Int(v int) *int { return &v }
