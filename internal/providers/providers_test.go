package providers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baycAddress = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"

func TestFormatName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"BoredApeYachtClub": "Bored Ape Yacht Club",
		"Bored Ape":         "Bored Ape",
		"cryptopunks":       "cryptopunks",
		"":                  "",
		"MAYC":              "M A Y C",
		"Azuki Elementals":  "Azuki Elementals",
		"the MutantApeClub": "the Mutant Ape Club",
	}
	for in, want := range cases {
		if got := FormatName(in); got != want {
			t.Fatalf("FormatName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestOpenSea_CollectionMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/asset_contract/"+baycAddress, r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{
			"name": "BoredApeYachtClub",
			"description": "apes",
			"symbol": "BAYC",
			"collection": {
				"slug": "boredapeyachtclub",
				"image_url": "https://img/profile.png",
				"banner_image_url": "https://img/banner.png",
				"discord_url": "https://discord.gg/bayc",
				"twitter_username": "BoredApeYC",
				"medium_username": null,
				"display_data": {"card_display_style": "contain"}
			}
		}`))
	}))
	defer srv.Close()

	client := NewOpenSea(srv.URL, "key", nil)
	client.now = func() time.Time { return time.UnixMilli(1000) }
	md, err := client.CollectionMetadata(context.Background(), baycAddress)
	require.NoError(t, err)
	assert.Equal(t, "Bored Ape Yacht Club", md.Name)
	assert.Equal(t, "BAYC", md.Symbol)
	assert.Equal(t, "contain", md.DisplayType)
	assert.Equal(t, "boredapeyachtclub", md.Links.Slug)
	assert.Equal(t, "https://twitter.com/BoredApeYC", md.Links.Twitter)
	assert.Empty(t, md.Links.Medium)
	assert.Equal(t, int64(1000), md.Links.Timestamp)

	_, err = client.CollectionMetadata(context.Background(), "nope")
	require.Error(t, err)
}

func TestOpenSea_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"next":"abc","assets":[{"token_id":"1","image_url":"https://img/1.png","image_original_url":"ipfs://x/1.png"}]}`))
	}))
	defer srv.Close()

	client := NewOpenSea(srv.URL, "", nil)
	client.r.policy.rateLimitDelay = time.Millisecond
	page, err := client.Assets(context.Background(), baycAddress, 50, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "abc", page.Next)
	require.Len(t, page.Assets, 1)
	assert.Equal(t, "ipfs://x/1.png", page.Assets[0].ImageOriginalURL)
}

func TestOpenSea_NotFoundIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOpenSea(srv.URL, "", nil).NFTMetadata(context.Background(), baycAddress, "1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenSea_AssetsByTokenIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"1", "2", "3"}, r.URL.Query()["token_ids"])
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		assert.Equal(t, "false", r.URL.Query().Get("include_orders"))
		w.Write([]byte(`{"assets":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenSea(srv.URL, "", nil).AssetsByTokenIDs(context.Background(), baycAddress, []string{"1", "2", "3"})
	require.NoError(t, err)
}

func TestAlchemy_NFTsForCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getNFTsForCollection", r.URL.Path)
		assert.Equal(t, baycAddress, r.URL.Query().Get("contractAddress"))
		assert.Equal(t, "true", r.URL.Query().Get("withMetadata"))
		w.Write([]byte(`{
			"nextToken": "0x64",
			"nfts": [
				{"id": {"tokenId": "0x00000000000000000000000000000000000000000000000000000000000000ff"},
				 "tokenUri": {"raw": "ipfs://Qm/255", "gateway": "https://ipfs.io/ipfs/Qm/255"},
				 "metadata": {"name": "Ape #255", "image": "ipfs://img/255", "attributes": [{"trait_type": "Fur", "value": "Gold"}, "junk"]}},
				{"id": {"tokenId": "0x0100"}, "tokenUri": {"raw": ""}, "metadata": null}
			]
		}`))
	}))
	defer srv.Close()

	page, err := NewAlchemy(srv.URL, nil).NFTsForCollection(context.Background(), baycAddress, "")
	require.NoError(t, err)
	assert.Equal(t, "0x64", page.NextToken)
	require.Len(t, page.NFTs, 2)

	id, err := page.NFTs[0].DecimalTokenID()
	require.NoError(t, err)
	assert.Equal(t, "255", id)
	md, err := page.NFTs[0].TokenMetadata()
	require.NoError(t, err)
	assert.Equal(t, "Ape #255", md.Name)
	require.Len(t, md.Attributes, 1)
	assert.Equal(t, "Gold", md.Attributes[0].Value)

	id, err = page.NFTs[1].DecimalTokenID()
	require.NoError(t, err)
	assert.Equal(t, "256", id)
	_, err = page.NFTs[1].TokenMetadata()
	require.Error(t, err)
}

func TestMoralis_TokenMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0x89", r.URL.Query().Get("chain"))
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		switch r.URL.Path {
		case "/nft/" + baycAddress + "/1":
			w.Write([]byte(`{"token_id":"1","metadata":"{\"name\":\"One\",\"attributes\":[{\"trait_type\":\"Eyes\",\"value\":\"Bored\"}]}"}`))
		default:
			w.Write([]byte(`{"token_id":"2","metadata":null}`))
		}
	}))
	defer srv.Close()

	m := NewMoralis(srv.URL, "secret", nil)
	md, err := m.TokenMetadata(context.Background(), "137", baycAddress, "1")
	require.NoError(t, err)
	assert.Equal(t, "One", md.Name)
	require.Len(t, md.Attributes, 1)

	_, err = m.TokenMetadata(context.Background(), "137", baycAddress, "2")
	require.Error(t, err)

	_, err = m.TokenMetadata(context.Background(), "polygon", baycAddress, "1")
	require.Error(t, err)
}

func TestMetadataClient_Resolve(t *testing.T) {
	t.Parallel()

	c := NewMetadataClient("https://gateway.example/", nil)
	cases := []struct {
		in, want string
	}{
		{"ipfs://QmHash/1.json", "https://gateway.example/ipfs/QmHash/1.json"},
		{"ipfs://ipfs/QmHash/1", "https://gateway.example/ipfs/QmHash/1"},
		{"https://cloudflare-ipfs.com/ipfs/QmHash/2", "https://gateway.example/ipfs/QmHash/2"},
		{"https://api.example.com/token/3", "https://api.example.com/token/3"},
	}
	for _, tc := range cases {
		got, err := c.resolve(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := c.resolve("ar://tx")
	require.Error(t, err)
}

func TestMetadataClient_DataURIs(t *testing.T) {
	t.Parallel()

	c := NewMetadataClient("", nil)
	doc := `{"name":"On Chain #1","image":"data:image/svg+xml;base64,AAA","attributes":[{"trait_type":"Level","value":5,"display_type":"number"}]}`

	md, err := c.TokenMetadata(context.Background(), "data:application/json;base64,"+base64.StdEncoding.EncodeToString([]byte(doc)))
	require.NoError(t, err)
	assert.Equal(t, "On Chain #1", md.Name)
	require.Len(t, md.Attributes, 1)
	assert.Equal(t, float64(5), md.Attributes[0].Value)
	assert.Equal(t, "number", md.Attributes[0].DisplayType)

	md, err = c.TokenMetadata(context.Background(), "data:application/json;utf8,"+`{"name":"Plain%20One"}`)
	require.NoError(t, err)
	assert.Equal(t, "Plain One", md.Name)

	_, err = c.Get(context.Background(), "data:application/json;base64,")
	require.Error(t, err)
}

func TestMetadataClient_RetriesThenNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"name":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewMetadataClient("", nil)
	c.r.policy.serverErrorDelay = time.Millisecond
	md, err := c.TokenMetadata(context.Background(), srv.URL+"/flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", md.Name)

	_, err = c.TokenMetadata(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
