package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("document not found")

// Key addresses a collection document (TokenID empty) or a token document.
type Key struct {
	ChainID string
	Address string
	TokenID string
}

func CollectionKey(chainID, address string) Key {
	return Key{ChainID: chainID, Address: strings.ToLower(address)}
}

func TokenKey(chainID, address, tokenID string) Key {
	return Key{ChainID: chainID, Address: strings.ToLower(address), TokenID: tokenID}
}

func (k Key) IsToken() bool { return k.TokenID != "" }

// Collection returns the key of the collection that owns k.
func (k Key) Collection() Key { return Key{ChainID: k.ChainID, Address: k.Address} }

func (k Key) String() string {
	if k.IsToken() {
		return k.ChainID + ":" + k.Address + ":" + k.TokenID
	}
	return k.ChainID + ":" + k.Address
}

// Write is one pending document write. Merge writes deep-merge Doc into
// the stored document; non-merge writes replace it.
type Write struct {
	Key   Key
	Doc   []byte
	Merge bool
}

// Store is the checkpoint/record store used by the runner and DAOs.
// Documents are JSON objects.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, doc []byte, merge bool) error
	// Commit applies all writes atomically where the backend allows it.
	Commit(ctx context.Context, writes []Write) error
	ScanCollections(ctx context.Context, fn func(Key, []byte) error) error
	ScanTokens(ctx context.Context, collection Key, fn func(Key, []byte) error) error
	Close() error
}

// TokenDeleter is implemented by stores that can drop a collection's
// tokens in one call.
type TokenDeleter interface {
	DeleteTokens(ctx context.Context, collection Key) (int64, error)
}

// MergeJSON deep-merges the object src into the object dst. Nested objects
// merge recursively; every other value in src replaces the one in dst.
func MergeJSON(dst, src []byte) ([]byte, error) {
	if len(bytes.TrimSpace(dst)) == 0 {
		return src, nil
	}
	var a, b map[string]interface{}
	if err := json.Unmarshal(dst, &a); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	if err := json.Unmarshal(src, &b); err != nil {
		return nil, fmt.Errorf("decode merge document: %w", err)
	}
	return json.Marshal(mergeMaps(a, b))
}

func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, sv := range src {
		sm, srcIsMap := sv.(map[string]interface{})
		dm, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = mergeMaps(dm, sm)
			continue
		}
		dst[k] = sv
	}
	return dst
}

// apply returns the document stored after w is written over current.
func apply(current []byte, w Write) ([]byte, error) {
	if !w.Merge || current == nil {
		return w.Doc, nil
	}
	return MergeJSON(current, w.Doc)
}
