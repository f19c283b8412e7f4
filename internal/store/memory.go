package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. It backs the one-shot CLI and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[Key][]byte
	tokens      map[Key]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[Key][]byte),
		tokens:      make(map[Key]map[string][]byte),
	}
}

func (m *Memory) Get(ctx context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := m.lookup(key)
	if doc == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (m *Memory) Set(ctx context.Context, key Key, doc []byte, merge bool) error {
	return m.Commit(ctx, []Write{{Key: key, Doc: doc, Merge: merge}})
}

func (m *Memory) Commit(ctx context.Context, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[Key][]byte, len(writes))
	for _, w := range writes {
		current, ok := staged[w.Key]
		if !ok {
			current = m.lookup(w.Key)
		}
		next, err := apply(current, w)
		if err != nil {
			return err
		}
		staged[w.Key] = next
	}
	for k, doc := range staged {
		m.put(k, doc)
	}
	return nil
}

func (m *Memory) ScanCollections(ctx context.Context, fn func(Key, []byte) error) error {
	m.mu.RLock()
	keys := make([]Key, 0, len(m.collections))
	for k := range m.collections {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		doc, err := m.Get(ctx, k)
		if err != nil {
			continue
		}
		if err := fn(k, doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ScanTokens(ctx context.Context, collection Key, fn func(Key, []byte) error) error {
	m.mu.RLock()
	docs := m.tokens[collection.Collection()]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		k := TokenKey(collection.ChainID, collection.Address, id)
		doc, err := m.Get(ctx, k)
		if err != nil {
			continue
		}
		if err := fn(k, doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) DeleteTokens(ctx context.Context, collection Key) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ck := collection.Collection()
	n := int64(len(m.tokens[ck]))
	delete(m.tokens, ck)
	return n, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) lookup(k Key) []byte {
	if !k.IsToken() {
		return m.collections[k]
	}
	return m.tokens[k.Collection()][k.TokenID]
}

func (m *Memory) put(k Key, doc []byte) {
	if !k.IsToken() {
		m.collections[k] = doc
		return
	}
	ck := k.Collection()
	if m.tokens[ck] == nil {
		m.tokens[ck] = make(map[string][]byte)
	}
	m.tokens[ck][k.TokenID] = doc
}
