package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	collectionsBucket = []byte("collections")
	tokensBucket      = []byte("tokens")
)

// Bolt is a single-file embedded Store. Tokens live in one nested bucket
// per collection.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(collectionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Get(ctx context.Context, key Key) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := bucketFor(tx, key, false)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(docName(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Bolt) Set(ctx context.Context, key Key, doc []byte, merge bool) error {
	return s.Commit(ctx, []Write{{Key: key, Doc: doc, Merge: merge}})
}

func (s *Bolt) Commit(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, w := range writes {
			b := bucketFor(tx, w.Key, true)
			if b == nil {
				return fmt.Errorf("bolt: no bucket for %s", w.Key)
			}
			name := docName(w.Key)
			var current []byte
			if v := b.Get(name); v != nil {
				current = append([]byte(nil), v...)
			}
			next, err := apply(current, w)
			if err != nil {
				return fmt.Errorf("merge %s: %w", w.Key, err)
			}
			if err := b.Put(name, next); err != nil {
				return fmt.Errorf("put %s: %w", w.Key, err)
			}
		}
		return nil
	})
}

func (s *Bolt) ScanCollections(ctx context.Context, fn func(Key, []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(collectionsBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := parseCollectionName(string(k))
			if err != nil {
				return err
			}
			return fn(key, append([]byte(nil), v...))
		})
	})
}

func (s *Bolt) ScanTokens(ctx context.Context, collection Key, fn func(Key, []byte) error) error {
	ck := collection.Collection()
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket).Bucket([]byte(ck.String()))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(TokenKey(ck.ChainID, ck.Address, string(k)), append([]byte(nil), v...))
		})
	})
}

func (s *Bolt) DeleteTokens(ctx context.Context, collection Key) (int64, error) {
	var n int64
	name := []byte(collection.Collection().String())
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(tokensBucket)
		b := root.Bucket(name)
		if b == nil {
			return nil
		}
		n = int64(b.Stats().KeyN)
		return root.DeleteBucket(name)
	})
	return n, err
}

func (s *Bolt) Close() error { return s.db.Close() }

func bucketFor(tx *bolt.Tx, key Key, create bool) *bolt.Bucket {
	if !key.IsToken() {
		return tx.Bucket(collectionsBucket)
	}
	root := tx.Bucket(tokensBucket)
	name := []byte(key.Collection().String())
	if !create {
		return root.Bucket(name)
	}
	b, err := root.CreateBucketIfNotExists(name)
	if err != nil {
		return nil
	}
	return b
}

func docName(key Key) []byte {
	if key.IsToken() {
		return []byte(key.TokenID)
	}
	return []byte(key.String())
}

func parseCollectionName(name string) (Key, error) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return CollectionKey(name[:i], name[i+1:]), nil
		}
	}
	return Key{}, fmt.Errorf("malformed collection key %q", name)
}
