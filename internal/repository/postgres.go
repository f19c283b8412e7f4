package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/johnkcr/collection-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Repository is the PostgreSQL record store. Collections and tokens are
// JSONB documents keyed like store.Key.
type Repository struct {
	db *pgxpool.Pool
}

var (
	_ store.Store        = (*Repository)(nil)
	_ store.TokenDeleter = (*Repository)(nil)
)

func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

func (r *Repository) Get(ctx context.Context, key store.Key) ([]byte, error) {
	doc, err := getDoc(ctx, r.db, key, false)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

func (r *Repository) Set(ctx context.Context, key store.Key, doc []byte, merge bool) error {
	return r.Commit(ctx, []store.Write{{Key: key, Doc: doc, Merge: merge}})
}

// Commit applies writes in one transaction. Merge targets are locked and
// merged in order, then every resulting document is upserted in a single
// batch.
func (r *Repository) Commit(ctx context.Context, writes []store.Write) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	staged := make(map[store.Key][]byte, len(writes))
	order := make([]store.Key, 0, len(writes))
	for _, w := range writes {
		current, seen := staged[w.Key]
		if !seen {
			order = append(order, w.Key)
			if w.Merge {
				if current, err = getDoc(ctx, tx, w.Key, true); err != nil {
					return err
				}
			}
		}
		next, err := applyWrite(current, w)
		if err != nil {
			return fmt.Errorf("merge %s: %w", w.Key, err)
		}
		staged[w.Key] = next
	}

	batch := &pgx.Batch{}
	for _, k := range order {
		doc, err := jsonbDoc(staged[k])
		if err != nil {
			return fmt.Errorf("document %s: %w", k, err)
		}
		if k.IsToken() {
			batch.Queue(`
				INSERT INTO tokens (chain_id, address, token_id, doc, updated_at)
				VALUES ($1, $2, $3::numeric, $4, NOW())
				ON CONFLICT (chain_id, address, token_id) DO UPDATE SET
					doc = EXCLUDED.doc,
					updated_at = NOW()`,
				k.ChainID, k.Address, k.TokenID, doc)
			continue
		}
		batch.Queue(`
			INSERT INTO collections (chain_id, address, doc, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (chain_id, address) DO UPDATE SET
				doc = EXCLUDED.doc,
				updated_at = NOW()`,
			k.ChainID, k.Address, doc)
	}

	br := tx.SendBatch(ctx, batch)
	for _, k := range order {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to upsert %s: %w", k, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) ScanCollections(ctx context.Context, fn func(store.Key, []byte) error) error {
	rows, err := r.db.Query(ctx, `SELECT chain_id, address, doc FROM collections ORDER BY chain_id, address`)
	if err != nil {
		return fmt.Errorf("scan collections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k   store.Key
			doc []byte
		)
		if err := rows.Scan(&k.ChainID, &k.Address, &doc); err != nil {
			return err
		}
		if err := fn(k, doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *Repository) ScanTokens(ctx context.Context, collection store.Key, fn func(store.Key, []byte) error) error {
	rows, err := r.db.Query(ctx, `
		SELECT token_id::text, doc FROM tokens
		WHERE chain_id = $1 AND address = $2
		ORDER BY token_id`,
		collection.ChainID, collection.Address)
	if err != nil {
		return fmt.Errorf("scan tokens of %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return err
		}
		if err := fn(store.TokenKey(collection.ChainID, collection.Address, id), doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteTokens removes every token document of a collection.
func (r *Repository) DeleteTokens(ctx context.Context, collection store.Key) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM tokens WHERE chain_id = $1 AND address = $2`, collection.ChainID, collection.Address)
	if err != nil {
		return 0, fmt.Errorf("delete tokens of %s: %w", collection, err)
	}
	return tag.RowsAffected(), nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// getDoc returns nil without error when the document does not exist.
func getDoc(ctx context.Context, q querier, key store.Key, lock bool) ([]byte, error) {
	var (
		sql  string
		args []any
	)
	if key.IsToken() {
		sql = `SELECT doc FROM tokens WHERE chain_id = $1 AND address = $2 AND token_id = $3::numeric`
		args = []any{key.ChainID, key.Address, key.TokenID}
	} else {
		sql = `SELECT doc FROM collections WHERE chain_id = $1 AND address = $2`
		args = []any{key.ChainID, key.Address}
	}
	if lock {
		sql += ` FOR UPDATE`
	}

	var doc []byte
	err := q.QueryRow(ctx, sql, args...).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

func applyWrite(current []byte, w store.Write) ([]byte, error) {
	if !w.Merge || current == nil {
		return w.Doc, nil
	}
	return store.MergeJSON(current, w.Doc)
}
