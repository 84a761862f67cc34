package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over a single JSONB documents table.
// Merge writes are read-modify-write inside the owning transaction so
// nested objects union field-by-field, matching MemoryStore exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the documents table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			data       JSONB NOT NULL,
			PRIMARY KEY (collection, key)
		 )`)
	if err != nil {
		return fmt.Errorf("docstore: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, key string) (Document, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND key = $2`,
		collection, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", collection, key, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, key string, doc Document, merge bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("docstore: set %s/%s: %w", collection, key, err)
	}
	defer tx.Rollback(ctx)

	if err := applyTx(ctx, tx, op{collection: collection, key: key, doc: doc, merge: merge}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("docstore: set %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, collection, field, value string) ([]Document, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if field == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT data FROM documents WHERE collection = $1 ORDER BY key`, collection)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT data FROM documents WHERE collection = $1 AND data->>$2 = $3 ORDER BY key`,
			collection, field, value)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: query %s: %w", collection, err)
	}
	defer rows.Close()

	var result []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("docstore: query %s: %w", collection, err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("docstore: query %s: %w", collection, err)
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Batch() Batch {
	return &postgresBatch{store: s}
}

// postgresBatch buffers ops and commits them in one transaction, which
// is the store's atomic-batch primitive.
type postgresBatch struct {
	store *PostgresStore
	ops   []op
}

func (b *postgresBatch) Set(collection, key string, doc Document, merge bool) {
	b.ops = append(b.ops, op{collection: collection, key: key, doc: doc, merge: merge})
}

func (b *postgresBatch) Update(collection, key string, doc Document) {
	b.ops = append(b.ops, op{collection: collection, key: key, doc: doc, merge: true, update: true})
}

func (b *postgresBatch) Len() int { return len(b.ops) }

func (b *postgresBatch) Commit(ctx context.Context) error {
	if len(b.ops) > MaxBatchOps {
		return fmt.Errorf("%w: %d ops", ErrBatchTooLarge, len(b.ops))
	}
	if len(b.ops) == 0 {
		return nil
	}

	tx, err := b.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("docstore: batch commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, o := range b.ops {
		if err := applyTx(ctx, tx, o); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("docstore: batch commit: %w", err)
	}
	b.ops = nil
	return nil
}

// applyTx executes a single write op inside tx.
func applyTx(ctx context.Context, tx pgx.Tx, o op) error {
	doc := o.doc

	if o.merge || o.update {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT data FROM documents WHERE collection = $1 AND key = $2 FOR UPDATE`,
			o.collection, o.key).Scan(&raw)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if o.update {
				return fmt.Errorf("%w: update %s/%s", ErrNotFound, o.collection, o.key)
			}
		case err != nil:
			return fmt.Errorf("docstore: write %s/%s: %w", o.collection, o.key, err)
		default:
			var existing Document
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("docstore: write %s/%s: %w", o.collection, o.key, err)
			}
			doc = Merge(existing, o.doc)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: write %s/%s: %w", o.collection, o.key, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO documents (collection, key, data) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data`,
		o.collection, o.key, data)
	if err != nil {
		return fmt.Errorf("docstore: write %s/%s: %w", o.collection, o.key, err)
	}
	return nil
}
