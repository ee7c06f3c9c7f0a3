// Package storage provides PostgreSQL implementation of the Documents interface.
// Documents are stored as JSONB rows keyed by collection path and id, which keeps
// the loosely shaped bundle documents intact for self-hosted deployments.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent document storage.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL document store.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
func NewPostgres(dsn string) (Documents, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the documents table and its indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
		    collection TEXT NOT NULL,                -- Collection path, e.g. userPurchases/{uid}/purchases
		    id TEXT NOT NULL,                        -- Document id within the collection
		    data JSONB NOT NULL,                     -- Document body
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (collection, id)
		);

		-- Containment index backing equality queries (bundleId ==, paymentIntentId ==, status ==)
		CREATE INDEX IF NOT EXISTS idx_documents_data ON documents USING GIN (data jsonb_path_ops);
		CREATE INDEX IF NOT EXISTS idx_documents_collection_updated ON documents(collection, updated_at DESC);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

func (p *postgres) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	var raw []byte
	err := p.db.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	return decodeJSONB(raw)
}

func (p *postgres) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return p.upsert(ctx, p.db, collection, id, data)
}

func (p *postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *postgres) Where(ctx context.Context, collection, field string, value interface{}) ([]Document, error) {
	filter, err := json.Marshal(map[string]interface{}{field: value})
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	rows, err := p.db.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 AND data @> $2::jsonb ORDER BY id`,
		collection, string(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	return scanDocuments(rows)
}

func (p *postgres) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return scanDocuments(rows)
}

// Mutate locks the row for the duration of fn. A missing row is first inserted
// as a JSON null placeholder so that concurrent first writers queue on its lock;
// the placeholder reads as an absent document and rolls back with the transaction.
func (p *postgres) Mutate(ctx context.Context, collection, id string, fn MutateFunc) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO documents (collection, id, data) VALUES ($1, $2, 'null'::jsonb)
			ON CONFLICT (collection, id) DO NOTHING`,
			collection, id); err != nil {
			return fmt.Errorf("failed to reserve document %s/%s: %w", collection, id, err)
		}

		var raw []byte
		var current map[string]interface{}
		err := tx.QueryRow(ctx,
			`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			collection, id).Scan(&raw)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to lock document %s/%s: %w", collection, id, err)
		default:
			if current, err = decodeJSONB(raw); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		return p.upsert(ctx, tx, collection, id, next)
	})
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the database connection pool
func (p *postgres) Close() error {
	p.db.Close()
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (p *postgres) upsert(ctx context.Context, db execer, collection, id string, data map[string]interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, raw)
	if err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", collection, id, err)
	}
	return nil
}

func scanDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		data, err := decodeJSONB(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return out, nil
}

func decodeJSONB(raw []byte) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return data, nil
}
