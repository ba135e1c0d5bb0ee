package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"protoedit/editcore/pkg/wire"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createAppsTable = `CREATE TABLE IF NOT EXISTS apps (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	parent      TEXT NOT NULL DEFAULT '',
	last_update BIGINT NOT NULL DEFAULT 0,
	size        INTEGER NOT NULL DEFAULT 0,
	fields      JSONB NOT NULL DEFAULT '{}'
)`

const upsertApp = `INSERT INTO apps (id, name, parent, last_update, size, fields)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	parent = EXCLUDED.parent,
	last_update = EXCLUDED.last_update,
	size = EXCLUDED.size,
	fields = EXCLUDED.fields`

const selectApp = `SELECT id, name, parent, last_update, size, fields::text FROM apps WHERE id = $1`

// PostgresStore keeps documents in the apps table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and creates the apps table if
// needed
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, createAppsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create apps table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*wire.Document, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var (
		doc    wire.Document
		fields string
	)
	err := s.pool.QueryRow(ctx, selectApp, id).Scan(&doc.ID, &doc.Name, &doc.Parent, &doc.LastUpdate, &doc.Size, &fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *PostgresStore) Save(ctx context.Context, doc *wire.Document) error {
	if err := validateID(doc.ID); err != nil {
		return err
	}
	fields := doc.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	_, err = s.pool.Exec(ctx, upsertApp, doc.ID, doc.Name, doc.Parent, doc.LastUpdate, doc.Size, string(data))
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
