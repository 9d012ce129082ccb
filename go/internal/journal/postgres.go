package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS resource_journal (
	id            BIGSERIAL PRIMARY KEY,
	resource_type TEXT        NOT NULL,
	resource_id   TEXT        NOT NULL,
	op            TEXT        NOT NULL,
	originator    TEXT        NOT NULL,
	payload       JSONB,
	checksum      TEXT        NOT NULL,
	committed_at  TIMESTAMPTZ NOT NULL
)`

const insertEntrySQL = `
INSERT INTO resource_journal (resource_type, resource_id, op, originator, payload, checksum, committed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Postgres appends entries to the resource_journal table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and ensures the journal table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}

	log.Info().Msg("resource journal ready")
	return &Postgres{pool: pool}, nil
}

// Append inserts one entry.
func (p *Postgres) Append(ctx context.Context, entry Entry) error {
	var payload any
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}
	_, err := p.pool.Exec(ctx, insertEntrySQL,
		entry.ResourceType,
		entry.ResourceID,
		string(entry.Op),
		entry.Originator,
		payload,
		entry.Checksum,
		entry.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
