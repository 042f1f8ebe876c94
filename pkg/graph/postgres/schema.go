// Package postgres provides a PostgreSQL-backed implementation of the Vestige
// knowledge graph ([graph.Store]).
//
// Entities, relationships, topics, the raw message log, and daily mood
// checkpoints all share a single [pgxpool.Pool]. Entity summary embeddings are
// stored in a pgvector column; the pgvector extension must be available in the
// target database — [Migrate] installs it automatically via CREATE EXTENSION
// IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	id, _ := store.AppendMessage(ctx, "user", "Met Priya at IronWorks.", now)
//	_ = store.WriteBatch(ctx, entities, relationships, true)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlGraph = `
CREATE TABLE IF NOT EXISTS entities (
    id                   BIGINT            PRIMARY KEY,
    canonical_name       TEXT              NOT NULL UNIQUE,
    type                 TEXT              NOT NULL DEFAULT 'concept',
    aliases              TEXT[]            NOT NULL DEFAULT '{}',
    summary              TEXT              NOT NULL DEFAULT '',
    topic                TEXT              NOT NULL DEFAULT 'General',
    confidence           DOUBLE PRECISION  NOT NULL DEFAULT 0,
    last_mentioned       BIGINT            NOT NULL DEFAULT 0,
    last_updated         BIGINT            NOT NULL DEFAULT 0,
    last_profiled_msg_id BIGINT            NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_entities_canonical_lower
    ON entities (lower(canonical_name));

CREATE INDEX IF NOT EXISTS idx_entities_topic ON entities (topic);

CREATE TABLE IF NOT EXISTS relationships (
    entity_a    TEXT              NOT NULL,
    entity_b    TEXT              NOT NULL,
    weight      INTEGER           NOT NULL DEFAULT 1,
    confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    message_ids BIGINT[]          NOT NULL DEFAULT '{}',
    last_seen   BIGINT            NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_a, entity_b),
    CHECK (entity_a < entity_b)
);

CREATE INDEX IF NOT EXISTS idx_rel_entity_a ON relationships (entity_a);
CREATE INDEX IF NOT EXISTS idx_rel_entity_b ON relationships (entity_b);

CREATE TABLE IF NOT EXISTS topics (
    name   TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS daily_moods (
    date              TEXT    PRIMARY KEY,
    primary_emotion   TEXT    NOT NULL DEFAULT 'neutral',
    primary_count     INTEGER NOT NULL DEFAULT 0,
    secondary_emotion TEXT    NOT NULL DEFAULT '',
    secondary_count   INTEGER NOT NULL DEFAULT 0,
    total             INTEGER NOT NULL DEFAULT 0
);

CREATE SEQUENCE IF NOT EXISTS entity_id_seq START 1;
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id        BIGSERIAL PRIMARY KEY,
    role      TEXT      NOT NULL DEFAULT 'user',
    text      TEXT      NOT NULL,
    timestamp BIGINT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages (timestamp);

CREATE INDEX IF NOT EXISTS idx_messages_fts
    ON messages USING GIN (to_tsvector('english', text));
`

// ddlEmbedding returns the embedding DDL with the vector dimension substituted.
// The dimension is baked into the column type at schema creation time.
func ddlEmbedding(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE entities ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_entities_embedding
    ON entities USING hnsw (embedding vector_ip_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables, indexes, and
// extensions exist. It is idempotent and safe to call on every application
// start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlGraph,
		ddlEmbedding(embeddingDimensions),
		ddlMessages,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
