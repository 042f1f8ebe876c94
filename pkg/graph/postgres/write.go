package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/vestigelabs/vestige/pkg/graph"
)

// aliasUnion merges the incoming alias array into the stored one, dropping
// duplicates. Used inside ON CONFLICT clauses.
const aliasUnion = `(SELECT ARRAY(SELECT DISTINCT a FROM unnest(entities.aliases || EXCLUDED.aliases) AS a ORDER BY a))`

// messageIDUnion merges the incoming evidence ids into the stored set.
const messageIDUnion = `(SELECT ARRAY(SELECT DISTINCT m FROM unnest(relationships.message_ids || EXCLUDED.message_ids) AS m ORDER BY m))`

// WriteBatch implements [graph.Store]. Entities and relationships are
// upserted inside one transaction so a partially applied batch is never
// visible. Retried batches are idempotent at the relationship level because
// evidence message ids are unioned as a set.
func (s *Store) WriteBatch(ctx context.Context, entities []graph.Entity, relationships []graph.Relationship, isUserMessage bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: write batch: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entities {
		if err := upsertEntity(ctx, tx, e); err != nil {
			return fmt.Errorf("graph store: write batch: entity %q: %w", e.CanonicalName, err)
		}
	}

	for _, r := range relationships {
		if err := upsertRelationship(ctx, tx, r); err != nil {
			return fmt.Errorf("graph store: write batch: relationship %s~%s: %w", r.EntityA, r.EntityB, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: write batch: commit: %w", err)
	}
	return nil
}

// upsertEntity merges one entity by id: aliases union, confidence max,
// last_mentioned/last_updated refresh, topic edge maintained. An empty
// incoming embedding never clears a stored one.
func upsertEntity(ctx context.Context, tx pgx.Tx, e graph.Entity) error {
	if e.Topic == "" {
		e.Topic = graph.DefaultTopic
	}

	const qTopic = `
		INSERT INTO topics (name, status)
		VALUES ($1, 'active')
		ON CONFLICT (name) DO NOTHING`
	if _, err := tx.Exec(ctx, qTopic, e.Topic); err != nil {
		return fmt.Errorf("upsert topic: %w", err)
	}

	var embedding any
	if len(e.Embedding) > 0 {
		embedding = pgvector.NewVector(e.Embedding)
	}

	q := `
		INSERT INTO entities
		    (id, canonical_name, type, aliases, summary, topic, embedding,
		     confidence, last_mentioned, last_updated, last_profiled_msg_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    type           = CASE WHEN EXCLUDED.type != '' THEN EXCLUDED.type ELSE entities.type END,
		    aliases        = ` + aliasUnion + `,
		    topic          = EXCLUDED.topic,
		    embedding      = COALESCE(EXCLUDED.embedding, entities.embedding),
		    confidence     = GREATEST(entities.confidence, EXCLUDED.confidence),
		    last_mentioned = GREATEST(entities.last_mentioned, EXCLUDED.last_mentioned),
		    last_updated   = GREATEST(entities.last_updated, EXCLUDED.last_updated)`

	_, err := tx.Exec(ctx, q,
		e.ID,
		e.CanonicalName,
		e.Type,
		e.Aliases,
		e.Summary,
		e.Topic,
		embedding,
		e.Confidence,
		e.LastMentioned,
		e.LastUpdated,
		e.LastProfiledMsgID,
	)
	return err
}

// upsertRelationship merges one undirected edge by its canonical pair:
// weight increments, confidence max, message ids union, last_seen refresh.
func upsertRelationship(ctx context.Context, tx pgx.Tx, r graph.Relationship) error {
	a, b := graph.CanonicalPair(r.EntityA, r.EntityB)
	if a == b {
		return nil
	}
	weight := r.Weight
	if weight <= 0 {
		weight = 1
	}

	q := `
		INSERT INTO relationships (entity_a, entity_b, weight, confidence, message_ids, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_a, entity_b) DO UPDATE SET
		    weight      = relationships.weight + EXCLUDED.weight,
		    confidence  = GREATEST(relationships.confidence, EXCLUDED.confidence),
		    message_ids = ` + messageIDUnion + `,
		    last_seen   = GREATEST(relationships.last_seen, EXCLUDED.last_seen)`

	_, err := tx.Exec(ctx, q, a, b, weight, r.Confidence, r.MessageIDs, r.LastSeen)
	return err
}

// UpdateEntityProfile implements [graph.Store]. It is a profile-only update:
// relationships and alias sets are untouched.
func (s *Store) UpdateEntityProfile(ctx context.Context, id int64, canonical, summary string, embedding []float32, lastMsgID int64, topic string) error {
	if topic == "" {
		topic = graph.DefaultTopic
	}

	var vec any
	if len(embedding) > 0 {
		vec = pgvector.NewVector(embedding)
	}

	const q = `
		UPDATE entities
		SET    canonical_name       = $2,
		       summary              = $3,
		       embedding            = COALESCE($4, entities.embedding),
		       last_profiled_msg_id = GREATEST(entities.last_profiled_msg_id, $5),
		       topic                = $6,
		       last_updated         = (EXTRACT(EPOCH FROM now()) * 1000)::BIGINT
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, canonical, summary, vec, lastMsgID, topic)
	if err != nil {
		return fmt.Errorf("graph store: update entity profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("graph store: update entity profile: entity %d not found", id)
	}
	return nil
}

// MergeEntities implements [graph.Store]. The whole fold runs in a single
// transaction: alias union, confidence and last_mentioned max, per-edge
// merging of the secondary's relationships into the primary's, and deletion
// of the secondary. The secondary's id is retired, never reused.
func (s *Store) MergeEntities(ctx context.Context, primaryID, secondaryID int64, mergedSummary string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("graph store: merge entities: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var primaryName, secondaryName string
	const qNames = `SELECT canonical_name FROM entities WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, qNames, primaryID).Scan(&primaryName); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("graph store: merge entities: primary: %w", err)
	}
	if err := tx.QueryRow(ctx, qNames, secondaryID).Scan(&secondaryName); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("graph store: merge entities: secondary: %w", err)
	}

	// Fold scalar fields and aliases of the secondary into the primary. The
	// secondary's canonical name becomes an alias of the primary.
	const qFold = `
		UPDATE entities p
		SET aliases        = (SELECT ARRAY(SELECT DISTINCT a
		                      FROM unnest(p.aliases || s.aliases || ARRAY[s.canonical_name]) AS a
		                      ORDER BY a)),
		    confidence     = GREATEST(p.confidence, s.confidence),
		    last_mentioned = GREATEST(p.last_mentioned, s.last_mentioned),
		    summary        = $3,
		    last_updated   = (EXTRACT(EPOCH FROM now()) * 1000)::BIGINT
		FROM entities s
		WHERE p.id = $1 AND s.id = $2`
	if _, err := tx.Exec(ctx, qFold, primaryID, secondaryID, mergedSummary); err != nil {
		return false, fmt.Errorf("graph store: merge entities: fold: %w", err)
	}

	// Re-home every secondary edge onto the primary. The direct edge between
	// the two (if any) is dropped rather than turned into a self-edge.
	const qEdges = `
		SELECT entity_a, entity_b, weight, confidence, message_ids, last_seen
		FROM   relationships
		WHERE  entity_a = $1 OR entity_b = $1`
	rows, err := tx.Query(ctx, qEdges, secondaryName)
	if err != nil {
		return false, fmt.Errorf("graph store: merge entities: edges: %w", err)
	}
	edges, err := collectRelationships(rows)
	if err != nil {
		return false, fmt.Errorf("graph store: merge entities: edges: %w", err)
	}

	const qMergeEdge = `
		INSERT INTO relationships (entity_a, entity_b, weight, confidence, message_ids, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_a, entity_b) DO UPDATE SET
		    weight      = relationships.weight + EXCLUDED.weight,
		    confidence  = GREATEST(relationships.confidence, EXCLUDED.confidence),
		    message_ids = ` + messageIDUnion + `,
		    last_seen   = GREATEST(relationships.last_seen, EXCLUDED.last_seen)`

	for _, edge := range edges {
		other := edge.EntityA
		if other == secondaryName {
			other = edge.EntityB
		}
		if other == primaryName {
			continue
		}
		a, b := graph.CanonicalPair(primaryName, other)
		if _, err := tx.Exec(ctx, qMergeEdge, a, b, edge.Weight, edge.Confidence, edge.MessageIDs, edge.LastSeen); err != nil {
			return false, fmt.Errorf("graph store: merge entities: re-home edge %s~%s: %w", a, b, err)
		}
	}

	const qDropEdges = `DELETE FROM relationships WHERE entity_a = $1 OR entity_b = $1`
	if _, err := tx.Exec(ctx, qDropEdges, secondaryName); err != nil {
		return false, fmt.Errorf("graph store: merge entities: drop edges: %w", err)
	}

	const qDropEntity = `DELETE FROM entities WHERE id = $1`
	if _, err := tx.Exec(ctx, qDropEntity, secondaryID); err != nil {
		return false, fmt.Errorf("graph store: merge entities: drop secondary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("graph store: merge entities: commit: %w", err)
	}
	return true, nil
}

// RecordDailyMood implements [graph.Store]. One row per calendar date;
// re-checkpointing the same date replaces the prior record.
func (s *Store) RecordDailyMood(ctx context.Context, mood graph.DailyMood) error {
	const q = `
		INSERT INTO daily_moods
		    (date, primary_emotion, primary_count, secondary_emotion, secondary_count, total)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (date) DO UPDATE SET
		    primary_emotion   = EXCLUDED.primary_emotion,
		    primary_count     = EXCLUDED.primary_count,
		    secondary_emotion = EXCLUDED.secondary_emotion,
		    secondary_count   = EXCLUDED.secondary_count,
		    total             = daily_moods.total + EXCLUDED.total`

	_, err := s.pool.Exec(ctx, q,
		mood.Date,
		mood.Primary,
		mood.PrimaryCount,
		mood.Secondary,
		mood.SecondaryCount,
		mood.Total,
	)
	if err != nil {
		return fmt.Errorf("graph store: record daily mood: %w", err)
	}
	return nil
}

// SetTopicStatus implements [graph.Store].
func (s *Store) SetTopicStatus(ctx context.Context, name string, status graph.TopicStatus) error {
	const q = `
		INSERT INTO topics (name, status)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET status = EXCLUDED.status`

	if _, err := s.pool.Exec(ctx, q, name, string(status)); err != nil {
		return fmt.Errorf("graph store: set topic status: %w", err)
	}
	return nil
}

// NullTypeCleanup implements [graph.Store]. Entities persisted with an empty
// or literal "null" type are normalized to the fallback "concept" tag.
func (s *Store) NullTypeCleanup(ctx context.Context) (int64, error) {
	const q = `UPDATE entities SET type = 'concept' WHERE type = '' OR type = 'null'`

	tag, err := s.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("graph store: null type cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
