package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/vestigelabs/vestige/pkg/graph"
)

// activeTopicFilter excludes entities attached to an inactive topic. An
// entity whose topic has no row (or an active/hot one) passes the filter.
const activeTopicFilter = `NOT EXISTS (
    SELECT 1 FROM topics t WHERE t.name = e.topic AND t.status = 'inactive')`

const entityColumns = `e.id, e.canonical_name, e.type, e.aliases, e.summary, e.topic,
       e.embedding, e.confidence, e.last_mentioned, e.last_updated, e.last_profiled_msg_id`

// SearchEntity implements [graph.Store]. Canonical names and aliases are both
// matched case-insensitively; exact canonical matches sort first, then the
// most recently mentioned.
func (s *Store) SearchEntity(ctx context.Context, query string, limit int) ([]graph.Entity, error) {
	if limit <= 0 {
		limit = 10
	}

	const q = `
		SELECT ` + entityColumns + `
		FROM   entities e
		WHERE  e.canonical_name ILIKE '%' || $1 || '%'
		   OR  EXISTS (SELECT 1 FROM unnest(e.aliases) AS a WHERE a ILIKE '%' || $1 || '%')
		ORDER  BY (lower(e.canonical_name) = lower($1)) DESC, e.last_mentioned DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("graph store: search entity: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: search entity: %w", err)
	}
	return entities, nil
}

// GetEntityProfile implements [graph.Store]. Returns (nil, nil) when no
// entity carries the given canonical name.
func (s *Store) GetEntityProfile(ctx context.Context, name string) (*graph.Entity, error) {
	const q = `
		SELECT ` + entityColumns + `
		FROM   entities e
		WHERE  lower(e.canonical_name) = lower($1)`

	rows, err := s.pool.Query(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("graph store: get entity profile: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: get entity profile: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return &entities[0], nil
}

// GetRelatedEntities implements [graph.Store]. The direct edges of every
// named entity are returned; with activeOnly, counterparts attached to an
// inactive topic are dropped.
func (s *Store) GetRelatedEntities(ctx context.Context, names []string, activeOnly bool) ([]graph.RelatedEntity, error) {
	if len(names) == 0 {
		return []graph.RelatedEntity{}, nil
	}

	filter := ""
	if activeOnly {
		filter = "\n  AND  " + activeTopicFilter
	}

	// Each edge is reported from the perspective of the queried name, so an
	// edge between two queried names appears once per side.
	q := fmt.Sprintf(`
		SELECT src.name, e.canonical_name, e.summary,
		       r.weight, r.confidence, r.message_ids, r.last_seen
		FROM   unnest($1::text[]) AS src(name)
		JOIN   relationships r
		       ON r.entity_a = src.name OR r.entity_b = src.name
		JOIN   entities e
		       ON e.canonical_name = CASE WHEN r.entity_a = src.name THEN r.entity_b ELSE r.entity_a END
		WHERE  true%s
		ORDER  BY r.weight DESC, r.last_seen DESC`, filter)

	rows, err := s.pool.Query(ctx, q, names)
	if err != nil {
		return nil, fmt.Errorf("graph store: get related entities: %w", err)
	}
	related, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.RelatedEntity, error) {
		var re graph.RelatedEntity
		err := row.Scan(&re.Source, &re.Target, &re.TargetSummary, &re.Strength, &re.Confidence, &re.Evidence, &re.LastSeen)
		return re, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: get related entities: scan: %w", err)
	}
	if related == nil {
		related = []graph.RelatedEntity{}
	}
	return related, nil
}

// GetRecentActivity implements [graph.Store]. Timestamps are millisecond
// epochs; the cutoff is computed as now − hours.
func (s *Store) GetRecentActivity(ctx context.Context, name string, hours int) ([]graph.ActivityEntry, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours)*time.Hour).UnixMilli()

	const q = `
		SELECT CASE WHEN r.entity_a = $1 THEN r.entity_b ELSE r.entity_a END,
		       r.message_ids, r.last_seen
		FROM   relationships r
		WHERE  (r.entity_a = $1 OR r.entity_b = $1)
		  AND  r.last_seen >= $2
		ORDER  BY r.last_seen DESC`

	rows, err := s.pool.Query(ctx, q, name, cutoff)
	if err != nil {
		return nil, fmt.Errorf("graph store: get recent activity: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.ActivityEntry, error) {
		var a graph.ActivityEntry
		err := row.Scan(&a.Entity, &a.Evidence, &a.Time)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: get recent activity: scan: %w", err)
	}
	if entries == nil {
		entries = []graph.ActivityEntry{}
	}
	return entries, nil
}

// FindPath implements [graph.Store]. The shortest path is found with a
// recursive CTE over the undirected edge set. When activeOnly hides the only
// existing path, the result reports Hidden with an explanatory message
// instead of the steps.
func (s *Store) FindPath(ctx context.Context, a, b string, activeOnly bool, maxDepth int) (*graph.PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = 4
	}

	path, err := s.shortestPath(ctx, a, b, activeOnly, maxDepth)
	if err != nil {
		return nil, err
	}

	if len(path) == 0 && activeOnly {
		// Distinguish "no path at all" from "path exists but is hidden by an
		// inactive topic".
		unfiltered, err := s.shortestPath(ctx, a, b, false, maxDepth)
		if err != nil {
			return nil, err
		}
		if len(unfiltered) > 0 {
			return &graph.PathResult{
				Steps:   []graph.PathStep{},
				Hidden:  true,
				Message: fmt.Sprintf("a path between %q and %q exists but runs through inactive topics", a, b),
			}, nil
		}
	}

	steps := make([]graph.PathStep, 0, len(path))
	for i, name := range path {
		step := graph.PathStep{Entity: name}
		if i > 0 {
			evidence, err := s.edgeEvidence(ctx, path[i-1], name)
			if err != nil {
				return nil, err
			}
			step.Evidence = evidence
		}
		steps = append(steps, step)
	}
	return &graph.PathResult{Steps: steps}, nil
}

// shortestPath returns the canonical names along the shortest undirected
// path from a to b, or an empty slice when none exists within maxDepth.
func (s *Store) shortestPath(ctx context.Context, a, b string, activeOnly bool, maxDepth int) ([]string, error) {
	filter := ""
	if activeOnly {
		filter = "\n      AND  " + activeTopicFilter
	}

	// Both edge directions are materialized so the undirected graph can be
	// walked with a directed CTE. Cycles are prevented by the path array.
	q := fmt.Sprintf(`
		WITH RECURSIVE edges AS (
		    SELECT entity_a AS src, entity_b AS dst FROM relationships
		    UNION ALL
		    SELECT entity_b, entity_a FROM relationships
		),
		path_search AS (
		    SELECT e.canonical_name       AS name,
		           ARRAY[e.canonical_name] AS path,
		           0                       AS depth
		    FROM   entities e
		    WHERE  e.canonical_name = $1%s

		    UNION ALL

		    SELECT ed.dst,
		           ps.path || ed.dst,
		           ps.depth + 1
		    FROM   path_search ps
		    JOIN   edges    ed ON ed.src = ps.name
		    JOIN   entities e  ON e.canonical_name = ed.dst
		    WHERE  ps.depth < $3
		      AND  NOT (ed.dst = ANY(ps.path))%s
		)
		SELECT path
		FROM   path_search
		WHERE  name = $2
		ORDER  BY depth
		LIMIT  1`, filter, filter)

	row := s.pool.QueryRow(ctx, q, a, b, maxDepth)

	var path []string
	if err := row.Scan(&path); err != nil {
		if isNoRows(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("graph store: find path: %w", err)
	}
	return path, nil
}

// edgeEvidence returns the message ids backing the edge between two names.
func (s *Store) edgeEvidence(ctx context.Context, x, y string) ([]int64, error) {
	a, b := graph.CanonicalPair(x, y)

	const q = `SELECT message_ids FROM relationships WHERE entity_a = $1 AND entity_b = $2`

	var evidence []int64
	if err := s.pool.QueryRow(ctx, q, a, b).Scan(&evidence); err != nil {
		if isNoRows(err) {
			return []int64{}, nil
		}
		return nil, fmt.Errorf("graph store: edge evidence: %w", err)
	}
	return evidence, nil
}

// GetHotTopicContext implements [graph.Store]. Up to the three most recently
// mentioned entities are returned per topic.
func (s *Store) GetHotTopicContext(ctx context.Context, topics []string) (map[string][]graph.Entity, error) {
	result := make(map[string][]graph.Entity, len(topics))
	if len(topics) == 0 {
		return result, nil
	}

	const q = `
		SELECT ` + entityColumns + `
		FROM   entities e
		WHERE  e.topic = $1
		ORDER  BY e.last_mentioned DESC
		LIMIT  3`

	for _, topic := range topics {
		rows, err := s.pool.Query(ctx, q, topic)
		if err != nil {
			return nil, fmt.Errorf("graph store: hot topic context: %w", err)
		}
		entities, err := collectEntities(rows)
		if err != nil {
			return nil, fmt.Errorf("graph store: hot topic context: %w", err)
		}
		if len(entities) > 0 {
			result[topic] = entities
		}
	}
	return result, nil
}

// GetAllEntitiesForHydration implements [graph.Store]. Everything the
// resolver needs — aliases and embeddings included — in one pass.
func (s *Store) GetAllEntitiesForHydration(ctx context.Context) ([]graph.Entity, error) {
	const q = `
		SELECT ` + entityColumns + `
		FROM   entities e
		ORDER  BY e.id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("graph store: hydration: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: hydration: %w", err)
	}
	return entities, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Private scan helpers
// ─────────────────────────────────────────────────────────────────────────────

// collectEntities scans pgx rows into a slice of Entity values.
func collectEntities(rows pgx.Rows) ([]graph.Entity, error) {
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Entity, error) {
		var (
			e   graph.Entity
			vec *pgvector.Vector
		)
		if err := row.Scan(
			&e.ID,
			&e.CanonicalName,
			&e.Type,
			&e.Aliases,
			&e.Summary,
			&e.Topic,
			&vec,
			&e.Confidence,
			&e.LastMentioned,
			&e.LastUpdated,
			&e.LastProfiledMsgID,
		); err != nil {
			return graph.Entity{}, err
		}
		if vec != nil {
			e.Embedding = vec.Slice()
		}
		if e.Aliases == nil {
			e.Aliases = []string{}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if entities == nil {
		entities = []graph.Entity{}
	}
	return entities, nil
}

// collectRelationships scans pgx rows into a slice of Relationship values.
func collectRelationships(rows pgx.Rows) ([]graph.Relationship, error) {
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Relationship, error) {
		var r graph.Relationship
		if err := row.Scan(
			&r.EntityA,
			&r.EntityB,
			&r.Weight,
			&r.Confidence,
			&r.MessageIDs,
			&r.LastSeen,
		); err != nil {
			return graph.Relationship{}, err
		}
		if r.MessageIDs == nil {
			r.MessageIDs = []int64{}
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if rels == nil {
		rels = []graph.Relationship{}
	}
	return rels, nil
}

// isNoRows reports whether err is the pgx "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
