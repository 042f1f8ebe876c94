package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/vestigelabs/vestige/pkg/graph"
)

// Compile-time check that *Store satisfies [graph.Store].
var _ graph.Store = (*Store)(nil)

// Store is the PostgreSQL-backed knowledge graph for Vestige. It holds a
// single [pgxpool.Pool] and implements every [graph.Store] operation.
//
// All operations are safe for concurrent use; WriteBatch and MergeEntities
// run inside a single transaction each.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [graph.Entity.Embedding] values.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("graph store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("graph store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("graph store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("graph store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// NextEntityID implements [graph.Store]. Entity ids come from a dedicated
// sequence so they are monotonic and never reused, even after a merge.
func (s *Store) NextEntityID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('entity_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("graph store: next entity id: %w", err)
	}
	return id, nil
}

// AppendMessage implements [graph.Store]. Message ids are assigned by the
// database sequence, which preserves submission order for a single user.
func (s *Store) AppendMessage(ctx context.Context, role, text string, timestamp int64) (int64, error) {
	const q = `
		INSERT INTO messages (role, text, timestamp)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, role, text, timestamp).Scan(&id); err != nil {
		return 0, fmt.Errorf("graph store: append message: %w", err)
	}
	return id, nil
}

// RecentMessages implements [graph.Store]. The newest n messages are
// returned in chronological order.
func (s *Store) RecentMessages(ctx context.Context, n int) ([]graph.StoredMessage, error) {
	const q = `
		SELECT id, role, text, timestamp
		FROM (
		    SELECT id, role, text, timestamp
		    FROM   messages
		    ORDER  BY id DESC
		    LIMIT  $1
		) recent
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("graph store: recent messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.StoredMessage, error) {
		var m graph.StoredMessage
		err := row.Scan(&m.ID, &m.Role, &m.Text, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: recent messages: scan: %w", err)
	}
	if msgs == nil {
		msgs = []graph.StoredMessage{}
	}
	return msgs, nil
}

// SearchMessages implements [graph.Store]. It matches query against message
// text using PostgreSQL full-text search, ranked by ts_rank, and attaches a
// two-message window of surrounding turns to each hit.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]graph.MessageHit, error) {
	if limit <= 0 {
		limit = 10
	}

	const q = `
		SELECT id, role, text, timestamp,
		       ts_rank(to_tsvector('english', text),
		               plainto_tsquery('english', $1)) AS score
		FROM   messages
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER  BY score DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("graph store: search messages: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.MessageHit, error) {
		var h graph.MessageHit
		err := row.Scan(&h.ID, &h.Role, &h.Message, &h.Timestamp, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: search messages: scan: %w", err)
	}

	for i := range hits {
		ctxWindow, err := s.messageWindow(ctx, hits[i].ID, 2)
		if err != nil {
			return nil, fmt.Errorf("graph store: search messages: context: %w", err)
		}
		hits[i].Context = ctxWindow
	}
	if hits == nil {
		hits = []graph.MessageHit{}
	}
	return hits, nil
}

// messageWindow returns up to radius messages on either side of id, in
// chronological order, excluding id itself.
func (s *Store) messageWindow(ctx context.Context, id int64, radius int) ([]graph.StoredMessage, error) {
	const q = `
		SELECT id, role, text, timestamp
		FROM   messages
		WHERE  id BETWEEN $1 AND $2 AND id != $3
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, id-int64(radius), id+int64(radius), id)
	if err != nil {
		return nil, err
	}
	window, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.StoredMessage, error) {
		var m graph.StoredMessage
		err := row.Scan(&m.ID, &m.Role, &m.Text, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, err
	}
	if window == nil {
		window = []graph.StoredMessage{}
	}
	return window, nil
}
