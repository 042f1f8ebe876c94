package graph

import "context"

// RecordType discriminates the records flowing over the structure and profile
// streams between the batch processor and the graph builder.
type RecordType string

const (
	// RecordUserMessage carries entities and relationships extracted from one
	// user message.
	RecordUserMessage RecordType = "USER_MESSAGE"

	// RecordProfileUpdate carries a refreshed summary and embedding for one
	// or more entities.
	RecordProfileUpdate RecordType = "PROFILE_UPDATE"

	// RecordSystemEntity seeds a system-owned entity (the user root) at
	// bootstrap.
	RecordSystemEntity RecordType = "SYSTEM_ENTITY"
)

// BatchRecord is the wire record published on the structure and profile
// streams. One record corresponds to exactly one message id.
type BatchRecord struct {
	MessageID     int64          `json:"message_id"`
	Type          RecordType     `json:"type"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Store is the typed operation set through which the Vestige core consumes
// the persistent knowledge graph. Every operation is atomic on its inputs;
// each operation is serializable with respect to any other.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch upserts the given entities and relationships in a single
	// transaction. Entities merge by id: aliases are unioned, confidence is
	// maxed, last_mentioned/last_updated refreshed, and the topic edge is
	// maintained. Relationships merge by canonical-name pair: weight is
	// incremented, message ids are unioned, confidence is maxed, and
	// last_seen updated. isUserMessage distinguishes organic ingestion from
	// system bootstrap writes.
	//
	// A retried WriteBatch must not double-count evidence: message-id union
	// makes the operation idempotent at the relationship level.
	WriteBatch(ctx context.Context, entities []Entity, relationships []Relationship, isUserMessage bool) error

	// UpdateEntityProfile replaces the summary, embedding, topic, and
	// last_profiled_msg_id of one entity without touching its relationships.
	UpdateEntityProfile(ctx context.Context, id int64, canonical, summary string, embedding []float32, lastMsgID int64, topic string) error

	// MergeEntities folds the secondary entity into the primary in a single
	// transaction: aliases are unioned, confidence and last_mentioned maxed,
	// every secondary edge is merged into a corresponding primary edge
	// (weights add, confidence maxed, message ids unioned, last_seen maxed),
	// and the secondary is deleted. mergedSummary replaces the primary's
	// summary. Returns false when either entity does not exist.
	MergeEntities(ctx context.Context, primaryID, secondaryID int64, mergedSummary string) (bool, error)

	// SearchEntity returns entities whose canonical name or aliases match
	// query, best matches first, capped at limit.
	SearchEntity(ctx context.Context, query string, limit int) ([]Entity, error)

	// GetEntityProfile returns the full profile for the entity with the given
	// canonical name, or nil when it does not exist.
	GetEntityProfile(ctx context.Context, name string) (*Entity, error)

	// GetRelatedEntities returns the direct edges of the named entities.
	// When activeOnly is set, counterpart entities attached to an inactive
	// topic are excluded; entities with no topic edge are never filtered.
	GetRelatedEntities(ctx context.Context, names []string, activeOnly bool) ([]RelatedEntity, error)

	// GetRecentActivity returns the edges of the named entity observed in the
	// trailing window of the given number of hours. Timestamps are
	// millisecond epochs; the cutoff is now − hours.
	GetRecentActivity(ctx context.Context, name string, hours int) ([]ActivityEntry, error)

	// FindPath returns the shortest path between two canonical names up to
	// maxDepth hops, with per-edge evidence ids. When activeOnly is set and
	// the only path runs through inactive-topic entities, the result reports
	// Hidden instead of the steps.
	FindPath(ctx context.Context, a, b string, activeOnly bool, maxDepth int) (*PathResult, error)

	// GetHotTopicContext returns up to three most-recently-mentioned entities
	// for each of the given topics.
	GetHotTopicContext(ctx context.Context, topics []string) (map[string][]Entity, error)

	// GetAllEntitiesForHydration returns every entity with its aliases and
	// embedding in one pass, for resolver startup.
	GetAllEntitiesForHydration(ctx context.Context) ([]Entity, error)

	// AppendMessage persists a raw message and assigns its monotonic id.
	// Within a single user, ids follow submission order.
	AppendMessage(ctx context.Context, role, text string, timestamp int64) (int64, error)

	// RecentMessages returns the newest n messages in chronological order.
	RecentMessages(ctx context.Context, n int) ([]StoredMessage, error)

	// SearchMessages performs full-text search over the message log. Each hit
	// carries a short window of surrounding turns as context.
	SearchMessages(ctx context.Context, query string, limit int) ([]MessageHit, error)

	// RecordDailyMood writes a mood checkpoint linked to the user entity,
	// replacing any prior record for the same date.
	RecordDailyMood(ctx context.Context, mood DailyMood) error

	// SetTopicStatus upserts a topic and sets its lifecycle status.
	SetTopicStatus(ctx context.Context, name string, status TopicStatus) error

	// NullTypeCleanup normalizes entities persisted with an empty type to the
	// fallback "concept" tag. Invoked opportunistically by the graph builder.
	NullTypeCleanup(ctx context.Context) (int64, error)

	// NextEntityID reserves and returns the next id from the monotonic
	// entity counter. IDs are never reused.
	NextEntityID(ctx context.Context) (int64, error)
}

// CanonicalPair returns the two canonical names in sorted order so that
// (A,B) and (B,A) address the same undirected edge.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
