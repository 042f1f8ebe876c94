// Package graph defines the Vestige knowledge-graph data model and the
// [Store] interface through which the core consumes the persistent graph.
//
// The graph holds typed [Entity] nodes connected by undirected, weighted
// [Relationship] edges. Entities may belong to at most one [Topic], whose
// lifecycle status controls whether they participate in agent queries by
// default. Raw user messages are kept alongside the graph as an append-only
// log and serve as the evidence trail for relationships.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, Neo4j, in-memory, …) without depending
// on vestige internals.
//
// Every implementation must be safe for concurrent use.
package graph

// TopicStatus is the lifecycle state of a [Topic].
type TopicStatus string

const (
	// TopicActive marks a topic whose entities participate in queries normally.
	TopicActive TopicStatus = "active"

	// TopicHot marks a topic with recent, elevated activity. Hot topics are
	// surfaced preferentially by [Store.GetHotTopicContext].
	TopicHot TopicStatus = "hot"

	// TopicInactive marks a dormant topic. Entities attached to an inactive
	// topic are excluded from queries that request active-only results.
	TopicInactive TopicStatus = "inactive"
)

// DefaultTopic is assigned to entities extracted without an explicit topic.
const DefaultTopic = "General"

// Entity is a named node in the knowledge graph.
//
// IDs are assigned by a monotonic counter outside the graph store and are
// never reused, even after a merge retires the secondary entity.
type Entity struct {
	// ID is the globally unique, stable entity identifier.
	ID int64 `json:"id"`

	// CanonicalName is the single chosen surface form under which the entity
	// is stored. All other observed forms live in Aliases.
	CanonicalName string `json:"canonical_name"`

	// Type is a lowercase semantic tag: "person", "place", "organization", …
	Type string `json:"type"`

	// Aliases is the set of known surface forms, including CanonicalName.
	Aliases []string `json:"aliases"`

	// Summary is biographical free text. Empty until the profile-refinement
	// job first runs for this entity.
	Summary string `json:"summary"`

	// Topic is the topic this entity belongs to. Defaults to [DefaultTopic].
	Topic string `json:"topic"`

	// Embedding is the dense vector derived from Summary. Empty for entities
	// that have not yet been profiled.
	Embedding []float32 `json:"embedding"`

	// Confidence is the extraction confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// LastMentioned is the id of the newest message mentioning this entity.
	LastMentioned int64 `json:"last_mentioned"`

	// LastUpdated is a millisecond epoch timestamp of the last mutation.
	LastUpdated int64 `json:"last_updated"`

	// LastProfiledMsgID is the message id at which Summary was last refreshed.
	LastProfiledMsgID int64 `json:"last_profiled_msg_id"`
}

// Relationship is an undirected, weighted edge between two entities,
// identified by their canonical names.
//
// The pair is canonicalized so that EntityA < EntityB lexicographically;
// (A,B) and (B,A) therefore collapse to a single edge. Weight only ever
// increases, MessageIDs is a set, and Confidence keeps the maximum over all
// observations.
type Relationship struct {
	// EntityA is the lexicographically smaller canonical name.
	EntityA string `json:"entity_a"`

	// EntityB is the lexicographically larger canonical name.
	EntityB string `json:"entity_b"`

	// Weight counts how many times this pair has been observed together.
	Weight int `json:"weight"`

	// Confidence is the maximum confidence over all observations, in [0, 1].
	Confidence float64 `json:"confidence"`

	// MessageIDs is the evidence set: ids of messages asserting this edge.
	MessageIDs []int64 `json:"message_ids"`

	// LastSeen is a millisecond epoch timestamp of the latest observation.
	LastSeen int64 `json:"last_seen"`
}

// Topic is a named grouping of entities with a lifecycle status.
type Topic struct {
	Name   string      `json:"name"`
	Status TopicStatus `json:"status"`
}

// StoredMessage is one raw user message persisted in the message log.
// Messages are immutable once written.
type StoredMessage struct {
	// ID is the monotonically assigned message id.
	ID int64 `json:"id"`

	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Text is the raw message text.
	Text string `json:"text"`

	// Timestamp is a millisecond epoch wall-clock timestamp.
	Timestamp int64 `json:"timestamp"`
}

// DailyMood aggregates the emotion classifications observed on one date.
// Mood records are linked to the user entity.
type DailyMood struct {
	// Date is the calendar date in "2006-01-02" form.
	Date string `json:"date"`

	// Primary is the most common emotion label ("neutral" when nothing else
	// dominates).
	Primary string `json:"primary"`

	// PrimaryCount is how many messages carried the primary emotion.
	PrimaryCount int `json:"primary_count"`

	// Secondary is the second most common emotion label, if any.
	Secondary string `json:"secondary"`

	// SecondaryCount is how many messages carried the secondary emotion.
	SecondaryCount int `json:"secondary_count"`

	// Total is the number of messages contributing to this checkpoint.
	Total int `json:"total"`
}

// RelatedEntity is one edge endpoint returned by [Store.GetRelatedEntities].
type RelatedEntity struct {
	// Source is the canonical name the query started from.
	Source string `json:"source"`

	// Target is the connected entity's canonical name.
	Target string `json:"target"`

	// TargetSummary is the connected entity's summary (may be empty).
	TargetSummary string `json:"target_summary"`

	// Strength is the edge weight.
	Strength int `json:"connection_strength"`

	// Evidence is the edge's message-id evidence set.
	Evidence []int64 `json:"evidence"`

	// Confidence is the edge confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// LastSeen is a millisecond epoch timestamp of the latest observation.
	LastSeen int64 `json:"last_seen"`
}

// ActivityEntry is one recent-activity record returned by
// [Store.GetRecentActivity].
type ActivityEntry struct {
	// Entity is the canonical name of the counterpart entity.
	Entity string `json:"entity"`

	// Evidence is the edge's message-id evidence set.
	Evidence []int64 `json:"evidence"`

	// Time is a millisecond epoch timestamp of the latest observation.
	Time int64 `json:"time"`
}

// PathStep is one hop of a shortest path returned by [Store.FindPath].
type PathStep struct {
	// Entity is the canonical name of the node at this step.
	Entity string `json:"entity"`

	// Evidence holds the message ids of the edge leading into this step.
	// Empty for the first step.
	Evidence []int64 `json:"evidence"`
}

// PathResult is the outcome of a [Store.FindPath] query.
type PathResult struct {
	// Steps is the shortest path from a to b, inclusive. Empty when no path
	// exists within the depth bound.
	Steps []PathStep `json:"steps"`

	// Hidden reports that a path exists but only through entities attached to
	// inactive topics. When set, Steps is empty and Message explains why.
	Hidden bool `json:"hidden,omitempty"`

	// Message is a human-readable note accompanying a hidden path.
	Message string `json:"message,omitempty"`
}

// MessageHit is one full-text search result over the message log.
type MessageHit struct {
	// ID is the matched message id.
	ID int64 `json:"id"`

	// Role is the matched message's role.
	Role string `json:"role"`

	// Message is the matched message text.
	Message string `json:"message"`

	// Timestamp is a millisecond epoch timestamp.
	Timestamp int64 `json:"timestamp"`

	// Score is the full-text relevance score (higher is better).
	Score float64 `json:"score"`

	// Context is a short window of surrounding turns.
	Context []StoredMessage `json:"context"`
}
