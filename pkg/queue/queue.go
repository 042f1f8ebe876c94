// Package queue defines the durable message-stream interface consumed by the
// Vestige ingestion pipeline, scheduler jobs, and graph builder.
//
// The queue provides at-least-once streams with consumer groups and acks, a
// user-scoped append-only message buffer, dead-letter lists in two tiers
// (replayable and parked), short-TTL flags, work sets, and a maintenance
// lock. The logical topology is:
//
//	buffer:{user}      — ordered pending raw messages (JSON payloads)
//	stream:structure   — batch records of kind USER_MESSAGE or SYSTEM_ENTITY
//	stream:profile     — batch records of kind PROFILE_UPDATE
//	dlq:{user}         — failed-batch list (replayable)
//	dlq:parked:{user}  — fatally-failed batches awaiting manual review
//
// Implementations must be safe for concurrent use.
package queue

import (
	"context"
	"errors"
	"time"
)

// Logical stream names. Implementations may prefix these with a namespace.
const (
	// StreamStructure carries extracted entities and relationships from the
	// batch processor to the graph builder.
	StreamStructure = "stream:structure"

	// StreamProfile carries refreshed summaries and embeddings.
	StreamProfile = "stream:profile"
)

// ErrGroupLost is returned by ReadGroup and Ack when the consumer group no
// longer exists on the broker. Callers recover by calling EnsureGroup and
// resuming from the last acked id.
var ErrGroupLost = errors.New("queue: consumer group lost")

// StreamMessage is one entry read from a stream by a consumer group.
type StreamMessage struct {
	// ID is the broker-assigned stream entry id, used for acking.
	ID string

	// Payload is the opaque JSON record.
	Payload []byte
}

// Queue is the durable messaging surface the core depends on.
type Queue interface {
	// PushBuffer appends a raw message payload to the user buffer.
	PushBuffer(ctx context.Context, payload []byte) error

	// PopBuffer atomically removes and returns up to n payloads from the
	// head of the user buffer. Returns an empty slice when the buffer is
	// empty.
	PopBuffer(ctx context.Context, n int) ([][]byte, error)

	// BufferLen returns the number of payloads currently buffered.
	BufferLen(ctx context.Context) (int64, error)

	// RequeueBuffer pushes payloads back onto the tail of the user buffer,
	// used by dead-letter replay.
	RequeueBuffer(ctx context.Context, payloads ...[]byte) error

	// EnsureGroup creates the consumer group on the stream if it does not
	// already exist, creating the stream as needed.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Publish appends a record to the stream and returns its entry id.
	Publish(ctx context.Context, stream string, payload []byte) (string, error)

	// ReadGroup reads up to count pending entries for the consumer, blocking
	// up to block when the stream is empty. Returns [ErrGroupLost] when the
	// group has disappeared.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)

	// Ack acknowledges processed entries for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// DeadLetterStream copies a raw stream payload (with its original entry
	// id) onto the stream's dead-letter sub-stream.
	DeadLetterStream(ctx context.Context, stream string, msg StreamMessage) error

	// PushDLQ appends a failed-batch entry to the replayable DLQ list.
	PushDLQ(ctx context.Context, payload []byte) error

	// DrainDLQ atomically removes and returns up to max DLQ entries.
	DrainDLQ(ctx context.Context, max int) ([][]byte, error)

	// DLQLen returns the number of entries in the replayable DLQ.
	DLQLen(ctx context.Context) (int64, error)

	// Park moves a fatally-failed entry to the parked list for manual review.
	Park(ctx context.Context, payload []byte) error

	// SetFlag stores a string value under key with a TTL. A zero TTL means
	// no expiry.
	SetFlag(ctx context.Context, key, value string, ttl time.Duration) error

	// GetFlag returns the value stored under key and whether it exists.
	GetFlag(ctx context.Context, key string) (string, bool, error)

	// ClearFlag removes key. Clearing a missing key is not an error.
	ClearFlag(ctx context.Context, key string) error

	// AddDirtyEntity marks an entity id as needing profile refinement.
	AddDirtyEntity(ctx context.Context, id int64) error

	// PopDirtyEntities atomically removes and returns up to n dirty ids.
	PopDirtyEntities(ctx context.Context, n int) ([]int64, error)

	// DirtyCount returns the size of the dirty-entity set.
	DirtyCount(ctx context.Context) (int64, error)

	// PushEmotion appends an emotion label to the mood-checkpoint queue.
	PushEmotion(ctx context.Context, label string) error

	// PopEmotions atomically removes and returns up to n emotion labels.
	PopEmotions(ctx context.Context, n int) ([]string, error)

	// EmotionLen returns the length of the emotion queue.
	EmotionLen(ctx context.Context) (int64, error)

	// AcquireLock takes the named maintenance lock with a TTL. Returns false
	// when another holder owns it. The TTL makes the lock self-healing if
	// the holder crashes.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the named maintenance lock.
	ReleaseLock(ctx context.Context, name string) error

	// Close releases the underlying broker connection.
	Close() error
}
