// Package redis implements [queue.Queue] on top of Redis: lists for the user
// buffer and dead-letter tiers, streams with consumer groups for the
// structure/profile records, string keys with TTL for flags and the
// maintenance lock, and sets for the dirty-entity pool.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vestigelabs/vestige/pkg/queue"
)

// Compile-time check that *Queue satisfies [queue.Queue].
var _ queue.Queue = (*Queue)(nil)

// payloadField is the stream entry field carrying the JSON record.
const payloadField = "payload"

// Queue is a Redis-backed [queue.Queue]. Keys that are user-scoped by the
// logical topology (buffer, DLQ tiers, dirty set, emotion queue) are derived
// from the user name given at construction; Vestige runs one user per
// instance.
type Queue struct {
	rdb  *goredis.Client
	user string
}

// New connects to the Redis instance at addr and returns a Queue scoped to
// user. The connection is verified with a ping; failure to reach the broker
// is fatal at boot.
func New(ctx context.Context, addr, user string) (*Queue, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis queue: addr must not be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("redis queue: user must not be empty")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis queue: ping: %w", err)
	}

	return &Queue{rdb: rdb, user: user}, nil
}

// Close implements [queue.Queue].
func (q *Queue) Close() error {
	return q.rdb.Close()
}

func (q *Queue) bufferKey() string  { return "buffer:" + q.user }
func (q *Queue) dlqKey() string     { return "dlq:" + q.user }
func (q *Queue) parkedKey() string  { return "dlq:parked:" + q.user }
func (q *Queue) dirtyKey() string   { return "dirty_entities:" + q.user }
func (q *Queue) emotionKey() string { return "emotions:" + q.user }

// ─────────────────────────────────────────────────────────────────────────────
// Buffer
// ─────────────────────────────────────────────────────────────────────────────

// PushBuffer implements [queue.Queue].
func (q *Queue) PushBuffer(ctx context.Context, payload []byte) error {
	if err := q.rdb.RPush(ctx, q.bufferKey(), payload).Err(); err != nil {
		return fmt.Errorf("redis queue: push buffer: %w", err)
	}
	return nil
}

// PopBuffer implements [queue.Queue]. LPOP with a count is a single atomic
// command, so concurrent drains never see the same payload twice.
func (q *Queue) PopBuffer(ctx context.Context, n int) ([][]byte, error) {
	vals, err := q.rdb.LPopCount(ctx, q.bufferKey(), n).Result()
	if err != nil {
		if err == goredis.Nil {
			return [][]byte{}, nil
		}
		return nil, fmt.Errorf("redis queue: pop buffer: %w", err)
	}
	return toByteSlices(vals), nil
}

// BufferLen implements [queue.Queue].
func (q *Queue) BufferLen(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.bufferKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: buffer len: %w", err)
	}
	return n, nil
}

// RequeueBuffer implements [queue.Queue].
func (q *Queue) RequeueBuffer(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	args := make([]any, len(payloads))
	for i, p := range payloads {
		args[i] = p
	}
	if err := q.rdb.RPush(ctx, q.bufferKey(), args...).Err(); err != nil {
		return fmt.Errorf("redis queue: requeue buffer: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Streams
// ─────────────────────────────────────────────────────────────────────────────

// EnsureGroup implements [queue.Queue]. BUSYGROUP means the group already
// exists, which is the desired state.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis queue: ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

// Publish implements [queue.Queue].
func (q *Queue) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis queue: publish %s: %w", stream, err)
	}
	return id, nil
}

// ReadGroup implements [queue.Queue].
func (q *Queue) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]queue.StreamMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, queue.ErrGroupLost
		}
		return nil, fmt.Errorf("redis queue: read group %s/%s: %w", stream, group, err)
	}

	var msgs []queue.StreamMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			payload, _ := m.Values[payloadField].(string)
			msgs = append(msgs, queue.StreamMessage{ID: m.ID, Payload: []byte(payload)})
		}
	}
	return msgs, nil
}

// Ack implements [queue.Queue].
func (q *Queue) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		if isNoGroup(err) {
			return queue.ErrGroupLost
		}
		return fmt.Errorf("redis queue: ack %s/%s: %w", stream, group, err)
	}
	return nil
}

// DeadLetterStream implements [queue.Queue]. The original entry id travels
// with the payload so operators can correlate.
func (q *Queue) DeadLetterStream(ctx context.Context, stream string, msg queue.StreamMessage) error {
	err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream + ":dlq",
		Values: map[string]any{
			payloadField:  msg.Payload,
			"original_id": msg.ID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis queue: dead-letter %s: %w", stream, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// DLQ lists
// ─────────────────────────────────────────────────────────────────────────────

// PushDLQ implements [queue.Queue].
func (q *Queue) PushDLQ(ctx context.Context, payload []byte) error {
	if err := q.rdb.RPush(ctx, q.dlqKey(), payload).Err(); err != nil {
		return fmt.Errorf("redis queue: push dlq: %w", err)
	}
	return nil
}

// DrainDLQ implements [queue.Queue].
func (q *Queue) DrainDLQ(ctx context.Context, max int) ([][]byte, error) {
	vals, err := q.rdb.LPopCount(ctx, q.dlqKey(), max).Result()
	if err != nil {
		if err == goredis.Nil {
			return [][]byte{}, nil
		}
		return nil, fmt.Errorf("redis queue: drain dlq: %w", err)
	}
	return toByteSlices(vals), nil
}

// DLQLen implements [queue.Queue].
func (q *Queue) DLQLen(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.dlqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: dlq len: %w", err)
	}
	return n, nil
}

// Park implements [queue.Queue].
func (q *Queue) Park(ctx context.Context, payload []byte) error {
	if err := q.rdb.RPush(ctx, q.parkedKey(), payload).Err(); err != nil {
		return fmt.Errorf("redis queue: park: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Flags, sets, emotion queue, lock
// ─────────────────────────────────────────────────────────────────────────────

// SetFlag implements [queue.Queue].
func (q *Queue) SetFlag(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := q.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis queue: set flag %s: %w", key, err)
	}
	return nil
}

// GetFlag implements [queue.Queue].
func (q *Queue) GetFlag(ctx context.Context, key string) (string, bool, error) {
	val, err := q.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis queue: get flag %s: %w", key, err)
	}
	return val, true, nil
}

// ClearFlag implements [queue.Queue].
func (q *Queue) ClearFlag(ctx context.Context, key string) error {
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis queue: clear flag %s: %w", key, err)
	}
	return nil
}

// AddDirtyEntity implements [queue.Queue].
func (q *Queue) AddDirtyEntity(ctx context.Context, id int64) error {
	if err := q.rdb.SAdd(ctx, q.dirtyKey(), id).Err(); err != nil {
		return fmt.Errorf("redis queue: add dirty entity: %w", err)
	}
	return nil
}

// PopDirtyEntities implements [queue.Queue].
func (q *Queue) PopDirtyEntities(ctx context.Context, n int) ([]int64, error) {
	vals, err := q.rdb.SPopN(ctx, q.dirtyKey(), int64(n)).Result()
	if err != nil {
		if err == goredis.Nil {
			return []int64{}, nil
		}
		return nil, fmt.Errorf("redis queue: pop dirty entities: %w", err)
	}

	ids := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DirtyCount implements [queue.Queue].
func (q *Queue) DirtyCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.SCard(ctx, q.dirtyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: dirty count: %w", err)
	}
	return n, nil
}

// PushEmotion implements [queue.Queue].
func (q *Queue) PushEmotion(ctx context.Context, label string) error {
	if err := q.rdb.RPush(ctx, q.emotionKey(), label).Err(); err != nil {
		return fmt.Errorf("redis queue: push emotion: %w", err)
	}
	return nil
}

// PopEmotions implements [queue.Queue].
func (q *Queue) PopEmotions(ctx context.Context, n int) ([]string, error) {
	vals, err := q.rdb.LPopCount(ctx, q.emotionKey(), n).Result()
	if err != nil {
		if err == goredis.Nil {
			return []string{}, nil
		}
		return nil, fmt.Errorf("redis queue: pop emotions: %w", err)
	}
	return vals, nil
}

// EmotionLen implements [queue.Queue].
func (q *Queue) EmotionLen(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.emotionKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: emotion len: %w", err)
	}
	return n, nil
}

// AcquireLock implements [queue.Queue]. SET NX with a TTL makes the lock
// self-healing if the holder crashes.
func (q *Queue) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, "lock:"+name, q.user, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis queue: acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock implements [queue.Queue].
func (q *Queue) ReleaseLock(ctx context.Context, name string) error {
	if err := q.rdb.Del(ctx, "lock:"+name).Err(); err != nil {
		return fmt.Errorf("redis queue: release lock %s: %w", name, err)
	}
	return nil
}

// isNoGroup reports whether err is the Redis NOGROUP error raised when a
// consumer group (or its stream) has disappeared.
func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// toByteSlices converts the string payloads go-redis returns into byte
// slices without sharing backing arrays.
func toByteSlices(vals []string) [][]byte {
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out
}
