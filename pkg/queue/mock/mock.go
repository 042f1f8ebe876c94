// Package mock provides an in-memory [queue.Queue] implementation for tests.
//
// The mock is fully functional: buffers, streams with consumer groups, DLQ
// tiers, flags, sets, and locks all behave like the Redis backend, minus
// durability. Flag TTLs are honoured lazily on read.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vestigelabs/vestige/pkg/queue"
)

// Compile-time check that *Queue satisfies [queue.Queue].
var _ queue.Queue = (*Queue)(nil)

type flagEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

type stream struct {
	entries []queue.StreamMessage
	nextID  int64
	// groups maps group name → index of the next unread entry.
	groups map[string]int
	// pendingAcks maps group name → set of delivered-but-unacked ids.
	pendingAcks map[string]map[string]bool
}

// Queue is an in-memory [queue.Queue]. The zero value is not usable; create
// instances with [New].
type Queue struct {
	mu       sync.Mutex
	buffer   [][]byte
	dlq      [][]byte
	parked   [][]byte
	emotions []string
	dirty    map[int64]bool
	flags    map[string]flagEntry
	locks    map[string]flagEntry
	streams  map[string]*stream

	// Closed reports whether Close has been called.
	Closed bool
}

// New returns an empty in-memory queue.
func New() *Queue {
	return &Queue{
		dirty:   make(map[int64]bool),
		flags:   make(map[string]flagEntry),
		locks:   make(map[string]flagEntry),
		streams: make(map[string]*stream),
	}
}

// PushBuffer implements [queue.Queue].
func (q *Queue) PushBuffer(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffer = append(q.buffer, clone(payload))
	return nil
}

// PopBuffer implements [queue.Queue].
func (q *Queue) PopBuffer(_ context.Context, n int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.buffer) {
		n = len(q.buffer)
	}
	out := q.buffer[:n]
	q.buffer = q.buffer[n:]
	return out, nil
}

// BufferLen implements [queue.Queue].
func (q *Queue) BufferLen(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.buffer)), nil
}

// RequeueBuffer implements [queue.Queue].
func (q *Queue) RequeueBuffer(_ context.Context, payloads ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range payloads {
		q.buffer = append(q.buffer, clone(p))
	}
	return nil
}

// EnsureGroup implements [queue.Queue].
func (q *Queue) EnsureGroup(_ context.Context, streamName, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(streamName)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = 0
		s.pendingAcks[group] = make(map[string]bool)
	}
	return nil
}

// Publish implements [queue.Queue].
func (q *Queue) Publish(_ context.Context, streamName string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(streamName)
	s.nextID++
	id := fmt.Sprintf("%d-0", s.nextID)
	s.entries = append(s.entries, queue.StreamMessage{ID: id, Payload: clone(payload)})
	return id, nil
}

// ReadGroup implements [queue.Queue]. The block duration is ignored; an
// empty stream returns immediately with no messages.
func (q *Queue) ReadGroup(_ context.Context, streamName, group, _ string, count int64, _ time.Duration) ([]queue.StreamMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(streamName)
	pos, ok := s.groups[group]
	if !ok {
		return nil, queue.ErrGroupLost
	}

	var msgs []queue.StreamMessage
	for pos < len(s.entries) && int64(len(msgs)) < count {
		m := s.entries[pos]
		s.pendingAcks[group][m.ID] = true
		msgs = append(msgs, m)
		pos++
	}
	s.groups[group] = pos
	return msgs, nil
}

// Ack implements [queue.Queue].
func (q *Queue) Ack(_ context.Context, streamName, group string, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(streamName)
	pending, ok := s.pendingAcks[group]
	if !ok {
		return queue.ErrGroupLost
	}
	for _, id := range ids {
		delete(pending, id)
	}
	return nil
}

// DeadLetterStream implements [queue.Queue].
func (q *Queue) DeadLetterStream(ctx context.Context, streamName string, msg queue.StreamMessage) error {
	_, err := q.Publish(ctx, streamName+":dlq", msg.Payload)
	return err
}

// StreamEntries returns a copy of all entries ever published to the stream.
// Test helper, not part of [queue.Queue].
func (q *Queue) StreamEntries(streamName string) []queue.StreamMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(streamName)
	out := make([]queue.StreamMessage, len(s.entries))
	copy(out, s.entries)
	return out
}

// PushDLQ implements [queue.Queue].
func (q *Queue) PushDLQ(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, clone(payload))
	return nil
}

// DrainDLQ implements [queue.Queue].
func (q *Queue) DrainDLQ(_ context.Context, max int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max > len(q.dlq) {
		max = len(q.dlq)
	}
	out := q.dlq[:max]
	q.dlq = q.dlq[max:]
	return out, nil
}

// DLQLen implements [queue.Queue].
func (q *Queue) DLQLen(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dlq)), nil
}

// Park implements [queue.Queue].
func (q *Queue) Park(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked = append(q.parked, clone(payload))
	return nil
}

// Parked returns a copy of the parked list. Test helper.
func (q *Queue) Parked() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.parked))
	copy(out, q.parked)
	return out
}

// SetFlag implements [queue.Queue].
func (q *Queue) SetFlag(_ context.Context, key, value string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := flagEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	q.flags[key] = e
	return nil
}

// FlagExpiry returns the expiry recorded for key; zero when the flag has no
// TTL or does not exist. Test helper.
func (q *Queue) FlagExpiry(key string) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flags[key].expires
}

// GetFlag implements [queue.Queue].
func (q *Queue) GetFlag(_ context.Context, key string) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.flags[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(q.flags, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// ClearFlag implements [queue.Queue].
func (q *Queue) ClearFlag(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.flags, key)
	return nil
}

// AddDirtyEntity implements [queue.Queue].
func (q *Queue) AddDirtyEntity(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirty[id] = true
	return nil
}

// PopDirtyEntities implements [queue.Queue].
func (q *Queue) PopDirtyEntities(_ context.Context, n int) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, n)
	for id := range q.dirty {
		if len(out) >= n {
			break
		}
		out = append(out, id)
		delete(q.dirty, id)
	}
	return out, nil
}

// DirtyCount implements [queue.Queue].
func (q *Queue) DirtyCount(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dirty)), nil
}

// PushEmotion implements [queue.Queue].
func (q *Queue) PushEmotion(_ context.Context, label string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emotions = append(q.emotions, label)
	return nil
}

// PopEmotions implements [queue.Queue].
func (q *Queue) PopEmotions(_ context.Context, n int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.emotions) {
		n = len(q.emotions)
	}
	out := q.emotions[:n]
	q.emotions = q.emotions[n:]
	return out, nil
}

// EmotionLen implements [queue.Queue].
func (q *Queue) EmotionLen(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.emotions)), nil
}

// AcquireLock implements [queue.Queue].
func (q *Queue) AcquireLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, held := q.locks[name]
	if held && (e.expires.IsZero() || time.Now().Before(e.expires)) {
		return false, nil
	}
	entry := flagEntry{value: "held"}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
	}
	q.locks[name] = entry
	return true, nil
}

// ReleaseLock implements [queue.Queue].
func (q *Queue) ReleaseLock(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.locks, name)
	return nil
}

// Close implements [queue.Queue].
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Closed = true
	return nil
}

// stream returns the named stream, creating it on first use. Callers must
// hold q.mu.
func (q *Queue) stream(name string) *stream {
	s, ok := q.streams[name]
	if !ok {
		s = &stream{
			groups:      make(map[string]int),
			pendingAcks: make(map[string]map[string]bool),
		}
		q.streams[name] = s
	}
	return s
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
