// Package mock provides a functional in-memory implementation of
// [graph.Store] for tests.
//
// Unlike a pure stub, the mock honours the store's merge semantics (alias
// union, confidence max, weight accumulation, message-id union) so that
// pipeline and job tests can assert on real graph state without Postgres.
// Set Err to force every operation to fail for error-path tests.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vestigelabs/vestige/pkg/graph"
)

// Store is an in-memory [graph.Store].
// It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	// Err, when non-nil, is returned by every operation.
	Err error

	// WriteBatchCalls counts invocations of WriteBatch.
	WriteBatchCalls int

	entities map[int64]*graph.Entity
	byName   map[string]int64
	edges    map[[2]string]*graph.Relationship
	topics   map[string]graph.TopicStatus
	messages []graph.StoredMessage
	moods    map[string]graph.DailyMood

	nextEntity int64
	nextMsg    int64
}

// Compile-time interface assertion.
var _ graph.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entities: make(map[int64]*graph.Entity),
		byName:   make(map[string]int64),
		edges:    make(map[[2]string]*graph.Relationship),
		topics:   make(map[string]graph.TopicStatus),
		moods:    make(map[string]graph.DailyMood),
	}
}

// Seed inserts an entity directly, bypassing merge semantics. Test setup only.
func (s *Store) Seed(e graph.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeEntity(e)
	if e.ID >= s.nextEntity {
		s.nextEntity = e.ID
	}
}

// SeedEdge inserts a relationship directly. Test setup only.
func (s *Store) SeedEdge(rel graph.Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := graph.CanonicalPair(rel.EntityA, rel.EntityB)
	rel.EntityA, rel.EntityB = a, b
	cp := rel
	s.edges[[2]string{a, b}] = &cp
}

// Edges returns a snapshot of all relationships. Test inspection only.
func (s *Store) Edges() []graph.Relationship {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]graph.Relationship, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityA != out[j].EntityA {
			return out[i].EntityA < out[j].EntityA
		}
		return out[i].EntityB < out[j].EntityB
	})
	return out
}

// Moods returns a snapshot of all mood checkpoints. Test inspection only.
func (s *Store) Moods() map[string]graph.DailyMood {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]graph.DailyMood, len(s.moods))
	for k, v := range s.moods {
		out[k] = v
	}
	return out
}

// storeEntity indexes e under its canonical name and aliases. Caller holds mu.
func (s *Store) storeEntity(e graph.Entity) {
	cp := e
	cp.Aliases = append([]string(nil), e.Aliases...)
	cp.Embedding = append([]float32(nil), e.Embedding...)
	s.entities[e.ID] = &cp
	s.byName[strings.ToLower(e.CanonicalName)] = e.ID
	for _, a := range e.Aliases {
		key := strings.ToLower(a)
		if _, taken := s.byName[key]; !taken {
			s.byName[key] = e.ID
		}
	}
}

// WriteBatch implements [graph.Store].
func (s *Store) WriteBatch(ctx context.Context, entities []graph.Entity, relationships []graph.Relationship, isUserMessage bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteBatchCalls++
	if s.Err != nil {
		return s.Err
	}

	for _, e := range entities {
		existing, ok := s.entities[e.ID]
		if !ok {
			if e.Topic == "" {
				e.Topic = graph.DefaultTopic
			}
			if _, ok := s.topics[e.Topic]; !ok {
				s.topics[e.Topic] = graph.TopicActive
			}
			s.storeEntity(e)
			continue
		}
		for _, a := range append([]string{e.CanonicalName}, e.Aliases...) {
			existing.Aliases = unionString(existing.Aliases, a)
			key := strings.ToLower(a)
			if _, taken := s.byName[key]; !taken {
				s.byName[key] = e.ID
			}
		}
		if e.Confidence > existing.Confidence {
			existing.Confidence = e.Confidence
		}
		if e.LastMentioned > existing.LastMentioned {
			existing.LastMentioned = e.LastMentioned
		}
		if e.LastUpdated > existing.LastUpdated {
			existing.LastUpdated = e.LastUpdated
		}
		if e.Topic != "" {
			existing.Topic = e.Topic
			if _, ok := s.topics[e.Topic]; !ok {
				s.topics[e.Topic] = graph.TopicActive
			}
		}
	}

	for _, rel := range relationships {
		a, b := graph.CanonicalPair(rel.EntityA, rel.EntityB)
		if a == b {
			continue
		}
		key := [2]string{a, b}
		existing, ok := s.edges[key]
		if !ok {
			cp := rel
			cp.EntityA, cp.EntityB = a, b
			if cp.Weight <= 0 {
				cp.Weight = 1
			}
			cp.MessageIDs = unionInt64(nil, rel.MessageIDs...)
			s.edges[key] = &cp
			continue
		}
		w := rel.Weight
		if w <= 0 {
			w = 1
		}
		existing.Weight += w
		existing.MessageIDs = unionInt64(existing.MessageIDs, rel.MessageIDs...)
		if rel.Confidence > existing.Confidence {
			existing.Confidence = rel.Confidence
		}
		if rel.LastSeen > existing.LastSeen {
			existing.LastSeen = rel.LastSeen
		}
	}
	return nil
}

// UpdateEntityProfile implements [graph.Store].
func (s *Store) UpdateEntityProfile(ctx context.Context, id int64, canonical, summary string, embedding []float32, lastMsgID int64, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	e.Summary = summary
	e.Embedding = append([]float32(nil), embedding...)
	if lastMsgID > e.LastProfiledMsgID {
		e.LastProfiledMsgID = lastMsgID
	}
	if topic != "" {
		e.Topic = topic
		if _, ok := s.topics[topic]; !ok {
			s.topics[topic] = graph.TopicActive
		}
	}
	e.LastUpdated = time.Now().UnixMilli()
	return nil
}

// MergeEntities implements [graph.Store].
func (s *Store) MergeEntities(ctx context.Context, primaryID, secondaryID int64, mergedSummary string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	p, pok := s.entities[primaryID]
	sec, sok := s.entities[secondaryID]
	if !pok || !sok {
		return false, nil
	}

	for _, a := range append([]string{sec.CanonicalName}, sec.Aliases...) {
		p.Aliases = unionString(p.Aliases, a)
		s.byName[strings.ToLower(a)] = primaryID
	}
	if sec.Confidence > p.Confidence {
		p.Confidence = sec.Confidence
	}
	if sec.LastMentioned > p.LastMentioned {
		p.LastMentioned = sec.LastMentioned
	}
	p.Summary = mergedSummary

	for key, edge := range s.edges {
		if key[0] != sec.CanonicalName && key[1] != sec.CanonicalName {
			continue
		}
		other := key[0]
		if other == sec.CanonicalName {
			other = key[1]
		}
		delete(s.edges, key)
		if other == p.CanonicalName {
			continue
		}
		a, b := graph.CanonicalPair(p.CanonicalName, other)
		nk := [2]string{a, b}
		if existing, ok := s.edges[nk]; ok {
			existing.Weight += edge.Weight
			existing.MessageIDs = unionInt64(existing.MessageIDs, edge.MessageIDs...)
			if edge.Confidence > existing.Confidence {
				existing.Confidence = edge.Confidence
			}
			if edge.LastSeen > existing.LastSeen {
				existing.LastSeen = edge.LastSeen
			}
		} else {
			cp := *edge
			cp.EntityA, cp.EntityB = a, b
			s.edges[nk] = &cp
		}
	}

	delete(s.entities, secondaryID)
	return true, nil
}

// SearchEntity implements [graph.Store].
func (s *Store) SearchEntity(ctx context.Context, query string, limit int) ([]graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q := strings.ToLower(query)
	var out []graph.Entity
	for _, e := range s.entities {
		if entityMatches(e, q) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := strings.ToLower(out[i].CanonicalName) == q, strings.ToLower(out[j].CanonicalName) == q
		if ei != ej {
			return ei
		}
		return out[i].LastMentioned > out[j].LastMentioned
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func entityMatches(e *graph.Entity, q string) bool {
	if strings.Contains(strings.ToLower(e.CanonicalName), q) {
		return true
	}
	for _, a := range e.Aliases {
		if strings.Contains(strings.ToLower(a), q) {
			return true
		}
	}
	return false
}

// GetEntityProfile implements [graph.Store].
func (s *Store) GetEntityProfile(ctx context.Context, name string) (*graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, nil
	}
	e := *s.entities[id]
	return &e, nil
}

// GetRelatedEntities implements [graph.Store].
func (s *Store) GetRelatedEntities(ctx context.Context, names []string, activeOnly bool) ([]graph.RelatedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []graph.RelatedEntity
	for _, name := range names {
		for _, edge := range s.edges {
			var target string
			switch {
			case strings.EqualFold(edge.EntityA, name):
				target = edge.EntityB
			case strings.EqualFold(edge.EntityB, name):
				target = edge.EntityA
			default:
				continue
			}
			if activeOnly && s.entityInactive(target) {
				continue
			}
			var summary string
			var conf float64
			if id, ok := s.byName[strings.ToLower(target)]; ok {
				summary = s.entities[id].Summary
			}
			conf = edge.Confidence
			out = append(out, graph.RelatedEntity{
				Source:        name,
				Target:        target,
				TargetSummary: summary,
				Strength:      edge.Weight,
				Evidence:      append([]int64(nil), edge.MessageIDs...),
				Confidence:    conf,
				LastSeen:      edge.LastSeen,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out, nil
}

// entityInactive reports whether name belongs to an inactive topic.
// Caller holds mu.
func (s *Store) entityInactive(name string) bool {
	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return false
	}
	e := s.entities[id]
	if e.Topic == "" {
		return false
	}
	return s.topics[e.Topic] == graph.TopicInactive
}

// GetRecentActivity implements [graph.Store].
func (s *Store) GetRecentActivity(ctx context.Context, name string, hours int) ([]graph.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	var out []graph.ActivityEntry
	for _, edge := range s.edges {
		var target string
		switch {
		case strings.EqualFold(edge.EntityA, name):
			target = edge.EntityB
		case strings.EqualFold(edge.EntityB, name):
			target = edge.EntityA
		default:
			continue
		}
		if edge.LastSeen < cutoff {
			continue
		}
		out = append(out, graph.ActivityEntry{
			Entity:   target,
			Evidence: append([]int64(nil), edge.MessageIDs...),
			Time:     edge.LastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time > out[j].Time })
	return out, nil
}

// FindPath implements [graph.Store] with a breadth-first search.
func (s *Store) FindPath(ctx context.Context, a, b string, activeOnly bool, maxDepth int) (*graph.PathResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	steps := s.bfs(a, b, activeOnly, maxDepth)
	if steps != nil {
		return &graph.PathResult{Steps: steps}, nil
	}
	if activeOnly {
		if unfiltered := s.bfs(a, b, false, maxDepth); unfiltered != nil {
			return &graph.PathResult{
				Hidden:  true,
				Message: "a path exists but runs through archived topics",
			}, nil
		}
	}
	return &graph.PathResult{}, nil
}

// bfs finds the shortest path, or nil. Caller holds mu.
func (s *Store) bfs(a, b string, activeOnly bool, maxDepth int) []graph.PathStep {
	canonical := func(name string) string {
		if id, ok := s.byName[strings.ToLower(name)]; ok {
			return s.entities[id].CanonicalName
		}
		return name
	}
	start, goal := canonical(a), canonical(b)
	if activeOnly && (s.entityInactive(start) || s.entityInactive(goal)) {
		return nil
	}

	type node struct {
		name string
		path []graph.PathStep
	}
	visited := map[string]bool{start: true}
	queue := []node{{name: start, path: []graph.PathStep{{Entity: start}}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.name == goal {
			return cur.path
		}
		if len(cur.path) > maxDepth {
			continue
		}
		for _, edge := range s.edges {
			var next string
			switch cur.name {
			case edge.EntityA:
				next = edge.EntityB
			case edge.EntityB:
				next = edge.EntityA
			default:
				continue
			}
			if visited[next] {
				continue
			}
			if activeOnly && s.entityInactive(next) {
				continue
			}
			visited[next] = true
			path := append(append([]graph.PathStep(nil), cur.path...), graph.PathStep{
				Entity:   next,
				Evidence: append([]int64(nil), edge.MessageIDs...),
			})
			queue = append(queue, node{name: next, path: path})
		}
	}
	return nil
}

// GetHotTopicContext implements [graph.Store].
func (s *Store) GetHotTopicContext(ctx context.Context, topics []string) (map[string][]graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string][]graph.Entity, len(topics))
	for _, topic := range topics {
		var ents []graph.Entity
		for _, e := range s.entities {
			if e.Topic == topic {
				ents = append(ents, *e)
			}
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].LastMentioned > ents[j].LastMentioned })
		if len(ents) > 3 {
			ents = ents[:3]
		}
		out[topic] = ents
	}
	return out, nil
}

// GetAllEntitiesForHydration implements [graph.Store].
func (s *Store) GetAllEntitiesForHydration(ctx context.Context) ([]graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]graph.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendMessage implements [graph.Store].
func (s *Store) AppendMessage(ctx context.Context, role, text string, timestamp int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	s.nextMsg++
	s.messages = append(s.messages, graph.StoredMessage{
		ID:        s.nextMsg,
		Role:      role,
		Text:      text,
		Timestamp: timestamp,
	})
	return s.nextMsg, nil
}

// RecentMessages implements [graph.Store].
func (s *Store) RecentMessages(ctx context.Context, n int) ([]graph.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	return append([]graph.StoredMessage(nil), s.messages[start:]...), nil
}

// SearchMessages implements [graph.Store] with substring matching.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]graph.MessageHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q := strings.ToLower(query)
	var out []graph.MessageHit
	for i, m := range s.messages {
		if !strings.Contains(strings.ToLower(m.Text), q) {
			continue
		}
		lo, hi := i-2, i+3
		if lo < 0 {
			lo = 0
		}
		if hi > len(s.messages) {
			hi = len(s.messages)
		}
		out = append(out, graph.MessageHit{
			ID:        m.ID,
			Role:      m.Role,
			Message:   m.Text,
			Timestamp: m.Timestamp,
			Score:     1,
			Context:   append([]graph.StoredMessage(nil), s.messages[lo:hi]...),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RecordDailyMood implements [graph.Store].
func (s *Store) RecordDailyMood(ctx context.Context, mood graph.DailyMood) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if prev, ok := s.moods[mood.Date]; ok {
		mood.Total += prev.Total
	}
	s.moods[mood.Date] = mood
	return nil
}

// SetTopicStatus implements [graph.Store].
func (s *Store) SetTopicStatus(ctx context.Context, name string, status graph.TopicStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.topics[name] = status
	return nil
}

// NullTypeCleanup implements [graph.Store].
func (s *Store) NullTypeCleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, e := range s.entities {
		if e.Type == "" || strings.EqualFold(e.Type, "null") {
			e.Type = "concept"
			n++
		}
	}
	return n, nil
}

// NextEntityID implements [graph.Store].
func (s *Store) NextEntityID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	s.nextEntity++
	return s.nextEntity, nil
}

func unionString(list []string, v string) []string {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return list
		}
	}
	return append(list, v)
}

func unionInt64(list []int64, vs ...int64) []int64 {
	seen := make(map[int64]bool, len(list)+len(vs))
	out := append([]int64(nil), list...)
	for _, v := range list {
		seen[v] = true
	}
	for _, v := range vs {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
