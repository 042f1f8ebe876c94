// Package resolver maintains the process-local entity index: an exact alias
// map, a fuzzy string matcher and a dense-vector nearest-neighbour index over
// every known entity, hydrated from the graph store at startup.
//
// The resolver is the only process-wide mutable state in Vestige. A single
// mutex guards the alias map and profiles; the [VectorIndex] carries its own
// lock so that embedding work never happens under the resolver lock.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/provider/embeddings"
)

// Status classifies the outcome of a [Resolver.Resolve] call.
type Status string

const (
	// StatusResolved means a single candidate cleared the resolve threshold.
	StatusResolved Status = "resolved"

	// StatusAmbiguous means two or more candidates cleared the ambiguity
	// floor but none cleared the resolve threshold.
	StatusAmbiguous Status = "ambiguous"

	// StatusNew means the mention matches nothing known well enough; the
	// caller should treat it as a new entity.
	StatusNew Status = "new"
)

// Candidate is one scored match produced during resolution.
type Candidate struct {
	// ID is the candidate entity id.
	ID int64

	// Canonical is the candidate's canonical name.
	Canonical string

	// Score is the normalized match score in [0, 1].
	Score float64

	// Hybrid reports that both the vector and the fuzzy searcher nominated
	// this candidate independently.
	Hybrid bool
}

// Result is the outcome of [Resolver.Resolve].
type Result struct {
	// Status classifies the outcome.
	Status Status

	// ID is the resolved entity id. Only meaningful when Status is
	// [StatusResolved].
	ID int64

	// Canonical is the resolved entity's canonical name when resolved.
	Canonical string

	// Score is the winning candidate's score when resolved.
	Score float64

	// Candidates holds the scored candidate set, best first. Populated for
	// ambiguous results; may also carry sub-threshold matches for new ones.
	Candidates []Candidate
}

// Profile is the resolver's in-memory record of one entity.
type Profile struct {
	// ID is the entity id.
	ID int64

	// Canonical is the entity's canonical name.
	Canonical string

	// Type is the entity's semantic tag ("person", "place", …).
	Type string

	// Topic is the entity's topic.
	Topic string

	// Summary is the entity's biographical summary, if profiled.
	Summary string

	// Aliases is the set of surface forms, including Canonical.
	Aliases []string

	// LastProfiledMsgID is the message id at which Summary was last refreshed.
	LastProfiledMsgID int64
}

// MergeCandidate is one entity pair nominated by
// [Resolver.DetectMergeCandidates] for the merge-detection job.
type MergeCandidate struct {
	// PrimaryID is the lower (older) entity id; merges fold into it.
	PrimaryID int64

	// SecondaryID is the higher entity id; merges retire it.
	SecondaryID int64

	// Primary is the primary entity's profile.
	Primary Profile

	// Secondary is the secondary entity's profile.
	Secondary Profile

	// Similarity is the cosine similarity between the two summaries.
	Similarity float64
}

// Config holds the resolver's scoring thresholds. All scores are in [0, 1].
type Config struct {
	// TopK is how many vector neighbours Resolve considers. Default: 10.
	TopK int

	// ResolveThreshold is the minimum winning score for a resolved outcome.
	// Default: 0.90.
	ResolveThreshold float64

	// AmbiguousThreshold is the floor for a candidate to count towards an
	// ambiguous outcome. Default: 0.65.
	AmbiguousThreshold float64

	// FuzzyFloor is the minimum Jaro-Winkler score for the fuzzy searcher to
	// nominate a candidate during Resolve. Default: 0.80.
	FuzzyFloor float64

	// LookupFuzzy is the minimum Jaro-Winkler score for Lookup to accept a
	// non-exact match. Default: 0.85.
	LookupFuzzy float64

	// MergeSimilarity is the minimum summary cosine similarity for a pair to
	// become a merge candidate. Default: 0.75.
	MergeSimilarity float64
}

func (cfg Config) withDefaults() Config {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.ResolveThreshold <= 0 {
		cfg.ResolveThreshold = 0.90
	}
	if cfg.AmbiguousThreshold <= 0 {
		cfg.AmbiguousThreshold = 0.65
	}
	if cfg.FuzzyFloor <= 0 {
		cfg.FuzzyFloor = 0.80
	}
	if cfg.LookupFuzzy <= 0 {
		cfg.LookupFuzzy = 0.85
	}
	if cfg.MergeSimilarity <= 0 {
		cfg.MergeSimilarity = 0.75
	}
	return cfg
}

// Resolver is the in-memory hybrid entity index.
// It is safe for concurrent use.
type Resolver struct {
	store    graph.Store
	embedder embeddings.Provider
	cfg      Config

	mu       sync.RWMutex
	nameToID map[string]int64
	profiles map[int64]*Profile

	index *VectorIndex
}

// New creates a [Resolver]. Call [Resolver.Hydrate] before first use.
func New(store graph.Store, embedder embeddings.Provider, cfg Config) *Resolver {
	return &Resolver{
		store:    store,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		nameToID: make(map[string]int64),
		profiles: make(map[int64]*Profile),
		index:    NewVectorIndex(),
	}
}

// Hydrate loads every entity, alias and embedding from the graph store in one
// pass, replacing any previous state. Hydration failure is fatal to the
// process; callers must not continue on error.
func (r *Resolver) Hydrate(ctx context.Context) error {
	entities, err := r.store.GetAllEntitiesForHydration(ctx)
	if err != nil {
		return fmt.Errorf("resolver: hydrate: %w", err)
	}

	nameToID := make(map[string]int64, len(entities)*2)
	profiles := make(map[int64]*Profile, len(entities))
	index := NewVectorIndex()

	for _, e := range entities {
		p := &Profile{
			ID:                e.ID,
			Canonical:         e.CanonicalName,
			Type:              e.Type,
			Topic:             e.Topic,
			Summary:           e.Summary,
			Aliases:           appendAlias(nil, e.CanonicalName),
			LastProfiledMsgID: e.LastProfiledMsgID,
		}
		nameToID[strings.ToLower(e.CanonicalName)] = e.ID
		for _, a := range e.Aliases {
			key := strings.ToLower(a)
			if _, taken := nameToID[key]; taken {
				continue
			}
			nameToID[key] = e.ID
			p.Aliases = appendAlias(p.Aliases, a)
		}
		profiles[e.ID] = p
		if len(e.Embedding) > 0 {
			index.Insert(e.ID, e.Embedding)
		}
	}

	r.mu.Lock()
	r.nameToID = nameToID
	r.profiles = profiles
	r.index = index
	r.mu.Unlock()

	slog.Info("resolver hydrated",
		"entities", len(profiles),
		"aliases", len(nameToID),
		"vectors", index.Len())
	return nil
}

// Resolve matches a raw mention against the known entity set.
//
// An exact lowercase alias hit resolves immediately. Otherwise the mention is
// embedded together with its surrounding context and the vector and fuzzy
// searchers each nominate candidates; a candidate nominated by both keeps the
// higher score and is tagged hybrid.
func (r *Resolver) Resolve(ctx context.Context, text, contextHint string) (Result, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Result{Status: StatusNew}, nil
	}

	r.mu.RLock()
	if id, ok := r.nameToID[lower]; ok {
		canonical := r.profiles[id].Canonical
		r.mu.RUnlock()
		return Result{Status: StatusResolved, ID: id, Canonical: canonical, Score: 1.0}, nil
	}
	r.mu.RUnlock()

	scores := make(map[int64]*Candidate)

	// Vector search. Embedding failures degrade to fuzzy-only matching
	// rather than failing the resolution.
	query := fmt.Sprintf("%s mentioned in context of: %s", text, contextHint)
	if vec, err := r.embedder.Embed(ctx, query); err != nil {
		slog.Warn("resolver embedding failed, using fuzzy matching only",
			"mention", text, "error", err)
	} else {
		for _, hit := range r.index.TopK(vec, r.cfg.TopK) {
			r.mu.RLock()
			p, ok := r.profiles[hit.ID]
			r.mu.RUnlock()
			if !ok {
				continue
			}
			scores[hit.ID] = &Candidate{ID: hit.ID, Canonical: p.Canonical, Score: hit.Score}
		}
	}

	// Fuzzy search over every known alias.
	r.mu.RLock()
	for key, id := range r.nameToID {
		s := matchr.JaroWinkler(lower, key, false)
		if s < r.cfg.FuzzyFloor {
			continue
		}
		if c, ok := scores[id]; ok {
			c.Hybrid = true
			if s > c.Score {
				c.Score = s
			}
			continue
		}
		scores[id] = &Candidate{ID: id, Canonical: r.profiles[id].Canonical, Score: s}
	}
	r.mu.RUnlock()

	if len(scores) == 0 {
		return Result{Status: StatusNew}, nil
	}

	candidates := make([]Candidate, 0, len(scores))
	for _, c := range scores {
		candidates = append(candidates, *c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})

	best := candidates[0]
	if best.Score >= r.cfg.ResolveThreshold {
		return Result{
			Status:     StatusResolved,
			ID:         best.ID,
			Canonical:  best.Canonical,
			Score:      best.Score,
			Candidates: candidates,
		}, nil
	}

	above := 0
	for _, c := range candidates {
		if c.Score > r.cfg.AmbiguousThreshold {
			above++
		}
	}
	if above >= 2 {
		return Result{Status: StatusAmbiguous, Candidates: candidates}, nil
	}
	return Result{Status: StatusNew, Candidates: candidates}, nil
}

// RegisterEntity atomically inserts all of e's aliases into the alias map,
// stores its profile, and indexes its embedding when present. Keys already
// claimed by another entity, the canonical name included, are left untouched.
func (r *Resolver) RegisterEntity(e graph.Entity) {
	r.mu.Lock()
	p := &Profile{
		ID:                e.ID,
		Canonical:         e.CanonicalName,
		Type:              e.Type,
		Topic:             e.Topic,
		Summary:           e.Summary,
		Aliases:           appendAlias(nil, e.CanonicalName),
		LastProfiledMsgID: e.LastProfiledMsgID,
	}
	ckey := strings.ToLower(e.CanonicalName)
	if owner, taken := r.nameToID[ckey]; !taken || owner == e.ID {
		r.nameToID[ckey] = e.ID
	}
	for _, a := range e.Aliases {
		key := strings.ToLower(a)
		if owner, taken := r.nameToID[key]; taken && owner != e.ID {
			continue
		}
		r.nameToID[key] = e.ID
		p.Aliases = appendAlias(p.Aliases, a)
	}
	r.profiles[e.ID] = p
	r.mu.Unlock()

	if len(e.Embedding) > 0 {
		r.index.Insert(e.ID, e.Embedding)
	}
}

// ValidateExisting confirms canonical refers to a known entity and records
// any mentions not yet aliased to it. It returns the entity id and whether
// any alias was added; ok is false when the canonical is unknown and the
// caller must demote the mention to a new entity.
func (r *Resolver) ValidateExisting(canonical string, mentions []string) (id int64, added bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok = r.nameToID[strings.ToLower(canonical)]
	if !ok {
		return 0, false, false
	}
	p := r.profiles[id]
	for _, m := range mentions {
		key := strings.ToLower(strings.TrimSpace(m))
		if key == "" {
			continue
		}
		if _, taken := r.nameToID[key]; taken {
			continue
		}
		r.nameToID[key] = id
		p.Aliases = appendAlias(p.Aliases, strings.TrimSpace(m))
		added = true
	}
	return id, added, true
}

// UpdateProfileSummary recomputes the entity's embedding from the new
// summary, swaps the vector in the index and updates the profile. The fresh
// embedding is returned so the caller can persist it.
func (r *Resolver) UpdateProfileSummary(ctx context.Context, id int64, summary string) ([]float32, error) {
	vec, err := r.embedder.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("resolver: embed summary for entity %d: %w", id, err)
	}

	r.mu.Lock()
	p, ok := r.profiles[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("resolver: unknown entity id %d", id)
	}
	p.Summary = summary
	r.mu.Unlock()

	r.index.Remove(id)
	r.index.Insert(id, vec)
	return vec, nil
}

// Lookup resolves a name to its entity id, first exactly and then by fuzzy
// match against every alias at the LookupFuzzy threshold. Used by the agent's
// tools to canonicalize user-supplied names.
func (r *Resolver) Lookup(name string) (int64, string, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return 0, "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.nameToID[lower]; ok {
		return id, r.profiles[id].Canonical, true
	}

	bestID := int64(0)
	bestScore := 0.0
	for key, id := range r.nameToID {
		if s := matchr.JaroWinkler(lower, key, false); s > bestScore {
			bestScore = s
			bestID = id
		}
	}
	if bestScore < r.cfg.LookupFuzzy {
		return 0, "", false
	}
	return bestID, r.profiles[bestID].Canonical, true
}

// ProfileByID returns a copy of the entity's profile.
func (r *Resolver) ProfileByID(id int64) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return cloneProfile(p), true
}

// ProfileByName returns a copy of the profile the given alias maps to.
func (r *Resolver) ProfileByName(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, false
	}
	return cloneProfile(r.profiles[id]), true
}

// Count returns the number of known entities.
func (r *Resolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// RemapAliases folds the secondary entity into the primary after a graph
// merge: every alias of the secondary now resolves to the primary, the
// secondary's profile is dropped and its vector removed from the index.
func (r *Resolver) RemapAliases(primaryID, secondaryID int64) {
	r.mu.Lock()
	p, pok := r.profiles[primaryID]
	s, sok := r.profiles[secondaryID]
	if !pok || !sok {
		r.mu.Unlock()
		return
	}
	for _, a := range s.Aliases {
		r.nameToID[strings.ToLower(a)] = primaryID
		p.Aliases = appendAlias(p.Aliases, a)
	}
	delete(r.profiles, secondaryID)
	r.mu.Unlock()

	r.index.Remove(secondaryID)
	slog.Info("resolver remapped aliases after merge",
		"primary_id", primaryID, "secondary_id", secondaryID)
}

// DetectMergeCandidates nominates entity pairs whose summary embeddings are
// similar, whose types are compatible, and which share no direct relationship
// in the graph. Results are ordered by descending similarity, ties broken by
// lower secondary id.
func (r *Resolver) DetectMergeCandidates(ctx context.Context) ([]MergeCandidate, error) {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []MergeCandidate
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			sim, ok := r.index.Similarity(ids[i], ids[j])
			if !ok || sim < r.cfg.MergeSimilarity {
				continue
			}

			pa, aok := r.ProfileByID(ids[i])
			pb, bok := r.ProfileByID(ids[j])
			if !aok || !bok {
				continue
			}
			if !typesCompatible(pa.Type, pb.Type) {
				continue
			}

			connected, err := r.directlyRelated(ctx, pa.Canonical, pb.Canonical)
			if err != nil {
				return nil, err
			}
			if connected {
				continue
			}

			out = append(out, MergeCandidate{
				PrimaryID:   ids[i],
				SecondaryID: ids[j],
				Primary:     pa,
				Secondary:   pb,
				Similarity:  sim,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].SecondaryID < out[j].SecondaryID
	})
	return out, nil
}

// directlyRelated reports whether an edge exists between the two entities.
// Entities that already share an edge are distinct by definition; merging
// them would collapse a real relationship.
func (r *Resolver) directlyRelated(ctx context.Context, a, b string) (bool, error) {
	related, err := r.store.GetRelatedEntities(ctx, []string{a}, false)
	if err != nil {
		return false, fmt.Errorf("resolver: check relationship %s~%s: %w", a, b, err)
	}
	for _, rel := range related {
		if strings.EqualFold(rel.Target, b) {
			return true, nil
		}
	}
	return false, nil
}

// typesCompatible reports whether two entity types may describe the same
// real-world entity. Untyped and concept-typed entities are compatible with
// anything.
func typesCompatible(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b || a == "" || b == "" || a == "concept" || b == "concept" {
		return true
	}
	return false
}

func cloneProfile(p *Profile) Profile {
	cp := *p
	cp.Aliases = append([]string(nil), p.Aliases...)
	return cp
}

// appendAlias appends alias to list unless an equal-fold entry already exists.
func appendAlias(list []string, alias string) []string {
	for _, a := range list {
		if strings.EqualFold(a, alias) {
			return list
		}
	}
	return append(list, alias)
}
