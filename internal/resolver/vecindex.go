package resolver

import (
	"math"
	"sync"
)

// Hit is one nearest-neighbour result from [VectorIndex.TopK].
type Hit struct {
	// ID is the entity id the vector was inserted under.
	ID int64

	// Score is the inner product with the query, clamped to [0, 1]. Both sides
	// are unit-normalized, so this is cosine similarity.
	Score float64
}

// VectorIndex is a flat, exact nearest-neighbour index over unit-normalized
// float32 vectors keyed by entity id. Search is a linear scan; at the scale of
// a personal graph (thousands of entities) this beats maintaining an
// approximate structure.
//
// VectorIndex is safe for concurrent use.
type VectorIndex struct {
	mu   sync.RWMutex
	ids  []int64
	vecs [][]float32
	pos  map[int64]int
}

// NewVectorIndex creates an empty index.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{pos: make(map[int64]int)}
}

// Insert adds vec under id, replacing any previous vector for the same id.
// The vector is copied and normalized; zero vectors are ignored.
func (ix *VectorIndex) Insert(id int64, vec []float32) {
	norm := normalize(vec)
	if norm == nil {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if i, ok := ix.pos[id]; ok {
		ix.vecs[i] = norm
		return
	}
	ix.pos[id] = len(ix.ids)
	ix.ids = append(ix.ids, id)
	ix.vecs = append(ix.vecs, norm)
}

// Remove deletes the vector stored under id, if any.
func (ix *VectorIndex) Remove(id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i, ok := ix.pos[id]
	if !ok {
		return
	}
	last := len(ix.ids) - 1
	if i != last {
		ix.ids[i] = ix.ids[last]
		ix.vecs[i] = ix.vecs[last]
		ix.pos[ix.ids[i]] = i
	}
	ix.ids = ix.ids[:last]
	ix.vecs = ix.vecs[:last]
	delete(ix.pos, id)
}

// Len returns the number of indexed vectors.
func (ix *VectorIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// TopK returns up to k hits ordered by descending score. Negative inner
// products are clamped to zero rather than filtered so callers always see up
// to k candidates.
func (ix *VectorIndex) TopK(query []float32, k int) []Hit {
	q := normalize(query)
	if q == nil || k <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]Hit, 0, len(ix.ids))
	for i, id := range ix.ids {
		v := ix.vecs[i]
		if len(v) != len(q) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: clamp01(dot(q, v))})
	}

	// Insertion sort by descending score; ties broken by lower id for
	// deterministic output.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && less(hits[j-1], hits[j]); j-- {
			hits[j-1], hits[j] = hits[j], hits[j-1]
		}
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Similarity returns the cosine similarity between the stored vectors of a and
// b, clamped to [0, 1]. The second return is false when either id has no
// vector or the dimensions differ.
func (ix *VectorIndex) Similarity(a, b int64) (float64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	i, ok := ix.pos[a]
	if !ok {
		return 0, false
	}
	j, ok := ix.pos[b]
	if !ok {
		return 0, false
	}
	va, vb := ix.vecs[i], ix.vecs[j]
	if len(va) != len(vb) {
		return 0, false
	}
	return clamp01(dot(va, vb)), true
}

func less(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalize returns a unit-length copy of vec, or nil for empty/zero vectors.
func normalize(vec []float32) []float32 {
	if len(vec) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return nil
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}
