// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// A provider maps text to dense float32 vectors. The entity resolver uses the
// vectors for semantic candidate retrieval; the graph store persists them next
// to each entity. Backends range from hosted APIs (OpenAI text-embedding-3) to
// a local Ollama model.
package embeddings

import "context"

// Provider abstracts a text-embedding backend.
//
// Every vector a given Provider returns has the same length, reported by
// Dimensions. Vectors from different providers (or different models behind
// the same provider) live in different spaces and must not be compared.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for one text. The text is passed through to
	// the backend verbatim; any model-specific prefixing is the caller's
	// concern. The result has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts in one backend call. Element i of the
	// result corresponds to texts[i]. On any failure the whole result is nil;
	// partial output is never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector length this provider produces. Fixed by
	// the underlying model for the lifetime of the instance.
	Dimensions() int

	// ModelID names the embedding model, e.g. "text-embedding-3-small".
	ModelID() string
}
