// Package embeddings defines the Provider interface for text embedding
// backends used by the vector index.
//
// Every per-class collection must be written and queried with the same
// embedding model and distance space; the index adapter records Dimensions()
// at collection creation and refuses vectors of any other length.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// Embed computes the embedding vector for a single text. The text is
	// passed through verbatim; any model-specific prefixing (e.g. "query: ")
	// is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The result is ordered identically to texts (result[i]
	// corresponds to texts[i]); on any error no partial results are exposed.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length this provider produces, or 0
	// when the dimension could not be determined.
	Dimensions() int

	// ModelID identifies the embedding model (e.g., "nomic-embed-text").
	ModelID() string
}
