// Package vectorindex defines the contract over the persistent vector store
// that holds the per-class curriculum collections.
//
// Collections are named class1..class12 and must all be written with the same
// embedding model and distance metric. The serving core opens every collection
// once at startup and holds the handles for the process lifetime; a missing
// collection is created empty.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable tags failures where the backing store itself is unreachable,
// as opposed to a bad query or a bad row. Transports map it to a
// service-unavailable response.
var ErrUnavailable = errors.New("vectorindex: store unavailable")

// MinClass and MaxClass bound the valid grade levels.
const (
	MinClass = 1
	MaxClass = 12
)

// DocTypeQuestion tags indexed practice questions. Query excludes documents
// of this type so retrieval surfaces explanatory material, not exercises.
const DocTypeQuestion = "question"

// CollectionName returns the canonical collection name for a class number.
func CollectionName(classNum int) string {
	return fmt.Sprintf("class%d", classNum)
}

// ValidClass reports whether classNum is a legal grade level.
func ValidClass(classNum int) bool {
	return classNum >= MinClass && classNum <= MaxClass
}

// Similarity converts a cosine distance into the [0,1] similarity score used
// throughout the serving core.
func Similarity(distance float64) float64 {
	if s := 1 - distance; s > 0 {
		return s
	}
	return 0
}

// Document is one passage to be indexed into a class collection.
type Document struct {
	// Content is the passage text. Must be non-empty.
	Content string

	// Subject is the curriculum subject (e.g., "science", "mathematics").
	Subject string

	// DocType tags the kind of passage; DocTypeQuestion entries are excluded
	// from retrieval.
	DocType string

	// ChunkID identifies the source chunk within its document, when known.
	ChunkID string

	// Metadata carries free-form passthrough fields.
	Metadata map[string]string
}

// Candidate is a retrieval result before filtering and ranking.
// Invariant: Similarity == max(0, 1-Distance).
type Candidate struct {
	Content     string
	Subject     string
	DocType     string
	ChunkID     string
	Metadata    map[string]string
	Distance    float64
	Similarity  float64
	SourceClass int
	Rank        int
}

// HealthState is the result of an integrity check.
type HealthState int

const (
	// Healthy means reads and writes both succeed.
	Healthy HealthState = iota

	// ReadOnly means reads succeed but writes fail; the index keeps serving
	// queries and rejects ingestion.
	ReadOnly

	// Corrupt means reads fail; the index is unusable until recovered.
	Corrupt
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case ReadOnly:
		return "read_only"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// BatchResult reports the outcome of a BatchInsert. Failures are per-item;
// IDs holds the ids of the documents that were stored.
type BatchResult struct {
	IDs    []string
	Errors []error
}

// Index is the vector store contract consumed by the retrieval planner and
// the ingestion endpoints.
//
// Implementations must be safe for concurrent reads; writes are serialized by
// the implementation.
type Index interface {
	// OpenOrCreate ensures the collection for classNum exists. Idempotent.
	OpenOrCreate(ctx context.Context, classNum int) error

	// Count returns the number of documents in the class collection.
	Count(ctx context.Context, classNum int) (int, error)

	// Query embeds queryText and returns up to k Candidates sorted by
	// ascending distance. Documents tagged DocTypeQuestion are excluded; if
	// the exclusion leaves fewer than k results, the implementation retries
	// once without the filter and skips question-tagged entries manually.
	Query(ctx context.Context, classNum int, queryText string, k int) ([]Candidate, error)

	// Insert stores one document and returns its stable id.
	Insert(ctx context.Context, classNum int, doc Document) (string, error)

	// BatchInsert stores documents individually; partial success is allowed
	// and reported per item.
	BatchInsert(ctx context.Context, classNum int, docs []Document) (BatchResult, error)

	// IntegrityCheck probes read and write paths and reports the current
	// health state.
	IntegrityCheck(ctx context.Context) (HealthState, error)

	// Close releases the underlying storage handles.
	Close()
}
