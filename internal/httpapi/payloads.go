package httpapi

import (
	"errors"
	"strings"

	"github.com/sage-edu/sage/pkg/types"
)

// Request body limits.
const (
	// MaxSourcesCap bounds how many source documents one response may carry.
	MaxSourcesCap = 20

	// MaxBulkQueries bounds how many queries a bulk request may carry.
	MaxBulkQueries = 50
)

// ChatRequest is the body of POST /api/v1/chat/ask and /chat/ask/stream.
type ChatRequest struct {
	Message             string                   `json:"message" binding:"required"`
	ClassNum            int                      `json:"class_num"`
	ConversationHistory []types.ConversationTurn `json:"conversation_history"`
	IncludeSources      *bool                    `json:"include_sources"`
	MaxSources          int                      `json:"max_sources"`
	ConversationID      string                   `json:"conversation_id"`
}

// includeSources defaults to true when the field is absent.
func (r ChatRequest) includeSources() bool {
	return r.IncludeSources == nil || *r.IncludeSources
}

// maxSources defaults to 5 and is capped at [MaxSourcesCap].
func (r ChatRequest) maxSources() int {
	n := r.MaxSources
	if n <= 0 {
		n = 5
	}
	if n > MaxSourcesCap {
		n = MaxSourcesCap
	}
	return n
}

// QueryRequest is the body of the document-search endpoints. The query text
// may arrive as "question" or "query"; both spellings are accepted.
type QueryRequest struct {
	Question            string  `json:"question"`
	Query               string  `json:"query"`
	ClassNum            int     `json:"class_num"`
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	IncludeSources      bool    `json:"include_sources"`
}

// text resolves the query text across its accepted field spellings.
func (r QueryRequest) text() (string, error) {
	q := strings.TrimSpace(r.Question)
	if q == "" {
		q = strings.TrimSpace(r.Query)
	}
	if q == "" {
		return "", errors.New("question is required")
	}
	return q, nil
}

// topK defaults to 5 and is capped at [MaxSourcesCap].
func (r QueryRequest) topK() int {
	k := r.TopK
	if k <= 0 {
		k = 5
	}
	if k > MaxSourcesCap {
		k = MaxSourcesCap
	}
	return k
}

// threshold defaults to 0.5 when unset.
func (r QueryRequest) threshold() float64 {
	if r.SimilarityThreshold <= 0 {
		return 0.5
	}
	return r.SimilarityThreshold
}

// QueryResponse is the result of one document search.
type QueryResponse struct {
	Results        []types.SourceDocument `json:"results"`
	TotalResults   int                    `json:"total_results"`
	ProcessingTime float64                `json:"processing_time"`
	QueryMetadata  map[string]any         `json:"query_metadata,omitempty"`
}

// BulkQueryRequest is the body of POST /api/v1/search/bulk. Parallel opts
// into bounded concurrent execution; the default is sequential.
type BulkQueryRequest struct {
	Queries  []QueryRequest `json:"queries" binding:"required"`
	ClassNum int            `json:"class_num"`
	Parallel bool           `json:"parallel"`
}

// BulkQueryResponse aggregates the per-query results of a bulk search.
type BulkQueryResponse struct {
	Results             []QueryResponse `json:"results"`
	TotalQueries        int             `json:"total_queries"`
	SuccessfulQueries   int             `json:"successful_queries"`
	FailedQueries       int             `json:"failed_queries"`
	TotalProcessingTime float64         `json:"total_processing_time"`
}

// CollectionInfo describes one class collection in the database status.
type CollectionInfo struct {
	Name          string `json:"name"`
	DocumentCount int    `json:"document_count"`
	ClassNumber   int    `json:"class_number"`
}

// DatabaseStatus is the vector store report returned by the admin surface.
type DatabaseStatus struct {
	Connected      bool             `json:"connected"`
	TotalDocuments int              `json:"total_documents"`
	Collections    []CollectionInfo `json:"collections"`
	Status         string           `json:"status"`
	LastUpdated    string           `json:"last_updated"`
}

// StatsResponse is the body of GET /api/v1/admin/stats.
type StatsResponse struct {
	TotalQueries          int64          `json:"total_queries"`
	CacheHitRate          float64        `json:"cache_hit_rate"`
	AverageProcessingTime float64        `json:"average_processing_time"`
	DatabaseStatus        DatabaseStatus `json:"database_status"`
	Uptime                float64        `json:"uptime"`
	Success               bool           `json:"success"`
	ErrorMessage          string         `json:"error_message,omitempty"`
}

// IndexDocument is one passage submitted for ingestion.
type IndexDocument struct {
	Content  string            `json:"content" binding:"required"`
	Subject  string            `json:"subject"`
	DocType  string            `json:"doc_type"`
	ChunkID  string            `json:"chunk_id"`
	Metadata map[string]string `json:"metadata"`
}

// BatchIndexRequest is the body of POST /api/v1/admin/index/batch.
type BatchIndexRequest struct {
	ClassNum  int             `json:"class_num" binding:"required"`
	Documents []IndexDocument `json:"documents" binding:"required"`
}

// BatchIndexResponse reports a batch ingestion outcome. Failures are
// per-document.
type BatchIndexResponse struct {
	ClassNum       int      `json:"class_num"`
	Indexed        int      `json:"indexed"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
	ProcessingTime float64  `json:"processing_time"`
}
