package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/sage-edu/sage/pkg/types"
	"github.com/sage-edu/sage/pkg/vectorindex"
)

// topicThreshold is the relaxed similarity floor used for topic exploration.
const topicThreshold = 0.3

// bulkConcurrency bounds how many bulk queries run at once.
const bulkConcurrency = 3

var (
	errInvalidClassNum  = errors.New("class_num must be between 1 and 12")
	errSearchFailed     = errors.New("document search failed")
	errStoreUnavailable = errors.New("vector store is unavailable")
)

// SearchDocuments handles POST /api/v1/search/documents.
func (s *Server) SearchDocuments(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, status, err := s.runSearch(c.Request.Context(), req)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// runSearch executes one document search and shapes the response. On error
// it returns the HTTP status the failure maps to.
func (s *Server) runSearch(ctx context.Context, req QueryRequest) (QueryResponse, int, error) {
	question, err := req.text()
	if err != nil {
		return QueryResponse{}, http.StatusUnprocessableEntity, err
	}
	if req.ClassNum != 0 && !vectorindex.ValidClass(req.ClassNum) {
		return QueryResponse{}, http.StatusUnprocessableEntity, errInvalidClassNum
	}

	start := time.Now()
	docs, err := s.core.Planner().Search(ctx, question, req.ClassNum, req.topK(), req.threshold())
	if err != nil {
		s.log.Error("document search failed", "error", err)
		if errors.Is(err, vectorindex.ErrUnavailable) {
			return QueryResponse{}, http.StatusServiceUnavailable, errStoreUnavailable
		}
		return QueryResponse{}, http.StatusInternalServerError, errSearchFailed
	}
	if docs == nil {
		docs = []types.SourceDocument{}
	}

	return QueryResponse{
		Results:        docs,
		TotalResults:   len(docs),
		ProcessingTime: time.Since(start).Seconds(),
		QueryMetadata: map[string]any{
			"class_num":            req.ClassNum,
			"top_k":                req.topK(),
			"similarity_threshold": req.threshold(),
		},
	}, http.StatusOK, nil
}

// SearchTopics handles GET /api/v1/search/topics. Topic exploration uses a
// lower similarity threshold than document search.
func (s *Server) SearchTopics(c *gin.Context) {
	topic := c.Query("topic")
	classNum, _ := strconv.Atoi(c.Query("class_num"))
	limit := 5
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 && n <= MaxSourcesCap {
		limit = n
	}

	resp, status, err := s.runSearch(c.Request.Context(), QueryRequest{
		Question:            topic,
		ClassNum:            classNum,
		TopK:                limit,
		SimilarityThreshold: topicThreshold,
	})
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// overviewProbes are the queries used to sample a class collection's content.
var overviewProbes = []string{"introduction", "chapter", "definition", "example"}

// ClassOverview handles GET /api/v1/search/class/:class_num/overview. It
// reports the collection size and a small sample of its subjects.
func (s *Server) ClassOverview(c *gin.Context) {
	classNum, err := strconv.Atoi(c.Param("class_num"))
	if err != nil || !vectorindex.ValidClass(classNum) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errInvalidClassNum.Error()})
		return
	}

	count, err := s.core.Index().Count(c.Request.Context(), classNum)
	if err != nil {
		s.log.Error("collection count failed", "class", classNum, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get class overview"})
		return
	}
	if count == 0 {
		c.JSON(http.StatusOK, gin.H{
			"class_num":      classNum,
			"status":         "no_content",
			"document_count": 0,
			"subjects":       []string{},
			"sample_topics":  []gin.H{},
		})
		return
	}

	seen := make(map[string]bool)
	subjects := []string{}
	sampleTopics := []gin.H{}
probing:
	for _, probe := range overviewProbes {
		docs, err := s.core.Planner().Search(c.Request.Context(), probe, classNum, 2, 0.2)
		if err != nil {
			s.log.Warn("overview probe failed", "class", classNum, "probe", probe, "error", err)
			continue
		}
		for _, doc := range docs {
			subject := doc.Subject
			if subject == "" {
				subject = "general"
			}
			if seen[subject] {
				continue
			}
			seen[subject] = true
			subjects = append(subjects, subject)
			sampleTopics = append(sampleTopics, gin.H{
				"subject":         subject,
				"content_preview": preview(doc.Content, 200),
			})
			if len(sampleTopics) >= 5 {
				break probing
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"class_num":      classNum,
		"status":         "available",
		"document_count": count,
		"subjects":       subjects,
		"sample_topics":  sampleTopics,
	})
}

// BulkSearch handles POST /api/v1/search/bulk. Queries run sequentially by
// default, or concurrently with bounded parallelism when the request asks for
// it; either way a failed query yields an empty per-query result rather than
// failing the batch.
func (s *Server) BulkSearch(c *gin.Context) {
	var req BulkQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Queries) == 0 || len(req.Queries) > MaxBulkQueries {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "queries must contain between 1 and 50 entries"})
		return
	}
	for i := range req.Queries {
		if req.Queries[i].ClassNum == 0 {
			req.Queries[i].ClassNum = req.ClassNum
		}
	}

	ctx := c.Request.Context()
	start := time.Now()
	results := make([]QueryResponse, len(req.Queries))
	var successful, failed int
	if req.Parallel {
		successful, failed = s.bulkParallel(ctx, req.Queries, results)
	} else {
		for i, query := range req.Queries {
			if resp, ok := s.bulkQuery(ctx, i, query); ok {
				results[i] = resp
				successful++
			} else {
				results[i] = resp
				failed++
			}
		}
	}

	c.JSON(http.StatusOK, BulkQueryResponse{
		Results:             results,
		TotalQueries:        len(req.Queries),
		SuccessfulQueries:   successful,
		FailedQueries:       failed,
		TotalProcessingTime: time.Since(start).Seconds(),
	})
}

// bulkParallel runs the queries with at most bulkConcurrency in flight and
// fills results in place.
func (s *Server) bulkParallel(ctx context.Context, queries []QueryRequest, results []QueryResponse) (successful, failed int) {
	sem := semaphore.NewWeighted(bulkConcurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, query := range queries {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, query QueryRequest) {
			defer wg.Done()
			defer sem.Release(1)

			resp, ok := s.bulkQuery(ctx, i, query)
			mu.Lock()
			defer mu.Unlock()
			results[i] = resp
			if ok {
				successful++
			} else {
				failed++
			}
		}(i, query)
	}
	wg.Wait()
	return successful, failed
}

// bulkQuery runs one bulk entry, converting failure into an empty response
// tagged with the query index.
func (s *Server) bulkQuery(ctx context.Context, i int, query QueryRequest) (QueryResponse, bool) {
	resp, _, err := s.runSearch(ctx, query)
	if err != nil {
		return QueryResponse{
			Results:       []types.SourceDocument{},
			QueryMetadata: map[string]any{"error": err.Error(), "query_index": i},
		}, false
	}
	return resp, true
}

// preview shortens content for overview responses.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
