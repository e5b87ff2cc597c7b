package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sage-edu/sage/pkg/vectorindex"
)

// AdminStats handles GET /api/v1/admin/stats. The cache hit rate is served
// as a percentage; the coordinator tracks it as a fraction.
func (s *Server) AdminStats(c *gin.Context) {
	user := currentUser(c)
	s.log.Info("stats request", "admin", user.Username)

	stats := s.core.Stats(c.Request.Context())
	c.JSON(http.StatusOK, StatsResponse{
		TotalQueries:          stats.TotalQueries,
		CacheHitRate:          stats.CacheHitRate * 100,
		AverageProcessingTime: stats.AvgProcessingTime,
		DatabaseStatus:        s.databaseStatus(c.Request.Context()),
		Uptime:                stats.UptimeSeconds,
		Success:               true,
	})
}

// AdminDatabaseStatus handles GET /api/v1/admin/database/status.
func (s *Server) AdminDatabaseStatus(c *gin.Context) {
	user := currentUser(c)
	s.log.Info("database status request", "admin", user.Username)

	c.JSON(http.StatusOK, s.databaseStatus(c.Request.Context()))
}

// databaseStatus assembles the vector store report. Collections that fail to
// report are omitted rather than failing the whole status.
func (s *Server) databaseStatus(ctx context.Context) DatabaseStatus {
	status := DatabaseStatus{
		Collections: []CollectionInfo{},
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}

	health, err := s.core.Index().IntegrityCheck(ctx)
	if err != nil {
		status.Status = "unreachable"
		return status
	}
	status.Connected = true
	status.Status = health.String()

	for classNum := vectorindex.MinClass; classNum <= vectorindex.MaxClass; classNum++ {
		n, err := s.core.Index().Count(ctx, classNum)
		if err != nil {
			s.log.Warn("collection count failed", "class", classNum, "error", err)
			continue
		}
		status.Collections = append(status.Collections, CollectionInfo{
			Name:          vectorindex.CollectionName(classNum),
			DocumentCount: n,
			ClassNumber:   classNum,
		})
		status.TotalDocuments += n
	}
	return status
}

// AdminDetailedHealth handles GET /api/v1/admin/health/detailed. It reports
// per-component health plus an aggregated overall status.
func (s *Server) AdminDetailedHealth(c *gin.Context) {
	ctx := c.Request.Context()

	coordinatorHealth := gin.H{"status": "healthy"}
	if ok, reason := s.core.Ready(ctx); !ok {
		coordinatorHealth = gin.H{"status": "unhealthy", "error": reason}
	}

	db := s.databaseStatus(ctx)
	databaseHealth := gin.H{
		"status":            "unhealthy",
		"total_collections": len(db.Collections),
		"total_documents":   db.TotalDocuments,
		"collections":       db.Collections,
	}
	if db.Connected && db.Status == vectorindex.Healthy.String() {
		databaseHealth["status"] = "healthy"
	}

	stats := s.core.Stats(ctx)
	performanceHealth := gin.H{
		"status":                  "healthy",
		"total_queries":           stats.TotalQueries,
		"cache_hit_rate":          stats.CacheHitRate * 100,
		"average_processing_time": stats.AvgProcessingTime,
		"uptime":                  stats.UptimeSeconds,
	}

	overall := "healthy"
	if coordinatorHealth["status"] != "healthy" || databaseHealth["status"] != "healthy" {
		overall = "unhealthy"
	}

	c.JSON(http.StatusOK, gin.H{
		"overall_status": overall,
		"components": gin.H{
			"coordinator": coordinatorHealth,
			"database":    databaseHealth,
			"performance": performanceHealth,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminMetrics handles GET /api/v1/admin/metrics. This is a JSON summary for
// dashboards; Prometheus scraping uses /metrics instead.
func (s *Server) AdminMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	stats := s.core.Stats(ctx)
	db := s.databaseStatus(ctx)

	c.JSON(http.StatusOK, gin.H{
		"metrics": gin.H{
			"rag_total_queries":           stats.TotalQueries,
			"rag_cache_hit_rate":          stats.CacheHitRate * 100,
			"rag_average_processing_time": stats.AvgProcessingTime,
			"rag_uptime_seconds":          stats.UptimeSeconds,
			"database_total_documents":    db.TotalDocuments,
			"database_total_collections":  len(db.Collections),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminClearCache handles POST /api/v1/admin/cache/clear.
func (s *Server) AdminClearCache(c *gin.Context) {
	user := currentUser(c)
	cleared := s.core.ClearCache()
	s.log.Info("cache cleared", "admin", user.Username, "items", cleared)

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"message":       "Cache cleared successfully",
		"items_cleared": cleared,
		"cleared_by":    user.Username,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminBatchIndex handles POST /api/v1/admin/index/batch. Documents are
// stored individually; partial success is reported per item.
func (s *Server) AdminBatchIndex(c *gin.Context) {
	var req BatchIndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !vectorindex.ValidClass(req.ClassNum) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errInvalidClassNum.Error()})
		return
	}
	if len(req.Documents) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "documents must not be empty"})
		return
	}

	docs := make([]vectorindex.Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = vectorindex.Document{
			Content:  d.Content,
			Subject:  d.Subject,
			DocType:  d.DocType,
			ChunkID:  d.ChunkID,
			Metadata: d.Metadata,
		}
	}

	start := time.Now()
	result, err := s.core.Index().BatchInsert(c.Request.Context(), req.ClassNum, docs)
	if err != nil {
		s.log.Error("batch insert failed", "class", req.ClassNum, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Batch indexing failed"})
		return
	}

	resp := BatchIndexResponse{
		ClassNum:       req.ClassNum,
		Indexed:        len(result.IDs),
		ProcessingTime: time.Since(start).Seconds(),
	}
	for _, e := range result.Errors {
		if e != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, e.Error())
		}
	}

	if s.metrics != nil && resp.Indexed > 0 {
		s.metrics.DocumentsIndexed.Add(c.Request.Context(), int64(resp.Indexed),
			metric.WithAttributes(attribute.Int("class", req.ClassNum)),
		)
	}

	user := currentUser(c)
	s.log.Info("batch index complete", "admin", user.Username,
		"class", req.ClassNum, "indexed", resp.Indexed, "failed", resp.Failed)
	c.JSON(http.StatusOK, resp)
}
