// Package httpapi exposes the SAGE serving core over HTTP: the chat and
// search endpoints under /api/v1, the admin surface, the health probes, and
// the Prometheus scrape endpoint.
//
// Handlers carry no pipeline logic; every request is delegated to the
// [core.Coordinator] or the retrieval planner behind it.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sage-edu/sage/internal/core"
	"github.com/sage-edu/sage/internal/health"
	"github.com/sage-edu/sage/internal/observe"
)

// Server holds the handler dependencies. Construct with [New].
type Server struct {
	core    *core.Coordinator
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics enables telemetry recording on the ingestion endpoints.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates an API server over the given coordinator.
func New(coord *core.Coordinator, opts ...Option) *Server {
	s := &Server{
		core: coord,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	probes := health.New(health.Checker{
		Name: "coordinator",
		Check: func(ctx context.Context) error {
			if ok, reason := s.core.Ready(ctx); !ok {
				return errors.New(reason)
			}
			return nil
		},
	})
	r.GET("/healthz", gin.WrapF(probes.Healthz))
	r.GET("/readyz", gin.WrapF(probes.Readyz))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/health", gin.WrapF(probes.Healthz))
	v1.GET("/health/live", gin.WrapF(probes.Healthz))
	v1.GET("/health/ready", gin.WrapF(probes.Readyz))

	chat := v1.Group("/chat", optionalIdentity())
	chat.POST("/ask", s.AskQuestion)
	chat.POST("/ask/stream", s.AskQuestionStream)
	chat.GET("/suggestions", s.QuestionSuggestions)

	search := v1.Group("/search", requireIdentity())
	search.POST("/documents", s.SearchDocuments)
	search.GET("/topics", s.SearchTopics)
	search.GET("/class/:class_num/overview", s.ClassOverview)
	search.POST("/bulk", s.BulkSearch)

	admin := v1.Group("/admin", requireIdentity(), requireAdmin())
	admin.GET("/stats", s.AdminStats)
	admin.GET("/database/status", s.AdminDatabaseStatus)
	admin.GET("/health/detailed", s.AdminDetailedHealth)
	admin.GET("/metrics", s.AdminMetrics)
	admin.POST("/cache/clear", s.AdminClearCache)
	admin.POST("/index/batch", s.AdminBatchIndex)

	return r
}

// Handler returns the engine wrapped in the observability middleware when
// metrics are configured.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}
