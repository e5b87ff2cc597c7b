package rpcapi

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/sage-edu/sage/internal/core"
	"github.com/sage-edu/sage/pkg/types"
	"github.com/sage-edu/sage/pkg/vectorindex"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "sage.v1.Sage"

// ChatRequest is the unary chat message.
type ChatRequest struct {
	Message             string                   `json:"message"`
	ClassNum            int                      `json:"class_num"`
	ConversationHistory []types.ConversationTurn `json:"conversation_history"`
	ConversationID      string                   `json:"conversation_id"`
}

// ChatResponse carries the answer. Domain failures are reported in-band via
// Success and ErrorMessage rather than as transport errors.
type ChatResponse struct {
	types.Answer
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SearchRequest is the document-search message. The query text may arrive as
// "question" or the legacy "query" spelling.
type SearchRequest struct {
	Question            string  `json:"question"`
	Query               string  `json:"query"`
	ClassNum            int     `json:"class_num"`
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// SearchResponse carries document-search results.
type SearchResponse struct {
	Results        []types.SourceDocument `json:"results"`
	TotalResults   int                    `json:"total_results"`
	ProcessingTime float64                `json:"processing_time"`
	Success        bool                   `json:"success"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
}

// HealthRequest is the empty health probe message.
type HealthRequest struct{}

// HealthResponse reports serving readiness.
type HealthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// StatsRequest is the empty stats message.
type StatsRequest struct{}

// StatsResponse carries the serving counters snapshot.
type StatsResponse struct {
	Stats        core.Stats `json:"stats"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// SageServer is the service contract registered on the gRPC server.
type SageServer interface {
	ProcessChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	SearchDocuments(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
	GetHealth(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
	GetStats(ctx context.Context, req *StatsRequest) (*StatsResponse, error)
}

// service implements [SageServer] over the coordinator.
type service struct {
	core *core.Coordinator
	log  *slog.Logger
}

// ProcessChat answers one chat question.
func (s *service) ProcessChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ans, err := s.core.Process(ctx, core.Request{
		Question:       req.Message,
		ClassNum:       req.ClassNum,
		History:        req.ConversationHistory,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		s.log.Warn("rpc chat failed", "error", err)
		return &ChatResponse{ErrorMessage: err.Error()}, nil
	}
	return &ChatResponse{Answer: ans, Success: true}, nil
}

// SearchDocuments runs one raw document search.
func (s *service) SearchDocuments(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		question = strings.TrimSpace(req.Query)
	}
	if question == "" {
		return &SearchResponse{ErrorMessage: "question is required"}, nil
	}
	if req.ClassNum != 0 && !vectorindex.ValidClass(req.ClassNum) {
		return &SearchResponse{ErrorMessage: "class_num must be between 1 and 12"}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	threshold := req.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	start := time.Now()
	docs, err := s.core.Planner().Search(ctx, question, req.ClassNum, topK, threshold)
	if err != nil {
		s.log.Warn("rpc search failed", "error", err)
		return &SearchResponse{ErrorMessage: "document search failed"}, nil
	}
	if docs == nil {
		docs = []types.SourceDocument{}
	}
	return &SearchResponse{
		Results:        docs,
		TotalResults:   len(docs),
		ProcessingTime: time.Since(start).Seconds(),
		Success:        true,
	}, nil
}

// GetHealth reports serving readiness.
func (s *service) GetHealth(ctx context.Context, _ *HealthRequest) (*HealthResponse, error) {
	ok, reason := s.core.Ready(ctx)
	status := "healthy"
	if !ok {
		status = "unhealthy"
	}
	return &HealthResponse{Status: status, Ready: ok, Reason: reason}, nil
}

// GetStats returns the serving counters snapshot.
func (s *service) GetStats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	return &StatsResponse{Stats: s.core.Stats(ctx), Success: true}, nil
}

// The handlers below take the place of generated stubs; the service has no
// .proto definition, so the descriptor is declared by hand.

func processChatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ChatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SageServer).ProcessChat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ProcessChat"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SageServer).ProcessChat(ctx, req.(*ChatRequest))
	})
}

func searchDocumentsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SearchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SageServer).SearchDocuments(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/SearchDocuments"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SageServer).SearchDocuments(ctx, req.(*SearchRequest))
	})
}

func getHealthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SageServer).GetHealth(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetHealth"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SageServer).GetHealth(ctx, req.(*HealthRequest))
	})
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SageServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetStats"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SageServer).GetStats(ctx, req.(*StatsRequest))
	})
}

// serviceDesc declares the service methods for registration.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessChat", Handler: processChatHandler},
		{MethodName: "SearchDocuments", Handler: searchDocumentsHandler},
		{MethodName: "GetHealth", Handler: getHealthHandler},
		{MethodName: "GetStats", Handler: getStatsHandler},
	},
	Streams: []grpc.StreamDesc{},
}
