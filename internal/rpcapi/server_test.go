package rpcapi_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sage-edu/sage/internal/core"
	"github.com/sage-edu/sage/internal/generate"
	"github.com/sage-edu/sage/internal/promptbuild"
	"github.com/sage-edu/sage/internal/retrieval"
	"github.com/sage-edu/sage/internal/rpcapi"
	mmock "github.com/sage-edu/sage/pkg/provider/model/mock"
	"github.com/sage-edu/sage/pkg/vectorindex"
	vmock "github.com/sage-edu/sage/pkg/vectorindex/mock"
)

const answerText = "Photosynthesis is the process by which green plants convert sunlight into chemical energy stored as glucose."

func scienceIndex() *vmock.Index {
	return &vmock.Index{
		QueryResults: map[int][]vectorindex.Candidate{
			10: {
				{Content: "Photosynthesis converts light energy into glucose in green plants.", Subject: "science", Distance: 0.10},
				{Content: "Chlorophyll absorbs light for the photosynthesis reaction in leaf cells.", Subject: "science", Distance: 0.15},
			},
		},
		CountResults: map[int]int{10: 200},
	}
}

// dial starts a server over mocks and returns a client connection speaking
// the JSON content subtype.
func dial(t *testing.T, idx *vmock.Index, m *mmock.Provider) *grpc.ClientConn {
	t.Helper()

	coord := core.New(idx,
		retrieval.New(idx),
		promptbuild.New(2048, 512),
		generate.New(m),
	)
	srv := rpcapi.New(coord)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, req, resp any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Invoke(ctx, "/"+rpcapi.ServiceName+"/"+method, req, resp); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

func TestProcessChat(t *testing.T) {
	conn := dial(t, scienceIndex(), &mmock.Provider{CompleteResult: answerText})

	var resp rpcapi.ChatResponse
	invoke(t, conn, "ProcessChat", &rpcapi.ChatRequest{
		Message:  "What is photosynthesis?",
		ClassNum: 10,
	}, &resp)

	if !resp.Success {
		t.Fatalf("success = false, error = %q", resp.ErrorMessage)
	}
	if resp.Text != answerText {
		t.Errorf("answer = %q", resp.Text)
	}
	if len(resp.Sources) != 2 || resp.Confidence != 0.5 {
		t.Errorf("sources = %d, confidence = %v", len(resp.Sources), resp.Confidence)
	}
}

func TestProcessChatValidationError(t *testing.T) {
	conn := dial(t, scienceIndex(), &mmock.Provider{CompleteResult: answerText})

	var resp rpcapi.ChatResponse
	invoke(t, conn, "ProcessChat", &rpcapi.ChatRequest{Message: "   "}, &resp)

	if resp.Success {
		t.Fatal("empty question must not succeed")
	}
	if !strings.Contains(resp.ErrorMessage, "question") {
		t.Errorf("error_message = %q", resp.ErrorMessage)
	}
}

func TestSearchDocuments(t *testing.T) {
	conn := dial(t, scienceIndex(), &mmock.Provider{})

	var resp rpcapi.SearchResponse
	invoke(t, conn, "SearchDocuments", &rpcapi.SearchRequest{
		Question: "photosynthesis",
		ClassNum: 10,
	}, &resp)

	if !resp.Success || resp.TotalResults != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Results[0].Rank != 1 {
		t.Errorf("first rank = %d", resp.Results[0].Rank)
	}

	// Legacy field spelling.
	resp = rpcapi.SearchResponse{}
	invoke(t, conn, "SearchDocuments", &rpcapi.SearchRequest{
		Query:    "photosynthesis",
		ClassNum: 10,
	}, &resp)
	if !resp.Success {
		t.Errorf("query alias rejected: %q", resp.ErrorMessage)
	}

	resp = rpcapi.SearchResponse{}
	invoke(t, conn, "SearchDocuments", &rpcapi.SearchRequest{ClassNum: 10}, &resp)
	if resp.Success {
		t.Error("missing question must not succeed")
	}
}

func TestGetHealth(t *testing.T) {
	conn := dial(t, scienceIndex(), &mmock.Provider{})

	var resp rpcapi.HealthResponse
	invoke(t, conn, "GetHealth", &rpcapi.HealthRequest{}, &resp)
	if !resp.Ready || resp.Status != "healthy" {
		t.Errorf("health = %+v", resp)
	}
}

func TestGetHealthCorruptIndex(t *testing.T) {
	idx := scienceIndex()
	idx.Health = vectorindex.Corrupt
	conn := dial(t, idx, &mmock.Provider{})

	var resp rpcapi.HealthResponse
	invoke(t, conn, "GetHealth", &rpcapi.HealthRequest{}, &resp)
	if resp.Ready || resp.Status != "unhealthy" {
		t.Errorf("health = %+v", resp)
	}
	if resp.Reason == "" {
		t.Error("an unready response must carry a reason")
	}
}

func TestGetStats(t *testing.T) {
	conn := dial(t, scienceIndex(), &mmock.Provider{CompleteResult: answerText})

	var chat rpcapi.ChatResponse
	invoke(t, conn, "ProcessChat", &rpcapi.ChatRequest{
		Message:  "What is photosynthesis?",
		ClassNum: 10,
	}, &chat)

	var resp rpcapi.StatsResponse
	invoke(t, conn, "GetStats", &rpcapi.StatsRequest{}, &resp)
	if !resp.Success {
		t.Fatalf("success = false, error = %q", resp.ErrorMessage)
	}
	if resp.Stats.TotalQueries != 1 {
		t.Errorf("total_queries = %d, want 1", resp.Stats.TotalQueries)
	}
	if resp.Stats.IndexHealth != "healthy" {
		t.Errorf("index_health = %q", resp.Stats.IndexHealth)
	}
}
