package stream_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sage-edu/sage/internal/stream"
	"github.com/sage-edu/sage/pkg/types"
)

func TestEncodeSSEFraming(t *testing.T) {
	frame, err := stream.EncodeSSE(stream.Status(stream.StatusRetrieving))
	if err != nil {
		t.Fatalf("EncodeSSE: %v", err)
	}
	s := string(frame)
	if !strings.HasPrefix(s, "data: ") {
		t.Errorf("frame must start with the data prefix: %q", s)
	}
	if !strings.HasSuffix(s, "\n\n") {
		t.Errorf("frame must end with a blank line: %q", s)
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(s), "data: ")), &ev); err != nil {
		t.Fatalf("frame payload is not JSON: %v", err)
	}
	if ev["type"] != "status" || ev["message"] != stream.StatusRetrieving {
		t.Errorf("unexpected payload: %v", ev)
	}
}

func TestMetadataSerializesZeroConfidence(t *testing.T) {
	frame, err := stream.EncodeSSE(stream.Metadata(1.25, 0))
	if err != nil {
		t.Fatalf("EncodeSSE: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := ev["confidence"]; !ok {
		t.Error("zero confidence must still be present in the metadata event")
	}
	if ev["processing_time"] != 1.25 {
		t.Errorf("processing_time = %v", ev["processing_time"])
	}
}

func TestTokenAndDoneEvents(t *testing.T) {
	frame, _ := stream.EncodeSSE(stream.Token("hello "))
	if !strings.Contains(string(frame), `"content":"hello "`) {
		t.Errorf("token payload wrong: %s", frame)
	}

	frame, _ = stream.EncodeSSE(stream.Done())
	if !strings.Contains(string(frame), `"done":true`) {
		t.Errorf("done payload wrong: %s", frame)
	}
	if strings.Contains(string(frame), `"type"`) {
		t.Errorf("done marker must not carry a type: %s", frame)
	}
}

func TestSourcesEvent(t *testing.T) {
	docs := []types.SourceDocument{{Content: "c", Similarity: 0.9, Rank: 1}}
	frame, _ := stream.EncodeSSE(stream.Sources(docs))
	if !strings.Contains(string(frame), `"type":"sources"`) || !strings.Contains(string(frame), `"rank":1`) {
		t.Errorf("sources payload wrong: %s", frame)
	}
}

func TestHeaders(t *testing.T) {
	h := stream.Headers()
	if h["Content-Type"] != "text/event-stream" {
		t.Errorf("Content-Type = %q", h["Content-Type"])
	}
	if h["X-Accel-Buffering"] != "no" {
		t.Error("proxy buffering must be disabled")
	}
}
