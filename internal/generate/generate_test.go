package generate_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sage-edu/sage/internal/generate"
	"github.com/sage-edu/sage/pkg/provider/model"
	"github.com/sage-edu/sage/pkg/provider/model/mock"
	"github.com/sage-edu/sage/pkg/types"
)

func sources(n int) []types.SourceDocument {
	out := make([]types.SourceDocument, n)
	for i := range out {
		out[i] = types.SourceDocument{
			Content:     "The sum of angles in a triangle is 180 degrees, a core result in geometry.",
			Subject:     "mathematics",
			SourceClass: 10,
			Similarity:  0.85,
			Rank:        i + 1,
		}
	}
	return out
}

func TestDefaultParams(t *testing.T) {
	p := generate.DefaultParams(512)
	if p.Temperature != 0.2 || p.TopP != 0.9 || p.TopK != 40 || p.RepeatPenalty != 1.15 {
		t.Errorf("unexpected decoding parameters: %+v", p)
	}
	if p.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want 512", p.MaxTokens)
	}
	found := false
	for _, s := range p.StopSequences {
		if s == "Question:" {
			found = true
		}
	}
	if !found {
		t.Error("default stop sequences must include \"Question:\"")
	}
}

func TestAnswerHappyPath(t *testing.T) {
	m := &mock.Provider{CompleteResult: "The angles of a triangle always add up to 180 degrees."}
	c := generate.New(m)

	ans, err := c.Answer(context.Background(), "prompt", "question", sources(2), types.ModeGrounded)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "The angles of a triangle always add up to 180 degrees." {
		t.Errorf("unexpected text: %q", ans.Text)
	}
	if ans.ModeUsed != types.ModeGrounded {
		t.Errorf("mode = %q", ans.ModeUsed)
	}
	if ans.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5 for two sources", ans.Confidence)
	}
	if m.CallCount("Complete") != 1 {
		t.Errorf("Complete called %d times", m.CallCount("Complete"))
	}
}

func TestAnswerDecodeFailureFallsBack(t *testing.T) {
	decodeErr := model.Classify(errors.New("llama_decode returned -1"))
	m := &mock.Provider{
		FailFirstComplete: decodeErr,
		CompleteResult:    "Triangles have an angle sum of 180 degrees in Euclidean geometry.",
	}
	c := generate.New(m)

	ans, err := c.Answer(context.Background(), "prompt", "angle sum?", sources(2), types.ModeGrounded)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.ModeUsed != types.ModeSimpleFallback {
		t.Errorf("mode = %q, want simple_fallback", ans.ModeUsed)
	}
	if m.CallCount("Complete") != 2 {
		t.Fatalf("expected retry with the simple prompt, got %d calls", m.CallCount("Complete"))
	}
	retry := m.Calls()[1]
	if !strings.Contains(retry.Prompt, "[Source 1]:") {
		t.Error("fallback prompt must enumerate sources")
	}
	if retry.Params.MaxTokens != 160 || retry.Params.Temperature != 0.3 {
		t.Errorf("fallback must use conservative params: %+v", retry.Params)
	}
}

func TestAnswerDecodeFailureWithoutSources(t *testing.T) {
	m := &mock.Provider{CompleteErr: model.Classify(errors.New("GGML_ASSERT failed"))}
	c := generate.New(m)

	ans, err := c.Answer(context.Background(), "prompt", "q", nil, types.ModePureLLM)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != generate.ProcessingErrorMessage {
		t.Errorf("expected the fixed processing-error message, got %q", ans.Text)
	}
	if ans.Confidence != 0 {
		t.Errorf("confidence without sources must be 0, got %v", ans.Confidence)
	}
}

func TestAnswerExtractiveLastResort(t *testing.T) {
	m := &mock.Provider{CompleteErr: model.Classify(errors.New("llama_decode returned -3"))}
	c := generate.New(m)

	src := sources(1)
	ans, err := c.Answer(context.Background(), "prompt", "q", src, types.ModeGrounded)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !strings.HasPrefix(ans.Text, "Based on the NCERT curriculum:") {
		t.Errorf("expected extractive bullets, got %q", ans.Text)
	}
	if !strings.Contains(ans.Text, "• ") || !strings.Contains(ans.Text, "(Class 10)") {
		t.Errorf("bullet must cite the source class: %q", ans.Text)
	}
}

func TestAnswerPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := generate.New(&mock.Provider{CompleteResult: "x"})

	if _, err := c.Answer(ctx, "prompt", "q", nil, types.ModeGrounded); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestConfidenceFormula(t *testing.T) {
	cases := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0.4},
		{3, 0.6},
		{4, 0.7},
		{9, 0.7}, // capped
	}
	for _, tc := range cases {
		if got := generate.Confidence(sources(tc.n)); got != tc.want {
			t.Errorf("Confidence(%d sources) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestPostprocessStripsArtifacts(t *testing.T) {
	raw := "Answer: Photosynthesis converts light energy into chemical energy in plants."
	got := generate.Postprocess(raw, nil)
	if strings.HasPrefix(got, "Answer:") {
		t.Errorf("leading label survived: %q", got)
	}

	raw = "Photosynthesis converts light energy into chemical energy.\nView Sources (5)\nNCERT"
	got = generate.Postprocess(raw, nil)
	if strings.Contains(got, "View Sources") || strings.Contains(got, "NCERT\n") {
		t.Errorf("UI artifact lines survived: %q", got)
	}
}

func TestPostprocessLeakedInstructions(t *testing.T) {
	raw := "IMPORTANT RULES apply here: only answer questions about the curriculum."
	if got := generate.Postprocess(raw, nil); got != generate.LeakedPromptMessage {
		t.Errorf("leaked prompt must be replaced, got %q", got)
	}
}

func TestPostprocessShortAnswer(t *testing.T) {
	if got := generate.Postprocess("42.", nil); got != generate.InsufficientInfoMessage {
		t.Errorf("short answer must be replaced, got %q", got)
	}
}

func TestPostprocessKeepsRefusals(t *testing.T) {
	raw := "I don't have information about this topic; it is outside the curriculum."
	if got := generate.Postprocess(raw, nil); got != raw {
		t.Errorf("legitimate refusal must pass unmodified, got %q", got)
	}
}

func TestPostprocessLowRelevanceDisclaimer(t *testing.T) {
	weak := sources(2)
	weak[0].Similarity = 0.2
	weak[1].Similarity = 0.25

	got := generate.Postprocess("Plants use sunlight to synthesize food from carbon dioxide and water.", weak)
	if !strings.Contains(got, "limited relevant materials") {
		t.Errorf("low-relevance answer must carry the disclaimer: %q", got)
	}

	strong := sources(2)
	got = generate.Postprocess("Plants use sunlight to synthesize food from carbon dioxide and water.", strong)
	if strings.Contains(got, "limited relevant materials") {
		t.Errorf("high-relevance answer must not carry the disclaimer: %q", got)
	}
}

func TestIsCalculationProblem(t *testing.T) {
	calc := []string{
		"Find the height of the tower if the angle of elevation is 30°",
		"A train travels 120 km in 2 hours. Calculate its speed.",
		"From a point on the ground, the angle of elevation is 45 degrees. Find the distance.",
	}
	for _, q := range calc {
		if !generate.IsCalculationProblem(q) {
			t.Errorf("IsCalculationProblem(%q) = false, want true", q)
		}
	}

	notCalc := []string{
		"What is photosynthesis?",
		"Explain the concept of velocity",   // indicator-like word, no number or unit
		"Find the main theme of the poem",   // indicator, no numeric evidence
		"India gained independence in 1947", // number, no indicator
	}
	for _, q := range notCalc {
		if generate.IsCalculationProblem(q) {
			t.Errorf("IsCalculationProblem(%q) = true, want false", q)
		}
	}
}

func TestSelectMode(t *testing.T) {
	cases := []struct {
		question string
		want     types.Mode
	}{
		{"What is photosynthesis?", types.ModeGrounded},
		{"Find the angle of elevation of a tower 20 m high", types.ModeStepByStep},
		{"Calculate 15% of 200, show steps", types.ModeStepByStep},
		{"How many states are there if a country has 28 regions", types.ModePureLLM},
	}
	for _, tc := range cases {
		if got := generate.SelectMode(tc.question); got != tc.want {
			t.Errorf("SelectMode(%q) = %q, want %q", tc.question, got, tc.want)
		}
	}
}
