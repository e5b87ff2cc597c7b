// Package generate runs the language model and shapes its raw output into a
// final answer.
//
// The controller serializes access to the single model handle, applies the
// fixed low-temperature decoding parameters, post-processes the raw text
// (artifact stripping, leak detection, length and relevance checks), and
// degrades to a simple extraction-based answer when decoding fails.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/sage-edu/sage/internal/guardrails"
	"github.com/sage-edu/sage/pkg/provider/model"
	"github.com/sage-edu/sage/pkg/types"
)

// Fixed user-facing messages.
const (
	// InsufficientInfoMessage replaces answers shorter than 20 characters.
	InsufficientInfoMessage = "I don't have enough information about this topic in the NCERT curriculum materials. Please try asking about a different topic from the curriculum."

	// LeakedPromptMessage replaces answers that echo system instructions.
	LeakedPromptMessage = "I'm here to help with NCERT curriculum questions (Classes 1-12) such as:\n- Mathematics concepts and problems\n- Science topics and experiments\n- English language and literature\n- Social Studies and history\n\nPlease ask me a question about your coursework!"

	// ProcessingErrorMessage is returned when decoding fails and no sources
	// exist to fall back on.
	ProcessingErrorMessage = "I encountered a processing error while generating an answer. Please try asking a simpler question or reformulate your query."

	// LimitedMaterialsNote is appended when retrieved context was weak.
	LimitedMaterialsNote = "\n\nNote: This answer is based on limited relevant materials. For a more detailed explanation, please refer to your textbook or ask your teacher."
)

// DefaultMaxTokens is the completion budget used without an override.
const DefaultMaxTokens = 512

// lowRelevanceThreshold is the mean source similarity below which the
// limited-materials note is appended.
const lowRelevanceThreshold = 0.3

// DefaultParams returns the fixed decoding parameters of the answer path.
func DefaultParams(maxTokens int) model.Params {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return model.Params{
		MaxTokens:     maxTokens,
		Temperature:   0.2,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.15,
		StopSequences: model.DefaultStopSequences(),
	}
}

// fallbackParams are the conservative settings of the simple-answer path.
func fallbackParams() model.Params {
	return model.Params{
		MaxTokens:     160,
		Temperature:   0.3,
		TopP:          0.8,
		TopK:          20,
		RepeatPenalty: 1.2,
		StopSequences: []string{"\n\n", "Question:", "Source", "Answer Format:", "Conceptual:", "Previous Conversation:"},
	}
}

// Controller owns the model handle. All generation flows through its mutex,
// matching the single-context constraint of a locally loaded model.
type Controller struct {
	provider  model.Provider
	log       *slog.Logger
	maxTokens int

	mu sync.Mutex
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithMaxTokens overrides the completion token budget.
func WithMaxTokens(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// New creates a Controller over provider.
func New(provider model.Provider, opts ...Option) *Controller {
	c := &Controller{
		provider:  provider,
		log:       slog.Default(),
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxTokens returns the configured completion budget.
func (c *Controller) MaxTokens() int { return c.maxTokens }

// Answer completes prompt and returns the post-processed result. mode is the
// prompt strategy that produced the text; when decoding fails and sources
// exist, the mode degrades to [types.ModeSimpleFallback].
func (c *Controller) Answer(ctx context.Context, prompt, question string, sources []types.SourceDocument, mode types.Mode) (types.Answer, error) {
	c.mu.Lock()
	raw, err := c.provider.Complete(ctx, prompt, DefaultParams(c.maxTokens))
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return types.Answer{}, err
		}
		if errors.Is(err, model.ErrDecodeFailure) || errors.Is(err, model.ErrOutOfMemory) {
			c.log.Error("model computation error", "error", err)
			return c.simpleFallback(ctx, question, sources)
		}
		return types.Answer{}, fmt.Errorf("generate: %w", err)
	}

	return types.Answer{
		Text:       Postprocess(raw, sources),
		Sources:    sources,
		Confidence: Confidence(sources),
		ModeUsed:   mode,
	}, nil
}

// StreamTokens starts a streaming completion. The model mutex is held until
// the returned channel is drained or the context is cancelled.
func (c *Controller) StreamTokens(ctx context.Context, prompt string) (<-chan model.Chunk, error) {
	c.mu.Lock()
	chunks, err := c.provider.Stream(ctx, prompt, DefaultParams(c.maxTokens))
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("generate: stream: %w", err)
	}

	out := make(chan model.Chunk)
	go func() {
		defer c.mu.Unlock()
		defer close(out)
		for chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Fallback produces a degraded answer after a failed generation attempt:
// a retry with conservative parameters over a minimal prompt, then bullets
// extracted straight from the sources.
func (c *Controller) Fallback(ctx context.Context, question string, sources []types.SourceDocument) (types.Answer, error) {
	return c.simpleFallback(ctx, question, sources)
}

// simpleFallback retries with conservative parameters over a minimal prompt,
// then falls back to extracting bullets straight from the sources.
func (c *Controller) simpleFallback(ctx context.Context, question string, sources []types.SourceDocument) (types.Answer, error) {
	if len(sources) == 0 {
		return types.Answer{
			Text:     ProcessingErrorMessage,
			ModeUsed: types.ModeSimpleFallback,
		}, nil
	}

	c.mu.Lock()
	raw, err := c.provider.Complete(ctx, simplePrompt(question, sources), fallbackParams())
	c.mu.Unlock()

	text := strings.TrimSpace(raw)
	if err != nil || len(text) <= 20 {
		if err != nil {
			c.log.Error("simple generation failed", "error", err)
		}
		text = extractiveAnswer(sources)
	}

	return types.Answer{
		Text:       text,
		Sources:    sources,
		Confidence: Confidence(sources),
		ModeUsed:   types.ModeSimpleFallback,
	}, nil
}

// simplePrompt builds the short fallback prompt over at most three sources,
// each capped at 300 characters.
func simplePrompt(question string, sources []types.SourceDocument) string {
	var b strings.Builder
	b.WriteString("Based on this curriculum information, answer the question briefly:\n\n")
	for i, src := range sources {
		if i == 3 {
			break
		}
		content := src.Content
		if len(content) > 300 {
			content = content[:300]
		}
		fmt.Fprintf(&b, "[Source %d]: %s\n\n", i+1, content)
	}
	fmt.Fprintf(&b, "Question: %s\n\nAnswer:", question)
	return b.String()
}

// extractiveAnswer formats up to two sources as bullets when even the simple
// generation path is unusable. Each bullet is cut at the first sentence end
// after 150 characters, or hard-capped at 200.
func extractiveAnswer(sources []types.SourceDocument) string {
	var b strings.Builder
	b.WriteString("Based on the NCERT curriculum:\n\n")
	for i, src := range sources {
		if i == 2 {
			break
		}
		content := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(src.Content, "|", ""), "  ", " "))
		if content == "" {
			continue
		}
		if len(content) > 200 {
			if end := strings.Index(content[150:], ". "); end >= 0 {
				content = content[:150+end+1]
			} else {
				content = content[:200] + "..."
			}
		}
		b.WriteString("• " + content)
		if src.SourceClass > 0 {
			fmt.Fprintf(&b, " (Class %d)", src.SourceClass)
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// Confidence scores an answer by its citation count: 0.3 plus 0.1 per
// source, capped at 0.7, and zero without sources.
func Confidence(sources []types.SourceDocument) float64 {
	if len(sources) == 0 {
		return 0
	}
	tenths := 3 + len(sources)
	if tenths > 7 {
		tenths = 7
	}
	return float64(tenths) / 10
}

// ── output post-processing ──

// promptArtifacts are template labels the model sometimes echoes.
var promptArtifacts = []string{
	"Educational Answer:", "Answer:", "Response:", "Based on the context:",
	"According to the NCERT materials:", "From the curriculum:", "Your Response:",
	"IMPORTANT RULES:", "NOTE:", "You MUST inform", "Answer Format:", "Conceptual:",
	"Math/Physics/Chemistry:", "Previous Conversation:", "CRITICAL INSTRUCTION:", "NCERT Context:",
}

// uiArtifacts are widget captions clients sometimes echo back into prompts.
var uiArtifacts = map[string]bool{
	"NCERT":            true,
	"View Sources":     true,
	"View Sources (5)": true,
}

// leakedInstructions mark answers that reproduced the system prompt.
var leakedInstructions = []string{
	"only answer questions",
	"important rules",
	"if the question is not",
	"when no relevant context",
	"do not make up",
	"you must inform",
}

// refusalPatterns are legitimate model refusals that must pass unmodified.
var refusalPatterns = []string{
	"i don't have information",
	"not in the curriculum",
	"not covered in",
	"cannot provide information",
	"outside my knowledge",
	"outside the curriculum",
	"not part of ncert",
}

// Postprocess cleans raw model output: strips echoed template labels and UI
// captions, replaces leaked-instruction and too-short answers with fixed
// messages, and appends the limited-materials note when the retrieved
// context scored low.
func Postprocess(raw string, sources []types.SourceDocument) string {
	answer := strings.TrimSpace(raw)

	for _, artifact := range promptArtifacts {
		if strings.HasPrefix(answer, artifact) {
			answer = strings.TrimSpace(answer[len(artifact):])
		}
	}

	var kept []string
	for _, line := range strings.Split(answer, "\n") {
		stripped := strings.TrimSpace(line)
		if uiArtifacts[stripped] || startsWithArtifact(stripped) {
			continue
		}
		kept = append(kept, line)
	}
	answer = strings.TrimSpace(strings.Join(kept, "\n"))

	lower := strings.ToLower(answer)
	for _, leak := range leakedInstructions {
		if strings.Contains(lower, leak) {
			return LeakedPromptMessage
		}
	}

	if len(answer) < 20 {
		return InsufficientInfoMessage
	}

	for _, pattern := range refusalPatterns {
		if strings.Contains(lower, pattern) {
			return answer
		}
	}

	if len(sources) > 0 && meanSimilarity(sources) < lowRelevanceThreshold {
		answer += LimitedMaterialsNote
	}
	return answer
}

func startsWithArtifact(line string) bool {
	for _, artifact := range promptArtifacts {
		if strings.HasPrefix(line, artifact) {
			return true
		}
	}
	return false
}

func meanSimilarity(sources []types.SourceDocument) float64 {
	sum := 0.0
	for _, s := range sources {
		sum += s.Similarity
	}
	return sum / float64(len(sources))
}

// ── calculation-problem detection ──

// calculationIndicators are phrases marking a numeric word problem.
var calculationIndicators = []string{
	"find the", "calculate", "compute", "solve for", "what is the value",
	"determine the", "angle of elevation", "angle of depression",
	"distance from", "height of", "speed of", "velocity", "acceleration",
	"how many", "how much", "how long", "if a", "from a point",
	"from another point", "tower stands", "building stands",
	"ball is thrown", "object is thrown", "train travels", "car moves",
	"given that", "such that",
}

// unitTokens are measurement fragments that count as numeric evidence.
var unitTokens = []string{" m ", " km ", " cm ", "°", " degree", " meter", " second"}

// IsCalculationProblem reports whether question is a numeric word problem:
// it must carry an indicator phrase and either a digit or a unit token.
// Such questions skip retrieval and are answered from model knowledge.
func IsCalculationProblem(question string) bool {
	lower := strings.ToLower(question)

	indicator := false
	for _, phrase := range calculationIndicators {
		if strings.Contains(lower, phrase) {
			indicator = true
			break
		}
	}
	if !indicator {
		return false
	}

	if strings.ContainsFunc(lower, unicode.IsDigit) {
		return true
	}
	for _, unit := range unitTokens {
		if strings.Contains(lower, unit) {
			return true
		}
	}
	return false
}

// SelectMode picks the prompt strategy for question. Calculation problems
// with a subject keyword (or an explicit request for steps) get the
// step-by-step scaffold; other calculation problems use plain model
// knowledge; everything else is grounded on retrieval.
func SelectMode(question string) types.Mode {
	if !IsCalculationProblem(question) {
		return types.ModeGrounded
	}
	if guardrails.HasSubjectKeyword(question) || strings.Contains(strings.ToLower(question), "step") {
		return types.ModeStepByStep
	}
	return types.ModePureLLM
}
