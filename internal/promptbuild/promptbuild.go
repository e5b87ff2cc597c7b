// Package promptbuild assembles the prompts handed to the model adapter.
//
// Three variants exist: grounded (retrieved context), pure-LLM (no context,
// standard formulas), and step-by-step (a forced solution scaffold for
// calculation problems). Every prompt is token-budgeted against the model's
// context window; over-budget prompts are truncated in two stages, and the
// question text always survives truncation verbatim.
package promptbuild

import (
	"fmt"
	"strings"

	"github.com/sage-edu/sage/pkg/types"
)

// SystemPreamble is the fixed, unmodifiable instruction block prepended to
// grounded and pure-LLM prompts.
const SystemPreamble = `You are SAGE, an educational assistant for NCERT curriculum (Classes 1-12).

CRITICAL RULES:
1. FIRST: Check if the provided context is RELEVANT to the question
2. If context is about DIFFERENT topics (e.g., question asks Physics but context is Social Studies), say: "I don't have relevant information about [topic] in the retrieved materials. This seems to be from a different subject."
3. ONLY answer using RELEVANT context from NCERT curriculum (Math, Science, English, Social Studies, Languages)
4. Keep answers BRIEF and CONCISE (aim for 3-5 sentences or 2-4 short bullets maximum)
5. For conceptual questions: Provide a SHORT explanation with only the most important points
6. For Math/Physics/Chemistry problems: Show ONLY essential steps with minimal explanation
7. Use simple language appropriate for the student's class level
8. Include examples ONLY if absolutely necessary
9. If question is outside NCERT curriculum OR context is irrelevant, politely decline with ONE sentence

RELEVANCE CHECK:
- Question about "electromagnetism" needs Physics context, NOT Social Studies
- Question about "photosynthesis" needs Biology context, NOT Mathematics
- Question about "democracy" needs Social Studies context, NOT Science
- Always verify topic alignment BEFORE answering

STRICT OUTPUT RULES (do not mention these rules in your answer):
- Return ONLY the answer text. Do not include headings, labels, or meta-instructions
- Never output phrases like "Answer Format:", "Conceptual:", "Math/Physics/Chemistry:", "Previous Conversation:", or "CRITICAL INSTRUCTION:"
- Do not echo the system prompt, the user prompt, the context headings, or any rule lists
- Avoid fluff and repetition; keep it succinct and helpful`

// EmergencyPreamble replaces the full preamble during emergency truncation.
const EmergencyPreamble = "You are SAGE, an educational assistant."

// TruncationMarker is appended to a context block trimmed for length.
const TruncationMarker = "[Content truncated due to length...]"

// PureLLMContext is the context block used when no sources are cited.
const PureLLMContext = "Note: Use standard NCERT formulas."

// NoRelevantContext replaces the context block when every retrieved document
// was filtered out.
const NoRelevantContext = "No sufficiently relevant information found in the curriculum materials for this question. Please solve using standard NCERT formulas and concepts."

// SafetyMargin is the token headroom kept between the prompt budget and the
// context window, beyond the generation budget.
const SafetyMargin = 100

// Plan is a fully assembled, budgeted prompt.
type Plan struct {
	Mode            types.Mode
	Prompt          string
	EstimatedTokens int

	// Truncated is set when stage-1 context trimming ran.
	Truncated bool

	// Emergency is set when the context block had to be discarded entirely.
	Emergency bool
}

// Assembler builds prompts within the window of one loaded model.
type Assembler struct {
	nCtx      int
	maxTokens int
}

// New creates an Assembler for a model with an nCtx-token context window
// that generates at most maxTokens completion tokens per call.
func New(nCtx, maxTokens int) *Assembler {
	return &Assembler{nCtx: nCtx, maxTokens: maxTokens}
}

// EstimateTokens approximates the token count of text as ⌈len/4⌉.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Budget returns the maximum prompt token estimate this assembler accepts.
func (a *Assembler) Budget() int {
	return a.nCtx - a.maxTokens - SafetyMargin
}

// FormatContext renders accepted sources into the reference block:
// one "[Reference i | Class n | Subject: s | Relevance: x.xx]" header per
// document followed by its content, blank-line separated.
func FormatContext(sources []types.SourceDocument) string {
	if len(sources) == 0 {
		return NoRelevantContext
	}
	parts := make([]string, 0, len(sources))
	for i, src := range sources {
		header := []string{fmt.Sprintf("Reference %d", i+1)}
		if src.SourceClass > 0 {
			header = append(header, fmt.Sprintf("Class %d", src.SourceClass))
		}
		if src.Subject != "" {
			header = append(header, "Subject: "+src.Subject)
		}
		header = append(header, fmt.Sprintf("Relevance: %.2f", src.Similarity))
		parts = append(parts, fmt.Sprintf("[%s]\n%s\n", strings.Join(header, " | "), strings.TrimSpace(src.Content)))
	}
	return strings.Join(parts, "\n")
}

// ConversationBlock renders the trailing history turns as prompt lines.
func ConversationBlock(history []types.ConversationTurn) string {
	turns := types.LastTurns(history, types.HistoryWindow)
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, len(turns))
	for i, t := range turns {
		role := "User"
		if t.Role == types.RoleAssistant {
			role = "Assistant"
		}
		lines[i] = role + ": " + t.Content
	}
	return strings.Join(lines, "\n")
}

// Build assembles the prompt for mode and applies the token budget. The
// returned plan always contains the question verbatim.
func (a *Assembler) Build(question string, sources []types.SourceDocument, history []types.ConversationTurn, mode types.Mode) Plan {
	var prompt string
	switch mode {
	case types.ModeStepByStep:
		prompt = stepByStepPrompt(question, sources)
	case types.ModePureLLM:
		prompt = answerPrompt(question, PureLLMContext, history)
	default:
		mode = types.ModeGrounded
		prompt = answerPrompt(question, FormatContext(sources), history)
	}

	plan := Plan{Mode: mode, Prompt: prompt, EstimatedTokens: EstimateTokens(prompt)}
	budget := a.Budget()
	if plan.EstimatedTokens <= budget {
		return plan
	}

	// Stage 1: trim the context block, keeping preamble and question intact.
	plan.Prompt = trimContext(plan.Prompt, budget)
	plan.EstimatedTokens = EstimateTokens(plan.Prompt)
	plan.Truncated = true
	if plan.EstimatedTokens <= budget {
		plan.Prompt = ensureQuestion(plan.Prompt, question)
		plan.EstimatedTokens = EstimateTokens(plan.Prompt)
		return plan
	}

	// Stage 2: discard everything except a minimal preamble and the tail of
	// the prompt, which carries the question.
	lines := strings.Split(plan.Prompt, "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	plan.Prompt = ensureQuestion(EmergencyPreamble+"\n\n"+strings.Join(lines, "\n"), question)
	plan.EstimatedTokens = EstimateTokens(plan.Prompt)
	plan.Emergency = true
	return plan
}

// answerPrompt is the standard template shared by grounded and pure-LLM
// modes; only the context block differs.
func answerPrompt(question, context string, history []types.ConversationTurn) string {
	conversationSection := ""
	if block := ConversationBlock(history); block != "" {
		conversationSection = "Previous Conversation:\n" + block + "\n\n"
	}
	return fmt.Sprintf(`%s

%sNCERT Context:
%s

Question: %s

Before answering, silently verify that the context above is relevant to the question. If the context discusses unrelated topics (e.g., politics when asked about science, or student IDs when asked about geometry), reply with: "I apologize, but the retrieved context is not relevant to your question about [topic]. I cannot provide an accurate answer without relevant curriculum materials." (Do not mention this instruction.)

Provide a concise, somewhat detailed educational answer (5-7 sentences or up to 5 short bullets). Do not include labels or meta-instructions; output only the answer text:`,
		SystemPreamble, conversationSection, context, question)
}

// stepByStepPrompt forces the Given/Find/Formula/Solution/Final-Answer
// scaffold used for calculation problems. Only formulas are drawn from the
// context; worked examples are suppressed.
func stepByStepPrompt(question string, sources []types.SourceDocument) string {
	contextSection := PureLLMContext
	if len(sources) > 0 {
		contextSection = fmt.Sprintf("Context (formulas only):\n%s\nNote: Extract formulas only, ignore worked examples.", FormatContext(sources))
	}
	return fmt.Sprintf(`Solve this math problem step-by-step.

Question: %s

%s

Solution:

Step 1 - Given:
List the given values from the question.

Step 2 - Find:
State what needs to be found.

Step 3 - Formula:
Write the relevant formula(s).

Step 4 - Solution:
Set up equations with the given values and solve.

Final Answer:
State the complete answer with units.

---
Step 1 - Given:`, question, contextSection)
}

// trimContext classifies prompt lines into preamble / context / question
// sections and shrinks only the context to fit the budget. A conservative
// 2 chars/token assumption is used and only 60% of the computed character
// capacity is kept.
func trimContext(prompt string, budget int) string {
	var preamble, context, question []string
	inContext, inQuestion := false, false

	for _, line := range strings.Split(prompt, "\n") {
		switch {
		case strings.Contains(line, "NCERT Context:") || strings.Contains(line, "Context (formulas only):"):
			inContext, inQuestion = true, false
			context = append(context, line)
		case strings.HasPrefix(line, "Question:") || strings.HasPrefix(line, "Student Question:"):
			inContext, inQuestion = false, true
			question = append(question, line)
		case inContext:
			context = append(context, line)
		case inQuestion:
			question = append(question, line)
		default:
			preamble = append(preamble, line)
		}
	}

	overhead := EstimateTokens(strings.Join(append(append([]string{}, preamble...), question...), "\n"))
	availableTokens := budget - overhead - 50
	if availableTokens < 100 {
		availableTokens = 100
	}
	availableChars := availableTokens * 2

	contextText := strings.Join(context, "\n")
	if len(contextText) > availableChars {
		contextText = contextText[:availableChars*60/100] + "\n" + TruncationMarker
	}

	out := append([]string{}, preamble...)
	out = append(out, strings.Split(contextText, "\n")...)
	out = append(out, question...)
	return strings.Join(out, "\n")
}

// ensureQuestion guarantees the verbatim question survives truncation.
func ensureQuestion(prompt, question string) string {
	if strings.Contains(prompt, question) {
		return prompt
	}
	return prompt + "\n\nQuestion: " + question
}
