// Package types holds the shared data model of the SAGE serving core:
// conversation turns, source documents, answers, and the generation modes.
//
// These types cross package boundaries (coordinator, cache, transports), so
// they live here rather than in any single internal package.
package types

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryWindow is how many trailing conversation turns the controller
// considers for context building and cache-key digests.
const HistoryWindow = 5

// ConversationTurn is one prior exchange message supplied by the client.
type ConversationTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Mode identifies which prompt/generation strategy produced an answer.
type Mode string

const (
	ModeGrounded       Mode = "grounded"
	ModePureLLM        Mode = "pure_llm"
	ModeStepByStep     Mode = "step_by_step"
	ModeSimpleFallback Mode = "simple_fallback"
)

// SourceDocument is a retrieval candidate promoted into a response.
// Invariant: Similarity == max(0, 1-Distance); documents are ordered by
// ascending distance and Rank is their 1-based final position.
type SourceDocument struct {
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	SourceClass int               `json:"source_class,omitempty"`
	Distance    float64           `json:"distance"`
	Similarity  float64           `json:"similarity"`
	Rank        int               `json:"rank"`
}

// Answer is the result of one chat request.
type Answer struct {
	Text           string           `json:"answer"`
	Sources        []SourceDocument `json:"sources"`
	Confidence     float64          `json:"confidence"`
	ProcessingTime float64          `json:"processing_time"`
	CacheHit       bool             `json:"cache_hit"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	ModeUsed       Mode             `json:"mode_used"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

// Clone returns a deep copy of the answer. The response cache hands out
// clones so callers can mutate flags without corrupting the cached value.
func (a Answer) Clone() Answer {
	out := a
	if a.Sources != nil {
		out.Sources = make([]SourceDocument, len(a.Sources))
		for i, s := range a.Sources {
			out.Sources[i] = s
			if s.Metadata != nil {
				m := make(map[string]string, len(s.Metadata))
				for k, v := range s.Metadata {
					m[k] = v
				}
				out.Sources[i].Metadata = m
			}
		}
	}
	if a.Metadata != nil {
		m := make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			m[k] = v
		}
		out.Metadata = m
	}
	return out
}

// LastTurns returns the trailing n turns of history, preserving order.
func LastTurns(history []ConversationTurn, n int) []ConversationTurn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
