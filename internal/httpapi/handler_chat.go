package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sage-edu/sage/internal/core"
	"github.com/sage-edu/sage/internal/observe"
	"github.com/sage-edu/sage/internal/stream"
	"github.com/sage-edu/sage/pkg/provider/model"
)

// AskQuestion handles POST /api/v1/chat/ask.
func (s *Server) AskQuestion(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := currentUser(c)
	s.log.Info("chat request", "user", user.Username, "class", req.ClassNum)

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	ans, err := s.core.Process(c.Request.Context(), core.Request{
		Question:       req.Message,
		ClassNum:       req.ClassNum,
		History:        req.ConversationHistory,
		ConversationID: convID,
	})
	if err != nil {
		s.writeProcessError(c, err)
		return
	}

	if !req.includeSources() {
		ans.Sources = nil
	} else if n := req.maxSources(); len(ans.Sources) > n {
		ans.Sources = ans.Sources[:n]
	}

	c.JSON(http.StatusOK, ans)
}

// AskQuestionStream handles POST /api/v1/chat/ask/stream. The response is a
// server-sent-events stream following the chat event protocol; the connection
// stays open until the done marker or client disconnect.
func (s *Server) AskQuestionStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := currentUser(c)
	s.log.Info("streaming chat request", "user", user.Username, "class", req.ClassNum)

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	for k, v := range stream.Headers() {
		c.Header(k, v)
	}
	c.Status(http.StatusOK)

	clientGone := c.Request.Context().Done()
	sink := func(ev stream.Event) bool {
		select {
		case <-clientGone:
			return false
		default:
		}
		// The source controls apply to the sources event only; the rest of
		// the stream is unaffected.
		if ev.Type == stream.TypeSources {
			if !req.includeSources() {
				return true
			}
			if n := req.maxSources(); len(ev.Sources) > n {
				ev.Sources = ev.Sources[:n]
			}
		}
		frame, err := stream.EncodeSSE(ev)
		if err != nil {
			s.log.Error("event encoding failed", "error", err)
			return false
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	err := s.core.ProcessStream(c.Request.Context(), core.Request{
		Question:       req.Message,
		ClassNum:       req.ClassNum,
		History:        req.ConversationHistory,
		ConversationID: convID,
	}, sink)
	if err != nil && !errors.Is(err, c.Request.Context().Err()) {
		// The error event is already on the wire; nothing more to send.
		observe.Logger(c.Request.Context()).Error("streaming chat failed",
			"user", user.Username, "error", err)
	}
}

// writeProcessError maps coordinator errors onto HTTP statuses. Validation
// failures are the client's fault, a missing model is 503, everything else
// is a server error, logged with the request's trace correlation.
func (s *Server) writeProcessError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrEmptyQuestion),
		errors.Is(err, core.ErrQuestionTooLong),
		errors.Is(err, core.ErrInvalidClass):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNotLoaded):
		observe.Logger(c.Request.Context()).Error("model unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Model is not available"})
	default:
		observe.Logger(c.Request.Context()).Error("chat processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// QuestionSuggestions handles GET /api/v1/chat/suggestions.
func (s *Server) QuestionSuggestions(c *gin.Context) {
	classNum, _ := strconv.Atoi(c.Query("class_num"))
	topic := c.Query("topic")
	limit := 5
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		limit = n
	}

	suggestions := predefinedSuggestions(classNum, topic, limit)
	c.JSON(http.StatusOK, gin.H{
		"suggestions": suggestions,
		"class_num":   classNum,
		"topic":       topic,
		"count":       len(suggestions),
	})
}

// suggestionSets maps class number to topic to canned starter questions.
var suggestionSets = map[int]map[string][]string{
	1: {
		"math": {
			"What are numbers?",
			"How do we count things?",
			"What are shapes?",
			"How do we add numbers?",
			"What is subtraction?",
		},
		"english": {
			"What are letters?",
			"How do we read words?",
			"What is a sentence?",
			"What are vowels?",
			"How do we write stories?",
		},
	},
	5: {
		"math": {
			"What are fractions?",
			"How do we multiply numbers?",
			"What is division?",
			"What are decimals?",
			"How do we measure area?",
		},
		"science": {
			"What is the solar system?",
			"How do plants grow?",
			"What is water cycle?",
			"What are different animals?",
			"How do we breathe?",
		},
	},
	10: {
		"math": {
			"What are real numbers?",
			"How do we solve quadratic equations?",
			"What is coordinate geometry?",
			"What are trigonometric ratios?",
			"How do we find area of circles?",
		},
		"science": {
			"What is photosynthesis?",
			"How does digestion work?",
			"What are acids and bases?",
			"What is electromagnetic induction?",
			"How do we inherit traits?",
		},
	},
}

// genericSuggestions is the fallback when no canned set matches.
var genericSuggestions = []string{
	"What would you like to learn today?",
	"Can you help me understand this topic?",
	"How does this concept work?",
	"Can you explain this with examples?",
	"What are the key points I should remember?",
}

// suggestionTopics fixes the iteration order over a class's topic sets.
var suggestionTopics = []string{"math", "science", "english"}

// predefinedSuggestions returns up to limit starter questions for the class
// and topic, falling back to the generic set.
func predefinedSuggestions(classNum int, topic string, limit int) []string {
	sets := suggestionSets[classNum]

	var suggestions []string
	if byTopic, ok := sets[strings.ToLower(topic)]; ok {
		suggestions = byTopic
	} else {
		for _, t := range suggestionTopics {
			suggestions = append(suggestions, sets[t]...)
		}
	}

	if len(suggestions) == 0 {
		suggestions = genericSuggestions
	}
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}
