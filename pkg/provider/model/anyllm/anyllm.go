// Package anyllm provides a model provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports local llama.cpp / llamafile / Ollama servers as well as hosted
// OpenAI-compatible APIs.
//
// Usage:
//
//	p, err := anyllm.NewLlamaCpp("phi-2.Q4_K_M")
//	p, err := anyllm.New("ollama", "phi", anyllmlib.WithBaseURL("http://localhost:11434"))
//
// Stop sequences are enforced provider-side: local backends differ in which
// sampling parameters they honor over the wire, so the provider scans the
// output and truncates at the first stop-sequence match itself.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/sage-edu/sage/pkg/provider/model"
)

// Provider implements model.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ model.Provider = (*Provider)(nil)

// New creates a new Provider backed by the given backend name.
//
// providerName is one of: "llamacpp", "llamafile", "ollama", "openai".
// modelName is the specific model to serve (e.g., "phi-2.Q4_K_M").
// opts are any-llm-go configuration options (e.g., anyllmlib.WithBaseURL).
func New(providerName string, modelName string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if modelName == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: modelName}, nil
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(modelName string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamacpp", modelName, opts...)
}

// NewLlamaFile creates a Provider backed by a running llamafile server.
func NewLlamaFile(modelName string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamafile", modelName, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(modelName string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", modelName, opts...)
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: llamacpp, llamafile, ollama, openai", providerName)
	}
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, prompt string, params model.Params) (string, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(prompt, params))
	if err != nil {
		return "", model.Classify(fmt.Errorf("anyllm: completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", model.Classify(fmt.Errorf("anyllm: empty choices in response"))
	}

	text := resp.Choices[0].Message.ContentString()
	text, _ = cutAtStop(text, params.StopSequences)
	return text, nil
}

// Stream implements model.Provider.
func (p *Provider) Stream(ctx context.Context, prompt string, params model.Params) (<-chan model.Chunk, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	backendChunks, backendErrs := p.backend.CompletionStream(streamCtx, p.buildParams(prompt, params))

	ch := make(chan model.Chunk, 32)
	go func() {
		defer close(ch)
		defer cancel()

		scanner := newStopScanner(params.StopSequences)
		finish := ""

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			emit, stopped := scanner.push(choice.Delta.Content)
			if emit != "" {
				select {
				case ch <- model.Chunk{Text: emit}:
				case <-ctx.Done():
					return
				}
			}
			if stopped {
				// A stop sequence matched; stop the backend and close out.
				cancel()
				finish = "stop"
				break
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}

		if finish != "stop" {
			if rest := scanner.flush(); rest != "" {
				select {
				case ch <- model.Chunk{Text: rest}:
				case <-ctx.Done():
					return
				}
			}
			// Backend errors surface after the chunk channel is drained.
			if err := <-backendErrs; err != nil && ctx.Err() == nil {
				classified := model.Classify(fmt.Errorf("anyllm: stream: %w", err))
				select {
				case ch <- model.Chunk{FinishReason: "error", Text: classified.Error()}:
				case <-ctx.Done():
				}
				return
			}
			if finish == "" {
				finish = "stop"
			}
		}

		select {
		case ch <- model.Chunk{FinishReason: finish}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// CountTokens implements model.Provider.
// ~4 chars per token is a rough approximation for most models; rounding up
// keeps the estimate from undercounting.
func (p *Provider) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// Capabilities implements model.Provider.
func (p *Provider) Capabilities() model.Capabilities {
	return modelCapabilities(p.model)
}

// buildParams converts prompt and sampling parameters into anyllm
// CompletionParams. The prompt travels as a single user message; the fixed
// preamble is already baked into the prompt by the assembler, so no separate
// system message is sent.
func (p *Provider) buildParams(prompt string, params model.Params) anyllmlib.CompletionParams {
	out := anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleUser, Content: prompt},
		},
	}
	if params.Temperature != 0 {
		t := params.Temperature
		out.Temperature = &t
	}
	if params.TopP != 0 {
		tp := params.TopP
		out.TopP = &tp
	}
	if params.MaxTokens > 0 {
		mt := params.MaxTokens
		out.MaxTokens = &mt
	}
	return out
}

// cutAtStop truncates text at the earliest occurrence of any stop sequence.
func cutAtStop(text string, stops []string) (string, bool) {
	cut := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}

// stopScanner incrementally matches stop sequences across chunk boundaries.
// It withholds the longest trailing fragment that could still grow into a
// stop sequence, so a stop split across two chunks is never leaked.
type stopScanner struct {
	stops   []string
	maxLen  int
	pending string
}

func newStopScanner(stops []string) *stopScanner {
	s := &stopScanner{stops: stops}
	for _, stop := range stops {
		if len(stop) > s.maxLen {
			s.maxLen = len(stop)
		}
	}
	return s
}

// push appends fragment to the pending buffer and returns the text that is
// safe to emit. stopped reports whether a stop sequence matched; the matched
// sequence and everything after it are discarded.
func (s *stopScanner) push(fragment string) (emit string, stopped bool) {
	s.pending += fragment

	if cut, ok := cutAtStop(s.pending, s.stops); ok {
		s.pending = ""
		return cut, true
	}

	// Hold back a window that could still be the start of a stop sequence.
	hold := s.maxLen - 1
	if hold < 0 {
		hold = 0
	}
	if len(s.pending) <= hold {
		return "", false
	}
	emit = s.pending[:len(s.pending)-hold]
	s.pending = s.pending[len(s.pending)-hold:]
	return emit, false
}

// flush returns whatever text is still withheld once the stream ends.
func (s *stopScanner) flush() string {
	out := s.pending
	s.pending = ""
	return out
}

// modelCapabilities returns Capabilities based on known local model families.
// Unknown models receive conservative defaults.
func modelCapabilities(modelName string) model.Capabilities {
	caps := model.Capabilities{
		ContextWindow:     4_096,
		MaxOutputTokens:   1_024,
		SupportsStreaming: true,
	}

	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "phi-2"), strings.Contains(lower, "phi2"):
		caps.ContextWindow = 2_048
		caps.MaxOutputTokens = 512

	case strings.Contains(lower, "phi-3"), strings.Contains(lower, "phi3"):
		caps.ContextWindow = 4_096
		caps.MaxOutputTokens = 1_024

	case strings.Contains(lower, "tinyllama"):
		caps.ContextWindow = 2_048
		caps.MaxOutputTokens = 512

	case strings.Contains(lower, "llama-3"), strings.Contains(lower, "llama3"):
		caps.ContextWindow = 8_192
		caps.MaxOutputTokens = 2_048

	case strings.Contains(lower, "mistral"):
		caps.ContextWindow = 8_192
		caps.MaxOutputTokens = 2_048

	case strings.Contains(lower, "qwen"):
		caps.ContextWindow = 8_192
		caps.MaxOutputTokens = 2_048

	case strings.Contains(lower, "gemma"):
		caps.ContextWindow = 8_192
		caps.MaxOutputTokens = 2_048
	}

	return caps
}
