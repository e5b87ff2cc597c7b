// Package mock provides an in-memory test double for the model provider.
//
// The mock records every method call and returns configurable canned output.
// Error fields can be consumed once (FailFirstComplete) to exercise fallback
// paths that retry with a different prompt.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/sage-edu/sage/pkg/provider/model"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Prompt string
	Params model.Params
}

var _ model.Provider = (*Provider)(nil)

// Provider is a configurable test double for [model.Provider].
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// CompleteResult is returned by Complete when CompleteErr is nil.
	CompleteResult string

	// CompleteErr is returned by every Complete call when non-nil.
	CompleteErr error

	// FailFirstComplete, when non-nil, is returned by the first Complete
	// call only; subsequent calls succeed with CompleteResult.
	FailFirstComplete error

	// StreamChunks is emitted by Stream, split into word-sized chunks when
	// StreamSplit is true.
	StreamChunks []string

	// StreamErr is emitted as a FinishReason "error" chunk when non-nil.
	StreamErr error

	// Caps is returned by Capabilities. Zero value gets sane defaults.
	Caps model.Capabilities

	completeCalls int
}

func (m *Provider) record(method, prompt string, p model.Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Prompt: prompt, Params: p})
}

// Calls returns a copy of all recorded invocations.
func (m *Provider) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Provider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastPrompt returns the prompt of the most recent call, or "".
func (m *Provider) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1].Prompt
}

// Complete implements model.Provider.
func (m *Provider) Complete(ctx context.Context, prompt string, p model.Params) (string, error) {
	m.record("Complete", prompt, p)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.completeCalls++
	first := m.completeCalls == 1
	m.mu.Unlock()

	if first && m.FailFirstComplete != nil {
		return "", m.FailFirstComplete
	}
	if m.CompleteErr != nil {
		return "", m.CompleteErr
	}
	return m.CompleteResult, nil
}

// Stream implements model.Provider.
func (m *Provider) Stream(ctx context.Context, prompt string, p model.Params) (<-chan model.Chunk, error) {
	m.record("Stream", prompt, p)
	ch := make(chan model.Chunk, len(m.StreamChunks)+2)
	go func() {
		defer close(ch)
		for _, text := range m.StreamChunks {
			select {
			case ch <- model.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if m.StreamErr != nil {
			ch <- model.Chunk{FinishReason: "error", Text: m.StreamErr.Error()}
			return
		}
		ch <- model.Chunk{FinishReason: "stop"}
	}()
	return ch, nil
}

// CountTokens implements model.Provider with the same ⌈len/4⌉ approximation
// real providers use.
func (m *Provider) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// Capabilities implements model.Provider.
func (m *Provider) Capabilities() model.Capabilities {
	if m.Caps == (model.Capabilities{}) {
		return model.Capabilities{ContextWindow: 2048, MaxOutputTokens: 512, SupportsStreaming: true}
	}
	return m.Caps
}

// WordChunks splits text into whitespace-preserving chunks, one per word,
// for building realistic StreamChunks values.
func WordChunks(text string) []string {
	words := strings.SplitAfter(text, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
