// Package model defines the Provider interface for generative model backends.
//
// A model provider wraps a local inference server (e.g., a llama.cpp or Ollama
// instance serving a quantized model) and exposes a uniform interface for the
// SAGE generation controller to perform completions without coupling to any
// specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package model

import "context"

// Params carries the sampling parameters for a single generation call.
// A zero MaxTokens means use the provider default.
type Params struct {
	// MaxTokens caps the number of completion tokens the model may generate.
	MaxTokens int

	// Temperature controls output randomness. Lower values produce more
	// deterministic outputs; 0 requests greedy decoding.
	Temperature float64

	// TopP is the nucleus-sampling probability mass.
	TopP float64

	// TopK restricts sampling to the K most likely tokens. Zero disables.
	TopK int

	// RepeatPenalty discourages verbatim repetition. Zero disables.
	RepeatPenalty float64

	// StopSequences terminate generation when matched in the output. The
	// provider guarantees the matched sequence is not included in the result,
	// regardless of whether the backend supports server-side stops.
	StopSequences []string
}

// DefaultStopSequences returns the stop sequences every generation call must
// include. They cut off the model when it starts echoing prompt scaffolding.
func DefaultStopSequences() []string {
	return []string{
		"Question:",
		"Student Question:",
		"Context:",
		"Answer Format:",
		"Previous Conversation:",
		"\n\n\n\n",
	}
}

// Chunk is a single text fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty when
	// the chunk carries only a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end or stop sequence),
	// "length" (MaxTokens reached), "error", and "" (non-final chunk).
	FinishReason string
}

// Capabilities describes static limits of the loaded model.
type Capabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens one completion may generate.
	MaxOutputTokens int

	// SupportsStreaming indicates the backend supports streaming completions.
	SupportsStreaming bool
}

// Provider is the abstraction over any generative model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines;
// callers that need serialized access to a non-reentrant handle hold their own
// lock. Each method must propagate context cancellation promptly.
type Provider interface {
	// Complete sends prompt to the model and waits for the full response text.
	//
	// Errors are classified per [Classify]; callers route [ErrDecodeFailure]
	// into the deterministic fallback path.
	Complete(ctx context.Context, prompt string, p Params) (string, error)

	// Stream sends prompt to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a final Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel is never nil when error is nil.
	Stream(ctx context.Context, prompt string, p Params) (<-chan Chunk, error)

	// CountTokens estimates how many tokens text would consume in the model's
	// context window. The result need not be exact but must not undercount.
	CountTokens(text string) int

	// Capabilities returns static metadata for the loaded model. The result
	// is constant for the lifetime of the Provider instance.
	Capabilities() Capabilities
}
