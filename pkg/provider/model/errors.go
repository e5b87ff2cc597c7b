package model

import (
	"context"
	"errors"
	"strings"
)

// Error taxonomy surfaced by model providers. Callers map these to response
// outcomes: a decode failure triggers the simple-fallback path, a missing
// model yields 503, everything else is transient.
var (
	// ErrDecodeFailure signals the model failed at the tensor-operation layer
	// and this prompt cannot be completed. Unrecoverable at prompt level.
	ErrDecodeFailure = errors.New("model: decode failure")

	// ErrOutOfMemory signals the backend ran out of memory for this request.
	ErrOutOfMemory = errors.New("model: out of memory")

	// ErrNotLoaded signals no model handle is available (backend unreachable
	// or the model file was never loaded).
	ErrNotLoaded = errors.New("model: not loaded")

	// ErrTransient covers everything else; the request may succeed on retry.
	ErrTransient = errors.New("model: transient failure")
)

// decodeMarkers are substrings local inference backends emit when the decode
// step itself fails, as opposed to request-level problems.
var decodeMarkers = []string{
	"llama_decode returned",
	"ggml_assert",
	"decode failed",
}

var oomMarkers = []string{
	"out of memory",
	"failed to allocate",
	"cuda oom",
}

var notLoadedMarkers = []string{
	"connection refused",
	"model not found",
	"no such model",
	"model is not loaded",
}

// Classify maps a raw backend error onto the provider taxonomy. The returned
// error wraps one of the sentinel errors above together with err, so both
// errors.Is(err, ErrDecodeFailure) and the original message survive. Context
// cancellation passes through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, sentinel := range []error{ErrDecodeFailure, ErrOutOfMemory, ErrNotLoaded, ErrTransient} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case matchesAny(msg, decodeMarkers):
		return errors.Join(ErrDecodeFailure, err)
	case matchesAny(msg, oomMarkers):
		return errors.Join(ErrOutOfMemory, err)
	case matchesAny(msg, notLoadedMarkers):
		return errors.Join(ErrNotLoaded, err)
	default:
		return errors.Join(ErrTransient, err)
	}
}

func matchesAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
