//go:build !whispercpp

package engine

import "github.com/loqalabs/loqa-scribe/internal/state"

const whisperCompiled = false

// NewWhisperFactory returns a factory that always fails with
// ErrNativeUnavailable.
func NewWhisperFactory(int) RecognizerFactory {
	return func(string, state.Configuration) (Recognizer, error) {
		return nil, ErrNativeUnavailable
	}
}
