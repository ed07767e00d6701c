package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

// MockRecognizer emits one segment per second of audio. It is deterministic
// and needs no model file.
type MockRecognizer struct {
	// Delay is slept before each segment.
	Delay time.Duration
}

// NewMockFactory returns a factory producing mock recognizers.
func NewMockFactory(delay time.Duration) RecognizerFactory {
	return func(string, state.Configuration) (Recognizer, error) {
		return &MockRecognizer{Delay: delay}, nil
	}
}

func (m *MockRecognizer) Recognize(ctx context.Context, samples []float32, opts Options, sink Sink) (string, error) {
	seconds := (len(samples) + audio.SampleRate - 1) / audio.SampleRate
	for i := 0; i < seconds; i++ {
		if m.Delay > 0 {
			timer := time.NewTimer(m.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}
		end := int64(i+1) * 1000
		if last := audio.DurationMS(samples); end > last {
			end = last
		}
		if sink.Segment != nil {
			sink.Segment(state.Chunk{
				Text:    fmt.Sprintf(" [%s segment %d]", opts.Subtask, i+1),
				StartMS: int64(i) * 1000,
				EndMS:   &end,
			})
		}
		if sink.Progress != nil {
			sink.Progress((i + 1) * 100 / seconds)
		}
	}
	return "", nil
}

func (m *MockRecognizer) Close() error { return nil }
