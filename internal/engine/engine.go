// Package engine defines the transcription engine contract and its two
// implementations: an in-process recognizer handle and a worker reached
// over the message bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/state"
)

// Audio is mono PCM at audio.SampleRate. Key names the progress item the
// job reports under.
type Audio struct {
	Key     string
	Samples []float32
}

// Options tune a single job.
type Options struct {
	Language      string `json:"language,omitempty"`
	Subtask       string `json:"subtask,omitempty"`
	Position      int    `json:"position,omitempty"`
	ChunkLengthS  int    `json:"chunk_length_s,omitempty"`
	StrideLengthS int    `json:"stride_length_s,omitempty"`
}

// Request is one transcription job.
type Request struct {
	JobID   string
	Audio   Audio
	Options Options
}

// Completion is the final output of a job.
type Completion struct {
	Text      string
	Chunks    []state.Chunk
	StartTime time.Time
	EndTime   time.Time
}

// Callbacks receive job events. For a job that is not cancelled exactly one
// of OnComplete and OnError is called, after every other callback. Callbacks
// may run on any goroutine but never concurrently for the same job.
type Callbacks struct {
	OnProgress func(percent float64)
	// OnSegments receives the joined text and a snapshot of the chunks
	// recognized so far. Repeats are possible.
	OnSegments func(text string, chunks []state.Chunk)
	OnComplete func(Completion)
	OnError    func(error)
}

func (c Callbacks) progress(p float64) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}

func (c Callbacks) segments(text string, chunks []state.Chunk) {
	if c.OnSegments != nil {
		c.OnSegments(text, chunks)
	}
}

func (c Callbacks) complete(done Completion) {
	if c.OnComplete != nil {
		c.OnComplete(done)
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Backend creates sessions bound to a loaded model.
type Backend interface {
	Name() string
	InitializeSession(ctx context.Context, modelPath string, cfg state.Configuration) (Session, error)
}

// Session runs jobs against one loaded model. Transcribe returns a cancel
// function that stops the job. A callback already running when cancel is
// called may still finish, so consumers must ignore events for settled jobs.
type Session interface {
	Transcribe(ctx context.Context, req Request, cb Callbacks) (cancel func(), err error)
	Configuration() state.Configuration
	Close() error
}

// InitError reports that a backend could not produce a session.
type InitError struct {
	Backend string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize %s engine: %v", e.Backend, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

var (
	// ErrNativeUnavailable is returned when the binary was built without the
	// native whisper bindings.
	ErrNativeUnavailable = errors.New("native whisper engine not compiled in (build with -tags whispercpp)")
	ErrSessionClosed     = errors.New("engine session closed")
)
