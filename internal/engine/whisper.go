//go:build whispercpp

package engine

import (
	"context"
	"fmt"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

const whisperCompiled = true

// WhisperRecognizer runs whisper.cpp in process. The model is shared; each
// job gets its own context.
type WhisperRecognizer struct {
	model   whisper.Model
	threads uint
	cfg     state.Configuration
	mu      sync.Mutex
}

// NewWhisperFactory loads ggml models with the whisper.cpp bindings.
func NewWhisperFactory(threads int) RecognizerFactory {
	return func(modelPath string, cfg state.Configuration) (Recognizer, error) {
		model, err := whisper.New(modelPath)
		if err != nil {
			return nil, fmt.Errorf("load whisper model: %w", err)
		}
		var n uint
		if threads > 0 {
			n = uint(threads)
		}
		return &WhisperRecognizer{model: model, threads: n, cfg: cfg}, nil
	}
}

func (r *WhisperRecognizer) Recognize(ctx context.Context, samples []float32, opts Options, sink Sink) (string, error) {
	r.mu.Lock()
	wctx, err := r.model.NewContext()
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}

	lang := opts.Language
	if lang == "" || !r.model.IsMultilingual() {
		lang = "en"
		if r.model.IsMultilingual() {
			lang = "auto"
		}
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return "", fmt.Errorf("set language %q: %w", lang, err)
	}
	wctx.SetTranslate(opts.Subtask == "translate")
	if r.threads > 0 {
		wctx.SetThreads(r.threads)
	}

	onSegment := func(seg whisper.Segment) {
		if sink.Segment == nil {
			return
		}
		text := seg.Text
		if r.cfg.Diarization {
			text = markSpeakerTurn(text, seg.SpeakerTurnNext)
		}
		end := seg.End.Milliseconds()
		sink.Segment(state.Chunk{Text: text, StartMS: seg.Start.Milliseconds(), EndMS: &end})
	}
	onProgress := func(p int) {
		if sink.Progress != nil {
			sink.Progress(p)
		}
	}
	// Returning false from the encoder callback aborts the run.
	encoderBegin := func() bool { return ctx.Err() == nil }

	if err := wctx.Process(samples, encoderBegin, onSegment, onProgress); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", nil
}

func (r *WhisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model.Close()
}
