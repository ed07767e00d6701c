package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/state"
)

// Sink receives output from a recognizer while it runs.
type Sink struct {
	Segment  func(state.Chunk)
	Progress func(percent int)
}

// Recognizer turns samples into text. Recognize stops early when ctx ends.
type Recognizer interface {
	Recognize(ctx context.Context, samples []float32, opts Options, sink Sink) (string, error)
	Close() error
}

// RecognizerFactory loads a recognizer for a model artifact.
type RecognizerFactory func(modelPath string, cfg state.Configuration) (Recognizer, error)

// NativeBackend runs recognizers in process.
type NativeBackend struct {
	name    string
	factory RecognizerFactory
	log     *slog.Logger
}

func NewNativeBackend(name string, factory RecognizerFactory, log *slog.Logger) *NativeBackend {
	return &NativeBackend{
		name:    name,
		factory: factory,
		log:     log.With(slog.String("component", "native-engine"), slog.String("recognizer", name)),
	}
}

func (b *NativeBackend) Name() string { return "native/" + b.name }

func (b *NativeBackend) InitializeSession(ctx context.Context, modelPath string, cfg state.Configuration) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &InitError{Backend: b.Name(), Err: err}
	}
	rec, err := b.factory(modelPath, cfg)
	if err != nil {
		return nil, &InitError{Backend: b.Name(), Err: err}
	}
	b.log.Info("session ready", slog.String("model_path", modelPath), slog.String("model", cfg.ModelID))
	return &nativeSession{rec: rec, cfg: cfg, log: b.log}, nil
}

type nativeSession struct {
	rec Recognizer
	cfg state.Configuration
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (s *nativeSession) Configuration() state.Configuration { return s.cfg }

func (s *nativeSession) Transcribe(ctx context.Context, req Request, cb Callbacks) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	jobCtx, cancel := context.WithCancel(ctx)
	opts := withSessionDefaults(req.Options, s.cfg)

	go func() {
		defer s.wg.Done()
		defer cancel()

		started := time.Now()
		var chunks []state.Chunk
		var reachedFull atomic.Bool
		sink := Sink{
			Segment: func(c state.Chunk) {
				if jobCtx.Err() != nil {
					return
				}
				chunks = append(chunks, c)
				snapshot := append([]state.Chunk(nil), chunks...)
				cb.segments(joinChunks(snapshot), snapshot)
			},
			Progress: func(p int) {
				if jobCtx.Err() != nil {
					return
				}
				if p >= 100 {
					if reachedFull.Swap(true) {
						return
					}
					p = 100
				}
				cb.progress(float64(p))
			},
		}

		text, err := s.rec.Recognize(jobCtx, req.Audio.Samples, opts, sink)
		if jobCtx.Err() != nil && ctx.Err() == nil {
			// cancelled through the returned func
			return
		}
		if err != nil {
			cb.fail(fmt.Errorf("recognize: %w", err))
			return
		}
		if ctx.Err() != nil {
			cb.fail(ctx.Err())
			return
		}
		if text == "" {
			text = joinChunks(chunks)
		}
		if !reachedFull.Load() {
			cb.progress(100)
		}
		cb.complete(Completion{
			Text:      strings.TrimSpace(text),
			Chunks:    append([]state.Chunk(nil), chunks...),
			StartTime: started,
			EndTime:   time.Now(),
		})
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *nativeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return s.rec.Close()
}

func withSessionDefaults(opts Options, cfg state.Configuration) Options {
	if opts.Language == "" {
		opts.Language = cfg.Language
	}
	if !cfg.Multilingual {
		opts.Language = "en"
	}
	if opts.Subtask == "" {
		opts.Subtask = cfg.Subtask
	}
	return opts
}

func joinChunks(chunks []state.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return strings.TrimSpace(b.String())
}

// SpeakerTurnMarker is appended to a segment after which the speaker changes.
const SpeakerTurnMarker = " [SPEAKER_TURN]"

func markSpeakerTurn(text string, turnNext bool) string {
	if !turnNext {
		return text
	}
	return strings.TrimRight(text, " ") + SpeakerTurnMarker
}
