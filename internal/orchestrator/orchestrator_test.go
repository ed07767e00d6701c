package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/jobs"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

type fakeSession struct {
	cfg state.Configuration

	mu        sync.Mutex
	callbacks []engine.Callbacks
	cancelled int
	closed    bool
}

func (s *fakeSession) Transcribe(_ context.Context, _ engine.Request, cb engine.Callbacks) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, engine.ErrSessionClosed
	}
	s.callbacks = append(s.callbacks, cb)
	return func() {
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
	}, nil
}

func (s *fakeSession) Configuration() state.Configuration { return s.cfg }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) job(i int) engine.Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks[i]
}

func (s *fakeSession) cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeBackend struct {
	// block, when set, holds InitializeSession until it is closed or ctx ends.
	block chan struct{}

	mu       sync.Mutex
	sessions []*fakeSession
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) InitializeSession(ctx context.Context, _ string, cfg state.Configuration) (engine.Session, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, &engine.InitError{Backend: b.Name(), Err: ctx.Err()}
		}
	}
	s := &fakeSession{cfg: cfg}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBackend) session(i int) *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[i]
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestOrchestrator seeds a model directory with the artifacts of ids so
// provisioning never touches the network.
func newTestOrchestrator(t *testing.T, backend engine.Backend, mutate func(*Options), ids ...string) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	catalog := models.Default()
	for _, id := range ids {
		desc, ok := catalog.Lookup(id)
		if !ok {
			t.Fatalf("unknown model %s", id)
		}
		if err := os.WriteFile(filepath.Join(dir, desc.Filename), []byte("ggml"), 0o644); err != nil {
			t.Fatalf("seed model: %v", err)
		}
	}
	opts := Options{
		Config:      state.Configuration{ModelID: ids[0], Subtask: "transcribe"},
		Catalog:     catalog,
		Provisioner: models.NewProvisioner(config.ModelsConfig{Directory: dir}, testLogger()),
		Backend:     backend,
		Logger:      testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func tone(seconds float64) []float32 {
	samples := make([]float32, int(seconds*audio.SampleRate))
	for i := range samples {
		samples[i] = 0.25
	}
	return samples
}

func waitResult(t *testing.T, f *jobs.Future) (jobs.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("timed out waiting for job")
	}
	return r, err
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	o := newTestOrchestrator(t, &fakeBackend{}, nil, "tiny.en")
	_, err := o.Transcribe(context.Background(), engine.Audio{}, engine.Options{})
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
	if _, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{Subtask: "summarize"}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid subtask error, got %v", err)
	}
}

func TestSilentAudioResolvesWithoutDispatch(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	samples := make([]float32, audio.SampleRate)
	samples[10] = 0.00005
	ticket, err := o.Transcribe(context.Background(), engine.Audio{Samples: samples}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	r, err := waitResult(t, ticket.Future)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Text != "" || len(r.Chunks) != 0 || r.Chunks == nil {
		t.Fatalf("expected empty result with empty chunks, got %+v", r)
	}
	if backend.count() != 0 {
		t.Fatal("silent audio must not initialize or dispatch")
	}
	if st := o.State(); st.Busy {
		t.Fatal("silent audio must not mark the state busy")
	}
}

func TestTranscribeLifecycle(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	ticket, err := o.Transcribe(context.Background(), engine.Audio{Key: "clip", Samples: tone(2)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	st := o.State()
	if !st.Ready || !st.Busy {
		t.Fatalf("expected ready and busy after dispatch, got ready=%v busy=%v", st.Ready, st.Busy)
	}
	cb := backend.session(0).job(0)

	cb.OnProgress(40)
	item, ok := o.State().Progress("clip")
	if !ok || item.Progress != 40 || item.Status != state.ProgressProcessing || item.Label != "tiny.en" {
		t.Fatalf("unexpected progress item %+v (found=%v)", item, ok)
	}

	end := int64(1000)
	first := state.Chunk{Text: " hello", StartMS: 0, EndMS: &end}
	cb.OnSegments("hello", []state.Chunk{first})
	cb.OnSegments("hello", []state.Chunk{first})
	st = o.State()
	if st.Transcript == nil || st.Transcript.Text != "hello" || !st.Transcript.Busy {
		t.Fatalf("expected streaming transcript, got %+v", st.Transcript)
	}
	view, ok := o.Job(ticket.JobID)
	if !ok || view.Status != jobs.StatusStreaming || len(view.Chunks) != 1 {
		t.Fatalf("unexpected job view %+v", view)
	}

	second := state.Chunk{Text: " world", StartMS: 1000}
	cb.OnComplete(engine.Completion{Text: "hello world", Chunks: []state.Chunk{first, second}})

	r, err := waitResult(t, ticket.Future)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Text != "hello world" || len(r.Chunks) != 2 {
		t.Fatalf("unexpected result %+v", r)
	}
	st = o.State()
	if st.Busy || len(st.ProgressItems) != 0 {
		t.Fatalf("expected idle state, got busy=%v items=%v", st.Busy, st.ProgressItems)
	}
	if st.Transcript == nil || st.Transcript.Text != "hello world" || st.Transcript.Busy {
		t.Fatalf("unexpected final transcript %+v", st.Transcript)
	}
	if o.InFlight() != 0 {
		t.Fatalf("expected no jobs in flight, got %d", o.InFlight())
	}
}

func TestTranscribeRejectsDuplicateInFlightKey(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	first, err := o.Transcribe(context.Background(), engine.Audio{Key: "clip", Samples: tone(1)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	_, err = o.Transcribe(context.Background(), engine.Audio{Key: "clip", Samples: tone(1)}, engine.Options{})
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) || !errors.Is(err, jobs.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key rejection, got %v", err)
	}
	if o.InFlight() != 1 {
		t.Fatalf("rejected job must not be tracked, in flight %d", o.InFlight())
	}

	backend.session(0).job(0).OnComplete(engine.Completion{Text: "done"})
	if _, err := waitResult(t, first.Future); err != nil {
		t.Fatalf("first job: %v", err)
	}
	second, err := o.Transcribe(context.Background(), engine.Audio{Key: "clip", Samples: tone(1)}, engine.Options{})
	if err != nil {
		t.Fatalf("key should be free after the first job settled: %v", err)
	}
	if second.JobID == first.JobID {
		t.Fatal("job ids must not be reused")
	}
}

func TestFailedJobRejects(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	ticket, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	boom := errors.New("decoder exploded")
	backend.session(0).job(0).OnError(boom)

	_, err = waitResult(t, ticket.Future)
	var terr *TranscriptionError
	if !errors.As(err, &terr) || terr.JobID != ticket.JobID || !errors.Is(err, boom) {
		t.Fatalf("expected transcription error wrapping cause, got %v", err)
	}
	if o.State().Busy {
		t.Fatal("failed job must clear busy")
	}
}

func TestStopAbortsAndIgnoresLateEvents(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	ticket, err := o.Transcribe(context.Background(), engine.Audio{Key: "clip", Samples: tone(3)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	cb := backend.session(0).job(0)
	cb.OnProgress(10)

	if err := o.Stop(ticket.JobID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := o.Stop(ticket.JobID); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	ticket.Cancel()

	r, err := waitResult(t, ticket.Future)
	if err != nil || !r.Aborted || r.Text != state.AbortedText {
		t.Fatalf("expected aborted result, got %+v %v", r, err)
	}
	st := o.State()
	if st.Busy || len(st.ProgressItems) != 0 || st.Transcript == nil || !st.Transcript.Aborted {
		t.Fatalf("unexpected state after abort %+v", st)
	}
	if got := backend.session(0).cancels(); got != 1 {
		t.Fatalf("expected backend cancel once, got %d", got)
	}

	// events raced past the abort are dropped
	cb.OnProgress(50)
	cb.OnSegments("late", []state.Chunk{{Text: " late"}})
	cb.OnComplete(engine.Completion{Text: "late"})
	cb.OnError(errors.New("late"))
	st = o.State()
	if len(st.ProgressItems) != 0 || st.Transcript.Text != state.AbortedText || st.Busy {
		t.Fatalf("late events leaked into state %+v", st)
	}
	if err := o.Stop("no-such-job"); err != nil {
		t.Fatalf("unknown id should be ignored, got %v", err)
	}
}

func TestConcurrentJobsKeepBusy(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	a, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe a: %v", err)
	}
	b, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe b: %v", err)
	}
	if a.JobID == b.JobID {
		t.Fatal("jobs must have distinct ids")
	}
	if o.InFlight() != 2 {
		t.Fatalf("expected 2 jobs in flight, got %d", o.InFlight())
	}

	a.Cancel()
	if !o.State().Busy {
		t.Fatal("busy must stay true while another job runs")
	}
	backend.session(0).job(1).OnComplete(engine.Completion{Text: "b done"})
	r, err := waitResult(t, b.Future)
	if err != nil || r.Text != "b done" {
		t.Fatalf("unexpected result for b %+v %v", r, err)
	}
	if o.State().Busy {
		t.Fatal("busy must clear once every job settled")
	}
	if backend.count() != 1 {
		t.Fatalf("jobs should share one session, got %d", backend.count())
	}
}

func TestUpdateConfigReinitializes(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en", "base")

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	running, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	patch := state.Patch{ModelID: state.Ptr("base"), Multilingual: state.Ptr(true), Ready: state.Ptr(true)}
	if err := o.UpdateConfig(context.Background(), patch, true); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if backend.count() != 2 {
		t.Fatalf("expected a second session, got %d", backend.count())
	}
	old, current := backend.session(0), backend.session(1)
	if current.cfg.ModelID != "base" || !current.cfg.Multilingual {
		t.Fatalf("new session built from stale config %+v", current.cfg)
	}
	if old.isClosed() {
		t.Fatal("retired session must stay open while its job runs")
	}

	old.job(0).OnComplete(engine.Completion{Text: "old session"})
	if r, err := waitResult(t, running.Future); err != nil || r.Text != "old session" {
		t.Fatalf("job on retired session should complete, got %+v %v", r, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !old.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("retired session was not closed after its last job")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{}); err != nil {
		t.Fatalf("transcribe after reinitialize: %v", err)
	}
	if len(current.callbacks) != 1 {
		t.Fatal("new job should run on the new session")
	}
}

func TestUpdateConfigWithoutReinitialize(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	if err := o.UpdateConfig(context.Background(), state.Patch{Language: state.Ptr("de")}, false); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if o.State().Config.Language != "de" {
		t.Fatal("language not merged")
	}
	if backend.count() != 0 {
		t.Fatal("no session should be created without reinitialize")
	}

	err := o.UpdateConfig(context.Background(), state.Patch{ModelID: state.Ptr("giant")}, true)
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input for unknown model, got %v", err)
	}
	if o.State().Config.ModelID != "tiny.en" {
		t.Fatal("rejected patch must not change the config")
	}
}

func TestTranscribeInitTimeout(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	o := newTestOrchestrator(t, backend, func(opts *Options) {
		opts.InitTimeout = 50 * time.Millisecond
	}, "tiny.en")

	_, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{})
	var initErr *engine.InitError
	if !errors.As(err, &initErr) || !errors.Is(err, ErrInitTimeout) {
		t.Fatalf("expected init timeout, got %v", err)
	}
	if o.State().Busy || o.InFlight() != 0 {
		t.Fatal("timed out transcribe must not leave a job behind")
	}

	close(backend.block)
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize after unblock: %v", err)
	}
	if !o.Ready() {
		t.Fatal("expected ready after initialization finished")
	}
}

func TestInitializeConcurrentCallsShareSession(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	o := newTestOrchestrator(t, backend, nil, "tiny.en")

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- o.Initialize(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(backend.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	if backend.count() != 1 {
		t.Fatalf("expected one session, got %d", backend.count())
	}
}

func TestInitializeClampsToModelCapabilities(t *testing.T) {
	cases := []struct {
		model       string
		diarization bool
	}{
		{model: "tiny.en", diarization: false},
		{model: "small.en-tdrz", diarization: true},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			backend := &fakeBackend{}
			o := newTestOrchestrator(t, backend, func(opts *Options) {
				opts.Config.Multilingual = true
				opts.Config.Diarization = true
			}, tc.model)
			if err := o.Initialize(context.Background()); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			cfg := backend.session(0).Configuration()
			if cfg.Multilingual {
				t.Fatalf("english-only model must not run multilingual: %+v", cfg)
			}
			if cfg.Diarization != tc.diarization {
				t.Fatalf("expected diarization=%v, got %+v", tc.diarization, cfg)
			}
		})
	}
}

func TestInitializeUnknownModel(t *testing.T) {
	o := newTestOrchestrator(t, &fakeBackend{}, func(opts *Options) {
		opts.Config.ModelID = "giant"
	}, "tiny.en")
	var invalid *InvalidInputError
	if err := o.Initialize(context.Background()); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if o.State().Ready {
		t.Fatal("ready must be false")
	}
}

func TestNativeMockEndToEnd(t *testing.T) {
	backend := engine.NewNativeBackend("mock", engine.NewMockFactory(0), testLogger())
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db")}, testLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	o := newTestOrchestrator(t, backend, func(opts *Options) { opts.History = store }, "tiny.en")

	var mu sync.Mutex
	var sawBusyTranscript bool
	unsubscribe := o.Subscribe(func(st state.State) {
		if st.Transcript != nil && st.Transcript.Busy {
			mu.Lock()
			sawBusyTranscript = true
			mu.Unlock()
		}
	})
	defer unsubscribe()

	ticket, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(2.5)}, engine.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	r, err := waitResult(t, ticket.Future)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "[transcribe segment 1] [transcribe segment 2] [transcribe segment 3]"
	if r.Text != want || len(r.Chunks) != 3 {
		t.Fatalf("unexpected result %+v", r)
	}
	if last := r.Chunks[2].EndMS; last == nil || *last != 2500 {
		t.Fatalf("last chunk should end at audio duration, got %v", last)
	}
	mu.Lock()
	defer mu.Unlock()
	if !sawBusyTranscript {
		t.Fatal("expected streaming transcript updates")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec, events, err := store.GetJob(context.Background(), ticket.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if rec.Status != string(jobs.StatusCompleted) || rec.Text != want || len(events) != 2 {
		t.Fatalf("unexpected history %+v %d events", rec, len(events))
	}
}

func TestClosedOrchestratorRejects(t *testing.T) {
	o := newTestOrchestrator(t, &fakeBackend{}, nil, "tiny.en")
	if err := o.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := o.Transcribe(context.Background(), engine.Audio{Samples: tone(1)}, engine.Options{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := o.Initialize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
