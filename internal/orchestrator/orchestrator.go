// Package orchestrator coordinates model provisioning, engine sessions and
// transcription jobs, and keeps the observable state current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/jobs"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/internal/orchestrator"

// DefaultInitTimeout bounds the initialization a transcribe call triggers.
const DefaultInitTimeout = 30 * time.Second

// Options wire an Orchestrator. Backend, Catalog and Provisioner are required.
type Options struct {
	// Config seeds a new store when Store is nil.
	Config      state.Configuration
	Store       *state.Store
	Catalog     *models.Catalog
	Provisioner *models.Provisioner
	Backend     engine.Backend
	// History, when set, receives every job transition.
	History     *eventstore.Store
	Logger      *slog.Logger
	InitTimeout time.Duration
	// JobTimeout fails jobs that run longer. Zero means no limit.
	JobTimeout time.Duration
}

// Ticket identifies a dispatched job.
type Ticket struct {
	JobID  string
	Future *jobs.Future
	// Cancel stops the job; it is the same as Stop(JobID).
	Cancel func()
}

// JobView is a snapshot of an in-flight job.
type JobView struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Status    jobs.Status   `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Text      string        `json:"text"`
	Chunks    []state.Chunk `json:"chunks"`
}

type Orchestrator struct {
	store       *state.Store
	catalog     *models.Catalog
	provisioner *models.Provisioner
	backend     engine.Backend
	registry    *jobs.Registry
	history     *historyWriter
	log         *slog.Logger
	initTimeout time.Duration
	jobTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup

	// settleMu orders job starts against settlements so the busy flag in
	// the store always matches the registry.
	settleMu sync.Mutex

	mu         sync.Mutex
	session    engine.Session
	generation uint64
	refs       map[engine.Session]int
	closed     bool

	tracer    trace.Tracer
	started   metric.Int64Counter
	completed metric.Int64Counter
	duration  metric.Float64Histogram
}

// run carries per-job values into the engine callbacks.
type run struct {
	id    string
	key   string
	model string
	span  trace.Span
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, errors.New("orchestrator: backend required")
	}
	if opts.Catalog == nil || opts.Provisioner == nil {
		return nil, errors.New("orchestrator: catalog and provisioner required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = state.NewStore(state.State{Config: opts.Config})
	}
	initTimeout := opts.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:       store,
		catalog:     opts.Catalog,
		provisioner: opts.Provisioner,
		backend:     opts.Backend,
		registry:    jobs.NewRegistry(),
		log:         log.With(slog.String("component", "orchestrator")),
		initTimeout: initTimeout,
		jobTimeout:  opts.JobTimeout,
		ctx:         ctx,
		cancel:      cancel,
		refs:        make(map[engine.Session]int),
		tracer:      otel.Tracer(instrumentationName),
	}
	if opts.History != nil {
		o.history = newHistoryWriter(opts.History, o.log)
	}
	if err := o.initMetrics(); err != nil {
		cancel()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if o.started, err = meter.Int64Counter("scribe.jobs.started",
		metric.WithDescription("Transcription jobs dispatched to an engine")); err != nil {
		return fmt.Errorf("create started counter: %w", err)
	}
	if o.completed, err = meter.Int64Counter("scribe.jobs.completed",
		metric.WithDescription("Transcription jobs settled, by status")); err != nil {
		return fmt.Errorf("create completed counter: %w", err)
	}
	if o.duration, err = meter.Float64Histogram("scribe.job.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time from dispatch to settlement")); err != nil {
		return fmt.Errorf("create duration histogram: %w", err)
	}
	_, err = meter.Int64ObservableGauge("scribe.jobs.inflight",
		metric.WithDescription("Transcription jobs awaiting settlement"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.registry.Len()))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("create inflight gauge: %w", err)
	}
	return nil
}

// State returns a snapshot of the observable state.
func (o *Orchestrator) State() state.State { return o.store.Snapshot() }

// Subscribe registers fn for every state change. See state.Store.Subscribe.
func (o *Orchestrator) Subscribe(fn func(state.State)) func() { return o.store.Subscribe(fn) }

// InFlight returns the number of unsettled jobs.
func (o *Orchestrator) InFlight() int { return o.registry.Len() }

// Backend returns the engine backend name.
func (o *Orchestrator) Backend() string { return o.backend.Name() }

// Ready reports whether a session is loaded for the current configuration.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session != nil && !o.closed
}

// Initialize provisions the configured model and opens an engine session.
// Concurrent callers share one initialization; ctx only bounds the wait.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.isClosed() {
		return ErrClosed
	}
	ch := o.group.DoChan("initialize", func() (any, error) {
		return nil, o.initialize()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (o *Orchestrator) initialize() error {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrClosed
		}
		if o.session != nil {
			o.mu.Unlock()
			return nil
		}
		gen := o.generation
		o.mu.Unlock()

		cfg := o.store.Snapshot().Config
		desc, ok := o.catalog.Lookup(cfg.ModelID)
		if !ok {
			o.setReady(false)
			return &InvalidInputError{Reason: fmt.Sprintf("unknown model %q", cfg.ModelID)}
		}
		if !desc.Capabilities.Multilingual {
			cfg.Multilingual = false
		}
		if !desc.Capabilities.Diarization {
			cfg.Diarization = false
		}

		log := o.log.With(slog.String("model", desc.ID), slog.Bool("quantized", cfg.Quantized))
		log.Info("initializing engine", slog.String("backend", o.backend.Name()))
		path, err := o.provisioner.Provision(o.ctx, desc, cfg.Quantized, o.store)
		if err != nil {
			o.setReady(false)
			log.Warn("model provisioning failed", slogError(err))
			return err
		}
		session, err := o.backend.InitializeSession(o.ctx, path, cfg)
		if err != nil {
			o.setReady(false)
			log.Warn("engine initialization failed", slogError(err))
			return err
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			_ = session.Close()
			return ErrClosed
		}
		if gen != o.generation {
			o.mu.Unlock()
			log.Info("configuration changed while initializing, starting over")
			o.closeAsync(session)
			continue
		}
		o.session = session
		o.mu.Unlock()

		o.setReady(true)
		log.Info("engine ready", slog.String("model_path", path))
		return nil
	}
}

func (o *Orchestrator) setReady(ready bool) {
	o.store.Dispatch(state.SetFields{Patch: state.Patch{Ready: state.Ptr(ready)}})
}

// UpdateConfig merges the configuration fields of patch into the state.
// With reinitialize the current session is retired: new jobs wait for a
// session built from the merged configuration while jobs already running
// on the old one finish normally.
func (o *Orchestrator) UpdateConfig(ctx context.Context, patch state.Patch, reinitialize bool) error {
	if o.isClosed() {
		return ErrClosed
	}
	cfgPatch := state.Patch{
		ModelID:      patch.ModelID,
		Quantized:    patch.Quantized,
		Multilingual: patch.Multilingual,
		Language:     patch.Language,
		Subtask:      patch.Subtask,
		Diarization:  patch.Diarization,
	}
	if cfgPatch.ModelID != nil {
		if _, ok := o.catalog.Lookup(*cfgPatch.ModelID); !ok {
			return &InvalidInputError{Reason: fmt.Sprintf("unknown model %q", *cfgPatch.ModelID)}
		}
	}
	if cfgPatch.Subtask != nil && !validSubtask(*cfgPatch.Subtask) {
		return &InvalidInputError{Reason: fmt.Sprintf("unknown subtask %q", *cfgPatch.Subtask)}
	}
	o.store.Dispatch(state.SetFields{Patch: cfgPatch})
	if !reinitialize {
		return nil
	}

	o.mu.Lock()
	o.generation++
	old := o.session
	o.session = nil
	idle := old != nil && o.refs[old] == 0
	o.mu.Unlock()

	o.setReady(false)
	if idle {
		o.closeAsync(old)
	}
	o.log.Info("reinitializing engine", slog.Bool("retired_session", old != nil))
	return o.Initialize(ctx)
}

// Transcribe dispatches a job and returns its ticket. Silent audio resolves
// immediately with an empty result and is never dispatched.
func (o *Orchestrator) Transcribe(ctx context.Context, in engine.Audio, opts engine.Options) (*Ticket, error) {
	if len(in.Samples) == 0 {
		return nil, &InvalidInputError{Reason: "audio is empty"}
	}
	if opts.Subtask != "" && !validSubtask(opts.Subtask) {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("unknown subtask %q", opts.Subtask)}
	}
	if o.isClosed() {
		return nil, ErrClosed
	}
	if audio.IsSilent(in.Samples) {
		id := jobs.NewID()
		o.log.Debug("silent audio, nothing to transcribe", slog.String("job_id", id))
		return &Ticket{
			JobID:  id,
			Future: jobs.Resolved(jobs.Result{JobID: id, Chunks: []state.Chunk{}}),
			Cancel: func() {},
		}, nil
	}

	session, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	cfg := session.Configuration()

	o.settleMu.Lock()
	entry, err := o.registry.Register(in.Key)
	if err != nil {
		o.settleMu.Unlock()
		o.release(session)
		return nil, &InvalidInputError{Reason: err.Error(), Err: err}
	}
	o.store.Dispatch(state.StartJob{})
	o.settleMu.Unlock()

	r := run{id: entry.Job.ID, key: entry.Job.Key, model: cfg.ModelID}
	in.Key = r.key

	var jobCtx context.Context
	var cancel context.CancelFunc
	if o.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(o.ctx, o.jobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(o.ctx)
	}
	jobCtx, r.span = o.tracer.Start(jobCtx, "orchestrator.transcribe", trace.WithAttributes(
		attribute.String("job.id", r.id),
		attribute.String("model", r.model),
		attribute.String("backend", o.backend.Name()),
		attribute.Int64("audio.duration_ms", audio.DurationMS(in.Samples)),
	))
	entry.Own(cancel)
	entry.Own(func() { r.span.End() })
	entry.Own(func() { o.release(session) })

	if _, err := o.registry.Update(r.id, func(j *jobs.Job) error { return j.Transition(jobs.StatusDispatched) }); err != nil {
		o.log.Warn("unexpected job transition failure", slog.String("job_id", r.id), slogError(err))
	}
	o.started.Add(jobCtx, 1, metric.WithAttributes(attribute.String("backend", o.backend.Name())))
	o.record(entry, r.model, jobs.StatusDispatched, "", nil)
	o.log.Info("job dispatched", slog.String("job_id", r.id), slog.String("key", r.key), slog.Int("samples", len(in.Samples)))

	callbacks := engine.Callbacks{
		OnProgress: func(p float64) { o.onProgress(r, p) },
		OnSegments: func(_ string, chunks []state.Chunk) { o.onSegments(r, chunks) },
		OnComplete: func(done engine.Completion) { o.onComplete(r, done) },
		OnError:    func(err error) { o.onError(r, err) },
	}
	backendCancel, err := session.Transcribe(jobCtx, engine.Request{JobID: r.id, Audio: in, Options: opts}, callbacks)
	if err != nil {
		o.onError(r, err)
		return nil, &TranscriptionError{JobID: r.id, Err: err}
	}
	entry.SetCancel(backendCancel)

	return &Ticket{
		JobID:  r.id,
		Future: entry.Future,
		Cancel: func() { _ = o.Stop(r.id) },
	}, nil
}

// acquire returns the current session, initializing one when needed, and
// counts the caller as one of its jobs.
func (o *Orchestrator) acquire(ctx context.Context) (engine.Session, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		if s := o.session; s != nil {
			o.refs[s]++
			o.mu.Unlock()
			return s, nil
		}
		o.mu.Unlock()

		initCtx, cancel := context.WithTimeout(ctx, o.initTimeout)
		err := o.Initialize(initCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, &engine.InitError{Backend: o.backend.Name(), Err: ErrInitTimeout}
			}
			return nil, err
		}
	}
}

// release drops a job's hold on session and closes it when it was retired
// and this was its last job.
func (o *Orchestrator) release(session engine.Session) {
	o.mu.Lock()
	o.refs[session]--
	last := o.refs[session] <= 0
	if last {
		delete(o.refs, session)
	}
	retired := session != o.session
	o.mu.Unlock()
	if last && retired {
		o.closeAsync(session)
	}
}

func (o *Orchestrator) closeAsync(session engine.Session) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := session.Close(); err != nil {
			o.log.Warn("failed to close engine session", slogError(err))
		}
	}()
}

func (o *Orchestrator) onProgress(r run, p float64) {
	_, _ = o.registry.Update(r.id, func(*jobs.Job) error {
		o.store.Dispatch(state.UpsertProgress{Item: state.ProgressItem{
			Key:      r.key,
			Loaded:   int64(p),
			Total:    100,
			Progress: p,
			Label:    r.model,
			Status:   state.ProgressProcessing,
		}})
		return nil
	})
}

func (o *Orchestrator) onSegments(r run, chunks []state.Chunk) {
	found, _ := o.registry.Update(r.id, func(j *jobs.Job) error {
		if err := j.Transition(jobs.StatusStreaming); err != nil {
			return err
		}
		if j.Chunks.Add(chunks...) == 0 {
			return nil
		}
		o.store.Dispatch(state.SetFields{Patch: state.Patch{
			Busy: state.Ptr(true),
			Transcript: &state.Transcript{
				JobID:  r.id,
				Text:   j.Chunks.Text(),
				Chunks: j.Chunks.Chunks(),
				Busy:   true,
			},
		}})
		return nil
	})
	if !found {
		o.log.Debug("dropping segments for settled job", slog.String("job_id", r.id))
	}
}

func (o *Orchestrator) onComplete(r run, done engine.Completion) {
	o.settleMu.Lock()
	defer o.settleMu.Unlock()

	var result jobs.Result
	found, _ := o.registry.Update(r.id, func(j *jobs.Job) error {
		j.Chunks.Add(done.Chunks...)
		text := strings.TrimSpace(done.Text)
		if text == "" {
			text = j.Chunks.Text()
		}
		result = jobs.Result{JobID: r.id, Text: text, Chunks: j.Chunks.Chunks()}
		return nil
	})
	if !found {
		o.log.Debug("dropping completion for settled job", slog.String("job_id", r.id))
		return
	}
	entry, remaining, ok := o.registry.Settle(r.id, jobs.StatusCompleted, result, nil)
	if !ok {
		return
	}
	patch := state.Patch{Transcript: &state.Transcript{
		JobID:  r.id,
		Text:   result.Text,
		Chunks: result.Chunks,
	}}
	if remaining == 0 {
		patch.Busy = state.Ptr(false)
	}
	o.store.Dispatch(state.RemoveProgress{Key: r.key}, state.SetFields{Patch: patch})
	o.observe(entry, jobs.StatusCompleted)
	o.record(entry, r.model, jobs.StatusCompleted, result.Text, nil)
	o.log.Info("job completed", slog.String("job_id", r.id), slog.Int("chunks", len(result.Chunks)))
}

func (o *Orchestrator) onError(r run, err error) {
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())

	o.settleMu.Lock()
	defer o.settleMu.Unlock()

	terr := &TranscriptionError{JobID: r.id, Err: err}
	entry, remaining, ok := o.registry.Settle(r.id, jobs.StatusFailed, jobs.Result{}, terr)
	if !ok {
		o.log.Debug("dropping error for settled job", slog.String("job_id", r.id), slogError(err))
		return
	}
	actions := []state.Action{state.RemoveProgress{Key: r.key}}
	if remaining == 0 {
		actions = append(actions, state.SetFields{Patch: state.Patch{Busy: state.Ptr(false)}})
	}
	o.store.Dispatch(actions...)
	o.observe(entry, jobs.StatusFailed)
	o.record(entry, r.model, jobs.StatusFailed, "", err)
	o.log.Warn("job failed", slog.String("job_id", r.id), slogError(err))
}

// Stop aborts an in-flight job. The job's future resolves with the aborted
// result. Unknown or already settled ids are ignored.
func (o *Orchestrator) Stop(jobID string) error {
	entry, ok := o.registry.Lookup(jobID)
	if !ok {
		return nil
	}

	o.settleMu.Lock()
	_, remaining, ok := o.registry.Settle(jobID, jobs.StatusAborted, jobs.AbortedResult(jobID), nil)
	if ok {
		actions := []state.Action{state.AbortJob{JobID: jobID}}
		if remaining > 0 {
			actions = append(actions, state.SetFields{Patch: state.Patch{Busy: state.Ptr(true)}})
		}
		o.store.Dispatch(actions...)
	}
	o.settleMu.Unlock()
	if !ok {
		return nil
	}

	if cancel := entry.Cancel(); cancel != nil {
		cancel()
	}
	o.observe(entry, jobs.StatusAborted)
	o.record(entry, "", jobs.StatusAborted, state.AbortedText, ErrAborted)
	o.log.Info("job aborted", slog.String("job_id", jobID))
	return nil
}

// Job returns a snapshot of an in-flight job.
func (o *Orchestrator) Job(jobID string) (JobView, bool) {
	var view JobView
	found, _ := o.registry.Update(jobID, func(j *jobs.Job) error {
		view = JobView{
			ID:        j.ID,
			Key:       j.Key,
			Status:    j.Status,
			StartedAt: j.StartedAt,
			Text:      j.Chunks.Text(),
			Chunks:    j.Chunks.Chunks(),
		}
		return nil
	})
	return view, found
}

// Close aborts every in-flight job and closes all sessions.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	current := o.session
	o.session = nil
	idle := current != nil && o.refs[current] == 0
	o.mu.Unlock()

	for _, id := range o.registry.IDs() {
		_ = o.Stop(id)
	}
	if idle {
		o.closeAsync(current)
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.history.close()
	o.setReady(false)
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) observe(entry *jobs.Entry, status jobs.Status) {
	ctx := context.Background()
	o.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	o.duration.Record(ctx, time.Since(entry.Job.StartedAt).Seconds(),
		metric.WithAttributes(attribute.String("status", string(status))))
}

func (o *Orchestrator) record(entry *jobs.Entry, model string, status jobs.Status, text string, err error) {
	if o.history == nil {
		return
	}
	rec := eventstore.Job{
		ID:        entry.Job.ID,
		AudioKey:  entry.Job.Key,
		ModelID:   model,
		Backend:   o.backend.Name(),
		Status:    string(status),
		Text:      text,
		StartedAt: entry.Job.StartedAt,
	}
	if status.Terminal() {
		rec.FinishedAt = time.Now()
	}
	if err != nil {
		rec.Error = err.Error()
	}
	o.history.record(rec, string(status), nil)
}

func validSubtask(s string) bool {
	return s == "transcribe" || s == "translate"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
