package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"github.com/nats-io/nats.go"
)

// ErrNoWorker is wrapped in the InitError returned when no worker answers.
var ErrNoWorker = errors.New("no transcription worker available")

// WorkerError carries an error message reported by a worker.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string { return "worker: " + e.Message }

// BusOptions configure a BusBackend.
type BusOptions struct {
	// InitTimeout bounds the initialize request. Zero leaves only ctx.
	InitTimeout time.Duration
	// ProgressTick is the interval of synthesized progress. Zero disables it.
	ProgressTick time.Duration
	// AudioBucket, when set, carries audio through the object store.
	AudioBucket string
}

// BusBackend reaches a worker process over NATS.
type BusBackend struct {
	client *bus.Client
	opts   BusOptions
	log    *slog.Logger
}

func NewBusBackend(client *bus.Client, opts BusOptions, log *slog.Logger) *BusBackend {
	return &BusBackend{
		client: client,
		opts:   opts,
		log:    log.With(slog.String("component", "bus-engine")),
	}
}

func (b *BusBackend) Name() string { return "worker" }

func (b *BusBackend) InitializeSession(ctx context.Context, modelPath string, cfg state.Configuration) (Session, error) {
	conn := b.client.Conn()
	sid := uuid.NewString()
	events := protocol.SessionEvents(sid)

	ch := make(chan *nats.Msg, 256)
	sub, err := conn.ChanSubscribe(events, ch)
	if err != nil {
		return nil, &InitError{Backend: b.Name(), Err: fmt.Errorf("subscribe session events: %w", err)}
	}

	payload, err := json.Marshal(protocol.Initialize{
		Type:          protocol.TypeInitialize,
		SessionID:     sid,
		EventsSubject: events,
		ModelID:       cfg.ModelID,
		ModelPath:     modelPath,
		Quantized:     cfg.Quantized,
		Multilingual:  cfg.Multilingual,
		Subtask:       cfg.Subtask,
		Language:      cfg.Language,
		Diarization:   cfg.Diarization,
	})
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, &InitError{Backend: b.Name(), Err: err}
	}

	reqCtx := ctx
	if b.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, b.opts.InitTimeout)
		defer cancel()
	}
	if err := b.awaitReady(reqCtx, payload); err != nil {
		_ = sub.Unsubscribe()
		return nil, &InitError{Backend: b.Name(), Err: err}
	}

	s := &busSession{
		backend: b,
		id:      sid,
		cfg:     cfg,
		sub:     sub,
		ch:      ch,
		jobs:    make(map[string]*busJob),
		done:    make(chan struct{}),
		log:     b.log.With(slog.String("session_id", sid)),
	}
	s.wg.Add(1)
	go s.dispatch()
	s.log.Info("worker session ready", slog.String("model", cfg.ModelID))
	return s, nil
}

// initSettleWindow is how long initialization waits for late acknowledgements
// after every known worker has failed.
const initSettleWindow = 250 * time.Millisecond

// awaitReady sends an initialize request to every worker and waits for the
// first ready reply. Workers acknowledge with initiate before loading, so an
// error only fails initialization once every acknowledging worker failed.
func (b *BusBackend) awaitReady(ctx context.Context, payload []byte) error {
	conn := b.client.Conn()
	inbox := nats.NewInbox()
	replies := make(chan *nats.Msg, 64)
	rsub, err := conn.ChanSubscribe(inbox, replies)
	if err != nil {
		return fmt.Errorf("subscribe initialize replies: %w", err)
	}
	defer func() { _ = rsub.Unsubscribe() }()

	if err := conn.PublishRequest(protocol.SubjectWorkerControl, inbox, payload); err != nil {
		return fmt.Errorf("publish initialize: %w", err)
	}

	pending := 0
	var firstErr error
	var settle <-chan time.Time
	for {
		select {
		case <-settle:
			return firstErr
		case <-ctx.Done():
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		case msg := <-replies:
			if isNoResponders(msg) {
				return ErrNoWorker
			}
			var ev protocol.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				b.log.Debug("ignoring undecodable initialize reply", slogError(err))
				continue
			}
			switch ev.Status {
			case protocol.StatusInitiate:
				pending++
				settle = nil
			case protocol.StatusReady:
				return nil
			default:
				var data protocol.ErrorData
				_ = json.Unmarshal(ev.Data, &data)
				if data.Message == "" {
					data.Message = "unexpected initialize reply status " + ev.Status
				}
				werr := &WorkerError{Message: data.Message}
				b.log.Warn("worker failed to initialize session", slogError(werr))
				if firstErr == nil {
					firstErr = werr
				}
				pending--
				if pending <= 0 {
					settle = time.After(initSettleWindow)
				}
			}
		}
	}
}

func isNoResponders(msg *nats.Msg) bool {
	return len(msg.Data) == 0 && msg.Header != nil && msg.Header.Get("Status") == "503"
}

type busSession struct {
	backend *BusBackend
	id      string
	cfg     state.Configuration
	sub     *nats.Subscription
	ch      chan *nats.Msg
	log     *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*busJob
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type busJob struct {
	id       string
	cb       Callbacks
	audioRef string

	// cbMu serializes callbacks for the job.
	cbMu sync.Mutex

	mu        sync.Mutex
	progress  float64
	finished  bool
	stopTick  chan struct{}
	stopWatch func() bool
}

// finish marks the job terminal. Only the first caller gets true.
func (j *busJob) finish() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return false
	}
	j.finished = true
	if j.stopTick != nil {
		close(j.stopTick)
	}
	if j.stopWatch != nil {
		j.stopWatch()
	}
	return true
}

// raise moves the progress estimate up to p, capped at 99. It reports the new
// value and whether it changed.
func (j *busJob) raise(p float64) (float64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return j.progress, false
	}
	p = math.Min(p, 99)
	if p <= j.progress {
		return j.progress, false
	}
	j.progress = p
	return p, true
}

func (j *busJob) emitProgress(p float64) {
	j.cbMu.Lock()
	defer j.cbMu.Unlock()
	if next, changed := j.raise(p); changed {
		j.cb.progress(next)
	}
}

func (s *busSession) Configuration() state.Configuration { return s.cfg }

func (s *busSession) Transcribe(ctx context.Context, req Request, cb Callbacks) (func(), error) {
	if req.JobID == "" {
		return nil, errors.New("job id required")
	}
	opts := withSessionDefaults(req.Options, s.cfg)
	msg := protocol.Transcribe{
		Type:          protocol.TypeTranscribe,
		SessionID:     s.id,
		JobID:         req.JobID,
		Position:      opts.Position,
		ModelID:       s.cfg.ModelID,
		Quantized:     s.cfg.Quantized,
		Multilingual:  s.cfg.Multilingual,
		Subtask:       opts.Subtask,
		Language:      opts.Language,
		ChunkLengthS:  opts.ChunkLengthS,
		StrideLengthS: opts.StrideLengthS,
	}
	job := &busJob{id: req.JobID, cb: cb}

	samples := audio.Float32Bytes(req.Audio.Samples)
	if bucket := s.backend.opts.AudioBucket; bucket != "" {
		store, err := s.backend.client.ObjectStore(bucket)
		if err != nil {
			return nil, err
		}
		name := s.id + "/" + req.JobID
		if _, err := store.PutBytes(name, samples); err != nil {
			return nil, fmt.Errorf("upload audio: %w", err)
		}
		msg.AudioRef = name
		job.audioRef = name
	} else {
		msg.Audio = samples
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		s.dropAudio(job)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropAudio(job)
		return nil, ErrSessionClosed
	}
	s.jobs[job.id] = job
	s.mu.Unlock()

	if err := s.backend.client.Conn().Publish(protocol.SessionJobs(s.id), payload); err != nil {
		s.remove(job.id)
		s.dropAudio(job)
		return nil, fmt.Errorf("publish transcribe: %w", err)
	}

	cancel := func() {
		if !job.finish() {
			return
		}
		s.remove(job.id)
		s.publishAbort(job.id)
		s.dropAudio(job)
	}

	job.mu.Lock()
	if job.finished {
		// a terminal event beat us here
		job.mu.Unlock()
		return cancel, nil
	}
	job.stopWatch = context.AfterFunc(ctx, func() {
		if !job.finish() {
			return
		}
		s.remove(job.id)
		s.publishAbort(job.id)
		s.dropAudio(job)
		job.cbMu.Lock()
		job.cb.fail(ctx.Err())
		job.cbMu.Unlock()
	})
	if tick := s.backend.opts.ProgressTick; tick > 0 {
		job.stopTick = make(chan struct{})
		s.wg.Add(1)
		go s.synthesize(job, tick, job.stopTick)
	}
	job.mu.Unlock()

	return cancel, nil
}

// synthesize advances the job's progress estimate until stop is closed.
func (s *busSession) synthesize(job *busJob, tick time.Duration, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			job.mu.Lock()
			current := job.progress
			job.mu.Unlock()
			job.emitProgress(current + math.Max(1, (99-current)/10))
		}
	}
}

func (s *busSession) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			s.handle(msg)
		}
	}
}

func (s *busSession) handle(msg *nats.Msg) {
	var ev protocol.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.log.Warn("failed to decode worker event", slogError(err))
		return
	}
	if ev.JobID == "" {
		s.log.Debug("session event", slog.String("status", ev.Status))
		return
	}
	s.mu.Lock()
	job := s.jobs[ev.JobID]
	s.mu.Unlock()
	if job == nil {
		s.log.Debug("dropping event for unknown job", slog.String("job_id", ev.JobID), slog.String("status", ev.Status))
		return
	}

	switch ev.Status {
	case protocol.StatusProgress:
		var data protocol.ProgressData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			s.log.Warn("bad progress payload", slogError(err))
			return
		}
		job.emitProgress(data.Progress)

	case protocol.StatusUpdate:
		var data protocol.UpdateData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			s.log.Warn("bad update payload", slogError(err))
			return
		}
		job.cbMu.Lock()
		job.mu.Lock()
		finished := job.finished
		job.mu.Unlock()
		if !finished {
			job.cb.segments(data.Text, protocol.ToState(data.Chunks))
		}
		job.cbMu.Unlock()

	case protocol.StatusComplete:
		var data protocol.CompleteData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			s.settle(job, fmt.Errorf("decode completion: %w", err), Completion{})
			return
		}
		s.settle(job, nil, Completion{
			Text:      data.Text,
			Chunks:    protocol.ToState(data.Chunks),
			StartTime: data.StartTime,
			EndTime:   data.EndTime,
		})

	case protocol.StatusError:
		var data protocol.ErrorData
		_ = json.Unmarshal(ev.Data, &data)
		s.settle(job, &WorkerError{Message: data.Message}, Completion{})

	default:
		s.log.Debug("ignoring job event", slog.String("job_id", ev.JobID), slog.String("status", ev.Status))
	}
}

func (s *busSession) settle(job *busJob, err error, done Completion) {
	job.cbMu.Lock()
	defer job.cbMu.Unlock()
	if !job.finish() {
		return
	}
	s.remove(job.id)
	s.dropAudio(job)
	if err != nil {
		job.cb.fail(err)
		return
	}
	job.cb.progress(100)
	job.cb.complete(done)
}

func (s *busSession) remove(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

func (s *busSession) publishAbort(jobID string) {
	payload, err := json.Marshal(protocol.Abort{Type: protocol.TypeAbort, SessionID: s.id, JobID: jobID})
	if err != nil {
		return
	}
	if err := s.backend.client.Conn().Publish(protocol.SubjectWorkerAbort, payload); err != nil {
		s.log.Warn("failed to publish abort", slog.String("job_id", jobID), slogError(err))
	}
}

func (s *busSession) dropAudio(job *busJob) {
	if job.audioRef == "" {
		return
	}
	store, err := s.backend.client.ObjectStore(s.backend.opts.AudioBucket)
	if err != nil {
		return
	}
	if err := store.Delete(job.audioRef); err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		s.log.Debug("failed to delete audio object", slog.String("name", job.audioRef), slogError(err))
	}
}

// InFlight returns the number of jobs awaiting a terminal event.
func (s *busSession) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *busSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := make([]*busJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		pending = append(pending, job)
	}
	s.jobs = make(map[string]*busJob)
	s.mu.Unlock()

	for _, job := range pending {
		if job.finish() {
			s.publishAbort(job.id)
			s.dropAudio(job)
		}
	}

	close(s.done)
	err := s.sub.Unsubscribe()
	s.wg.Wait()

	payload, merr := json.Marshal(protocol.Dispose{Type: protocol.TypeDispose, SessionID: s.id})
	if merr == nil {
		if perr := s.backend.client.Conn().Publish(protocol.SubjectWorkerControl, payload); perr != nil && err == nil {
			err = perr
		}
	}
	s.log.Info("worker session closed")
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
