// Package worker serves transcription sessions to BusBackend clients over NATS.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"github.com/nats-io/nats.go"
)

// errShutdown is the cancel cause of jobs interrupted by Close.
var errShutdown = errors.New("worker shutting down")

type Service struct {
	cfg         config.EngineConfig
	audioBucket string
	bus         *bus.Client
	factory     engine.RecognizerFactory
	catalog     *models.Catalog
	provisioner *models.Provisioner
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	jobs     map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelCauseFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

type session struct {
	id     string
	events string
	cfg    state.Configuration
	rec    engine.Recognizer
	sub    *nats.Subscription
	jobs   sync.WaitGroup
}

func NewService(parent context.Context, cfg config.EngineConfig, audioBucket string, busClient *bus.Client, factory engine.RecognizerFactory, catalog *models.Catalog, provisioner *models.Provisioner, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancelCause(parent)
	return &Service{
		cfg:         cfg,
		audioBucket: audioBucket,
		bus:         busClient,
		factory:     factory,
		catalog:     catalog,
		provisioner: provisioner,
		log:         log.With(slog.String("component", "worker")),
		sessions:    make(map[string]*session),
		jobs:        make(map[string]context.CancelFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	control, err := conn.Subscribe(protocol.SubjectWorkerControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	aborts, err := conn.Subscribe(protocol.SubjectWorkerAbort, s.handleAbort)
	if err != nil {
		_ = control.Unsubscribe()
		return fmt.Errorf("subscribe aborts: %w", err)
	}
	// Make sure the server has the interest registered before callers
	// start sending requests.
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	s.mu.Lock()
	s.subs = []*nats.Subscription{control, aborts}
	s.ready = true
	s.mu.Unlock()
	s.log.Info("worker started")
	return nil
}

func (s *Service) Close() {
	s.cancel(errShutdown)
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.ready = false
	for _, sess := range s.sessions {
		if sess.sub != nil {
			subs = append(subs, sess.sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.wg.Wait()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.jobs.Wait()
		if err := sess.rec.Close(); err != nil {
			s.log.Warn("failed to close recognizer", slog.String("session_id", sess.id), slogError(err))
		}
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Sessions returns the number of loaded sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ActiveJobs returns the number of jobs currently running.
func (s *Service) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.jobs {
		if strings.HasSuffix(key, "/"+jobID) {
			return true
		}
	}
	return false
}

func (s *Service) handleControl(msg *nats.Msg) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.log.Warn("failed to decode control message", slogError(err))
		return
	}
	switch env.Type {
	case protocol.TypeInitialize:
		var req protocol.Initialize
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.StatusError, env.SessionID, protocol.ErrorData{Message: err.Error()})
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.initialize(msg, req)
		}()
	case protocol.TypeDispose:
		s.dispose(env.SessionID)
		s.respond(msg, protocol.StatusDone, env.SessionID, nil)
	default:
		s.log.Debug("ignoring control message", slog.String("type", env.Type))
	}
}

func (s *Service) initialize(msg *nats.Msg, req protocol.Initialize) {
	log := s.log.With(slog.String("session_id", req.SessionID), slog.String("model", req.ModelID))
	s.respond(msg, protocol.StatusInitiate, req.SessionID, nil)
	sink := &eventSink{svc: s, subject: req.EventsSubject, sessionID: req.SessionID}
	sink.publish(protocol.StatusInitiate, "", protocol.ProgressData{File: req.ModelID})

	cfg := state.Configuration{
		ModelID:      req.ModelID,
		Quantized:    req.Quantized,
		Multilingual: req.Multilingual,
		Language:     req.Language,
		Subtask:      req.Subtask,
		Diarization:  req.Diarization,
	}

	path, err := s.modelPath(req, sink)
	if err != nil {
		log.Warn("model unavailable", slogError(err))
		s.respond(msg, protocol.StatusError, req.SessionID, protocol.ErrorData{Message: err.Error()})
		return
	}
	rec, err := s.factory(path, cfg)
	if err != nil {
		log.Warn("failed to load recognizer", slogError(err))
		s.respond(msg, protocol.StatusError, req.SessionID, protocol.ErrorData{Message: err.Error()})
		return
	}
	sink.publish(protocol.StatusDone, "", protocol.ProgressData{File: req.ModelID, Progress: 100})

	s.mu.Lock()
	if old := s.sessions[req.SessionID]; old != nil {
		s.mu.Unlock()
		_ = rec.Close()
		s.respond(msg, protocol.StatusReady, req.SessionID, nil)
		return
	}
	sess := &session{id: req.SessionID, events: req.EventsSubject, cfg: cfg, rec: rec}
	s.sessions[req.SessionID] = sess
	s.mu.Unlock()

	conn := s.bus.Conn()
	sub, err := conn.QueueSubscribe(protocol.SessionJobs(req.SessionID), protocol.QueueWorkers, s.handleJob)
	if err == nil {
		err = conn.Flush()
	}
	if err != nil {
		log.Warn("failed to subscribe session jobs", slogError(err))
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		s.mu.Lock()
		delete(s.sessions, req.SessionID)
		s.mu.Unlock()
		_ = rec.Close()
		s.respond(msg, protocol.StatusError, req.SessionID, protocol.ErrorData{Message: err.Error()})
		return
	}
	s.mu.Lock()
	if s.sessions[req.SessionID] != sess {
		// disposed while subscribing
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		s.respond(msg, protocol.StatusError, req.SessionID, protocol.ErrorData{Message: "session disposed during initialization"})
		return
	}
	sess.sub = sub
	s.mu.Unlock()

	log.Info("session loaded", slog.String("model_path", path))
	s.respond(msg, protocol.StatusReady, req.SessionID, nil)
}

// modelPath prefers a path the client already resolved and falls back to
// provisioning by id.
func (s *Service) modelPath(req protocol.Initialize, sink models.Dispatcher) (string, error) {
	if req.ModelPath != "" {
		if info, err := os.Stat(req.ModelPath); err == nil && !info.IsDir() {
			return req.ModelPath, nil
		}
	}
	if s.catalog == nil || s.provisioner == nil {
		return "", fmt.Errorf("model %q not available locally", req.ModelID)
	}
	desc, ok := s.catalog.Lookup(req.ModelID)
	if !ok {
		return "", fmt.Errorf("unknown model %q", req.ModelID)
	}
	return s.provisioner.Provision(s.ctx, desc, req.Quantized, sink)
}

func (s *Service) dispose(sessionID string) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	var sub *nats.Subscription
	if sess != nil {
		sub = sess.sub
	}
	var cancels []context.CancelFunc
	prefix := sessionID + "/"
	for key, cancel := range s.jobs {
		if strings.HasPrefix(key, prefix) {
			cancels = append(cancels, cancel)
		}
	}
	s.mu.Unlock()
	if sess == nil {
		return
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.jobs.Wait()
		if err := sess.rec.Close(); err != nil {
			s.log.Warn("failed to close recognizer", slog.String("session_id", sessionID), slogError(err))
		}
		s.log.Info("session disposed", slog.String("session_id", sessionID))
	}()
}

func (s *Service) handleJob(msg *nats.Msg) {
	var req protocol.Transcribe
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode transcribe request", slogError(err))
		return
	}

	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess != nil {
		sess.jobs.Add(1)
	}
	s.mu.Unlock()
	if sess == nil {
		s.publish(protocol.SessionEvents(req.SessionID), protocol.StatusError, req.SessionID, req.JobID,
			protocol.ErrorData{Message: "unknown session " + req.SessionID})
		return
	}

	timeout := time.Duration(s.cfg.JobTimeoutMS) * time.Millisecond
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	key := req.SessionID + "/" + req.JobID
	s.mu.Lock()
	s.jobs[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sess.jobs.Done()
		defer func() {
			s.mu.Lock()
			delete(s.jobs, key)
			s.mu.Unlock()
			cancel()
		}()
		s.run(ctx, sess, req)
	}()
}

func (s *Service) run(ctx context.Context, sess *session, req protocol.Transcribe) {
	log := s.log.With(slog.String("session_id", sess.id), slog.String("job_id", req.JobID))

	samples, err := s.loadAudio(req)
	if err != nil {
		log.Warn("failed to load job audio", slogError(err))
		s.publish(sess.events, protocol.StatusError, sess.id, req.JobID, protocol.ErrorData{Message: err.Error()})
		return
	}

	started := time.Now().UTC()
	var chunks []state.Chunk
	opts := engine.Options{
		Language:      req.Language,
		Subtask:       req.Subtask,
		Position:      req.Position,
		ChunkLengthS:  req.ChunkLengthS,
		StrideLengthS: req.StrideLengthS,
	}
	sink := engine.Sink{
		Segment: func(c state.Chunk) {
			chunks = append(chunks, c)
			s.publish(sess.events, protocol.StatusUpdate, sess.id, req.JobID, protocol.UpdateData{
				Text:   joinText(chunks),
				Chunks: protocol.FromState(chunks),
			})
		},
		Progress: func(p int) {
			s.publish(sess.events, protocol.StatusProgress, sess.id, req.JobID, protocol.ProgressData{Progress: float64(p)})
		},
	}

	text, err := sess.rec.Recognize(ctx, samples, opts, sink)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if errors.Is(context.Cause(ctx), errShutdown) {
				log.Info("job interrupted by shutdown")
				s.publish(sess.events, protocol.StatusError, sess.id, req.JobID, protocol.ErrorData{Message: errShutdown.Error()})
				return
			}
			log.Debug("job aborted")
			return
		}
		log.Warn("transcription failed", slogError(err))
		s.publish(sess.events, protocol.StatusError, sess.id, req.JobID, protocol.ErrorData{Message: err.Error()})
		return
	}
	if text == "" {
		text = joinText(chunks)
	}
	s.publish(sess.events, protocol.StatusComplete, sess.id, req.JobID, protocol.CompleteData{
		Text:      strings.TrimSpace(text),
		Chunks:    protocol.FromState(chunks),
		StartTime: started,
		EndTime:   time.Now().UTC(),
	})
	log.Debug("job complete", slog.Int("chunks", len(chunks)))
}

func (s *Service) loadAudio(req protocol.Transcribe) ([]float32, error) {
	if req.AudioRef == "" {
		return audio.BytesFloat32(req.Audio)
	}
	if s.audioBucket == "" {
		return nil, errors.New("audio reference received but no audio bucket configured")
	}
	store, err := s.bus.ObjectStore(s.audioBucket)
	if err != nil {
		return nil, err
	}
	data, err := store.GetBytes(req.AudioRef)
	if err != nil {
		return nil, fmt.Errorf("fetch audio %s: %w", req.AudioRef, err)
	}
	return audio.BytesFloat32(data)
}

func (s *Service) handleAbort(msg *nats.Msg) {
	var req protocol.Abort
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode abort", slogError(err))
		return
	}
	s.mu.Lock()
	cancel := s.jobs[req.SessionID+"/"+req.JobID]
	s.mu.Unlock()
	if cancel != nil {
		s.log.Info("aborting job", slog.String("job_id", req.JobID))
		cancel()
	}
}

func (s *Service) respond(msg *nats.Msg, status, sessionID string, data any) {
	if msg.Reply == "" {
		return
	}
	ev, err := protocol.NewEvent(status, sessionID, "", data)
	if err != nil {
		s.log.Warn("failed to build reply", slogError(err))
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) publish(subject, status, sessionID, jobID string, data any) {
	if subject == "" {
		return
	}
	ev, err := protocol.NewEvent(status, sessionID, jobID, data)
	if err != nil {
		s.log.Warn("failed to build event", slogError(err))
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, payload); err != nil {
		s.log.Warn("failed to publish event", slog.String("status", status), slogError(err))
	}
}

// eventSink forwards model download progress as session events.
type eventSink struct {
	svc       *Service
	subject   string
	sessionID string
}

func (e *eventSink) Dispatch(actions ...state.Action) state.State {
	for _, action := range actions {
		if up, ok := action.(state.UpsertProgress); ok {
			e.publish(protocol.StatusProgress, "", protocol.ProgressData{
				File:     up.Item.Key,
				Progress: up.Item.Progress,
				Loaded:   up.Item.Loaded,
				Total:    up.Item.Total,
			})
		}
	}
	return state.State{}
}

func (e *eventSink) publish(status, jobID string, data any) {
	e.svc.publish(e.subject, status, e.sessionID, jobID, data)
}

func joinText(chunks []state.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return strings.TrimSpace(b.String())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
