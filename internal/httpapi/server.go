// Package httpapi exposes the orchestrator over HTTP and a websocket state
// stream.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

// MaxUploadBytes caps the WAV body of a transcription request.
const MaxUploadBytes = 256 << 20

const writeWait = 10 * time.Second

type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Catalog      *models.Catalog
	Provisioner  *models.Provisioner
	// History is optional; without it only in-flight jobs can be looked up.
	History *eventstore.Store
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// Ready reports process readiness for /readyz. Nil means always ready.
	Ready func() bool
	// Workers lists bus workers. Nil when the native backend is in use.
	Workers func() []presence.WorkerInfo
	Logger  *slog.Logger
}

type Server struct {
	orch        *orchestrator.Orchestrator
	catalog     *models.Catalog
	provisioner *models.Provisioner
	history     *eventstore.Store
	metrics     http.Handler
	ready       func() bool
	workers     func() []presence.WorkerInfo
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		orch:        opts.Orchestrator,
		catalog:     opts.Catalog,
		provisioner: opts.Provisioner,
		history:     opts.History,
		metrics:     opts.Metrics,
		ready:       opts.Ready,
		workers:     opts.Workers,
		log:         log.With(slog.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/state/stream", s.handleStateStream)
	mux.HandleFunc("POST /v1/initialize", s.handleInitialize)
	mux.HandleFunc("PATCH /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/workers", s.handleWorkers)
	mux.HandleFunc("POST /v1/transcriptions", s.handleTranscribe)
	mux.HandleFunc("GET /v1/transcriptions", s.handleListTranscriptions)
	mux.HandleFunc("GET /v1/transcriptions/{id}", s.handleGetTranscription)
	mux.HandleFunc("DELETE /v1/transcriptions/{id}", s.handleStopTranscription)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.State())
}

// handleStateStream pushes a snapshot on connect and after every change. A
// slow client only ever receives the newest snapshot.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	updates := make(chan state.State, 1)
	push := func(st state.State) {
		select {
		case updates <- st:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- st:
			default:
			}
		}
	}
	unsubscribe := s.orch.Subscribe(push)
	defer unsubscribe()
	push(s.orch.State())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case st := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				s.log.Debug("state stream closed", slogError(err))
				return
			}
		}
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Initialize(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.State())
}

type configPatch struct {
	ModelID      *string `json:"model_id"`
	Quantized    *bool   `json:"quantized"`
	Multilingual *bool   `json:"multilingual"`
	Language     *string `json:"language"`
	Subtask      *string `json:"subtask"`
	Diarization  *bool   `json:"diarization"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var body configPatch
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid config patch: " + err.Error()})
		return
	}
	reinitialize, _ := strconv.ParseBool(r.URL.Query().Get("reinitialize"))
	patch := state.Patch{
		ModelID:      body.ModelID,
		Quantized:    body.Quantized,
		Multilingual: body.Multilingual,
		Language:     body.Language,
		Subtask:      body.Subtask,
		Diarization:  body.Diarization,
	}
	if err := s.orch.UpdateConfig(r.Context(), patch, reinitialize); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.State())
}

type modelView struct {
	models.Descriptor
	Present bool   `json:"present"`
	Path    string `json:"path,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	quantized, _ := strconv.ParseBool(r.URL.Query().Get("quantized"))
	list := s.catalog.List()
	out := make([]modelView, 0, len(list))
	for _, desc := range list {
		view := modelView{Descriptor: desc}
		if s.provisioner != nil {
			view.Path, view.Present = s.provisioner.Present(desc, quantized)
			if !view.Present {
				view.Path = ""
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

type ticketBody struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := []presence.WorkerInfo{}
	if s.workers != nil {
		workers = s.workers()
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := engine.Options{
		Language: q.Get("language"),
		Subtask:  q.Get("subtask"),
	}
	for name, target := range map[string]*int{
		"chunk_length_s":  &opts.ChunkLengthS,
		"stride_length_s": &opts.StrideLengthS,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("%s must be a non-negative integer, got %q", name, v)})
			return
		}
		*target = n
	}
	wait := false
	if v := q.Get("wait"); v != "" {
		var err error
		if wait, err = strconv.ParseBool(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("wait must be a boolean, got %q", v)})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
		return
	}
	samples, err := audio.DecodeWAV(bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	ticket, err := s.orch.Transcribe(r.Context(), engine.Audio{Key: q.Get("key"), Samples: samples}, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, ticketBody{JobID: ticket.JobID})
		return
	}
	result, err := ticket.Future.Wait(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTranscriptions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []eventstore.Job{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.history.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []eventstore.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

type jobBody struct {
	InFlight *orchestrator.JobView `json:"in_flight,omitempty"`
	Record   *eventstore.Job       `json:"record,omitempty"`
	Events   []eventstore.Event    `json:"events,omitempty"`
}

func (s *Server) handleGetTranscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var out jobBody
	if view, ok := s.orch.Job(id); ok {
		out.InFlight = &view
	}
	if s.history != nil {
		rec, events, err := s.history.GetJob(r.Context(), id)
		switch {
		case err == nil:
			out.Record = &rec
			out.Events = events
		case !errors.Is(err, eventstore.ErrNotFound):
			s.writeError(w, err)
			return
		}
	}
	if out.InFlight == nil && out.Record == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("job %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStopTranscription(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", slog.Int("status", status), slogError(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var invalid *orchestrator.InvalidInputError
	var initErr *engine.InitError
	var provErr *models.ProvisionError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrClosed), errors.As(err, &initErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
