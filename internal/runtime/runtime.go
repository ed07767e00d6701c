package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/httpapi"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"github.com/loqalabs/loqa-scribe/internal/worker"
)

// Runtime owns the daemon's components and their shutdown order.
type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	worker        *worker.Service
	announcer     *presence.Announcer
	workers       *presence.Registry
	history       *eventstore.Store
	orch          *orchestrator.Orchestrator

	mu    sync.Mutex
	cfgTx config.TranscriptionConfig

	ready atomic.Bool
	wg    sync.WaitGroup
}

// New prepares a runtime. configPath, when set, is watched for changes to the
// transcription section.
func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		cfgTx:      cfg.Transcription,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer func() {
		cancel()
		r.shutdown()
	}()

	catalog := models.Default()
	if path := r.cfg.Models.CatalogFile; path != "" {
		if catalog, err = catalog.WithFile(path); err != nil {
			return fmt.Errorf("failed to load model catalog: %w", err)
		}
	}
	provisioner := models.NewProvisioner(r.cfg.Models, r.logger)

	r.history, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	backend, err := r.buildBackend(ctx, catalog, provisioner)
	if err != nil {
		return err
	}

	r.orch, err = orchestrator.New(orchestrator.Options{
		Config:      Configuration(r.cfg.Transcription),
		Catalog:     catalog,
		Provisioner: provisioner,
		Backend:     backend,
		History:     r.history,
		Logger:      r.logger,
		InitTimeout: time.Duration(r.cfg.Engine.InitTimeoutMS) * time.Millisecond,
		JobTimeout:  time.Duration(r.cfg.Engine.JobTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	var listWorkers func() []presence.WorkerInfo
	if r.workers != nil {
		listWorkers = r.workers.Workers
	}
	api := httpapi.New(httpapi.Options{
		Orchestrator: r.orch,
		Catalog:      catalog,
		Provisioner:  provisioner,
		History:      r.history,
		Metrics:      metricsHandler,
		Ready:        r.ready.Load,
		Workers:      listWorkers,
		Logger:       r.logger,
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.configPath != "" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := config.Watch(ctx, r.configPath, r.logger, func(next config.Config) {
				r.applyConfig(ctx, next)
			}); err != nil {
				r.logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// Load the configured model in the background so the first job does not
	// pay for it. Failures leave the state not ready and are retried by the
	// next job.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.orch.Initialize(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("initial engine load failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("backend", backend.Name()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) buildBackend(ctx context.Context, catalog *models.Catalog, provisioner *models.Provisioner) (engine.Backend, error) {
	ecfg := r.cfg.Engine
	if ecfg.Backend != "worker" {
		factory, err := engine.FactoryFor(ecfg.Recognizer, ecfg.Command, ecfg.Threads)
		if err != nil {
			return nil, fmt.Errorf("failed to create recognizer: %w", err)
		}
		return engine.NewNativeBackend(ecfg.Recognizer, factory, r.logger), nil
	}

	busCfg := r.cfg.Bus
	nats, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = nats
	if nats != nil {
		busCfg.Servers = []string{nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	r.workers, err = presence.NewRegistry(ctx, r.cfg.Worker, r.bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker registry: %w", err)
	}

	if ecfg.EmbeddedWorker {
		factory, err := engine.FactoryFor(ecfg.Recognizer, ecfg.Command, ecfg.Threads)
		if err != nil {
			return nil, fmt.Errorf("failed to create recognizer: %w", err)
		}
		r.worker = worker.NewService(ctx, ecfg, busCfg.AudioBucket, r.bus, factory, catalog, provisioner, r.logger)
		if err := r.worker.Start(); err != nil {
			return nil, fmt.Errorf("failed to start embedded worker: %w", err)
		}
		r.announcer = presence.NewAnnouncer(r.cfg.Worker, ecfg.Recognizer, r.bus, r.worker, r.logger)
		if err := r.announcer.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to announce embedded worker: %w", err)
		}
	}

	return engine.NewBusBackend(r.bus, engine.BusOptions{
		InitTimeout:  time.Duration(ecfg.InitTimeoutMS) * time.Millisecond,
		ProgressTick: time.Duration(ecfg.ProgressTickMS) * time.Millisecond,
		AudioBucket:  busCfg.AudioBucket,
	}, r.logger), nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// applyConfig forwards a changed transcription section to the orchestrator.
// Other sections need a restart.
func (r *Runtime) applyConfig(ctx context.Context, next config.Config) {
	r.mu.Lock()
	patch, changed := TranscriptionPatch(r.cfgTx, next.Transcription)
	r.cfgTx = next.Transcription
	r.mu.Unlock()
	if !changed {
		r.logger.Info("config change does not affect transcription, restart to apply")
		return
	}
	if err := r.orch.UpdateConfig(ctx, patch, true); err != nil {
		r.logger.Warn("failed to apply config change", slog.String("error", err.Error()))
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.orch != nil {
		if err := r.orch.Close(shutdownCtx); err != nil {
			r.logger.Error("orchestrator shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.announcer != nil {
		r.announcer.Close()
	}
	if r.worker != nil {
		r.worker.Close()
	}
	if r.workers != nil {
		r.workers.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Configuration converts the transcription section into the initial
// session configuration.
func Configuration(t config.TranscriptionConfig) state.Configuration {
	return state.Configuration{
		ModelID:      t.Model,
		Quantized:    t.Quantized,
		Multilingual: t.Multilingual,
		Language:     t.Language,
		Subtask:      t.Subtask,
		Diarization:  t.Diarization,
	}
}

// TranscriptionPatch returns the fields that differ between prev and next.
func TranscriptionPatch(prev, next config.TranscriptionConfig) (state.Patch, bool) {
	var p state.Patch
	changed := false
	if prev.Model != next.Model {
		p.ModelID, changed = state.Ptr(next.Model), true
	}
	if prev.Quantized != next.Quantized {
		p.Quantized, changed = state.Ptr(next.Quantized), true
	}
	if prev.Multilingual != next.Multilingual {
		p.Multilingual, changed = state.Ptr(next.Multilingual), true
	}
	if prev.Language != next.Language {
		p.Language, changed = state.Ptr(next.Language), true
	}
	if prev.Subtask != next.Subtask {
		p.Subtask, changed = state.Ptr(next.Subtask), true
	}
	if prev.Diarization != next.Diarization {
		p.Diarization, changed = state.Ptr(next.Diarization), true
	}
	return p, changed
}
