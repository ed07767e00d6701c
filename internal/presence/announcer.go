package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Load reports a worker's current load for heartbeats.
type Load interface {
	Sessions() int
	ActiveJobs() int
}

// Announcer publishes a worker's status on start and then on every heartbeat
// interval until closed.
type Announcer struct {
	id         string
	recognizer string
	interval   time.Duration
	bus        *bus.Client
	load       Load
	log        *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAnnouncer creates an announcer. An empty cfg.ID gets a generated id.
func NewAnnouncer(cfg config.WorkerConfig, recognizer string, busClient *bus.Client, load Load, log *slog.Logger) *Announcer {
	id := cfg.ID
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	return &Announcer{
		id:         id,
		recognizer: recognizer,
		interval:   time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		bus:        busClient,
		load:       load,
		log:        log.With(slog.String("component", "worker-announcer"), slog.String("worker_id", id)),
	}
}

func (a *Announcer) ID() string { return a.id }

func (a *Announcer) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.publish(protocol.SubjectWorkerAnnounce, false); err != nil {
		a.cancel()
		return err
	}
	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

func (a *Announcer) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publish(protocol.WorkerHeartbeat(a.id), false); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops heartbeats and tells registries the worker is leaving.
func (a *Announcer) Close() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	if err := a.publish(protocol.SubjectWorkerAnnounce, true); err != nil {
		a.log.Debug("failed to publish leave", slog.String("error", err.Error()))
	}
}

func (a *Announcer) publish(subject string, leaving bool) error {
	status := protocol.WorkerStatus{
		WorkerID:   a.id,
		Recognizer: a.recognizer,
		Leaving:    leaving,
		Timestamp:  time.Now().UTC(),
	}
	if a.load != nil && !leaving {
		status.Sessions = a.load.Sessions()
		status.ActiveJobs = a.load.ActiveJobs()
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return a.bus.Conn().Publish(subject, payload)
}
