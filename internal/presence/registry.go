// Package presence tracks transcription workers through announce and
// heartbeat messages on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// WorkerInfo is the last known status of a worker.
type WorkerInfo struct {
	ID         string    `json:"id"`
	Recognizer string    `json:"recognizer,omitempty"`
	Sessions   int       `json:"sessions"`
	ActiveJobs int       `json:"active_jobs"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

// Registry is the daemon side view of the workers on the bus.
type Registry struct {
	cfg config.WorkerConfig
	log *slog.Logger
	bus *bus.Client

	mu      sync.RWMutex
	workers map[string]*WorkerInfo

	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.WorkerConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "worker-registry")),
		bus:     busClient,
		workers: make(map[string]*WorkerInfo),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectWorkerAnnounce, r.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectWorkerHeartbeatPrefix+".*", r.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleStatus(msg *nats.Msg) {
	var status protocol.WorkerStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		r.log.Warn("invalid worker status", slog.String("error", err.Error()))
		return
	}
	if status.WorkerID == "" {
		return
	}
	if status.Leaving {
		r.mu.Lock()
		delete(r.workers, status.WorkerID)
		r.mu.Unlock()
		r.log.Info("worker left", slog.String("worker_id", status.WorkerID))
		return
	}
	r.update(status)
}

// update records status. LastSeen uses the local clock so worker clock skew
// does not affect health.
func (r *Registry) update(status protocol.WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[status.WorkerID]
	if !ok {
		w = &WorkerInfo{ID: status.WorkerID}
		r.workers[status.WorkerID] = w
		r.log.Info("worker joined", slog.String("worker_id", status.WorkerID), slog.String("recognizer", status.Recognizer))
	}
	if status.Recognizer != "" {
		w.Recognizer = status.Recognizer
	}
	w.Sessions = status.Sessions
	w.ActiveJobs = status.ActiveJobs
	w.LastSeen = r.now()
	w.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for id, w := range r.workers {
		idle := now.Sub(w.LastSeen)
		if idle > 3*timeout {
			delete(r.workers, id)
			continue
		}
		if idle > timeout && w.Healthy {
			w.Healthy = false
			r.log.Warn("worker missed heartbeats", slog.String("worker_id", id))
		}
	}
}

// Workers returns every known worker sorted by id.
func (r *Registry) Workers() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Live returns the number of healthy workers.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, w := range r.workers {
		if w.Healthy {
			n++
		}
	}
	return n
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/presence")
	live, err := meter.Int64ObservableGauge("scribe.workers.live", metric.WithDescription("Workers with a recent heartbeat"))
	if err != nil {
		return err
	}
	jobs, err := meter.Int64ObservableGauge("scribe.workers.active_jobs", metric.WithDescription("Jobs reported running across workers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var active int64
		for _, w := range r.Workers() {
			active += int64(w.ActiveJobs)
		}
		obs.ObserveInt64(live, int64(r.Live()))
		obs.ObserveInt64(jobs, active)
		return nil
	}, live, jobs)
	return err
}
