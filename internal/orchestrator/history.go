package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/eventstore"
)

type historyOp struct {
	job     eventstore.Job
	event   string
	payload []byte
	at      time.Time
}

// historyWriter appends job transitions to the event store from a single
// goroutine so rows land in transition order. Writes are best effort.
type historyWriter struct {
	store *eventstore.Store
	log   *slog.Logger

	mu     sync.Mutex
	ops    chan historyOp
	closed bool
	done   chan struct{}
}

func newHistoryWriter(store *eventstore.Store, log *slog.Logger) *historyWriter {
	h := &historyWriter{
		store: store,
		log:   log,
		ops:   make(chan historyOp, 512),
		done:  make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *historyWriter) run() {
	defer close(h.done)
	ctx := context.Background()
	for op := range h.ops {
		if err := h.store.UpsertJob(ctx, op.job); err != nil {
			h.log.Warn("failed to record job", slog.String("job_id", op.job.ID), slogError(err))
			continue
		}
		if err := h.store.AppendEvent(ctx, eventstore.Event{JobID: op.job.ID, Type: op.event, Payload: op.payload, CreatedAt: op.at}); err != nil {
			h.log.Warn("failed to record job event", slog.String("job_id", op.job.ID), slogError(err))
		}
	}
}

func (h *historyWriter) record(job eventstore.Job, event string, payload []byte) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.ops <- historyOp{job: job, event: event, payload: payload, at: time.Now()}:
	default:
		h.log.Warn("job history queue full, dropping entry", slog.String("job_id", job.ID), slog.String("event", event))
	}
}

func (h *historyWriter) close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.ops)
	}
	h.mu.Unlock()
	<-h.done
}
