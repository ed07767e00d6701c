package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a registered job together with its future and the resources that
// must be released when it settles.
type Entry struct {
	Job    *Job
	Future *Future

	mu     sync.Mutex
	owned  []func()
	cancel func()
}

// Own records stop to run when the entry settles.
func (e *Entry) Own(stop func()) {
	if stop == nil {
		return
	}
	e.mu.Lock()
	e.owned = append(e.owned, stop)
	e.mu.Unlock()
}

// SetCancel stores the backend cancel function for the job.
func (e *Entry) SetCancel(cancel func()) {
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
}

// Cancel returns the backend cancel function, if any.
func (e *Entry) Cancel() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel
}

func (e *Entry) release() {
	e.mu.Lock()
	owned := e.owned
	e.owned = nil
	e.mu.Unlock()
	for _, stop := range owned {
		stop()
	}
}

// Registry maps job ids to in-flight entries. Entries are removed when they
// settle, so a lookup of a finished job misses.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry), now: time.Now}
}

// NewID returns a fresh job identifier.
func NewID() string { return uuid.NewString() }

// ErrDuplicateKey is returned by Register when an in-flight job already uses
// the key.
var ErrDuplicateKey = errors.New("key already used by an in-flight job")

// Register creates a job for key and tracks it. An empty key is replaced by
// the job id. Keys are unique among in-flight jobs.
func (r *Registry) Register(key string) (*Entry, error) {
	id := NewID()
	if key == "" {
		key = id
	}
	entry := &Entry{
		Job: &Job{
			ID:        id,
			Key:       key,
			StartedAt: r.now(),
			Status:    StatusCreated,
		},
		Future: NewFuture(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Job.Key == key {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
	}
	r.entries[entry.Job.ID] = entry
	return entry, nil
}

// Lookup returns the in-flight entry for id.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Update runs fn on the entry's job while holding the registry lock. It
// reports false when id is not in flight.
func (r *Registry) Update(id string, fn func(*Job) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false, nil
	}
	return true, fn(e.Job)
}

// Len returns the number of in-flight jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the in-flight job ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Settle moves the job to terminal, removes it, releases owned resources and
// settles its future with result or err. It returns the settled entry and the
// number of jobs still in flight. ok is false when the job is unknown or was
// already settled.
func (r *Registry) Settle(id string, terminal Status, result Result, err error) (entry *Entry, remaining int, ok bool) {
	r.mu.Lock()
	entry, found := r.entries[id]
	if !found {
		r.mu.Unlock()
		return nil, 0, false
	}
	if terr := entry.Job.Transition(terminal); terr != nil {
		r.mu.Unlock()
		return nil, 0, false
	}
	delete(r.entries, id)
	remaining = len(r.entries)
	r.mu.Unlock()

	entry.release()
	if err != nil {
		entry.Future.Reject(err)
	} else {
		entry.Future.Resolve(result)
	}
	return entry, remaining, true
}
