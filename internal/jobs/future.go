package jobs

import (
	"context"
	"sync"
)

// Future is a result that settles exactly once.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already settled with r.
func Resolved(r Result) *Future {
	f := NewFuture()
	f.Resolve(r)
	return f
}

// Resolve settles the future with r. It reports false when already settled.
func (f *Future) Resolve(r Result) bool {
	return f.settle(r, nil)
}

// Reject settles the future with err. It reports false when already settled.
func (f *Future) Reject(err error) bool {
	return f.settle(Result{}, err)
}

func (f *Future) settle(r Result, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result, f.err = r, err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the settled value. ok is false while pending.
func (f *Future) Result() (r Result, err error, ok bool) {
	select {
	case <-f.done:
		return f.result, f.err, true
	default:
		return Result{}, nil, false
	}
}
