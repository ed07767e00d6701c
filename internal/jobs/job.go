// Package jobs tracks transcription jobs from dispatch to settlement.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/state"
)

// Status is the lifecycle position of a job.
type Status string

const (
	StatusCreated    Status = "created"
	StatusDispatched Status = "dispatched"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

var ErrInvalidTransition = errors.New("invalid job status transition")

func isValidTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusDispatched || to == StatusAborted || to == StatusFailed
	case StatusDispatched:
		return to == StatusStreaming || to.Terminal()
	case StatusStreaming:
		return to == StatusStreaming || to.Terminal()
	default:
		return false
	}
}

// Job is the registry's record of one transcription.
type Job struct {
	ID        string
	Key       string
	StartedAt time.Time
	Status    Status
	Chunks    Accumulator
}

// Transition moves the job to next or reports ErrInvalidTransition.
func (j *Job) Transition(next Status) error {
	if !isValidTransition(j.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// Result is the value a job's future settles with.
type Result struct {
	JobID   string        `json:"job_id"`
	Text    string        `json:"text"`
	Chunks  []state.Chunk `json:"chunks"`
	Busy    bool          `json:"busy"`
	Aborted bool          `json:"aborted"`
}

// AbortedResult is the result recorded for a job stopped by the caller.
func AbortedResult(jobID string) Result {
	return Result{JobID: jobID, Text: state.AbortedText, Aborted: true}
}

// Accumulator collects chunks in arrival order, dropping exact repeats of
// (text, start).
type Accumulator struct {
	chunks []state.Chunk
	seen   map[chunkKey]int
}

type chunkKey struct {
	text  string
	start int64
}

// Add appends the chunks not already present. A repeat that now carries an
// end time closes the stored chunk. It returns how many chunks were added or
// closed.
func (a *Accumulator) Add(chunks ...state.Chunk) int {
	if a.seen == nil {
		a.seen = make(map[chunkKey]int)
	}
	added := 0
	for _, c := range chunks {
		key := chunkKey{text: c.Text, start: c.StartMS}
		if idx, ok := a.seen[key]; ok {
			if a.chunks[idx].EndMS == nil && c.EndMS != nil {
				end := *c.EndMS
				a.chunks[idx].EndMS = &end
				added++
			}
			continue
		}
		if c.EndMS != nil {
			end := *c.EndMS
			c.EndMS = &end
		}
		a.seen[key] = len(a.chunks)
		a.chunks = append(a.chunks, c)
		added++
	}
	return added
}

// Chunks returns a copy of the accumulated chunks.
func (a *Accumulator) Chunks() []state.Chunk {
	out := make([]state.Chunk, len(a.chunks))
	copy(out, a.chunks)
	return out
}

func (a *Accumulator) Len() int { return len(a.chunks) }

// Text joins the chunk texts.
func (a *Accumulator) Text() string {
	var b strings.Builder
	for _, c := range a.chunks {
		b.WriteString(c.Text)
	}
	return strings.TrimSpace(b.String())
}
