package protocol

import (
	"encoding/json"
	"math"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/state"
)

const (
	SubjectWorkerControl = "scribe.worker.control"
	// SubjectWorkerAbort is received by every worker; only the one running the job acts.
	SubjectWorkerAbort   = "scribe.worker.abort"
	SubjectSessionPrefix = "scribe.session"

	SubjectWorkerAnnounce        = "scribe.worker.announce"
	SubjectWorkerHeartbeatPrefix = "scribe.worker.heartbeat"

	// QueueWorkers is the queue group a session's transcribe requests are load
	// balanced over. Only workers that loaded the session join it.
	QueueWorkers = "scribe-workers"
)

// SessionEvents returns the subject a worker publishes session events on.
func SessionEvents(sessionID string) string {
	return SubjectSessionPrefix + "." + sessionID + ".events"
}

// WorkerHeartbeat returns the subject a worker heartbeats on.
func WorkerHeartbeat(workerID string) string {
	return SubjectWorkerHeartbeatPrefix + "." + workerID
}

// SessionJobs returns the subject transcribe requests for a session go to.
func SessionJobs(sessionID string) string {
	return SubjectSessionPrefix + "." + sessionID + ".jobs"
}

// Outbound message types.
const (
	TypeInitialize = "initialize"
	TypeTranscribe = "transcribe"
	TypeAbort      = "abort"
	TypeDispose    = "dispose"
)

// Inbound statuses.
const (
	StatusInitiate = "initiate"
	StatusProgress = "progress"
	StatusUpdate   = "update"
	StatusComplete = "complete"
	StatusError    = "error"
	StatusReady    = "ready"
	StatusDone     = "done"
)

// Initialize asks a worker to load a model for a new session.
type Initialize struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	EventsSubject string `json:"events_subject"`
	ModelID       string `json:"model_id"`
	ModelPath     string `json:"model_path,omitempty"`
	Quantized     bool   `json:"quantized"`
	Multilingual  bool   `json:"multilingual"`
	Subtask       string `json:"subtask"`
	Language      string `json:"language"`
	Diarization   bool   `json:"diarization,omitempty"`
}

// Transcribe carries one job. Audio holds little-endian float32 samples
// unless AudioRef names an object in the audio bucket.
type Transcribe struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	JobID         string `json:"job_id"`
	Audio         []byte `json:"audio,omitempty"`
	AudioRef      string `json:"audio_ref,omitempty"`
	Position      int    `json:"position"`
	ModelID       string `json:"model_id"`
	Quantized     bool   `json:"quantized"`
	Multilingual  bool   `json:"multilingual"`
	Subtask       string `json:"subtask"`
	Language      string `json:"language"`
	ChunkLengthS  int    `json:"chunk_length_s"`
	StrideLengthS int    `json:"stride_length_s"`
}

// Abort cancels a job.
type Abort struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
}

// Dispose releases a session.
type Dispose struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Envelope is decoded first to learn an outbound message's type.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id,omitempty"`
}

// Event is sent by a worker. Data depends on Status.
type Event struct {
	Status    string          `json:"status"`
	SessionID string          `json:"session_id"`
	JobID     string          `json:"job_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Chunk is a recognized fragment in worker messages.
type Chunk struct {
	Text string `json:"text"`
	// Timestamp holds start and end in seconds; end is null while open.
	Timestamp [2]*float64 `json:"timestamp"`
}

// FromState converts chunks to their wire form.
func FromState(chunks []state.Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		start := float64(c.StartMS) / 1000
		out[i] = Chunk{Text: c.Text}
		out[i].Timestamp[0] = &start
		if c.EndMS != nil {
			end := float64(*c.EndMS) / 1000
			out[i].Timestamp[1] = &end
		}
	}
	return out
}

// ToState converts wire chunks to state chunks.
func ToState(chunks []Chunk) []state.Chunk {
	out := make([]state.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = state.Chunk{Text: c.Text}
		if c.Timestamp[0] != nil {
			out[i].StartMS = int64(math.Round(*c.Timestamp[0] * 1000))
		}
		if c.Timestamp[1] != nil {
			end := int64(math.Round(*c.Timestamp[1] * 1000))
			out[i].EndMS = &end
		}
	}
	return out
}

// UpdateData is the payload of an update event: [joinedText, {chunks}].
type UpdateData struct {
	Text   string
	Chunks []Chunk
}

type updateChunks struct {
	Chunks []Chunk `json:"chunks"`
}

func (u UpdateData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{u.Text, updateChunks{Chunks: u.Chunks}})
}

func (u *UpdateData) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts[0], &u.Text); err != nil {
			return err
		}
	}
	if len(parts) > 1 {
		var c updateChunks
		if err := json.Unmarshal(parts[1], &c); err != nil {
			return err
		}
		u.Chunks = c.Chunks
	}
	return nil
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Progress float64 `json:"progress"`
	File     string  `json:"file,omitempty"`
	Loaded   int64   `json:"loaded,omitempty"`
	Total    int64   `json:"total,omitempty"`
}

// CompleteData is the payload of a complete event.
type CompleteData struct {
	Text      string    `json:"text"`
	Chunks    []Chunk   `json:"chunks"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// NewEvent marshals data into an event.
func NewEvent(status, sessionID, jobID string, data any) (Event, error) {
	ev := Event{Status: status, SessionID: sessionID, JobID: jobID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// WorkerStatus is published by workers on announce and on every heartbeat.
// Leaving is set once when a worker shuts down.
type WorkerStatus struct {
	WorkerID   string    `json:"worker_id"`
	Recognizer string    `json:"recognizer"`
	Sessions   int       `json:"sessions"`
	ActiveJobs int       `json:"active_jobs"`
	Leaving    bool      `json:"leaving,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
