// Package state holds the configuration and progress state observed by
// transcription clients. Every change goes through Apply.
package state

// AbortedText is the transcript recorded for a job cancelled by the caller.
const AbortedText = "Transcription aborted by user"

// ProgressStatus classifies a progress item.
type ProgressStatus string

const (
	ProgressDownloading ProgressStatus = "downloading"
	ProgressProcessing  ProgressStatus = "processing"
)

// Configuration selects the model and decoding behaviour for new sessions.
type Configuration struct {
	ModelID      string `json:"model_id"`
	Quantized    bool   `json:"quantized"`
	Multilingual bool   `json:"multilingual"`
	Language     string `json:"language"`
	Subtask      string `json:"subtask"`
	Diarization  bool   `json:"diarization"`
}

// ProgressItem tracks a download or a running job. Key is unique within State.
type ProgressItem struct {
	Key      string         `json:"key"`
	Loaded   int64          `json:"loaded"`
	Total    int64          `json:"total"`
	Progress float64        `json:"progress"`
	Label    string         `json:"label,omitempty"`
	Status   ProgressStatus `json:"status"`
}

// Chunk is a timestamped fragment of recognized text. EndMS is nil while the
// fragment is still open.
type Chunk struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   *int64 `json:"end_ms"`
}

// Transcript is the latest transcription output.
type Transcript struct {
	JobID   string  `json:"job_id,omitempty"`
	Text    string  `json:"text"`
	Chunks  []Chunk `json:"chunks,omitempty"`
	Busy    bool    `json:"busy"`
	Aborted bool    `json:"aborted,omitempty"`
}

// State is the whole observable state. Values are replaced, never patched in place.
type State struct {
	Config        Configuration  `json:"config"`
	Ready         bool           `json:"ready"`
	Busy          bool           `json:"busy"`
	ProgressItems []ProgressItem `json:"progress_items"`
	Transcript    *Transcript    `json:"transcript,omitempty"`
}

// Patch is a shallow partial update; nil fields are left untouched.
type Patch struct {
	ModelID      *string
	Quantized    *bool
	Multilingual *bool
	Language     *string
	Subtask      *string
	Diarization  *bool
	Ready        *bool
	Busy         *bool
	Transcript   *Transcript
	// ClearTranscript drops the transcript; it wins over Transcript.
	ClearTranscript bool
}

// Action is a declared transition of State.
type Action interface {
	apply(State) State
}

// SetFields shallow-merges the non-nil fields of the patch.
type SetFields struct{ Patch Patch }

// UpsertProgress replaces the item with the same key or appends it.
type UpsertProgress struct{ Item ProgressItem }

// RemoveProgress drops the item with the given key, if any.
type RemoveProgress struct{ Key string }

// StartJob marks the state busy and clears the last transcript.
type StartJob struct{}

// AbortJob clears busy and the progress list and records the aborted transcript.
type AbortJob struct{ JobID string }

// Apply returns the state produced by action. s is not modified.
func Apply(s State, action Action) State {
	if action == nil {
		return s
	}
	return action.apply(s)
}

func (a SetFields) apply(s State) State {
	next := s
	p := a.Patch
	if p.ModelID != nil {
		next.Config.ModelID = *p.ModelID
	}
	if p.Quantized != nil {
		next.Config.Quantized = *p.Quantized
	}
	if p.Multilingual != nil {
		next.Config.Multilingual = *p.Multilingual
	}
	if p.Language != nil {
		next.Config.Language = *p.Language
	}
	if p.Subtask != nil {
		next.Config.Subtask = *p.Subtask
	}
	if p.Diarization != nil {
		next.Config.Diarization = *p.Diarization
	}
	if p.Ready != nil {
		next.Ready = *p.Ready
	}
	if p.Busy != nil {
		next.Busy = *p.Busy
	}
	if p.Transcript != nil {
		t := p.Transcript.clone()
		next.Transcript = &t
	}
	if p.ClearTranscript {
		next.Transcript = nil
	}
	return next
}

func (a UpsertProgress) apply(s State) State {
	next := s
	items := make([]ProgressItem, 0, len(s.ProgressItems)+1)
	replaced := false
	for _, item := range s.ProgressItems {
		if item.Key == a.Item.Key {
			if !replaced {
				items = append(items, a.Item)
				replaced = true
			}
			continue
		}
		items = append(items, item)
	}
	if !replaced {
		items = append(items, a.Item)
	}
	next.ProgressItems = items
	return next
}

func (a RemoveProgress) apply(s State) State {
	next := s
	items := make([]ProgressItem, 0, len(s.ProgressItems))
	for _, item := range s.ProgressItems {
		if item.Key != a.Key {
			items = append(items, item)
		}
	}
	next.ProgressItems = items
	return next
}

func (StartJob) apply(s State) State {
	next := s
	next.Busy = true
	next.Transcript = nil
	return next
}

func (a AbortJob) apply(s State) State {
	next := s
	next.Busy = false
	next.ProgressItems = nil
	next.Transcript = &Transcript{
		JobID:   a.JobID,
		Text:    AbortedText,
		Busy:    false,
		Aborted: true,
	}
	return next
}

// Clone returns a deep copy safe to hand to observers.
func (s State) Clone() State {
	next := s
	if s.ProgressItems != nil {
		next.ProgressItems = append([]ProgressItem(nil), s.ProgressItems...)
	}
	if s.Transcript != nil {
		t := s.Transcript.clone()
		next.Transcript = &t
	}
	return next
}

func (t Transcript) clone() Transcript {
	next := t
	if t.Chunks != nil {
		next.Chunks = make([]Chunk, len(t.Chunks))
		for i, c := range t.Chunks {
			next.Chunks[i] = c
			if c.EndMS != nil {
				end := *c.EndMS
				next.Chunks[i].EndMS = &end
			}
		}
	}
	return next
}

// Progress returns the item with the given key.
func (s State) Progress(key string) (ProgressItem, bool) {
	for _, item := range s.ProgressItems {
		if item.Key == key {
			return item, true
		}
	}
	return ProgressItem{}, false
}

// Ptr returns a pointer to v, for building a Patch.
func Ptr[T any](v T) *T { return &v }
