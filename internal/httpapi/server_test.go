package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/jobs"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server  *httptest.Server
	orch    *orchestrator.Orchestrator
	history *eventstore.Store
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	catalog := models.Default()
	desc, _ := catalog.Lookup("tiny.en")
	if err := os.WriteFile(filepath.Join(dir, desc.Filename), []byte("ggml"), 0o644); err != nil {
		t.Fatalf("seed model: %v", err)
	}
	provisioner := models.NewProvisioner(config.ModelsConfig{Directory: dir}, testLogger())

	history, err := eventstore.Open(context.Background(), config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db")}, testLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	orch, err := orchestrator.New(orchestrator.Options{
		Config:      state.Configuration{ModelID: "tiny.en", Subtask: "transcribe"},
		Catalog:     catalog,
		Provisioner: provisioner,
		Backend:     engine.NewNativeBackend("mock", engine.NewMockFactory(delay), testLogger()),
		History:     history,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	api := New(Options{
		Orchestrator: orch,
		Catalog:      catalog,
		Provisioner:  provisioner,
		History:      history,
		Logger:       testLogger(),
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, orch: orch, history: history}
}

func wavBody(t *testing.T, seconds float64) []byte {
	t.Helper()
	samples := make([]float32, int(seconds*audio.SampleRate))
	for i := range samples {
		samples[i] = 0.2
	}
	f, err := os.CreateTemp(t.TempDir(), "clip-*.wav")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()
	if err := audio.EncodeWAV(f, samples); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndState(t *testing.T) {
	fx := newFixture(t, 0)

	resp, err := http.Get(fx.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(fx.server.URL + "/v1/state")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	var st state.State
	decode(t, resp, &st)
	if st.Config.ModelID != "tiny.en" || st.Ready {
		t.Fatalf("unexpected state %+v", st)
	}

	resp, err = http.Post(fx.server.URL+"/v1/initialize", "application/json", nil)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	decode(t, resp, &st)
	if !st.Ready {
		t.Fatal("expected ready after initialize")
	}
}

func TestTranscribeAndWait(t *testing.T) {
	fx := newFixture(t, 0)

	resp, err := http.Post(fx.server.URL+"/v1/transcriptions?wait=true&key=clip", "audio/wav", bytes.NewReader(wavBody(t, 2)))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var result jobs.Result
	decode(t, resp, &result)
	if result.Text != "[transcribe segment 1] [transcribe segment 2]" || len(result.Chunks) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fx.orch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	resp, err = http.Get(fx.server.URL + "/v1/transcriptions/" + result.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body jobBody
	decode(t, resp, &body)
	if body.Record == nil || body.Record.Status != string(jobs.StatusCompleted) || body.Record.AudioKey != "clip" {
		t.Fatalf("unexpected history %+v", body.Record)
	}
}

func TestTranscribeAsyncAndStop(t *testing.T) {
	fx := newFixture(t, 100*time.Millisecond)

	resp, err := http.Post(fx.server.URL+"/v1/transcriptions", "audio/wav", bytes.NewReader(wavBody(t, 20)))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var ticket ticketBody
	decode(t, resp, &ticket)

	resp, err = http.Get(fx.server.URL + "/v1/transcriptions/" + ticket.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body jobBody
	decode(t, resp, &body)
	if body.InFlight == nil || body.InFlight.ID != ticket.JobID {
		t.Fatalf("expected in-flight view, got %+v", body)
	}

	req, _ := http.NewRequest(http.MethodDelete, fx.server.URL+"/v1/transcriptions/"+ticket.JobID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected delete status %d", resp.StatusCode)
	}
	st := fx.orch.State()
	if st.Busy || st.Transcript == nil || !st.Transcript.Aborted {
		t.Fatalf("expected aborted transcript, got %+v", st)
	}
}

func TestTranscribeRejectsBadInput(t *testing.T) {
	fx := newFixture(t, 0)

	resp, err := http.Post(fx.server.URL+"/v1/transcriptions", "audio/wav", strings.NewReader("not a wav"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for garbage, got %d", resp.StatusCode)
	}

	resp, err = http.Post(fx.server.URL+"/v1/transcriptions?subtask=summarize", "audio/wav", bytes.NewReader(wavBody(t, 1)))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown subtask, got %d", resp.StatusCode)
	}

	for _, query := range []string{"chunk_length_s=abc", "stride_length_s=-5", "wait=maybe"} {
		resp, err = http.Post(fx.server.URL+"/v1/transcriptions?"+query, "audio/wav", bytes.NewReader(wavBody(t, 1)))
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, resp.StatusCode)
		}
	}
	if fx.orch.InFlight() != 0 {
		t.Fatalf("rejected requests must not start jobs, in flight %d", fx.orch.InFlight())
	}

	resp, err = http.Get(fx.server.URL + "/v1/transcriptions/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestConfigPatch(t *testing.T) {
	fx := newFixture(t, 0)

	patch := func(body, query string) *http.Response {
		req, _ := http.NewRequest(http.MethodPatch, fx.server.URL+"/v1/config"+query, strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("patch: %v", err)
		}
		return resp
	}

	resp := patch(`{"language":"de"}`, "")
	var st state.State
	decode(t, resp, &st)
	if st.Config.Language != "de" || st.Ready {
		t.Fatalf("unexpected state %+v", st)
	}

	resp = patch(`{"model_id":"giant"}`, "?reinitialize=true")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown model, got %d", resp.StatusCode)
	}

	resp = patch(`{"ready":true}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-config field, got %d", resp.StatusCode)
	}

	resp = patch(`{"subtask":"translate"}`, "?reinitialize=true")
	decode(t, resp, &st)
	if !st.Ready || st.Config.Subtask != "translate" {
		t.Fatalf("expected reinitialized state, got %+v", st)
	}
}

func TestModelsListing(t *testing.T) {
	fx := newFixture(t, 0)
	resp, err := http.Get(fx.server.URL + "/v1/models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	var list []modelView
	decode(t, resp, &list)
	present := map[string]bool{}
	for _, m := range list {
		present[m.ID] = m.Present
	}
	if !present["tiny.en"] || present["base"] {
		t.Fatalf("unexpected presence %v", present)
	}
}

func TestWorkersListing(t *testing.T) {
	fx := newFixture(t, 0)
	resp, err := http.Get(fx.server.URL + "/v1/workers")
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	var list []presence.WorkerInfo
	decode(t, resp, &list)
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty list without a bus, got %v", list)
	}

	seen := time.Now().UTC()
	api := New(Options{
		Orchestrator: fx.orch,
		Workers: func() []presence.WorkerInfo {
			return []presence.WorkerInfo{{ID: "w1", Recognizer: "mock", LastSeen: seen, Healthy: true}}
		},
	})
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	list = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "w1" || !list[0].Healthy {
		t.Fatalf("unexpected workers %+v", list)
	}
}

func TestStateStream(t *testing.T) {
	fx := newFixture(t, 0)
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/v1/state/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var st state.State
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if st.Config.ModelID != "tiny.en" {
		t.Fatalf("unexpected snapshot %+v", st)
	}

	if err := fx.orch.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for !st.Ready {
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read update: %v", err)
		}
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&orchestrator.InvalidInputError{Reason: "x"}, http.StatusBadRequest},
		{&engine.InitError{Backend: "worker", Err: orchestrator.ErrInitTimeout}, http.StatusGatewayTimeout},
		{&engine.InitError{Backend: "worker", Err: engine.ErrNoWorker}, http.StatusServiceUnavailable},
		{orchestrator.ErrClosed, http.StatusServiceUnavailable},
		{&models.ProvisionError{ModelID: "tiny", Op: "download", Err: io.ErrUnexpectedEOF}, http.StatusBadGateway},
		{&orchestrator.TranscriptionError{JobID: "j", Err: io.EOF}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
