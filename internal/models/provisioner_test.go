package models

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu      sync.Mutex
	actions []state.Action
}

func (r *recorder) Dispatch(actions ...state.Action) state.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, actions...)
	return state.State{}
}

func (r *recorder) upserts() []state.ProgressItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []state.ProgressItem
	for _, a := range r.actions {
		if up, ok := a.(state.UpsertProgress); ok {
			items = append(items, up.Item)
		}
	}
	return items
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

func testDescriptor(url string) Descriptor {
	return Descriptor{ID: "tiny", Label: "Tiny", URL: url, Filename: "tiny.bin"}
}

func newProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	return NewProvisioner(config.ModelsConfig{Directory: t.TempDir(), ProgressIntervalMS: 1}, newLogger())
}

func TestProvisionDownloadsOnceThenUsesLocalFile(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 256*1024)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.ServeContent(w, r, "tiny.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	p := newProvisioner(t)
	desc := testDescriptor(srv.URL + "/tiny.bin")

	first := &recorder{}
	path, err := p.Provision(context.Background(), desc, false, first)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("downloaded artifact mismatch (err=%v, len=%d)", err, len(data))
	}

	items := first.upserts()
	if len(items) < 2 {
		t.Fatalf("expected at least a first and a final progress update, got %d", len(items))
	}
	if items[0].Progress != 0 {
		t.Fatalf("expected first progress 0, got %v", items[0].Progress)
	}
	if items[len(items)-1].Progress != 100 {
		t.Fatalf("expected final progress 100, got %v", items[len(items)-1].Progress)
	}
	for i := 1; i < len(items); i++ {
		if items[i].Progress < items[i-1].Progress {
			t.Fatalf("progress went backwards: %v -> %v", items[i-1].Progress, items[i].Progress)
		}
		if items[i].Key != "tiny.bin" {
			t.Fatalf("unexpected progress key %q", items[i].Key)
		}
	}
	if _, ok := first.actions[len(first.actions)-1].(state.RemoveProgress); !ok {
		t.Fatalf("expected RemoveProgress last, got %T", first.actions[len(first.actions)-1])
	}

	second := &recorder{}
	again, err := p.Provision(context.Background(), desc, false, second)
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if again != path {
		t.Fatalf("expected same path %q, got %q", path, again)
	}
	if second.len() != 0 {
		t.Fatalf("expected no progress on second call, got %d actions", second.len())
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one download, got %d", hits.Load())
	}
}

func TestProvisionResumesPartialDownload(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10000)
	var sawRange atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=") {
			sawRange.Store(true)
		}
		http.ServeContent(w, r, "tiny.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	p := newProvisioner(t)
	desc := testDescriptor(srv.URL)
	partial := filepath.Join(p.Dir(), "tiny.bin.download")
	if err := os.WriteFile(partial, payload[:40000], 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := p.Provision(context.Background(), desc, false, nil)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !sawRange.Load() {
		t.Fatal("expected a range request for the partial file")
	}
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, payload) {
		t.Fatalf("resumed artifact mismatch: got %d bytes", len(data))
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be moved, stat err=%v", err)
	}
}

func TestProvisionCoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte("model"))
	}))
	defer srv.Close()

	p := newProvisioner(t)
	desc := testDescriptor(srv.URL)

	var wg sync.WaitGroup
	paths := make([]string, 4)
	errs := make([]error, 4)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = p.Provision(context.Background(), desc, false, nil)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range paths {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("paths differ: %v", paths)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one download, got %d", hits.Load())
	}
}

func TestProvisionFailureReturnsProvisionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p := newProvisioner(t)
	rec := &recorder{}
	_, err := p.Provision(context.Background(), testDescriptor(srv.URL), false, rec)
	var perr *ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
	if perr.ModelID != "tiny" {
		t.Fatalf("unexpected model id %q", perr.ModelID)
	}
	if _, ok := p.Present(testDescriptor(srv.URL), false); ok {
		t.Fatal("artifact should not exist after failure")
	}
	if rec.len() == 0 {
		t.Fatal("expected progress removal on failure")
	}
	if _, ok := rec.actions[len(rec.actions)-1].(state.RemoveProgress); !ok {
		t.Fatalf("expected RemoveProgress last, got %T", rec.actions[len(rec.actions)-1])
	}
}

func TestProvisionShortTransferFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	p := newProvisioner(t)
	_, err := p.Provision(context.Background(), testDescriptor(srv.URL), false, nil)
	var perr *ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
}

func TestArtifactQuantized(t *testing.T) {
	desc, ok := Default().Lookup("base")
	if !ok {
		t.Fatal("base missing from catalog")
	}
	url, filename := desc.Artifact(true)
	if filename != "ggml-base-q5_1.bin" || !strings.HasSuffix(url, "/ggml-base-q5_1.bin") {
		t.Fatalf("unexpected quantized artifact %s %s", url, filename)
	}
	tdrz, _ := Default().Lookup("small.en-tdrz")
	if _, filename := tdrz.Artifact(true); filename != "ggml-small.en-tdrz.bin" {
		t.Fatalf("non-quantizable model should ignore quantized flag, got %s", filename)
	}
}

func TestCatalogWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := []byte(`models:
  - id: custom
    label: Custom
    url: https://example.com/custom.bin
    filename: custom.bin
    capabilities:
      multilingual: true
  - id: tiny
    label: Tiny mirror
    url: https://mirror.example.com/ggml-tiny.bin
    filename: ggml-tiny.bin
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	base := Default()
	cat, err := base.WithFile(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	custom, ok := cat.Lookup("custom")
	if !ok || !custom.Capabilities.Multilingual {
		t.Fatalf("custom entry missing: %+v", custom)
	}
	tiny, _ := cat.Lookup("tiny")
	if tiny.Label != "Tiny mirror" {
		t.Fatalf("expected override of tiny, got %+v", tiny)
	}
	if orig, _ := base.Lookup("tiny"); orig.Label == "Tiny mirror" {
		t.Fatal("base catalog modified")
	}
	if len(cat.List()) != len(base.List())+1 {
		t.Fatalf("unexpected catalog size %d", len(cat.List()))
	}
}

func TestCatalogWithFileRejectsBadEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - id: x\n    filename: ../x.bin\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Default().WithFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}
