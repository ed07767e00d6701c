package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ProvisionError reports a failure to make a model available locally.
type ProvisionError struct {
	ModelID string
	Op      string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision model %s: %s: %v", e.ModelID, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ErrIncompleteTransfer is wrapped when fewer bytes arrive than announced.
var ErrIncompleteTransfer = errors.New("incomplete transfer")

// Dispatcher receives progress actions. *state.Store satisfies it.
type Dispatcher interface {
	Dispatch(actions ...state.Action) state.State
}

// Provisioner downloads model artifacts into a directory. A present artifact
// is returned as is, without any network access.
type Provisioner struct {
	dir      string
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	group    singleflight.Group
}

func NewProvisioner(cfg config.ModelsConfig, log *slog.Logger) *Provisioner {
	interval := time.Duration(cfg.ProgressIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Provisioner{
		dir:      cfg.Directory,
		client:   http.DefaultClient,
		interval: interval,
		timeout:  time.Duration(cfg.DownloadTimeoutMS) * time.Millisecond,
		log:      log.With(slog.String("component", "model-provisioner")),
	}
}

// Dir returns the directory artifacts are stored in.
func (p *Provisioner) Dir() string { return p.dir }

// Path returns where the artifact for desc lives, whether present or not.
func (p *Provisioner) Path(desc Descriptor, quantized bool) string {
	_, filename := desc.Artifact(quantized)
	return filepath.Join(p.dir, filename)
}

// Present reports whether the artifact already exists locally.
func (p *Provisioner) Present(desc Descriptor, quantized bool) (string, bool) {
	path := p.Path(desc, quantized)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return path, false
	}
	return path, true
}

// Provision returns the local path of desc's artifact, downloading it first
// when absent. Progress for the download is reported to sink under the
// artifact filename. Concurrent calls for one artifact share a single download.
func (p *Provisioner) Provision(ctx context.Context, desc Descriptor, quantized bool, sink Dispatcher) (string, error) {
	if path, ok := p.Present(desc, quantized); ok {
		return path, nil
	}

	url, filename := desc.Artifact(quantized)
	ch := p.group.DoChan(filename, func() (any, error) {
		// Another caller may have finished while this one waited.
		if path, ok := p.Present(desc, quantized); ok {
			return path, nil
		}
		return p.download(ctx, desc, url, filename, sink)
	})

	select {
	case <-ctx.Done():
		return "", &ProvisionError{ModelID: desc.ID, Op: "download", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *Provisioner) download(ctx context.Context, desc Descriptor, url, filename string, sink Dispatcher) (string, error) {
	fail := func(op string, err error) (string, error) {
		if sink != nil {
			sink.Dispatch(state.RemoveProgress{Key: filename})
		}
		p.log.Warn("model download failed", slog.String("model", desc.ID), slog.String("op", op), slog.String("error", err.Error()))
		return "", &ProvisionError{ModelID: desc.ID, Op: op, Err: err}
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fail("prepare directory", err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	target := filepath.Join(p.dir, filename)
	tmpPath := target + ".download"
	p.log.Info("downloading model", slog.String("model", desc.ID), slog.String("url", url))

	report := func(loaded, total int64) {
		if sink == nil {
			return
		}
		if total <= 0 {
			total = desc.SizeBytes
		}
		var pct float64
		if total > 0 {
			pct = float64(loaded) / float64(total) * 100
			if pct > 100 {
				pct = 100
			}
		}
		sink.Dispatch(state.UpsertProgress{Item: state.ProgressItem{
			Key:      filename,
			Loaded:   loaded,
			Total:    total,
			Progress: pct,
			Label:    desc.Label,
			Status:   state.ProgressDownloading,
		}})
	}

	loaded, total, err := p.fetch(ctx, url, tmpPath, report, true)
	if err != nil {
		var op = "transfer"
		var pe *opError
		if errors.As(err, &pe) {
			op, err = pe.op, pe.err
		}
		return fail(op, err)
	}
	if total > 0 && loaded != total {
		return fail("verify", fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteTransfer, loaded, total))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fail("move into place", err)
	}

	if sink != nil {
		report(loaded, loaded)
		sink.Dispatch(state.RemoveProgress{Key: filename})
	}
	p.log.Info("model downloaded", slog.String("model", desc.ID), slog.String("path", target), slog.Int64("bytes", loaded))
	return target, nil
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }

// fetch streams url into tmpPath, resuming from an existing partial file when
// the server honours range requests.
func (p *Provisioner) fetch(ctx context.Context, url, tmpPath string, report func(loaded, total int64), resume bool) (int64, int64, error) {
	var offset int64
	if resume {
		if info, err := os.Stat(tmpPath); err == nil && !info.IsDir() {
			offset = info.Size()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, &opError{"build request", err}
	}
	req.Header.Set("User-Agent", "loqa-scribe")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, &opError{"request", err}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The partial file does not match the remote artifact; start over.
		_ = os.Remove(tmpPath)
		resp.Body.Close()
		return p.fetch(ctx, url, tmpPath, report, false)
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	default:
		return 0, 0, &opError{"request", fmt.Errorf("unexpected HTTP status: %s", resp.Status)}
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	file, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return 0, 0, &opError{"create temporary file", err}
	}

	loaded := offset
	throttle := rate.Sometimes{Interval: p.interval}
	throttle.Do(func() { report(loaded, total) })

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				file.Close()
				return loaded, total, &opError{"write", err}
			}
			loaded += int64(n)
			throttle.Do(func() { report(loaded, total) })
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Close()
			return loaded, total, &opError{"transfer", readErr}
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return loaded, total, &opError{"sync", err}
	}
	if err := file.Close(); err != nil {
		return loaded, total, &opError{"close", err}
	}
	return loaded, total, nil
}
