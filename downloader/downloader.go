// Package downloader fetches single files with byte-range resume,
// length verification and bounded retries.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kal-eido-scope/Epstein-downloader/fetcherr"
	"github.com/kal-eido-scope/Epstein-downloader/metrics"
	"github.com/kal-eido-scope/Epstein-downloader/models"
	"github.com/kal-eido-scope/Epstein-downloader/retry"
)

// Options configures the downloader.
type Options struct {
	// Attempts is the default attempt cap per file.
	// Default: 3
	Attempts int

	// RetryStep scales the wait after a failed attempt: step * attempt.
	// Default: 2s
	RetryStep time.Duration

	// ChunkSize is the size of each body read.
	// Default: 256KiB
	ChunkSize int

	// IdleTimeout aborts an attempt when the next body chunk takes longer
	// than this. The wait for response headers is bounded by the client's
	// transport instead, so its own server error retries can finish.
	// Zero disables it.
	// Default: 20s
	IdleTimeout time.Duration
}

// DefaultOptions returns options with the defaults listed above.
func DefaultOptions() Options {
	return Options{
		Attempts:    3,
		RetryStep:   2 * time.Second,
		ChunkSize:   256 * 1024,
		IdleTimeout: 20 * time.Second,
	}
}

// Downloader transfers files over a shared HTTP client.
type Downloader struct {
	client  *http.Client
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns a Downloader. A nil logger uses slog.Default.
func New(client *http.Client, opts Options, m *metrics.Metrics, logger *slog.Logger) *Downloader {
	defaults := DefaultOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = defaults.Attempts
	}
	if opts.RetryStep < 0 {
		opts.RetryStep = 0
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{client: client, opts: opts, metrics: m, logger: logger}
}

// Download fetches task.URL into task.Path. It resumes from any bytes
// already on disk, retries failed attempts after step*attempt, and removes
// the partial file after every failure so the next attempt starts clean.
// A transfer cut short by ctx keeps its bytes as a resume prefix.
func (d *Downloader) Download(ctx context.Context, task models.DownloadTask) models.Outcome {
	attempts := task.Attempts
	if attempts <= 0 {
		attempts = d.opts.Attempts
	}
	outcome := models.Outcome{Task: task}

	policy := retry.Policy{
		Attempts: attempts,
		Backoff:  retry.Linear(d.opts.RetryStep),
		OnRetry: func(attempt int, err error, delay time.Duration) {
			d.metrics.IncRetries("file")
			d.logger.Warn("download attempt failed",
				slog.String("url", task.URL),
				slog.Int("attempt", attempt),
				slog.Int("attempts", attempts),
				slog.Duration("backoff", delay),
				slog.Any("error", err),
			)
		},
	}

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		n, err := d.attempt(ctx, task.URL, task.Path)
		outcome.Bytes += n
		if err == nil {
			return nil
		}
		d.metrics.IncError("file", fetcherr.Label(err))
		if ctx.Err() == nil {
			removePartial(task.Path)
		}
		return err
	})
	if err == nil {
		outcome.Success = true
		d.metrics.IncDownload(models.StatusSuccess)
		d.logger.Info("download complete", slog.String("url", task.URL), slog.String("path", task.Path))
		return outcome
	}

	for _, attemptErr := range retry.Errors(err) {
		outcome.Reasons = append(outcome.Reasons, fetcherr.Reason(attemptErr))
	}
	d.metrics.IncDownload(models.StatusFailedTag)
	d.logger.Error("download failed",
		slog.String("url", task.URL),
		slog.Int("attempts", attempts),
		slog.String("reasons", strings.Join(outcome.Reasons, "; ")),
	)
	return outcome
}

// attempt performs one resumable transfer and returns the bytes written.
func (d *Downloader) attempt(ctx context.Context, url, path string) (int64, error) {
	var existing int64
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		existing = info.Size()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	start := time.Now()
	d.metrics.IncRequest("file")
	resp, err := d.client.Do(req)
	d.metrics.ObserveDuration("file", time.Since(start))
	if err != nil {
		return 0, fetcherr.Classify(err, 0)
	}
	defer resp.Body.Close()

	idle := newIdleTimer(d.opts.IdleTimeout, cancel)
	defer idle.stop()

	// The server holds nothing past the bytes already on disk.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return 0, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fetcherr.Classify(nil, resp.StatusCode)
	}

	expected := resp.ContentLength
	appending, err := resumeMode(resp, existing)
	if err != nil {
		return 0, err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appending {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		existing = 0
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}

	written, copyErr := d.copyChunks(f, resp.Body, idle.reset)
	closeErr := f.Close()
	if copyErr != nil {
		return written, idle.classify(copyErr)
	}
	if closeErr != nil {
		return written, fmt.Errorf("close %s: %w", filepath.Base(path), closeErr)
	}

	if expected > 0 && written != expected {
		return written, fetcherr.ErrIntegrity{Expected: existing + expected, Written: existing + written}
	}
	return written, nil
}

// resumeMode reports whether the body continues the bytes on disk.
// A 206 must start exactly at the existing size; anything else restarts
// the file from zero.
func resumeMode(resp *http.Response, existing int64) (bool, error) {
	if resp.StatusCode != http.StatusPartialContent {
		return false, nil
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		first, err := rangeStart(cr)
		if err != nil {
			return false, err
		}
		if first != existing {
			return false, fmt.Errorf("range starts at %d, have %d bytes", first, existing)
		}
		return true, nil
	}
	if resp.ContentLength > 0 {
		return true, nil
	}
	return false, errors.New("partial content without length or range")
}

// rangeStart parses the first byte of a "bytes start-end/total" header.
func rangeStart(header string) (int64, error) {
	spec := strings.TrimSpace(strings.TrimPrefix(header, "bytes "))
	dash := strings.IndexByte(spec, '-')
	if dash <= 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	start, err := strconv.ParseInt(spec[:dash], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q: %w", header, err)
	}
	return start, nil
}

// copyChunks streams body to w in ChunkSize reads, calling progress after
// every read.
func (d *Downloader) copyChunks(w io.Writer, body io.Reader, progress func()) (int64, error) {
	buf := make([]byte, d.opts.ChunkSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if progress != nil {
			progress()
		}
		if n > 0 {
			nw, writeErr := w.Write(buf[:n])
			written += int64(nw)
			d.metrics.AddBytes(int64(nw))
			if writeErr != nil {
				return written, fmt.Errorf("write: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// idleTimer cancels an attempt that makes no progress for d.
type idleTimer struct {
	d       time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimer(d time.Duration, cancel context.CancelFunc) *idleTimer {
	t := &idleTimer{d: d}
	if d > 0 {
		t.timer = time.AfterFunc(d, func() {
			t.expired.Store(true)
			cancel()
		})
	}
	return t
}

func (t *idleTimer) reset() {
	if t.timer != nil {
		t.timer.Reset(t.d)
	}
}

func (t *idleTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// classify reports an idle expiry as a timeout rather than a cancellation.
func (t *idleTimer) classify(err error) error {
	if t.expired.Load() {
		return fetcherr.ErrTimeout{Err: fmt.Errorf("no data for %s", t.d)}
	}
	return fetcherr.Classify(err, 0)
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Debug("remove partial file", slog.String("path", path), slog.Any("error", err))
	}
}
