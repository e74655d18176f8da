// Package pipeline schedules the downloads of a dataset's link ledger onto
// a fixed-size worker pool and records every outcome in a status ledger.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kal-eido-scope/Epstein-downloader/ledger"
	"github.com/kal-eido-scope/Epstein-downloader/metrics"
	"github.com/kal-eido-scope/Epstein-downloader/models"
)

// Fetcher transfers one task. *downloader.Downloader implements it.
type Fetcher interface {
	Download(ctx context.Context, task models.DownloadTask) models.Outcome
}

// Options configures the engine.
type Options struct {
	// Workers bounds concurrent downloads.
	// Default: 6
	Workers int

	// Attempts is the per-file attempt cap handed to every task.
	// Default: 3
	Attempts int

	// LedgerBase makes status ledger folder keys relative to it when set.
	LedgerBase string

	// MergeRetryLedger folds retry outcomes into the existing status ledger.
	// When false a retry pass replaces the ledger with the entries that
	// failed again, and leaves it untouched when none did.
	MergeRetryLedger bool

	// ProgressInterval paces progress logs. Zero disables them.
	// Default: 15s
	ProgressInterval time.Duration
}

// DefaultOptions returns the defaults listed above.
func DefaultOptions() Options {
	return Options{Workers: 6, Attempts: 3, ProgressInterval: 15 * time.Second}
}

// Engine runs fetch and retry passes for one dataset at a time.
type Engine struct {
	fetcher Fetcher
	layout  ledger.Layout
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine builds an engine. A nil logger uses slog.Default.
func NewEngine(fetcher Fetcher, layout ledger.Layout, opts Options, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{fetcher: fetcher, layout: layout, opts: opts, metrics: m, logger: logger}
}

// Run downloads every unique URL of the dataset's link ledger. A URL seen
// again on a later page is recorded as skipped under that page's folder.
// The status ledger is written after all tasks finish, also when ctx is
// cancelled, in which case unfinished tasks are recorded as interrupted.
// A missing link ledger returns a *ledger.NotFoundError and writes nothing.
func (e *Engine) Run(ctx context.Context, datasetID int) (*models.FetchResult, error) {
	links, err := ledger.ReadLinks(e.layout.LinksPath(datasetID))
	if err != nil {
		return nil, err
	}
	result, logger := e.newResult(datasetID)

	status := make(models.StatusLedger)
	scheduled := make(map[string]struct{})
	var tasks []models.DownloadTask
	for _, page := range links.Pages() {
		folder := e.layout.PageFolder(datasetID, page)
		key := ledger.FolderKey(e.opts.LedgerBase, folder)
		if _, ok := status[key]; !ok {
			status[key] = make(map[string]string)
		}
		for _, link := range links[page] {
			if _, dup := scheduled[link]; dup {
				status.Set(key, link, models.StatusSkipped)
				result.Skipped++
				e.metrics.IncDownload("skipped")
				continue
			}
			scheduled[link] = struct{}{}

			name, err := fileName(link)
			if err != nil {
				logger.Warn("unusable link", slog.String("url", link), slog.Any("error", err))
				status.Set(key, link, models.FailedStatus([]string{err.Error()}))
				result.Failed++
				continue
			}
			tasks = append(tasks, models.DownloadTask{
				URL:      link,
				Path:     filepath.Join(folder, name),
				Folder:   key,
				Attempts: e.opts.Attempts,
			})
		}
	}
	result.Scheduled = len(tasks)
	logger.Info("fetch started",
		slog.Int("pages", len(links)),
		slog.Int("scheduled", len(tasks)),
		slog.Int("skipped", result.Skipped),
		slog.Int("workers", e.opts.Workers),
	)

	e.execute(ctx, tasks, logger, func(o models.Outcome) {
		status.Set(o.Task.Folder, o.Task.URL, o.Status())
		tally(result, o)
	})

	result.EndTime = time.Now()
	path := e.layout.StatusPath(datasetID)
	if err := ledger.WriteStatus(path, status); err != nil {
		return result, err
	}
	logger.Info("status ledger written",
		slog.String("path", path),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
	)
	return result, ctx.Err()
}

// RetryFailed re-downloads every entry of the dataset's status ledger whose
// status is a failure. See Options.MergeRetryLedger for how the ledger is
// updated. A missing status ledger returns a *ledger.NotFoundError.
func (e *Engine) RetryFailed(ctx context.Context, datasetID int) (*models.FetchResult, error) {
	path := e.layout.StatusPath(datasetID)
	status, err := ledger.ReadStatus(path)
	if err != nil {
		return nil, err
	}
	result, logger := e.newResult(datasetID)

	residual := make(models.StatusLedger)
	var tasks []models.DownloadTask
	for _, key := range sortedKeys(status) {
		folder := ledger.ResolveFolder(e.opts.LedgerBase, key)
		for _, link := range sortedKeys(status[key]) {
			if !models.IsFailed(status[key][link]) {
				continue
			}
			name, err := fileName(link)
			if err != nil {
				// Kept as failed: merge mode leaves the entry as is.
				logger.Warn("unusable link", slog.String("url", link), slog.Any("error", err))
				result.Failed++
				if !e.opts.MergeRetryLedger {
					residual.Set(key, link, models.StatusRetryFailed)
				}
				continue
			}
			tasks = append(tasks, models.DownloadTask{
				URL:      link,
				Path:     filepath.Join(folder, name),
				Folder:   key,
				Attempts: e.opts.Attempts,
			})
		}
	}
	result.Scheduled = len(tasks)
	if len(tasks) == 0 && len(residual) == 0 {
		result.EndTime = time.Now()
		logger.Info("no failed entries to retry", slog.String("path", path))
		return result, nil
	}
	logger.Info("retry started", slog.Int("scheduled", len(tasks)), slog.Bool("merge", e.opts.MergeRetryLedger))

	e.execute(ctx, tasks, logger, func(o models.Outcome) {
		tally(result, o)
		switch {
		case e.opts.MergeRetryLedger:
			status.Set(o.Task.Folder, o.Task.URL, o.Status())
		case !o.Success:
			residual.Set(o.Task.Folder, o.Task.URL, models.StatusRetryFailed)
		}
	})
	result.EndTime = time.Now()

	switch {
	case e.opts.MergeRetryLedger:
		if err := ledger.WriteStatus(path, status); err != nil {
			return result, err
		}
	case len(residual) > 0:
		if err := ledger.WriteStatus(path, residual); err != nil {
			return result, err
		}
	default:
		logger.Info("all retried entries succeeded, status ledger left as is", slog.String("path", path))
	}
	logger.Info("retry finished",
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	return result, ctx.Err()
}

// execute runs tasks on the worker pool and hands every outcome to record
// from a single goroutine. Tasks not started before ctx is done are
// reported as interrupted without reaching the fetcher.
func (e *Engine) execute(ctx context.Context, tasks []models.DownloadTask, logger *slog.Logger, record func(models.Outcome)) {
	results := make(chan models.Outcome, e.opts.Workers)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.aggregate(results, len(tasks), logger, record)
	}()

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, task := range tasks {
		if ctx.Err() != nil {
			results <- interrupted(task)
			continue
		}
		g.Go(func() error {
			release := e.metrics.TrackInFlight()
			defer release()
			results <- e.fetcher.Download(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-done
}

// aggregate drains results, logging progress every ProgressInterval.
func (e *Engine) aggregate(results <-chan models.Outcome, total int, logger *slog.Logger, record func(models.Outcome)) {
	var tick <-chan time.Time
	if e.opts.ProgressInterval > 0 {
		ticker := time.NewTicker(e.opts.ProgressInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	completed, failed := 0, 0
	for {
		select {
		case o, ok := <-results:
			if !ok {
				return
			}
			completed++
			if !o.Success {
				failed++
			}
			record(o)
		case <-tick:
			logger.Info("fetch progress",
				slog.Int("completed", completed),
				slog.Int("total", total),
				slog.Int("failed", failed),
			)
		}
	}
}

func (e *Engine) newResult(datasetID int) (*models.FetchResult, *slog.Logger) {
	runID := uuid.NewString()
	logger := e.logger.With(slog.Int("dataset", datasetID), slog.String("run_id", runID))
	return &models.FetchResult{DatasetID: datasetID, RunID: runID, StartTime: time.Now()}, logger
}

func tally(result *models.FetchResult, o models.Outcome) {
	result.Bytes += o.Bytes
	if o.Success {
		result.Succeeded++
	} else {
		result.Failed++
	}
}

func interrupted(task models.DownloadTask) models.Outcome {
	return models.Outcome{Task: task, Reasons: []string{"interrupted"}}
}

// fileName returns the final path segment of link as it appears in the URL.
func fileName(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.EscapedPath())
	switch name {
	case "", ".", "/", "..":
		return "", fmt.Errorf("url %q has no file name", link)
	}
	return name, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
