package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kal-eido-scope/Epstein-downloader/config"
	"github.com/kal-eido-scope/Epstein-downloader/fetcherr"
	"github.com/kal-eido-scope/Epstein-downloader/ledger"
	"github.com/kal-eido-scope/Epstein-downloader/metrics"
	"github.com/kal-eido-scope/Epstein-downloader/models"
	"github.com/kal-eido-scope/Epstein-downloader/parser"
	"github.com/kal-eido-scope/Epstein-downloader/retry"
)

const (
	ctxStatus = "status"
	ctxBody   = "body"
)

// Options bounds a single crawl. The zero value crawls from page 0 with
// no page ceiling.
type Options struct {
	// StartPage is the first listing page requested.
	StartPage int
	// PageLimit stops the crawl after this many pages from StartPage.
	// Zero means no limit.
	PageLimit int
}

// DefaultOptions crawls from page 0 with no page ceiling.
func DefaultOptions() Options {
	return Options{}
}

// UpTo returns options covering pages from..last inclusive. A negative
// last means no ceiling.
func UpTo(from, last int) (Options, error) {
	if from < 0 {
		return Options{}, fmt.Errorf("start page %d is negative", from)
	}
	if last < 0 {
		return Options{StartPage: from}, nil
	}
	if last < from {
		return Options{}, fmt.Errorf("max page %d is before start page %d", last, from)
	}
	return Options{StartPage: from, PageLimit: last - from + 1}, nil
}

// Scraper walks the paginated listing of a dataset with a synchronous
// colly collector and extracts file links from every page.
type Scraper struct {
	cfg       config.PageConfig
	layout    ledger.Layout
	collector *colly.Collector
	extractor *parser.Extractor
	policy    retry.Policy
	Metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewScraper builds a scraper from cfg. rt carries every request; pass the
// shared transport.Session in production. A nil m disables metrics.
func NewScraper(cfg *config.Config, rt http.RoundTripper, m *metrics.Metrics, logger *slog.Logger) (*Scraper, error) {
	parsed, err := url.Parse(cfg.Page.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	extractor, err := parser.NewExtractor(cfg.Page.Pattern)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.HTTP.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Page.Timeout)
	collector.ParseHTTPErrorResponse = true
	if rt != nil {
		collector.WithTransport(rt)
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Page.Delay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	s := &Scraper{
		cfg:       cfg.Page,
		layout:    ledger.Layout{PageDir: cfg.PageDir(), FileDir: cfg.FileDir()},
		collector: collector,
		extractor: extractor,
		Metrics:   m,
		logger:    logger,
	}
	s.policy = retry.Policy{
		Attempts: cfg.Page.Attempts,
		Backoff: retry.RateLimited(
			retry.Exponential(cfg.Page.RateLimitBackoff, cfg.Page.RateLimitMax, cfg.Page.Jitter),
			retry.Exponential(cfg.Page.RetryBackoff, cfg.Page.RetryBackoffMax, cfg.Page.Jitter),
		),
	}

	collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, string(r.Body))
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Ctx != nil && r.StatusCode != 0 {
			r.Ctx.Put(ctxStatus, r.StatusCode)
		}
	})
	return s, nil
}

// run is the mutable state of one crawl or page retry.
type run struct {
	datasetID int
	logger    *slog.Logger
	result    *models.CrawlResult
	links     models.LinkLedger
	failed    []int
}

func (s *Scraper) newRun(datasetID int, links models.LinkLedger) *run {
	runID := uuid.NewString()
	if links == nil {
		links = make(models.LinkLedger)
	}
	return &run{
		datasetID: datasetID,
		logger:    s.logger.With(slog.Int("dataset", datasetID), slog.String("run_id", runID)),
		result: &models.CrawlResult{
			DatasetID: datasetID,
			RunID:     runID,
			StartTime: time.Now(),
		},
		links: links,
	}
}

// Crawl requests the listing pages of datasetID in order until the extracted
// links repeat on MaxRepeatPages consecutive pages or opts.PageLimit pages
// were requested.
// Pages that exhaust their attempts are retried in up to MaxRetryTimes
// rounds afterwards. The link ledger, and the failed pages list when pages
// remain unresolved, are written before Crawl returns, including when ctx
// is cancelled.
func (s *Scraper) Crawl(ctx context.Context, datasetID int, opts Options) (result *models.CrawlResult, err error) {
	r := s.newRun(datasetID, nil)
	defer func() {
		if perr := s.persist(r); perr != nil {
			r.logger.Error("persist crawl state", slog.Any("error", perr))
			if err == nil {
				err = perr
			}
		}
		result = r.result
	}()

	s.warmUp(r)
	r.result.Termination = s.paginate(ctx, r, opts)
	if r.result.Termination != models.Interrupted {
		s.retryRounds(ctx, r)
	}
	if ctx.Err() != nil {
		r.result.Termination = models.Interrupted
		return r.result, ctx.Err()
	}
	return r.result, nil
}

// RetryPages re-fetches an explicit page list, typically read from a failed
// pages file, and merges the recovered pages into the dataset's existing
// link ledger.
func (s *Scraper) RetryPages(ctx context.Context, datasetID int, pages []int) (result *models.CrawlResult, err error) {
	links, err := ledger.ReadLinks(s.layout.LinksPath(datasetID))
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	r := s.newRun(datasetID, links)
	r.failed = append(r.failed, pages...)
	defer func() {
		if perr := s.persist(r); perr != nil {
			r.logger.Error("persist crawl state", slog.Any("error", perr))
			if err == nil {
				err = perr
			}
		}
		result = r.result
	}()

	s.warmUp(r)
	s.retryRounds(ctx, r)
	if ctx.Err() != nil {
		r.result.Termination = models.Interrupted
		return r.result, ctx.Err()
	}
	return r.result, nil
}

func (s *Scraper) paginate(ctx context.Context, r *run, opts Options) models.Termination {
	fingerprints, err := lru.New[string, int](max(s.cfg.FingerprintCache, 1))
	if err != nil {
		r.logger.Error("create fingerprint cache", slog.Any("error", err))
		return models.Aborted
	}

	var (
		repeats int
		last    string
		seen    bool
	)
	for page := opts.StartPage; ; page++ {
		if ctx.Err() != nil {
			r.logger.Warn("crawl interrupted", slog.Int("page", page))
			return models.Interrupted
		}
		if opts.PageLimit > 0 && page >= opts.StartPage+opts.PageLimit {
			r.logger.Info("max page reached", slog.Int("max_page", page-1))
			return models.EndByMaxPage
		}

		body, err := s.fetchPage(ctx, r, page)
		if err != nil {
			if ctx.Err() != nil {
				return models.Interrupted
			}
			r.failed = append(r.failed, page)
			s.Metrics.IncPage("failed")
			r.logger.Warn("page failed", slog.Int("page", page), slog.Any("error", err))
			continue
		}

		links := s.extractor.Extract(body)
		r.links[page] = links
		r.result.PageCount++
		s.Metrics.IncPage("ok")
		s.Metrics.AddLinks(len(links))

		fp := parser.Fingerprint(links)
		first, cached := fingerprints.Get(fp)
		echo := seen && fp == last
		if !echo && cached && s.cfg.DetectCycles {
			// the listing wrapped around to an earlier page
			echo = true
		}
		if echo {
			repeats++
			r.logger.Info("page repeats earlier content",
				slog.Int("page", page),
				slog.Int("first_page", first),
				slog.Int("repeats", repeats),
			)
		} else {
			repeats = 0
			if cached {
				r.logger.Debug("page content seen before", slog.Int("page", page), slog.Int("first_page", first))
			} else {
				fingerprints.Add(fp, page)
			}
		}
		last, seen = fp, true
		r.logger.Info("page processed", slog.Int("page", page), slog.Int("links", len(links)))

		if repeats >= s.cfg.MaxRepeatPages {
			r.logger.Info("repeat threshold reached", slog.Int("page", page), slog.Int("threshold", s.cfg.MaxRepeatPages))
			return models.EndByRepeat
		}
	}
}

// retryRounds re-fetches failed pages once per round, keeping whatever
// still fails for the next round.
func (s *Scraper) retryRounds(ctx context.Context, r *run) {
	for round := 1; len(r.failed) > 0 && round <= s.cfg.MaxRetryTimes; round++ {
		if ctx.Err() != nil {
			return
		}
		r.result.RetryRounds = round
		pending := r.failed
		r.failed = nil
		r.logger.Info("retrying failed pages", slog.Int("round", round), slog.Any("pages", pending))

		for i, page := range pending {
			if ctx.Err() != nil {
				r.failed = append(r.failed, pending[i:]...)
				return
			}
			s.Metrics.IncRetries("page")
			body, err := s.fetchPage(ctx, r, page)
			if err != nil {
				r.failed = append(r.failed, page)
				r.logger.Warn("page retry failed", slog.Int("page", page), slog.Int("round", round), slog.Any("error", err))
				continue
			}
			links := s.extractor.Extract(body)
			r.links[page] = links
			r.result.PageCount++
			s.Metrics.IncPage("recovered")
			s.Metrics.AddLinks(len(links))
			r.logger.Info("page recovered", slog.Int("page", page), slog.Int("links", len(links)))
		}
	}
	if len(r.failed) > 0 {
		r.logger.Error("pages still failing after retries",
			slog.Int("max_retry_times", s.cfg.MaxRetryTimes),
			slog.Any("pages", r.failed),
		)
	}
}

// fetchPage requests one listing page under the page retry policy.
func (s *Scraper) fetchPage(ctx context.Context, r *run, page int) (string, error) {
	pageURL := s.pageURL(r.datasetID, page)
	policy := s.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("page attempt failed",
			slog.Int("page", page),
			slog.Int("attempt", attempt),
			slog.Int("attempts", policy.Attempts),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
	}

	var body string
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		text, err := s.get(pageURL)
		if err != nil {
			s.Metrics.IncError("page", fetcherr.Label(err))
			return err
		}
		body = text
		return nil
	})
	if err != nil {
		errs := retry.Errors(err)
		return "", errs[len(errs)-1]
	}
	return body, nil
}

// get issues one GET through the collector and returns the body of a 2xx
// response.
func (s *Scraper) get(target string) (string, error) {
	cctx := colly.NewContext()
	start := time.Now()
	s.Metrics.IncRequest("page")
	err := s.collector.Request(http.MethodGet, target, nil, cctx, nil)
	s.Metrics.ObserveDuration("page", time.Since(start))

	status, _ := cctx.GetAny(ctxStatus).(int)
	if err != nil {
		return "", fetcherr.Classify(err, status)
	}
	if status < 200 || status > 299 {
		return "", fetcherr.Classify(nil, status)
	}
	body, _ := cctx.GetAny(ctxBody).(string)
	return body, nil
}

// warmUp requests the base listing once so the session picks up cookies.
// Failures are ignored.
func (s *Scraper) warmUp(r *run) {
	if _, err := s.get(s.cfg.BaseURL); err != nil {
		r.logger.Debug("session warm-up failed", slog.Any("error", err))
	}
}

func (s *Scraper) pageURL(datasetID, page int) string {
	return fmt.Sprintf("%s/data-set-%d-files?page=%d", strings.TrimSuffix(s.cfg.BaseURL, "/"), datasetID, page)
}

// persist writes the link ledger and reconciles the failed pages file.
func (s *Scraper) persist(r *run) error {
	r.result.EndTime = time.Now()
	sort.Ints(r.failed)
	r.result.FailedPages = append([]int(nil), r.failed...)
	r.result.LinkCount = 0
	for _, links := range r.links {
		r.result.LinkCount += len(links)
	}

	linksPath := s.layout.LinksPath(r.datasetID)
	if err := ledger.WriteLinks(linksPath, r.links); err != nil {
		return err
	}
	failedPath := s.layout.FailedPagesPath(r.datasetID)
	if len(r.failed) == 0 {
		if err := ledger.RemoveFailedPages(failedPath); err != nil {
			return err
		}
	} else if err := ledger.WriteFailedPages(failedPath, r.failed); err != nil {
		return err
	}
	r.logger.Info("link ledger written",
		slog.String("path", linksPath),
		slog.Int("pages", len(r.links)),
		slog.Int("links", r.result.LinkCount),
		slog.Int("failed_pages", len(r.failed)),
	)
	return nil
}
