package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kal-eido-scope/Epstein-downloader/config"
	"github.com/kal-eido-scope/Epstein-downloader/downloader"
	"github.com/kal-eido-scope/Epstein-downloader/ledger"
	"github.com/kal-eido-scope/Epstein-downloader/metrics"
	"github.com/kal-eido-scope/Epstein-downloader/models"
	"github.com/kal-eido-scope/Epstein-downloader/pipeline"
	"github.com/kal-eido-scope/Epstein-downloader/scraper"
	"github.com/kal-eido-scope/Epstein-downloader/transport"
)

const usage = `usage: harvester [-config file] [-v] <command> [flags]

commands:
  page   crawl dataset listings and extract file links
  file   download the files of crawled datasets
`

func main() {
	configDefault, _ := config.EnvString("HARVESTER_CONFIG")
	configPath := flag.String("config", configDefault, "YAML settings file")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Verbose = true
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger, level, closeLog, err := newLogger(cfg.Verbose, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	commandDone := make(chan struct{})
	go announceShutdown(ctx, commandDone, slog.Default())

	m := metrics.New()
	shutdownMetrics := serveMetrics(cfg.MetricsAddr, m)
	defer shutdownMetrics()

	session := transport.New(cfg.HTTP)
	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "page":
		err = runPage(ctx, cfg, session, m, args)
	case "file":
		err = runFile(ctx, cfg, session, m, args)
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	close(commandDone)
	if err != nil {
		slog.Error("command failed", slog.String("command", command), slog.Any("error", err))
		shutdownMetrics()
		os.Exit(1)
	}
}

// announceShutdown logs when ctx is cancelled while the command is still
// running. Cancellation after done is closed is the normal exit path.
func announceShutdown(ctx context.Context, done <-chan struct{}, logger *slog.Logger) {
	select {
	case <-ctx.Done():
		select {
		case <-done:
			return
		default:
		}
		logger.Info("shutdown signal received, flushing ledgers")
	case <-done:
	}
}

// loadConfig layers defaults, the optional settings file and the
// environment, then validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// datasetRange reads -s/-e; a missing end defaults to the start.
func datasetRange(start, end int) (int, int, error) {
	if start < 0 {
		return 0, 0, fmt.Errorf("start must be set and non-negative")
	}
	if end < 0 {
		end = start
	}
	if end < start {
		return 0, 0, fmt.Errorf("end %d is before start %d", end, start)
	}
	return start, end, nil
}

func runPage(ctx context.Context, cfg *config.Config, session *transport.Session, m *metrics.Metrics, args []string) error {
	fs := flag.NewFlagSet("page", flag.ExitOnError)
	start := fs.Int("s", -1, "First dataset id (required)")
	end := fs.Int("e", -1, "Last dataset id (defaults to -s)")
	from := fs.Int("from", 0, "First listing page to request")
	maxPage := fs.Int("max-page", -1, "Last listing page to request (-1 for no limit)")
	failed := fs.Bool("failed", false, "Only retry the pages listed in the failed pages file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	first, last, err := datasetRange(*start, *end)
	if err != nil {
		return err
	}

	opts, err := scraper.UpTo(*from, *maxPage)
	if err != nil {
		return err
	}

	s, err := scraper.NewScraper(cfg, session, m, slog.Default())
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}
	layout := ledger.Layout{PageDir: cfg.PageDir(), FileDir: cfg.FileDir()}

	slog.Info("starting crawl",
		slog.String("base_url", cfg.Page.BaseURL),
		slog.Int("start", first),
		slog.Int("end", last),
		slog.Bool("failed_only", *failed),
	)
	for id := first; id <= last; id++ {
		var result *models.CrawlResult
		if *failed {
			pages, rerr := ledger.ReadFailedPages(layout.FailedPagesPath(id))
			if rerr != nil {
				slog.Warn("no failed pages to retry", slog.Int("dataset", id), slog.Any("error", rerr))
				continue
			}
			result, err = s.RetryPages(ctx, id, pages)
		} else {
			result, err = s.Crawl(ctx, id, opts)
		}
		if result != nil {
			printCrawlSummary(result)
			reportDuplicates(layout.LinksPath(id), id)
		}
		if ctx.Err() != nil {
			slog.Warn("crawl interrupted", slog.Int("dataset", id))
			return nil
		}
		if err != nil {
			slog.Error("crawl failed", slog.Int("dataset", id), slog.Any("error", err))
		}
	}
	return nil
}

func runFile(ctx context.Context, cfg *config.Config, session *transport.Session, m *metrics.Metrics, args []string) error {
	fs := flag.NewFlagSet("file", flag.ExitOnError)
	start := fs.Int("s", -1, "First dataset id (required)")
	end := fs.Int("e", -1, "Last dataset id (defaults to -s)")
	retryOnly := fs.Bool("retry", false, "Only retry entries that failed in the last run")
	workers := fs.Int("workers", cfg.File.MaxWorker, "Concurrent downloads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	first, last, err := datasetRange(*start, *end)
	if err != nil {
		return err
	}
	if *workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}

	// File.Timeout bounds each wait for data, not the whole transfer.
	d := downloader.New(session.Client(0), downloader.Options{
		Attempts:    cfg.File.MaxRetryTimes,
		RetryStep:   cfg.File.RetryStep,
		ChunkSize:   cfg.File.ChunkSize,
		IdleTimeout: cfg.File.Timeout,
	}, m, slog.Default())
	opts := pipeline.DefaultOptions()
	opts.Workers = *workers
	opts.Attempts = cfg.File.MaxRetryTimes
	opts.LedgerBase = cfg.LedgerBase()
	opts.MergeRetryLedger = cfg.File.MergeRetryLedger
	if cfg.Verbose {
		opts.ProgressInterval = 5 * time.Second
	}
	engine := pipeline.NewEngine(d, ledger.Layout{PageDir: cfg.PageDir(), FileDir: cfg.FileDir()}, opts, m, slog.Default())

	slog.Info("starting downloads",
		slog.Int("start", first),
		slog.Int("end", last),
		slog.Int("workers", opts.Workers),
		slog.Bool("retry", *retryOnly),
	)
	for id := first; id <= last; id++ {
		var result *models.FetchResult
		if *retryOnly {
			result, err = engine.RetryFailed(ctx, id)
		} else {
			result, err = engine.Run(ctx, id)
		}
		if result != nil {
			printFetchSummary(result)
		}
		if ctx.Err() != nil {
			slog.Warn("downloads interrupted", slog.Int("dataset", id))
			return nil
		}
		var notFound *ledger.NotFoundError
		switch {
		case errors.As(err, &notFound):
			slog.Error("ledger not found, run the page command first",
				slog.Int("dataset", id),
				slog.String("path", notFound.Path),
			)
		case err != nil:
			slog.Error("download run failed", slog.Int("dataset", id), slog.Any("error", err))
		}
	}
	return nil
}

func reportDuplicates(path string, id int) {
	report, err := ledger.Report(path)
	if err != nil {
		slog.Warn("dedup report unavailable", slog.Int("dataset", id), slog.Any("error", err))
		return
	}
	slog.Info("dedup report",
		slog.Int("dataset", id),
		slog.Int("pages", report.Pages),
		slog.Int("total", report.Total),
		slog.Int("unique", report.Unique),
		slog.Int("duplicates", report.Duplicates),
	)
}

// serveMetrics starts the Prometheus endpoint when addr is set and returns
// an idempotent shutdown func.
func serveMetrics(addr string, m *metrics.Metrics) func() {
	if addr == "" {
		return func() {}
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))

	done := false
	return func() {
		if done {
			return
		}
		done = true
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

const separator = "--------------------------------------------------"

func printCrawlSummary(result *models.CrawlResult) {
	fmt.Println("\n" + separator)
	fmt.Printf("Dataset %d crawl %s\n", result.DatasetID, result.Termination)
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Links:         %d\n", result.LinkCount)
	fmt.Printf("  Retry rounds:  %d\n", result.RetryRounds)
	fmt.Printf("  Failed pages:  %v\n", result.FailedPages)
	fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Printf("  Run id:        %s\n", result.RunID)
	fmt.Println(separator)
}

func printFetchSummary(result *models.FetchResult) {
	duration := result.EndTime.Sub(result.StartTime)
	rate := 0.0
	if duration.Seconds() > 0 {
		rate = float64(result.Bytes) / duration.Seconds() / (1 << 20)
	}
	fmt.Println("\n" + separator)
	fmt.Printf("Dataset %d downloads\n", result.DatasetID)
	fmt.Printf("  Scheduled:     %d\n", result.Scheduled)
	fmt.Printf("  Succeeded:     %d\n", result.Succeeded)
	fmt.Printf("  Skipped:       %d\n", result.Skipped)
	fmt.Printf("  Failed:        %d\n", result.Failed)
	fmt.Printf("  Transferred:   %.2f MiB\n", float64(result.Bytes)/(1<<20))
	fmt.Printf("  Throughput:    %.2f MiB/s\n", rate)
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Run id:        %s\n", result.RunID)
	fmt.Println(separator)
}

// newLogger writes to stdout, and also to logFile when set.
func newLogger(verbose bool, logFile string) (*slog.Logger, *slog.LevelVar, func(), error) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	var out io.Writer = os.Stdout
	closer := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), level, closer, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
