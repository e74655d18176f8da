package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"time"
)

// DefaultPattern matches the dataset file links on the DOJ disclosure listings.
const DefaultPattern = `href="(https:\/\/[w]{3}\.justice\.gov\/epstein\/files\/DataSet[^"]+)"`

// Config holds harvester configuration.
type Config struct {
	// Root anchors relative directories. Empty means the working directory.
	Root        string     `yaml:"root"`
	Page        PageConfig `yaml:"page"`
	File        FileConfig `yaml:"file"`
	HTTP        HTTPConfig `yaml:"http"`
	LogFile     string     `yaml:"log_file"`
	MetricsAddr string     `yaml:"metrics_addr"`
	Verbose     bool       `yaml:"verbose"`
}

// PageConfig configures the listing crawler.
type PageConfig struct {
	BaseURL        string `yaml:"base_url"`
	Pattern        string `yaml:"pattern"`
	DirPath        string `yaml:"dir_path"`
	MaxRetryTimes  int    `yaml:"max_retry_times"`
	MaxRepeatPages int    `yaml:"max_repeat_pages"`

	// Attempts bounds a single page fetch before the page is marked failed.
	Attempts         int           `yaml:"attempts"`
	Delay            time.Duration `yaml:"delay"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	RateLimitMax     time.Duration `yaml:"rate_limit_backoff_max"`
	Jitter           float64       `yaml:"jitter"`
	FingerprintCache int           `yaml:"fingerprint_cache"`

	// DetectCycles also counts a page as a repeat when it echoes any
	// earlier page still in the fingerprint cache, not only its
	// predecessor.
	DetectCycles bool `yaml:"detect_cycles"`
}

// FileConfig configures the file fetch engine.
type FileConfig struct {
	DirPath       string        `yaml:"dir_path"`
	MaxWorker     int           `yaml:"max_worker"`
	MaxRetryTimes int           `yaml:"max_retry_times"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryStep     time.Duration `yaml:"retry_step"`
	ChunkSize     int           `yaml:"chunk_size"`

	// LedgerBase, when set, makes status ledger folder keys relative to it.
	LedgerBase string `yaml:"ledger_base"`

	// MergeRetryLedger merges retry outcomes into the existing status
	// ledger instead of replacing it with the residual failures.
	MergeRetryLedger bool `yaml:"merge_retry_ledger"`
}

// HTTPConfig configures the shared HTTP session.
type HTTPConfig struct {
	UserAgent       string            `yaml:"user_agent"`
	Headers         map[string]string `yaml:"headers"`
	ServerRetries   int               `yaml:"server_retries"`
	ServerBackoff   time.Duration     `yaml:"server_backoff"`
	MaxIdleConns    int               `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration     `yaml:"idle_conn_timeout"`

	// ResponseHeaderTimeout bounds each wait for response headers.
	// Zero disables it.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// DefaultConfig returns defaults matching the DOJ disclosure site.
func DefaultConfig() *Config {
	return &Config{
		Page: PageConfig{
			BaseURL:          "https://www.justice.gov/epstein/doj-disclosures",
			Pattern:          DefaultPattern,
			DirPath:          "pages",
			MaxRetryTimes:    7,
			MaxRepeatPages:   5,
			Attempts:         3,
			Delay:            300 * time.Millisecond,
			Timeout:          10 * time.Second,
			RetryBackoff:     3 * time.Second,
			RetryBackoffMax:  60 * time.Second,
			RateLimitBackoff: 5 * time.Second,
			RateLimitMax:     90 * time.Second,
			Jitter:           0.3,
			FingerprintCache: 128,
		},
		File: FileConfig{
			DirPath:       "files",
			MaxWorker:     6,
			MaxRetryTimes: 3,
			Timeout:       20 * time.Second,
			RetryStep:     2 * time.Second,
			ChunkSize:     256 * 1024,
		},
		HTTP: HTTPConfig{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
			Headers: map[string]string{
				"Referer":         "https://www.justice.gov/epstein/doj-disclosures",
				"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
				"Accept-Language": "en-US,en;q=0.5",
				"DNT":             "1",
				"Cookie":          "justiceGovAgeVerified=true",
			},
			ServerRetries:   5,
			ServerBackoff:   2 * time.Second,
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,

			ResponseHeaderTimeout: 20 * time.Second,
		},
	}
}

// PageDir returns the listing output directory resolved against Root.
func (c *Config) PageDir() string {
	return c.resolve(c.Page.DirPath)
}

// FileDir returns the download directory resolved against Root.
func (c *Config) FileDir() string {
	return c.resolve(c.File.DirPath)
}

// LedgerBase returns the resolved status ledger key base, or "".
func (c *Config) LedgerBase() string {
	if c.File.LedgerBase == "" {
		return ""
	}
	return c.resolve(c.File.LedgerBase)
}

func (c *Config) resolve(dir string) string {
	if filepath.IsAbs(dir) || c.Root == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(c.Root, dir)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Page.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.Page.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	re, err := regexp.Compile(c.Page.Pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	if re.NumSubexp() != 1 {
		return fmt.Errorf("pattern must have exactly one capture group, has %d", re.NumSubexp())
	}

	if c.Page.DirPath == "" {
		return fmt.Errorf("page dir cannot be empty")
	}
	if c.File.DirPath == "" {
		return fmt.Errorf("file dir cannot be empty")
	}
	if c.Page.MaxRetryTimes < 0 {
		return fmt.Errorf("page max retry times cannot be negative")
	}
	if c.Page.MaxRepeatPages <= 0 {
		return fmt.Errorf("max repeat pages must be positive")
	}
	if c.Page.Attempts <= 0 {
		return fmt.Errorf("page attempts must be positive")
	}
	if c.Page.Delay < 0 {
		return fmt.Errorf("page delay cannot be negative")
	}
	if c.Page.Timeout <= 0 || c.File.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Page.RetryBackoff < 0 || c.Page.RateLimitBackoff < 0 || c.File.RetryStep < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.Page.RetryBackoffMax > 0 && c.Page.RetryBackoff > c.Page.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.Page.RetryBackoff, c.Page.RetryBackoffMax)
	}
	if c.Page.Jitter < 0 {
		return fmt.Errorf("jitter cannot be negative")
	}
	if c.File.MaxWorker <= 0 {
		return fmt.Errorf("max worker must be positive")
	}
	if c.File.MaxRetryTimes <= 0 {
		return fmt.Errorf("file max retry times must be positive")
	}
	if c.File.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.HTTP.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.HTTP.ServerRetries < 0 {
		return fmt.Errorf("server retries cannot be negative")
	}
	if c.HTTP.ResponseHeaderTimeout < 0 {
		return fmt.Errorf("response header timeout cannot be negative")
	}

	return nil
}
