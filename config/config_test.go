package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative response header timeout",
			mutate: func(cfg *Config) {
				cfg.HTTP.ResponseHeaderTimeout = -time.Second
			},
			wantErr: "response header timeout",
		},
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.Page.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid url format",
			mutate: func(cfg *Config) {
				cfg.Page.BaseURL = "http://"
			},
			wantErr: "base URL",
		},
		{
			name: "pattern does not compile",
			mutate: func(cfg *Config) {
				cfg.Page.Pattern = `href="(`
			},
			wantErr: "invalid pattern",
		},
		{
			name: "pattern without capture group",
			mutate: func(cfg *Config) {
				cfg.Page.Pattern = `href="[^"]+"`
			},
			wantErr: "capture group",
		},
		{
			name: "pattern with two capture groups",
			mutate: func(cfg *Config) {
				cfg.Page.Pattern = `(a)(b)`
			},
			wantErr: "capture group",
		},
		{
			name: "zero repeat pages",
			mutate: func(cfg *Config) {
				cfg.Page.MaxRepeatPages = 0
			},
			wantErr: "max repeat pages",
		},
		{
			name: "zero workers",
			mutate: func(cfg *Config) {
				cfg.File.MaxWorker = 0
			},
			wantErr: "max worker",
		},
		{
			name: "negative page delay",
			mutate: func(cfg *Config) {
				cfg.Page.Delay = -time.Second
			},
			wantErr: "page delay",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.File.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.Page.RetryBackoff = time.Minute
				cfg.Page.RetryBackoffMax = time.Second
			},
			wantErr: "cannot exceed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	body := `
root: /srv/harvest
page:
  base_url: http://example.test/listing
  max_repeat_pages: 8
  delay: 1s
file:
  max_worker: 12
  merge_retry_ledger: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Page.BaseURL != "http://example.test/listing" {
		t.Fatalf("base url = %q", cfg.Page.BaseURL)
	}
	if cfg.Page.MaxRepeatPages != 8 {
		t.Fatalf("max repeat pages = %d, want 8", cfg.Page.MaxRepeatPages)
	}
	if cfg.Page.Delay != time.Second {
		t.Fatalf("delay = %v, want 1s", cfg.Page.Delay)
	}
	if cfg.File.MaxWorker != 12 || !cfg.File.MergeRetryLedger {
		t.Fatalf("file config = %+v", cfg.File)
	}
	if cfg.Page.MaxRetryTimes != 7 {
		t.Fatalf("unset key should keep default, got %d", cfg.Page.MaxRetryTimes)
	}
	if got := cfg.PageDir(); got != filepath.Join("/srv/harvest", "pages") {
		t.Fatalf("page dir = %q", got)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PAGE__BASE_URL", "http://example.test/env")
	t.Setenv("FILE__MAX_WORKER", "3")
	t.Setenv("PAGE__DELAY", "50ms")
	t.Setenv("FILE__MERGE_RETRY_LEDGER", "true")
	t.Setenv("PAGE__DETECT_CYCLES", "1")
	t.Setenv("HTTP__RESPONSE_HEADER_TIMEOUT", "5s")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Page.BaseURL != "http://example.test/env" {
		t.Fatalf("base url = %q", cfg.Page.BaseURL)
	}
	if cfg.File.MaxWorker != 3 {
		t.Fatalf("max worker = %d, want 3", cfg.File.MaxWorker)
	}
	if cfg.Page.Delay != 50*time.Millisecond {
		t.Fatalf("delay = %v", cfg.Page.Delay)
	}
	if !cfg.File.MergeRetryLedger {
		t.Fatalf("merge flag not applied")
	}
	if !cfg.Page.DetectCycles {
		t.Fatalf("cycle detection flag not applied")
	}
	if cfg.HTTP.ResponseHeaderTimeout != 5*time.Second {
		t.Fatalf("response header timeout = %v", cfg.HTTP.ResponseHeaderTimeout)
	}
}

func TestApplyEnvInvalidInt(t *testing.T) {
	t.Setenv("FILE__MAX_WORKER", "many")
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err == nil || !strings.Contains(err.Error(), "FILE__MAX_WORKER") {
		t.Fatalf("expected FILE__MAX_WORKER error, got %v", err)
	}
}

func TestResolveAbsoluteDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = "/srv/harvest"
	cfg.File.DirPath = "/data/files"
	if got := cfg.FileDir(); got != "/data/files" {
		t.Fatalf("file dir = %q", got)
	}
	if got := cfg.LedgerBase(); got != "" {
		t.Fatalf("ledger base = %q, want empty", got)
	}
}
