package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML settings file on top of DefaultConfig.
// Keys absent from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment. Nested keys use a
// double underscore, e.g. PAGE__BASE_URL or FILE__MAX_WORKER.
func (c *Config) ApplyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"ROOT", &c.Root},
		{"LOG_FILE", &c.LogFile},
		{"METRICS_ADDR", &c.MetricsAddr},
		{"PAGE__BASE_URL", &c.Page.BaseURL},
		{"PAGE__PATTERN", &c.Page.Pattern},
		{"PAGE__DIR_PATH", &c.Page.DirPath},
		{"FILE__DIR_PATH", &c.File.DirPath},
		{"FILE__LEDGER_BASE", &c.File.LedgerBase},
		{"HTTP__USER_AGENT", &c.HTTP.UserAgent},
	}
	for _, s := range strs {
		if value, ok := EnvString(s.key); ok {
			*s.dst = value
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PAGE__MAX_RETRY_TIMES", &c.Page.MaxRetryTimes},
		{"PAGE__MAX_REPEAT_PAGES", &c.Page.MaxRepeatPages},
		{"PAGE__ATTEMPTS", &c.Page.Attempts},
		{"FILE__MAX_WORKER", &c.File.MaxWorker},
		{"FILE__MAX_RETRY_TIMES", &c.File.MaxRetryTimes},
		{"FILE__CHUNK_SIZE", &c.File.ChunkSize},
		{"HTTP__SERVER_RETRIES", &c.HTTP.ServerRetries},
	}
	for _, i := range ints {
		value, ok, err := EnvInt(i.key)
		if err != nil {
			return err
		}
		if ok {
			*i.dst = value
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PAGE__DELAY", &c.Page.Delay},
		{"PAGE__TIMEOUT", &c.Page.Timeout},
		{"FILE__TIMEOUT", &c.File.Timeout},
		{"FILE__RETRY_STEP", &c.File.RetryStep},
		{"HTTP__RESPONSE_HEADER_TIMEOUT", &c.HTTP.ResponseHeaderTimeout},
	}
	for _, d := range durations {
		value, ok, err := EnvDuration(d.key)
		if err != nil {
			return err
		}
		if ok {
			*d.dst = value
		}
	}

	if value, ok := EnvString("PAGE__DETECT_CYCLES"); ok {
		detect, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid PAGE__DETECT_CYCLES: %w", err)
		}
		c.Page.DetectCycles = detect
	}
	if value, ok := EnvString("FILE__MERGE_RETRY_LEDGER"); ok {
		merge, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid FILE__MERGE_RETRY_LEDGER: %w", err)
		}
		c.File.MergeRetryLedger = merge
	}
	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when it is set.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, true, nil
}

// EnvDuration parses key as a time.Duration when it is set.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, true, nil
}
