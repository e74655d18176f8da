// Package models defines data structures shared by the crawler and the fetch engine.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status values recorded in a StatusLedger.
const (
	StatusSuccess   = "success"
	StatusSkipped   = "skipped (duplicate)"
	StatusFailedTag = "failed"

	// StatusRetryFailed marks entries that failed again in a replacing retry pass.
	StatusRetryFailed = "failed: retry failed"
)

// FailedStatus renders a failure status with its reason list.
func FailedStatus(reasons []string) string {
	return fmt.Sprintf("%s: [%s]", StatusFailedTag, strings.Join(reasons, "; "))
}

// IsFailed reports whether status records a failure.
func IsFailed(status string) bool {
	return strings.HasPrefix(status, StatusFailedTag)
}

// LinkLedger maps a listing page number to the links extracted from it,
// in document order.
type LinkLedger map[int][]string

// Pages returns the page numbers in ascending order.
func (l LinkLedger) Pages() []int {
	pages := make([]int, 0, len(l))
	for page := range l {
		pages = append(pages, page)
	}
	sort.Ints(pages)
	return pages
}

// MarshalJSON writes string keys in ascending numeric order, which
// encoding/json would otherwise sort lexically.
func (l LinkLedger) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, page := range l.Pages() {
		if i > 0 {
			buf.WriteByte(',')
		}
		links := l[page]
		if links == nil {
			links = []string{}
		}
		value, err := json.Marshal(links)
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", page, err)
		}
		fmt.Fprintf(&buf, "%q:", strconv.Itoa(page))
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the numeric string keys written by MarshalJSON.
func (l *LinkLedger) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(LinkLedger, len(raw))
	for key, links := range raw {
		page, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("page key %q is not numeric: %w", key, err)
		}
		out[page] = links
	}
	*l = out
	return nil
}

// StatusLedger maps an output folder key to url -> status.
type StatusLedger map[string]map[string]string

// Set records status for url under folder.
func (s StatusLedger) Set(folder, url, status string) {
	entries, ok := s[folder]
	if !ok {
		entries = make(map[string]string)
		s[folder] = entries
	}
	entries[url] = status
}

// Count tallies entries by status class: success, skipped and failed.
func (s StatusLedger) Count() (success, skipped, failed int) {
	for _, entries := range s {
		for _, status := range entries {
			switch {
			case status == StatusSuccess:
				success++
			case status == StatusSkipped:
				skipped++
			case IsFailed(status):
				failed++
			}
		}
	}
	return success, skipped, failed
}

// DownloadTask is one scheduled transfer.
type DownloadTask struct {
	URL    string
	Path   string
	Folder string // status ledger key the outcome is recorded under

	// Attempts overrides the downloader's attempt cap when positive.
	Attempts int
}

// Outcome is the result of a DownloadTask.
type Outcome struct {
	Task    DownloadTask
	Success bool
	Reasons []string
	Bytes   int64
}

// Status renders the ledger status for the outcome.
func (o Outcome) Status() string {
	if o.Success {
		return StatusSuccess
	}
	return FailedStatus(o.Reasons)
}

// Termination describes why a crawl loop stopped.
type Termination string

const (
	EndByRepeat  Termination = "repeat"
	EndByMaxPage Termination = "max_page"
	Interrupted  Termination = "interrupted"
	Aborted      Termination = "aborted"
)

// CrawlResult summarises one dataset crawl.
type CrawlResult struct {
	DatasetID   int
	RunID       string
	StartTime   time.Time
	EndTime     time.Time
	Termination Termination
	PageCount   int
	LinkCount   int
	FailedPages []int
	RetryRounds int
}

// FetchResult summarises one fetch or retry run.
type FetchResult struct {
	DatasetID int
	RunID     string
	StartTime time.Time
	EndTime   time.Time
	Scheduled int
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
}
