package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kal-eido-scope/Epstein-downloader/downloader"
	"github.com/kal-eido-scope/Epstein-downloader/ledger"
	"github.com/kal-eido-scope/Epstein-downloader/metrics"
	"github.com/kal-eido-scope/Epstein-downloader/models"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeFetcher(failing ...string) *fakeFetcher {
	f := &fakeFetcher{calls: make(map[string]int), fail: make(map[string]bool)}
	for _, u := range failing {
		f.fail[u] = true
	}
	return f
}

func (f *fakeFetcher) Download(ctx context.Context, task models.DownloadTask) models.Outcome {
	f.mu.Lock()
	f.calls[task.URL]++
	fail := f.fail[task.URL]
	f.mu.Unlock()
	if fail {
		return models.Outcome{Task: task, Reasons: []string{"http 500"}}
	}
	return models.Outcome{Task: task, Success: true, Bytes: 10}
}

func (f *fakeFetcher) callCount(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func testLayout(t *testing.T) ledger.Layout {
	t.Helper()
	root := t.TempDir()
	return ledger.Layout{PageDir: filepath.Join(root, "pages"), FileDir: filepath.Join(root, "files")}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 3
	opts.ProgressInterval = 0
	return opts
}

func seedLinks(t *testing.T, layout ledger.Layout, id int, links models.LinkLedger) {
	t.Helper()
	if err := ledger.WriteLinks(layout.LinksPath(id), links); err != nil {
		t.Fatalf("seed links: %v", err)
	}
}

func TestRunDeduplicatesAcrossPages(t *testing.T) {
	layout := testLayout(t)
	const (
		a = "http://x/a.pdf"
		b = "http://x/b.pdf"
	)
	seedLinks(t, layout, 1, models.LinkLedger{0: {a, b}, 1: {a}})

	fetcher := newFakeFetcher()
	engine := NewEngine(fetcher, layout, testOptions(), metrics.New(), nil)
	result, err := engine.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Scheduled != 2 || result.Succeeded != 2 || result.Skipped != 1 {
		t.Fatalf("result = %+v", result)
	}
	if fetcher.callCount(a) != 1 {
		t.Fatalf("duplicate url fetched %d times", fetcher.callCount(a))
	}

	status, err := ledger.ReadStatus(layout.StatusPath(1))
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	page0 := ledger.FolderKey("", layout.PageFolder(1, 0))
	page1 := ledger.FolderKey("", layout.PageFolder(1, 1))
	want := models.StatusLedger{
		page0: {a: models.StatusSuccess, b: models.StatusSuccess},
		page1: {a: models.StatusSkipped},
	}
	if len(status) != len(want) {
		t.Fatalf("status ledger = %v", status)
	}
	for folder, entries := range want {
		for u, st := range entries {
			if got := status[folder][u]; got != st {
				t.Fatalf("status[%s][%s] = %q, want %q", folder, u, got, st)
			}
		}
		if len(status[folder]) != len(entries) {
			t.Fatalf("folder %s = %v", folder, status[folder])
		}
	}
}

func TestRunRecordsFailureReasons(t *testing.T) {
	layout := testLayout(t)
	seedLinks(t, layout, 2, models.LinkLedger{0: {"http://x/ok.pdf", "http://x/bad.pdf"}})

	engine := NewEngine(newFakeFetcher("http://x/bad.pdf"), layout, testOptions(), nil, nil)
	result, err := engine.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 1 || result.Succeeded != 1 {
		t.Fatalf("result = %+v", result)
	}
	status, _ := ledger.ReadStatus(layout.StatusPath(2))
	key := ledger.FolderKey("", layout.PageFolder(2, 0))
	if got := status[key]["http://x/bad.pdf"]; got != "failed: [http 500]" {
		t.Fatalf("status = %q", got)
	}
}

func TestRunLedgerNotFound(t *testing.T) {
	layout := testLayout(t)
	fetcher := newFakeFetcher()
	engine := NewEngine(fetcher, layout, testOptions(), nil, nil)

	_, err := engine.Run(context.Background(), 9)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var nf *ledger.NotFoundError
	if !errors.As(err, &nf) || nf.Path != layout.LinksPath(9) {
		t.Fatalf("err = %#v", err)
	}
	if _, err := os.Stat(layout.StatusPath(9)); !os.IsNotExist(err) {
		t.Fatalf("no status ledger should be written, stat err = %v", err)
	}
}

func TestRunInterruptedRecordsTasks(t *testing.T) {
	layout := testLayout(t)
	seedLinks(t, layout, 3, models.LinkLedger{0: {"http://x/a.pdf", "http://x/b.pdf"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := newFakeFetcher()
	engine := NewEngine(fetcher, layout, testOptions(), nil, nil)
	result, err := engine.Run(ctx, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if result.Failed != 2 {
		t.Fatalf("result = %+v", result)
	}
	if fetcher.callCount("http://x/a.pdf") != 0 {
		t.Fatalf("no task should start after cancellation")
	}
	status, err := ledger.ReadStatus(layout.StatusPath(3))
	if err != nil {
		t.Fatalf("status ledger should be written on interrupt: %v", err)
	}
	key := ledger.FolderKey("", layout.PageFolder(3, 0))
	if got := status[key]["http://x/a.pdf"]; got != "failed: [interrupted]" {
		t.Fatalf("status = %q", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	content := []byte(strings.Repeat("%PDF-1.7 payload ", 200))
	var rangeRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			rangeRequests.Add(1)
		}
		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	layout := testLayout(t)
	a, b := srv.URL+"/files/a.pdf", srv.URL+"/files/b.pdf"
	seedLinks(t, layout, 4, models.LinkLedger{0: {a}, 1: {b, a}})

	d := downloader.New(srv.Client(), downloader.Options{Attempts: 2, ChunkSize: 512}, nil, nil)
	engine := NewEngine(d, layout, testOptions(), nil, nil)

	first, err := engine.Run(context.Background(), 4)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Succeeded != 2 || first.Bytes != int64(2*len(content)) {
		t.Fatalf("first run = %+v", first)
	}

	second, err := engine.Run(context.Background(), 4)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Succeeded != 2 || second.Skipped != 1 || second.Bytes != 0 {
		t.Fatalf("second run = %+v", second)
	}
	if got := rangeRequests.Load(); got != 2 {
		t.Fatalf("range requests = %d, want 2", got)
	}

	data, err := os.ReadFile(filepath.Join(layout.PageFolder(4, 0), "a.pdf"))
	if err != nil || !bytes.Equal(data, content) {
		t.Fatalf("downloaded file mismatch: %v", err)
	}
}

func seedStatus(t *testing.T, layout ledger.Layout, id int) (string, models.StatusLedger) {
	t.Helper()
	key := ledger.FolderKey("", layout.PageFolder(id, 0))
	status := models.StatusLedger{
		key: {
			"http://x/a.pdf": models.StatusSuccess,
			"http://x/b.pdf": "failed: [http 503]",
			"http://x/c.pdf": "failed: [timeout]",
		},
	}
	if err := ledger.WriteStatus(layout.StatusPath(id), status); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	return key, status
}

func TestRetryFailedReplacesLedger(t *testing.T) {
	layout := testLayout(t)
	key, _ := seedStatus(t, layout, 5)

	fetcher := newFakeFetcher("http://x/c.pdf")
	engine := NewEngine(fetcher, layout, testOptions(), nil, nil)
	result, err := engine.RetryFailed(context.Background(), 5)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Scheduled != 2 || result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if fetcher.callCount("http://x/a.pdf") != 0 {
		t.Fatalf("successful entry should not be retried")
	}

	status, err := ledger.ReadStatus(layout.StatusPath(5))
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if len(status) != 1 || len(status[key]) != 1 {
		t.Fatalf("residual ledger = %v", status)
	}
	if got := status[key]["http://x/c.pdf"]; got != models.StatusRetryFailed {
		t.Fatalf("status = %q", got)
	}
}

func TestRetryFailedAllSucceedKeepsLedger(t *testing.T) {
	layout := testLayout(t)
	key, seeded := seedStatus(t, layout, 6)

	engine := NewEngine(newFakeFetcher(), layout, testOptions(), nil, nil)
	if _, err := engine.RetryFailed(context.Background(), 6); err != nil {
		t.Fatalf("retry: %v", err)
	}
	status, _ := ledger.ReadStatus(layout.StatusPath(6))
	if got := status[key]["http://x/b.pdf"]; got != seeded[key]["http://x/b.pdf"] {
		t.Fatalf("ledger should be left as is, got %q", got)
	}
}

func TestRetryFailedMergesLedger(t *testing.T) {
	layout := testLayout(t)
	key, _ := seedStatus(t, layout, 7)

	opts := testOptions()
	opts.MergeRetryLedger = true
	engine := NewEngine(newFakeFetcher("http://x/c.pdf"), layout, opts, nil, nil)
	if _, err := engine.RetryFailed(context.Background(), 7); err != nil {
		t.Fatalf("retry: %v", err)
	}

	status, _ := ledger.ReadStatus(layout.StatusPath(7))
	want := map[string]string{
		"http://x/a.pdf": models.StatusSuccess,
		"http://x/b.pdf": models.StatusSuccess,
		"http://x/c.pdf": "failed: [http 500]",
	}
	for u, st := range want {
		if got := status[key][u]; got != st {
			t.Fatalf("status[%s] = %q, want %q", u, got, st)
		}
	}
}

func TestRetryFailedKeepsUnusableLinks(t *testing.T) {
	tests := []struct {
		name  string
		merge bool
		want  string
	}{
		{name: "replace", want: models.StatusRetryFailed},
		{name: "merge", merge: true, want: "failed: [url \"http://x/\" has no file name]"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := testLayout(t)
			id := 10 + i
			key := ledger.FolderKey("", layout.PageFolder(id, 0))
			seeded := models.StatusLedger{key: {
				"http://x/":      "failed: [url \"http://x/\" has no file name]",
				"http://x/c.pdf": "failed: [timeout]",
			}}
			if err := ledger.WriteStatus(layout.StatusPath(id), seeded); err != nil {
				t.Fatalf("seed status: %v", err)
			}

			opts := testOptions()
			opts.MergeRetryLedger = tt.merge
			fetcher := newFakeFetcher("http://x/c.pdf")
			engine := NewEngine(fetcher, layout, opts, nil, nil)
			result, err := engine.RetryFailed(context.Background(), id)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if result.Scheduled != 1 || result.Failed != 2 {
				t.Fatalf("result = %+v", result)
			}
			if fetcher.callCount("http://x/") != 0 {
				t.Fatalf("unusable link should not reach the fetcher")
			}

			status, err := ledger.ReadStatus(layout.StatusPath(id))
			if err != nil {
				t.Fatalf("read status: %v", err)
			}
			if got, ok := status[key]["http://x/"]; !ok || got != tt.want {
				t.Fatalf("status[http://x/] = %q (present %v), want %q", got, ok, tt.want)
			}
			if !models.IsFailed(status[key]["http://x/c.pdf"]) {
				t.Fatalf("status[c.pdf] = %q", status[key]["http://x/c.pdf"])
			}
		})
	}
}

func TestRetryFailedLedgerNotFound(t *testing.T) {
	engine := NewEngine(newFakeFetcher(), testLayout(t), testOptions(), nil, nil)
	if _, err := engine.RetryFailed(context.Background(), 1); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		link    string
		want    string
		wantErr bool
	}{
		{link: "https://www.justice.gov/epstein/files/DataSet%201/EFTA00001.pdf", want: "EFTA00001.pdf"},
		{link: "http://x/a.pdf?download=1", want: "a.pdf"},
		{link: "http://x/", wantErr: true},
		{link: "http://x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			got, err := fileName(tt.link)
			if (err != nil) != tt.wantErr {
				t.Fatalf("fileName(%q) err = %v", tt.link, err)
			}
			if got != tt.want {
				t.Fatalf("fileName(%q) = %q, want %q", tt.link, got, tt.want)
			}
		})
	}
}
