// Package ledger persists the durable state of a harvest: the link ledger
// written by the crawler, the failed page list, and the status ledger
// written by the fetch engine.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kal-eido-scope/Epstein-downloader/models"
)

// ErrNotFound is wrapped by NotFoundError.
var ErrNotFound = errors.New("ledger: not found")

// NotFoundError reports a ledger that a run requires but that is absent.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Layout derives ledger and download paths for a dataset.
type Layout struct {
	PageDir string
	FileDir string
}

// DatasetPageDir is {PageDir}/data-set-{id}.
func (l Layout) DatasetPageDir(id int) string {
	return filepath.Join(l.PageDir, fmt.Sprintf("data-set-%d", id))
}

// DatasetFileDir is {FileDir}/data-set-{id}.
func (l Layout) DatasetFileDir(id int) string {
	return filepath.Join(l.FileDir, fmt.Sprintf("data-set-%d", id))
}

// LinksPath is the link ledger of dataset id.
func (l Layout) LinksPath(id int) string {
	return filepath.Join(l.DatasetPageDir(id), fmt.Sprintf("dataset%d_file_links.json", id))
}

// FailedPagesPath is the failed page list of dataset id.
func (l Layout) FailedPagesPath(id int) string {
	return filepath.Join(l.DatasetPageDir(id), fmt.Sprintf("dataset%d_failed_pages.txt", id))
}

// StatusPath is the status ledger of dataset id.
func (l Layout) StatusPath(id int) string {
	return filepath.Join(l.DatasetFileDir(id), "downloads_status.json")
}

// PageFolder is the download folder for one listing page.
func (l Layout) PageFolder(id, page int) string {
	return filepath.Join(l.DatasetFileDir(id), fmt.Sprintf("page_%d", page))
}

// WriteLinks writes the link ledger with pages in ascending numeric order.
func WriteLinks(path string, links models.LinkLedger) error {
	if links == nil {
		links = models.LinkLedger{}
	}
	return writeJSON(path, links, "    ")
}

// ReadLinks loads a link ledger. A missing file yields a *NotFoundError.
func ReadLinks(path string) (models.LinkLedger, error) {
	var links models.LinkLedger
	if err := readJSON(path, &links); err != nil {
		return nil, err
	}
	if links == nil {
		links = models.LinkLedger{}
	}
	return links, nil
}

// WriteStatus writes the status ledger, replacing any previous file.
func WriteStatus(path string, status models.StatusLedger) error {
	if status == nil {
		status = models.StatusLedger{}
	}
	return writeJSON(path, status, "  ")
}

// ReadStatus loads a status ledger. A missing file yields a *NotFoundError.
func ReadStatus(path string) (models.StatusLedger, error) {
	var status models.StatusLedger
	if err := readJSON(path, &status); err != nil {
		return nil, err
	}
	if status == nil {
		status = models.StatusLedger{}
	}
	return status, nil
}

// WriteFailedPages writes pages as one comma separated line. An empty list
// writes nothing.
func WriteFailedPages(path string, pages []int) error {
	if len(pages) == 0 {
		return nil
	}
	record := make([]string, len(pages))
	for i, page := range pages {
		record[i] = strconv.Itoa(page)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("write failed pages: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush failed pages: %w", err)
	}
	return writeAtomic(path, bytes.TrimRight(buf.Bytes(), "\r\n"))
}

// ReadFailedPages loads a failed page list. A missing file yields a *NotFoundError.
func ReadFailedPages(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("open failed pages: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1
	var pages []int
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read failed pages: %w", err)
		}
		for _, field := range record {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			page, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("failed page %q: %w", field, err)
			}
			pages = append(pages, page)
		}
	}
	sort.Ints(pages)
	return pages, nil
}

// RemoveFailedPages deletes a stale failed page list, if present.
func RemoveFailedPages(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove failed pages: %w", err)
	}
	return nil
}

func writeJSON(path string, v any, indent string) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", indent)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, buf.Bytes())
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &NotFoundError{Path: path}
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeAtomic replaces path through a temporary file in the same
// directory, so an interrupted write never leaves a truncated ledger.
func writeAtomic(path string, data []byte) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
