package ledger

import (
	"github.com/kal-eido-scope/Epstein-downloader/models"
)

// DedupReport counts links across all pages of a link ledger.
type DedupReport struct {
	Pages      int
	Total      int
	Unique     int
	Duplicates int
}

// Summarize flattens links and counts totals and duplicates.
func Summarize(links models.LinkLedger) DedupReport {
	seen := make(map[string]struct{})
	report := DedupReport{Pages: len(links)}
	for _, page := range links {
		for _, link := range page {
			report.Total++
			seen[link] = struct{}{}
		}
	}
	report.Unique = len(seen)
	report.Duplicates = report.Total - report.Unique
	return report
}

// Report loads the link ledger at path and summarizes it.
func Report(path string) (DedupReport, error) {
	links, err := ReadLinks(path)
	if err != nil {
		return DedupReport{}, err
	}
	return Summarize(links), nil
}
