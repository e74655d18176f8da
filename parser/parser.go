// Package parser extracts file links from listing pages.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Extractor pulls links out of page bodies with a single-group pattern.
type Extractor struct {
	re *regexp.Regexp
}

// NewExtractor compiles pattern, which must have exactly one capture group.
func NewExtractor(pattern string) (*Extractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("pattern must have exactly one capture group, has %d", re.NumSubexp())
	}
	return &Extractor{re: re}, nil
}

// Extract returns the captured strings in document order. Duplicates are
// kept. A body without matches yields an empty, non-nil slice.
func (e *Extractor) Extract(body string) []string {
	matches := e.re.FindAllStringSubmatch(body, -1)
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		links = append(links, m[1])
	}
	return links
}

// Fingerprint returns a stable digest of a link sequence. Equal sequences
// share a fingerprint; order matters.
func Fingerprint(links []string) string {
	sum := sha256.Sum256([]byte(strings.Join(links, "\n")))
	return hex.EncodeToString(sum[:])
}
