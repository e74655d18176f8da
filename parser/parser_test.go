package parser

import (
	"reflect"
	"testing"
)

const testPattern = `href="(https:\/\/[w]{3}\.justice\.gov\/epstein\/files\/DataSet[^"]+)"`

func TestExtract(t *testing.T) {
	ex, err := NewExtractor(testPattern)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	tests := []struct {
		name     string
		body     string
		expected []string
	}{
		{
			name:     "no matches",
			body:     "<html><body><a href=\"/about\">About</a></body></html>",
			expected: []string{},
		},
		{
			name:     "empty body",
			body:     "",
			expected: []string{},
		},
		{
			name: "document order with duplicates",
			body: `<a href="https://www.justice.gov/epstein/files/DataSet%201/B.pdf">b</a>
<a href="https://www.justice.gov/epstein/files/DataSet%201/A.pdf">a</a>
<a href="https://www.justice.gov/other/files/C.pdf">c</a>
<a href="https://www.justice.gov/epstein/files/DataSet%201/B.pdf">b again</a>`,
			expected: []string{
				"https://www.justice.gov/epstein/files/DataSet%201/B.pdf",
				"https://www.justice.gov/epstein/files/DataSet%201/A.pdf",
				"https://www.justice.gov/epstein/files/DataSet%201/B.pdf",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ex.Extract(tt.body)
			if got == nil {
				t.Fatalf("Extract returned nil slice")
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Extract() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNewExtractorRejectsBadPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{name: "does not compile", pattern: `(unclosed`},
		{name: "no group", pattern: `href="[^"]+"`},
		{name: "two groups", pattern: `(a)(b)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewExtractor(tt.pattern); err == nil {
				t.Errorf("NewExtractor(%q) expected error", tt.pattern)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := []string{"http://x/a.pdf", "http://x/b.pdf"}
	same := []string{"http://x/a.pdf", "http://x/b.pdf"}
	swapped := []string{"http://x/b.pdf", "http://x/a.pdf"}

	if Fingerprint(a) != Fingerprint(same) {
		t.Errorf("equal sequences should share a fingerprint")
	}
	if Fingerprint(a) == Fingerprint(swapped) {
		t.Errorf("order should change the fingerprint")
	}
	if Fingerprint(nil) != Fingerprint([]string{}) {
		t.Errorf("nil and empty sequences should match")
	}
	if got := len(Fingerprint(a)); got != 64 {
		t.Errorf("fingerprint length = %d, want 64", got)
	}
}
