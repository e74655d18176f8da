package ledger

import (
	"path/filepath"
	"strings"
)

// FolderKey renders folder as a status ledger key. When base is set and
// folder lies under it, the key is relative to base in slash form;
// otherwise it is the cleaned folder path in slash form.
func FolderKey(base, folder string) string {
	folder = filepath.Clean(folder)
	if base != "" {
		if rel, err := filepath.Rel(filepath.Clean(base), folder); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(folder)
}

// ResolveFolder maps a key written by FolderKey back to a directory.
func ResolveFolder(base, key string) string {
	dir := filepath.FromSlash(key)
	if base == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}
