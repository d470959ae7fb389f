package sync

import (
	"path/filepath"
	"strings"
)

// DefaultIgnore lists the patterns that are never backed up: the client's own
// state database and sqlite journals.
var DefaultIgnore = []string{"bsync.state.db", "*.db-journal", "*.db-wal"}

// Ignorer decides whether a path is excluded from backup.
//
// A pattern containing a path separator is treated as an absolute path and
// excludes that path and everything below it. Any other pattern is matched
// against the base name with filepath.Match.
type Ignorer struct {
	names []string
	trees []string
}

// NewIgnorer builds an Ignorer from glob patterns. Invalid globs are dropped.
func NewIgnorer(patterns []string) *Ignorer {
	ig := &Ignorer{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.ContainsRune(p, filepath.Separator) || strings.Contains(p, "/") {
			ig.trees = append(ig.trees, filepath.Clean(filepath.FromSlash(p)))
			continue
		}
		if _, err := filepath.Match(p, ""); err != nil {
			continue
		}
		ig.names = append(ig.names, p)
	}
	return ig
}

// Ignored reports whether path should be skipped.
func (ig *Ignorer) Ignored(path string) bool {
	if ig == nil {
		return false
	}
	base := filepath.Base(path)
	for _, p := range ig.names {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	for _, tree := range ig.trees {
		rel, err := filepath.Rel(tree, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		return true
	}
	return false
}
