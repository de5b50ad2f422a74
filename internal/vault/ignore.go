package vault

import (
	"path"
	"path/filepath"
	"strings"
)

// Ignorer decides which paths are excluded from sync. Built-in rules
// cover VCS metadata, editor droppings, and hidden files; user globs
// from the vault options file are matched against the full relative path
// and against each path segment.
type Ignorer struct {
	globs []string
}

// NewIgnorer creates an ignorer with the given extra glob patterns.
// Invalid patterns are kept; path.Match reports them as non-matches.
func NewIgnorer(globs []string) *Ignorer {
	return &Ignorer{globs: globs}
}

// Match reports whether the relative path should be excluded.
func (ig *Ignorer) Match(relPath string) bool {
	base := filepath.Base(relPath)

	// Hidden files and directories at any level, including the vault
	// options file itself.
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}
	if base == "node_modules" {
		return true
	}

	for _, g := range ig.globs {
		if ok, _ := path.Match(g, relPath); ok {
			return true
		}
		if ok, _ := path.Match(g, base); ok {
			return true
		}
	}

	return false
}
