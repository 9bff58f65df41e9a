// Package scanner enumerates regular files under a shared root.
package scanner

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/rstream/rstream/internal/logging"
)

// Scanner walks a root directory and tracks the file set across scans.
// Entries whose basename starts with a dot are skipped; symlinks are
// followed. Include and exclude regexes apply to basenames.
type Scanner struct {
	root    string
	include *regexp.Regexp
	exclude *regexp.Regexp

	prev map[string]struct{}
	cur  map[string]struct{}
}

// New creates a scanner. include may not be nil; exclude may be nil.
func New(root string, include, exclude *regexp.Regexp) *Scanner {
	return &Scanner{
		root:    root,
		include: include,
		exclude: exclude,
		prev:    make(map[string]struct{}),
		cur:     make(map[string]struct{}),
	}
}

// Root returns the scanned root directory.
func (s *Scanner) Root() string {
	return s.root
}

// Scan walks the tree and replaces the current file set. Unreadable
// directories are skipped, not fatal.
func (s *Scanner) Scan() error {
	next := make(map[string]struct{})
	if err := s.walk(s.root, next, 0); err != nil {
		return err
	}
	s.prev = s.cur
	s.cur = next
	return nil
}

const maxDepth = 64 // symlink loop guard

func (s *Scanner) walk(dir string, out map[string]struct{}, depth int) error {
	if depth > maxDepth {
		logging.Warn("scan depth limit reached", zap.String("dir", dir))
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if dir == s.root {
			return err
		}
		logging.Debug("skipping unreadable directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)
		// Stat (not Lstat) so symlinks are followed.
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			if err := s.walk(full, out, depth+1); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if !s.include.MatchString(name) {
				continue
			}
			if s.exclude != nil && s.exclude.MatchString(name) {
				continue
			}
			out[full] = struct{}{}
		}
	}
	return nil
}

// Present returns the files seen by the most recent scan.
func (s *Scanner) Present() map[string]struct{} {
	return s.cur
}

// Added returns files present now that were absent in the previous scan.
func (s *Scanner) Added() []string {
	var out []string
	for p := range s.cur {
		if _, ok := s.prev[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Removed returns files absent now that were present in the previous scan.
func (s *Scanner) Removed() []string {
	var out []string
	for p := range s.prev {
		if _, ok := s.cur[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
