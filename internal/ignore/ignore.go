// Package ignore evaluates which paths inside a project are tracked.
//
// The same matcher is used by the file lister, the snapshot tree builder,
// and the watcher, so a path that is invisible to one is invisible to all
// of them. The internal metadata namespace and VCS directories are always
// ignored; projects can extend the set through their .gitignore.
package ignore

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MetaDir is the internal metadata namespace. Paths under it never
// generate deltas and never appear in listings, even though the snapshot
// writer mounts the serialized session log there inside committed trees.
const MetaDir = ".keepsake"

// defaultPatterns are always ignored, matching any path segment.
var defaultPatterns = []string{
	MetaDir,
	".git",
	".jj",
	".hg",
	".svn",
	".idea",
	".DS_Store",
	"node_modules",
	"__pycache__",
	"*.swp",
	"*.swx",
	"*.tmp",
	"*~",
}

// Matcher decides whether a relative path is ignored.
type Matcher struct {
	patterns []string
}

// New creates a matcher with the default patterns plus any extras.
func New(extra ...string) *Matcher {
	patterns := make([]string, 0, len(defaultPatterns)+len(extra))
	patterns = append(patterns, defaultPatterns...)
	patterns = append(patterns, extra...)
	return &Matcher{patterns: patterns}
}

// ForProject creates a matcher for the project rooted at path, folding in
// patterns from the project's top-level .gitignore so externally-ignored
// paths never produce deltas. A missing or unreadable .gitignore is not
// an error.
func ForProject(root string, extra ...string) *Matcher {
	m := New(extra...)
	m.patterns = append(m.patterns, readGitignore(filepath.Join(root, ".gitignore"))...)
	return m
}

// readGitignore reads simple ignore patterns from a .gitignore file.
// Comments, blank lines, and negations are skipped; directory markers and
// leading slashes are trimmed so entries match as path segments.
func readGitignore(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		line = strings.TrimSuffix(line, "/")
		line = strings.TrimPrefix(line, "/")
		if line != "" {
			patterns = append(patterns, line)
		}
	}
	return patterns
}

// Match reports whether the slash-separated relative path is ignored.
// A path is ignored when any of its segments matches any pattern, either
// literally or as a glob.
func (m *Matcher) Match(relpath string) bool {
	relpath = filepath.ToSlash(relpath)
	for _, segment := range strings.Split(relpath, "/") {
		for _, pattern := range m.patterns {
			if segment == pattern {
				return true
			}
			if ok, _ := filepath.Match(pattern, segment); ok {
				return true
			}
		}
	}
	return false
}

// ListFiles walks root and returns the sorted, slash-separated relative
// paths of all non-ignored regular files. Unreadable subtrees are skipped
// rather than failing the listing.
func ListFiles(root string, m *Matcher) ([]string, error) {
	if m == nil {
		m = New()
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if m.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
