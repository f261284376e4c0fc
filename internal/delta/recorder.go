package delta

import (
	"fmt"
	"sync"
	"time"
)

// SeedFunc supplies the baseline content for a path the recorder has not
// observed yet, normally by resolving the path against the project's
// latest snapshot tree. The second return is false when the path does not
// exist in the snapshot (a new file diffs against empty content).
type SeedFunc func(path string) (string, bool, error)

// Recorder turns successive observations of a file's content into Deltas.
//
// It keeps the last observed content per path so each observation diffs
// against what was actually seen before, not against what is on disk now.
// The cache seeds lazily from the latest snapshot via the SeedFunc, so the
// first delta after a restart is relative to persisted history.
//
// Safe for concurrent use, though in practice a recorder is driven by a
// single watcher task.
type Recorder struct {
	mu   sync.Mutex
	seed SeedFunc

	// contents is the last observed content per relative path
	contents map[string]string

	// last is the previous delta timestamp per path, used to keep
	// timestamps strictly increasing even on coarse clocks
	last map[string]time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewRecorder creates a recorder seeding unseen paths through seed.
// A nil seed treats every path as previously empty.
func NewRecorder(seed SeedFunc) *Recorder {
	if seed == nil {
		seed = func(string) (string, bool, error) { return "", false, nil }
	}
	return &Recorder{
		seed:     seed,
		contents: make(map[string]string),
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Record observes the current content of path and returns the delta
// transforming the last observed content into it. The second return is
// false when the content is unchanged and no delta was produced.
//
// A deleted file is recorded by observing empty content; a previously
// non-empty file then yields a single Delete{0, len(old)} operation.
func (r *Recorder) Record(path, content string) (Delta, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.contents[path]
	if !ok {
		seeded, found, err := r.seed(path)
		if err != nil {
			return Delta{}, false, fmt.Errorf("seed %s: %w", path, err)
		}
		if found {
			old = seeded
		}
	}

	ops := Diff(old, content)
	r.contents[path] = content
	if len(ops) == 0 {
		return Delta{}, false, nil
	}

	ts := r.now().UTC().Truncate(time.Millisecond)
	if prev, ok := r.last[path]; ok && !ts.After(prev) {
		ts = prev.Add(time.Millisecond)
	}
	r.last[path] = ts

	return Delta{Timestamp: ts, Operations: ops}, true, nil
}

// Last returns the last observed content for path, if any. Used by the
// read path to serve "current" content for files edited since the last
// flush.
func (r *Recorder) Last(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.contents[path]
	return content, ok
}
