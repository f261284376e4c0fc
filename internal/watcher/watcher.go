// Package watcher runs the capture pipeline for watched projects.
//
// Each watched project gets a filesystem watcher, a debounce queue, a
// delta recorder, and a session aggregator. Raw fsnotify events are
// queued per path and drained on a ticker, so editor write bursts
// collapse into one content read per file. Drained paths are diffed
// against the last known content and the resulting deltas feed the
// project's session.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keepsake-dev/keepsake/internal/delta"
	"github.com/keepsake-dev/keepsake/internal/ignore"
	"github.com/keepsake-dev/keepsake/internal/project"
	"github.com/keepsake-dev/keepsake/internal/session"
	"github.com/keepsake-dev/keepsake/internal/snapshot"
	"github.com/keepsake-dev/keepsake/internal/store"
)

// ErrNotWatched means the project has no active watch handle.
var ErrNotWatched = errors.New("project not watched")

// DefaultDebounce is how long a path must be quiet before its change is
// processed.
const DefaultDebounce = 100 * time.Millisecond

// Publisher receives capture notifications. Implemented by event.Hub.
type Publisher interface {
	PublishDelta(projectID, path string, d delta.Delta)
	PublishFlush(projectID, snapshot string, deltaCount, fileCount int)
}

// noopPublisher keeps the pipeline wiring unconditional.
type noopPublisher struct{}

func (noopPublisher) PublishDelta(string, string, delta.Delta) {}
func (noopPublisher) PublishFlush(string, string, int, int)    {}

// Config tunes the capture pipeline.
type Config struct {
	// Debounce is the quiet period before a changed path is read
	Debounce time.Duration

	// Policy sets the session flush thresholds
	Policy session.Policy

	Logger *slog.Logger
}

// Manager owns the watch handles for all projects.
type Manager struct {
	factory *store.Factory
	cfg     Config
	hub     Publisher
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager creates a watch manager. hub may be nil.
func NewManager(factory *store.Factory, hub Publisher, cfg Config) *Manager {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Policy == (session.Policy{}) {
		cfg.Policy = session.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if hub == nil {
		hub = noopPublisher{}
	}
	return &Manager{
		factory: factory,
		cfg:     cfg,
		hub:     hub,
		logger:  cfg.Logger,
		handles: make(map[string]*handle),
	}
}

// handle is the live pipeline for one watched project.
type handle struct {
	project  project.Project
	matcher  *ignore.Matcher
	recorder *delta.Recorder
	agg      *session.Aggregator
	reader   *snapshot.Reader
	fw       *fsnotify.Watcher
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	queueMu sync.Mutex
	queue   map[string]time.Time
}

// publishingFlusher wraps the snapshot writer so flush notifications
// fire exactly when a snapshot lands.
type publishingFlusher struct {
	writer *snapshot.Writer
	hub    Publisher
}

func (p *publishingFlusher) Flush(ctx context.Context, s *session.Session) (store.ID, error) {
	tip, err := p.writer.Flush(ctx, s)
	if err != nil {
		return "", err
	}
	p.hub.PublishFlush(s.ProjectID, string(tip), s.DeltaCount(), len(s.Deltas))
	return tip, nil
}

// Watch starts capturing a project. Watching an already watched project
// is a no-op.
func (m *Manager) Watch(ctx context.Context, p project.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handles[p.ID]; ok {
		return nil
	}

	if _, err := os.ReadDir(p.Path); err != nil {
		return fmt.Errorf("%w: %s: %v", project.ErrProjectUnreadable, p.Path, err)
	}

	s, err := m.factory.Create(p.ID, p.Path)
	if err != nil {
		return fmt.Errorf("open store for %s: %w", p.ID, err)
	}

	matcher := ignore.ForProject(p.Path)
	writer := snapshot.NewWriter(s, p.ID, p.Path, matcher, m.logger)
	reader := snapshot.NewReader(s, p.ID, m.logger)

	h := &handle{
		project:  p,
		matcher:  matcher,
		recorder: delta.NewRecorder(reader.Seed(context.Background())),
		reader:   reader,
		logger:   m.logger.With("project", p.ID),
		queue:    make(map[string]time.Time),
	}
	h.agg = session.NewAggregator(p.ID, m.cfg.Policy,
		&publishingFlusher{writer: writer, hub: m.hub}, writer.Tip, h.logger)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	h.fw = fw

	if err := h.addRecursive(p.Path); err != nil {
		fw.Close()
		return fmt.Errorf("%w: %s: %v", project.ErrProjectUnreadable, p.Path, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go m.run(runCtx, h)

	m.handles[p.ID] = h
	m.logger.Info("watching project", "project", p.ID, "path", p.Path)
	return nil
}

// Unwatch stops capturing a project, flushing any open session first.
// Unwatching an unknown project is a no-op.
func (m *Manager) Unwatch(ctx context.Context, projectID string) error {
	m.mu.Lock()
	h, ok := m.handles[projectID]
	if ok {
		delete(m.handles, projectID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.stopHandle(ctx, h)
}

func (m *Manager) stopHandle(ctx context.Context, h *handle) error {
	h.cancel()
	<-h.done
	_ = h.fw.Close()

	// Drain whatever was still queued, then flush the open session so
	// no captured edits are lost on stop.
	m.drain(ctx, h, true)
	err := h.agg.Flush(ctx)

	m.logger.Info("stopped watching project", "project", h.project.ID)
	return err
}

// Stop unwatches every project. Used on daemon shutdown.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for id, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := m.stopHandle(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsWatched reports whether a project has an active handle.
func (m *Manager) IsWatched(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[projectID]
	return ok
}

// WatchedIDs returns the ids of all watched projects.
func (m *Manager) WatchedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// ListDeltas returns the project's current delta log.
//
// While a session is open, that session's log is returned. After a
// flush the log starts empty again. If nothing has been captured since
// the watch began, the log stored with the latest snapshot is returned
// so history survives a daemon restart.
func (m *Manager) ListDeltas(ctx context.Context, projectID string) (map[string][]delta.Delta, error) {
	m.mu.Lock()
	h, ok := m.handles[projectID]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotWatched, projectID)
	}

	if log := h.agg.Log(); log != nil {
		return log, nil
	}
	if h.agg.Flushed() {
		return map[string][]delta.Delta{}, nil
	}

	stored, err := h.reader.StoredDeltaLog(ctx)
	if err != nil {
		return nil, err
	}
	return stored.Deltas, nil
}

// addRecursive watches root and every non-ignored directory below it.
// fsnotify watches are not recursive.
func (h *handle) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != "." && h.matcher.Match(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return h.fw.Add(path)
	})
}

// run is the per-project event loop: queue raw events, drain them after
// the debounce quiet period, and check flush thresholds.
func (m *Manager) run(ctx context.Context, h *handle) {
	defer close(h.done)

	ticker := time.NewTicker(m.cfg.Debounce)
	defer ticker.Stop()

	// Store writes are not severed by the loop's cancel signal: a flush
	// in flight when Unwatch fires runs to completion while Unwatch
	// waits on done.
	flushCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-h.fw.Events:
			if !ok {
				return
			}
			m.handleEvent(h, ev)

		case err, ok := <-h.fw.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", "error", err)

		case <-ticker.C:
			m.drain(flushCtx, h, false)
			if _, err := h.agg.MaybeFlush(flushCtx); err != nil {
				h.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// handleEvent queues a changed path, extending the watch into newly
// created directories.
func (m *Manager) handleEvent(h *handle, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	rel, err := filepath.Rel(h.project.Path, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || h.matcher.Match(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := h.addRecursive(ev.Name); err != nil {
				h.logger.Warn("failed to watch new directory", "path", rel, "error", err)
			}
			// Directory creation itself is not an edit; files inside
			// arrive as their own events.
			return
		}
	}

	h.queueMu.Lock()
	h.queue[rel] = time.Now()
	h.queueMu.Unlock()
}

// drain processes queued paths whose quiet period has elapsed. With
// force set every queued path is processed regardless of age.
func (m *Manager) drain(ctx context.Context, h *handle, force bool) {
	h.queueMu.Lock()
	now := time.Now()
	var ready []string
	for rel, queuedAt := range h.queue {
		if !force && now.Sub(queuedAt) < m.cfg.Debounce {
			continue
		}
		ready = append(ready, rel)
		delete(h.queue, rel)
	}
	h.queueMu.Unlock()

	for _, rel := range ready {
		m.processPath(ctx, h, rel)
	}
}

// processPath reads a path's current content and records the delta. A
// missing file records as empty content, which yields a full deletion
// delta for files that had content.
func (m *Manager) processPath(ctx context.Context, h *handle, rel string) {
	abs := filepath.Join(h.project.Path, filepath.FromSlash(rel))

	var content string
	info, err := os.Stat(abs)
	switch {
	case err == nil && info.IsDir():
		return
	case err == nil:
		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			// Unreadable content records as a deletion; a later
			// successful read restores it.
			h.logger.Warn("failed to read changed file", "path", rel, "error", readErr)
			break
		}
		content = string(data)
	case os.IsNotExist(err):
		content = ""
	default:
		h.logger.Warn("failed to stat changed file", "path", rel, "error", err)
		return
	}

	d, changed, err := h.recorder.Record(rel, content)
	if err != nil {
		h.logger.Warn("failed to record delta", "path", rel, "error", err)
		return
	}
	if !changed {
		return
	}

	if err := h.agg.Append(ctx, rel, d); err != nil {
		h.logger.Error("failed to append delta", "path", rel, "error", err)
		return
	}
	m.hub.PublishDelta(h.project.ID, rel, d)
}

// Flush forces a snapshot of the project's open session.
func (m *Manager) Flush(ctx context.Context, projectID string) error {
	m.mu.Lock()
	h, ok := m.handles[projectID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, projectID)
	}

	m.drain(ctx, h, true)
	return h.agg.Flush(ctx)
}
