// Package app wires the registry, stores, watcher, and event hub into
// the operations the CLI and HTTP API expose.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/keepsake-dev/keepsake/internal/delta"
	"github.com/keepsake-dev/keepsake/internal/ignore"
	"github.com/keepsake-dev/keepsake/internal/project"
	"github.com/keepsake-dev/keepsake/internal/snapshot"
	"github.com/keepsake-dev/keepsake/internal/store"
	"github.com/keepsake-dev/keepsake/internal/watcher"
)

// Publisher is the subset of the event hub the app needs.
type Publisher interface {
	PublishProjectAdded(projectID, path string)
	PublishProjectRemoved(projectID string)
}

type noopPublisher struct{}

func (noopPublisher) PublishProjectAdded(string, string) {}
func (noopPublisher) PublishProjectRemoved(string)       {}

// App is the façade over the whole engine.
type App struct {
	registry *project.Registry
	factory  *store.Factory
	watcher  *watcher.Manager
	hub      Publisher
	logger   *slog.Logger
}

// New assembles the app. hub may be nil.
func New(registry *project.Registry, factory *store.Factory, w *watcher.Manager, hub Publisher, logger *slog.Logger) *App {
	if hub == nil {
		hub = noopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		registry: registry,
		factory:  factory,
		watcher:  w,
		hub:      hub,
		logger:   logger,
	}
}

// AddProject registers a directory and starts watching it. Registration
// rolls back if the watch cannot start.
func (a *App) AddProject(ctx context.Context, path string) (project.Project, error) {
	p, err := a.registry.Add(ctx, path)
	if err != nil {
		return project.Project{}, err
	}

	if err := a.watcher.Watch(ctx, p); err != nil {
		if rbErr := a.registry.Remove(ctx, p.ID); rbErr != nil {
			a.logger.Error("failed to roll back registration", "project", p.ID, "error", rbErr)
		}
		return project.Project{}, fmt.Errorf("start watching %s: %w", path, err)
	}

	a.hub.PublishProjectAdded(p.ID, p.Path)
	a.logger.Info("project added", "project", p.ID, "path", p.Path)
	return p, nil
}

// RemoveProject stops tracking a project. Snapshot data stays in the
// store; only registration and watching end.
func (a *App) RemoveProject(ctx context.Context, id string) error {
	if _, err := a.registry.Get(ctx, id); err != nil {
		return err
	}

	if err := a.watcher.Unwatch(ctx, id); err != nil {
		a.logger.Warn("final flush on remove failed", "project", id, "error", err)
	}
	if err := a.registry.Remove(ctx, id); err != nil {
		return err
	}
	if err := a.factory.Evict(id); err != nil {
		a.logger.Warn("failed to close project store", "project", id, "error", err)
	}

	a.hub.PublishProjectRemoved(id)
	a.logger.Info("project removed", "project", id)
	return nil
}

// ListProjects returns all registered projects.
func (a *App) ListProjects(ctx context.Context) ([]project.Project, error) {
	return a.registry.List(ctx)
}

// GetProject returns one registered project.
func (a *App) GetProject(ctx context.Context, id string) (project.Project, error) {
	return a.registry.Get(ctx, id)
}

// WatchProject starts capturing an already registered project.
func (a *App) WatchProject(ctx context.Context, id string) error {
	p, err := a.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	return a.watcher.Watch(ctx, p)
}

// UnwatchProject stops capturing a project, flushing first. The project
// stays registered.
func (a *App) UnwatchProject(ctx context.Context, id string) error {
	if _, err := a.registry.Get(ctx, id); err != nil {
		return err
	}
	return a.watcher.Unwatch(ctx, id)
}

// WatchAll starts watching every registered project. Projects whose
// directories have gone away are logged and skipped so one broken path
// cannot keep the rest offline.
func (a *App) WatchAll(ctx context.Context) error {
	projects, err := a.registry.List(ctx)
	if err != nil {
		return err
	}

	for _, p := range projects {
		if err := a.watcher.Watch(ctx, p); err != nil {
			a.logger.Warn("failed to watch registered project",
				"project", p.ID, "path", p.Path, "error", err)
		}
	}
	return nil
}

// IsWatched reports whether a project is being captured.
func (a *App) IsWatched(id string) bool {
	return a.watcher.IsWatched(id)
}

// reader builds a snapshot reader for a registered project.
func (a *App) reader(ctx context.Context, id string) (*snapshot.Reader, project.Project, error) {
	p, err := a.registry.Get(ctx, id)
	if err != nil {
		return nil, project.Project{}, err
	}
	s, err := a.factory.Create(p.ID, p.Path)
	if err != nil {
		return nil, project.Project{}, err
	}
	return snapshot.NewReader(s, p.ID, a.logger), p, nil
}

// ListFiles returns a project's tracked files: the latest snapshot's
// paths intersected with the live directory listing, so files deleted
// or newly ignored since the last flush drop out. Before the first
// flush the live listing alone is returned.
func (a *App) ListFiles(ctx context.Context, id string) ([]string, error) {
	r, p, err := a.reader(ctx, id)
	if err != nil {
		return nil, err
	}

	live, err := ignore.ListFiles(p.Path, ignore.ForProject(p.Path))
	if err != nil {
		return nil, err
	}

	entries, err := r.ListTree(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshots) {
		return live, nil
	}
	if err != nil {
		return nil, err
	}

	onDisk := make(map[string]struct{}, len(live))
	for _, f := range live {
		onDisk[f] = struct{}{}
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := onDisk[e.Path]; ok {
			paths = append(paths, e.Path)
		}
	}
	return paths, nil
}

// ReadFile returns one file's content from the latest snapshot.
func (a *App) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	r, _, err := a.reader(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.ResolvePath(ctx, path)
}

// ListDeltas returns the project's current delta log. Watched projects
// answer from the live session; unwatched ones from the log stored with
// the latest snapshot.
func (a *App) ListDeltas(ctx context.Context, id string) (map[string][]delta.Delta, error) {
	if a.watcher.IsWatched(id) {
		log, err := a.watcher.ListDeltas(ctx, id)
		if err == nil {
			return log, nil
		}
		if !errors.Is(err, watcher.ErrNotWatched) {
			return nil, err
		}
		// The handle went away between the check and the call; fall
		// through to the stored log.
	}

	r, _, err := a.reader(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := r.StoredDeltaLog(ctx)
	if err != nil {
		return nil, err
	}
	return stored.Deltas, nil
}

// Flush forces a snapshot of a watched project's open session.
func (a *App) Flush(ctx context.Context, id string) error {
	if _, err := a.registry.Get(ctx, id); err != nil {
		return err
	}
	return a.watcher.Flush(ctx, id)
}

// Snapshots returns up to limit snapshot entries, newest first.
func (a *App) Snapshots(ctx context.Context, id string, limit int) ([]snapshot.Entry, error) {
	r, _, err := a.reader(ctx, id)
	if err != nil {
		return nil, err
	}
	chain, err := r.Chain(ctx, limit)
	if errors.Is(err, snapshot.ErrNoSnapshots) {
		return nil, nil
	}
	return chain, err
}

// Close stops watching everything and releases stores and the registry.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if err := a.watcher.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.factory.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
