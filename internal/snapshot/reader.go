package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/keepsake-dev/keepsake/internal/delta"
	"github.com/keepsake-dev/keepsake/internal/ignore"
	"github.com/keepsake-dev/keepsake/internal/session"
	"github.com/keepsake-dev/keepsake/internal/store"
)

// ErrNoSnapshots means the project has never been flushed.
var ErrNoSnapshots = errors.New("no snapshots")

// ErrPathNotInSnapshot means the latest snapshot has no entry for the
// requested path.
var ErrPathNotInSnapshot = errors.New("path not in snapshot")

// Reader answers queries against a project's latest snapshot.
type Reader struct {
	store     store.Store
	projectID string
	logger    *slog.Logger
}

// NewReader creates a reader for one project.
func NewReader(s store.Store, projectID string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: s, projectID: projectID, logger: logger}
}

// Latest returns the tip commit. Returns ErrNoSnapshots when the
// project has never been flushed.
func (r *Reader) Latest(ctx context.Context) (store.ID, store.Commit, error) {
	tip, err := r.store.Ref(ctx, RefName(r.projectID))
	if errors.Is(err, store.ErrRefNotFound) {
		return "", store.Commit{}, fmt.Errorf("%w: project %s", ErrNoSnapshots, r.projectID)
	}
	if err != nil {
		return "", store.Commit{}, err
	}

	commit, err := r.store.GetCommit(ctx, tip)
	if err != nil {
		return "", store.Commit{}, fmt.Errorf("load tip commit %s: %w", tip, err)
	}
	return tip, commit, nil
}

// ListTree returns the latest snapshot's file entries, excluding the
// internal metadata directory.
func (r *Reader) ListTree(ctx context.Context) ([]store.TreeEntry, error) {
	_, commit, err := r.Latest(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := r.store.GetTree(ctx, commit.Tree)
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", commit.Tree, err)
	}

	filtered := entries[:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Path, ignore.MetaDir+"/") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

// ResolvePath returns the content of one file from the latest snapshot.
func (r *Reader) ResolvePath(ctx context.Context, path string) ([]byte, error) {
	_, commit, err := r.Latest(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := r.store.GetTree(ctx, commit.Tree)
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", commit.Tree, err)
	}

	for _, e := range entries {
		if e.Path == path {
			return r.store.GetBlob(ctx, e.Blob)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPathNotInSnapshot, path)
}

// StoredDeltaLog returns the delta log committed with the latest
// snapshot. A missing snapshot or a log that fails to decode yields an
// empty session rather than an error; captured history is best-effort
// on the read side.
func (r *Reader) StoredDeltaLog(ctx context.Context) (*session.Session, error) {
	empty := &session.Session{
		ProjectID: r.projectID,
		Deltas:    map[string][]delta.Delta{},
	}

	data, err := r.ResolvePath(ctx, DeltaLogPath)
	if errors.Is(err, ErrNoSnapshots) || errors.Is(err, ErrPathNotInSnapshot) {
		return empty, nil
	}
	if err != nil {
		return nil, err
	}

	s, err := session.DecodeLog(data)
	if errors.Is(err, session.ErrMalformedDeltaLog) {
		r.logger.Warn("stored delta log is malformed, treating as empty",
			"project", r.projectID, "error", err)
		return empty, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Seed returns a delta.SeedFunc that baselines file content from the
// latest snapshot, so the first delta after a restart is relative to
// persisted state instead of treating the whole file as new.
func (r *Reader) Seed(ctx context.Context) delta.SeedFunc {
	return func(path string) (string, bool, error) {
		data, err := r.ResolvePath(ctx, path)
		if errors.Is(err, ErrNoSnapshots) || errors.Is(err, ErrPathNotInSnapshot) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	}
}

// Chain walks the snapshot chain from the tip backwards, returning up
// to limit commits (all of them when limit <= 0). Newest first.
func (r *Reader) Chain(ctx context.Context, limit int) ([]Entry, error) {
	id, commit, err := r.Latest(ctx)
	if err != nil {
		return nil, err
	}

	var chain []Entry
	for {
		chain = append(chain, Entry{ID: id, Commit: commit})
		if limit > 0 && len(chain) >= limit {
			break
		}
		if commit.Parent.IsZero() {
			break
		}
		id = commit.Parent
		commit, err = r.store.GetCommit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load commit %s: %w", id, err)
		}
	}
	return chain, nil
}

// Entry pairs a commit with its address for chain listings.
type Entry struct {
	ID     store.ID     `json:"id"`
	Commit store.Commit `json:"commit"`
}
