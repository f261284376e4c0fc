// Package snapshot persists sessions as commits in a project's object
// store and reads them back.
//
// Each flush commits the full working tree plus the session's delta log
// at a well-known path inside the tree. Snapshots form a linear chain
// per project under one ref, advanced with compare-and-swap.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/keepsake-dev/keepsake/internal/ignore"
	"github.com/keepsake-dev/keepsake/internal/session"
	"github.com/keepsake-dev/keepsake/internal/store"
)

// DeltaLogPath is where the session's delta log lives inside each
// snapshot tree. The directory is ignored by the watcher, so it never
// collides with project files.
const DeltaLogPath = ignore.MetaDir + "/session.json"

// casAttempts bounds how often a flush re-reads the tip after losing a
// compare-and-swap race.
const casAttempts = 5

// RefName returns the snapshot ref for a project.
func RefName(projectID string) string {
	return "keepsake/" + projectID
}

// Writer flushes sessions into a project's store.
type Writer struct {
	store     store.Store
	projectID string

	// root is the project directory the tree is built from
	root string

	matcher *ignore.Matcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewWriter creates a writer for one project.
func NewWriter(s store.Store, projectID, root string, matcher *ignore.Matcher, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     s,
		projectID: projectID,
		root:      root,
		matcher:   matcher,
		logger:    logger,
		now:       time.Now,
	}
}

// Tip returns the project's current snapshot tip, zero when none
// exists. Satisfies session.TipFunc.
func (w *Writer) Tip(ctx context.Context) (store.ID, error) {
	id, err := w.store.Ref(ctx, RefName(w.projectID))
	if errors.Is(err, store.ErrRefNotFound) {
		return "", nil
	}
	return id, err
}

// Flush commits the current working tree plus the session's delta log
// and advances the snapshot ref. Satisfies session.Flusher.
func (w *Writer) Flush(ctx context.Context, s *session.Session) (store.ID, error) {
	tree, err := w.buildTree(ctx, s)
	if err != nil {
		return "", err
	}

	message := fmt.Sprintf("keepsake: %d deltas across %d files", s.DeltaCount(), len(s.Deltas))

	// The tree and commit objects are content-addressed, so losing a
	// CAS race only costs a re-read of the tip and a new commit object.
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		tip, err := w.Tip(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve tip: %w", err)
		}

		commit, err := w.store.PutCommit(ctx, store.Commit{
			Tree:    tree,
			Parent:  tip,
			Message: message,
			Time:    w.now().UTC(),
		})
		if err != nil {
			return "", fmt.Errorf("write commit: %w", err)
		}

		err = w.store.UpdateRef(ctx, RefName(w.projectID), tip, commit)
		if err == nil {
			return commit, nil
		}
		if !errors.Is(err, store.ErrRefConflict) {
			return "", fmt.Errorf("advance ref: %w", err)
		}
		lastErr = err
		w.logger.Debug("snapshot ref moved underneath flush, retrying",
			"project", w.projectID, "attempt", attempt+1)
	}
	return "", fmt.Errorf("advance ref after %d attempts: %w", casAttempts, lastErr)
}

// buildTree snapshots the project directory, appending the delta log
// entry at DeltaLogPath.
func (w *Writer) buildTree(ctx context.Context, s *session.Session) (store.ID, error) {
	paths, err := ignore.ListFiles(w.root, w.matcher)
	if err != nil {
		return "", fmt.Errorf("list project files: %w", err)
	}

	entries := make([]store.TreeEntry, 0, len(paths)+1)
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(rel)))
		if err != nil {
			// Files can vanish between listing and reading; the next
			// flush will reflect the deletion.
			if os.IsNotExist(err) {
				w.logger.Debug("file vanished during flush", "project", w.projectID, "path", rel)
				continue
			}
			return "", fmt.Errorf("read %s: %w", rel, err)
		}

		blob, err := w.store.PutBlob(ctx, data)
		if err != nil {
			return "", fmt.Errorf("store blob for %s: %w", rel, err)
		}
		entries = append(entries, store.TreeEntry{Path: rel, Blob: blob})
	}

	logData, err := session.EncodeLog(s)
	if err != nil {
		return "", err
	}
	logBlob, err := w.store.PutBlob(ctx, logData)
	if err != nil {
		return "", fmt.Errorf("store delta log: %w", err)
	}
	entries = append(entries, store.TreeEntry{Path: DeltaLogPath, Blob: logBlob})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	tree, err := w.store.PutTree(ctx, entries)
	if err != nil {
		return "", fmt.Errorf("store tree: %w", err)
	}
	return tree, nil
}
