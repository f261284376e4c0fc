package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keepsake-dev/keepsake/internal/delta"
	"github.com/keepsake-dev/keepsake/internal/store"
)

// Flush retry behavior. A failed flush keeps the session so no captured
// deltas are lost; retries back off linearly.
const (
	flushAttempts = 3
	flushBackoff  = 100 * time.Millisecond
)

// Policy decides when an open session should be flushed.
type Policy struct {
	// Inactivity flushes after this long without a new delta
	Inactivity time.Duration

	// MaxDeltas flushes once the session holds this many deltas
	MaxDeltas int

	// MaxAge flushes once the session has been open this long
	MaxAge time.Duration
}

// DefaultPolicy returns the standard flush thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Inactivity: 30 * time.Second,
		MaxDeltas:  1000,
		MaxAge:     10 * time.Minute,
	}
}

// Flusher persists a session as a snapshot and returns the new tip.
// Implemented by snapshot.Writer.
type Flusher interface {
	Flush(ctx context.Context, s *Session) (store.ID, error)
}

// TipFunc returns the project's current snapshot tip, zero when the
// project has no snapshots yet.
type TipFunc func(ctx context.Context) (store.ID, error)

// Aggregator owns the open session for one project.
type Aggregator struct {
	projectID string
	policy    Policy
	flusher   Flusher
	tip       TipFunc
	logger    *slog.Logger

	// mu is held across the entire flush, so readers see either the
	// pre-flush or post-flush state, never a mix
	mu         sync.Mutex
	open       *Session
	lastAppend time.Time
	flushed    bool

	now func() time.Time
}

// NewAggregator creates an aggregator for one project.
func NewAggregator(projectID string, policy Policy, flusher Flusher, tip TipFunc, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		projectID: projectID,
		policy:    policy,
		flusher:   flusher,
		tip:       tip,
		logger:    logger,
		now:       time.Now,
	}
}

// Append records a delta for a file, opening a session if none is open.
func (a *Aggregator) Append(ctx context.Context, path string, d delta.Delta) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open == nil {
		parent, err := a.tip(ctx)
		if err != nil {
			return fmt.Errorf("resolve snapshot tip: %w", err)
		}
		a.open = &Session{
			ProjectID:      a.projectID,
			StartedAt:      a.now().UTC(),
			ParentSnapshot: parent,
			Deltas:         make(map[string][]delta.Delta),
		}
		a.logger.Debug("session opened",
			"project", a.projectID,
			"parent", string(parent))
	}

	a.open.Deltas[path] = append(a.open.Deltas[path], d)
	a.lastAppend = a.now()
	return nil
}

// Log returns a deep copy of the open session's deltas, or nil when no
// session is open.
func (a *Aggregator) Log() map[string][]delta.Delta {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open == nil {
		return nil
	}
	return CopyDeltas(a.open.Deltas)
}

// Flushed reports whether any session has been flushed since the
// aggregator was created.
func (a *Aggregator) Flushed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushed
}

// shouldFlush must be called with the lock held.
func (a *Aggregator) shouldFlush(now time.Time) bool {
	if a.open == nil || a.open.DeltaCount() == 0 {
		return false
	}
	if a.policy.MaxDeltas > 0 && a.open.DeltaCount() >= a.policy.MaxDeltas {
		return true
	}
	if a.policy.Inactivity > 0 && now.Sub(a.lastAppend) >= a.policy.Inactivity {
		return true
	}
	if a.policy.MaxAge > 0 && now.Sub(a.open.StartedAt) >= a.policy.MaxAge {
		return true
	}
	return false
}

// MaybeFlush flushes if any policy threshold has tripped. Returns
// whether a flush ran and its error.
func (a *Aggregator) MaybeFlush(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.shouldFlush(a.now()) {
		return false, nil
	}
	return true, a.flushLocked(ctx)
}

// Flush unconditionally persists the open session. Flushing with no
// open session or an empty one is a no-op: no empty snapshots.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

// flushLocked must be called with the lock held. The lock stays held
// for the duration of the store writes, which guarantees session N's
// flush completes before session N+1 can open.
func (a *Aggregator) flushLocked(ctx context.Context) error {
	if a.open == nil || a.open.DeltaCount() == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		tip, err := a.flusher.Flush(ctx, a.open)
		if err == nil {
			a.logger.Info("session flushed",
				"project", a.projectID,
				"snapshot", string(tip),
				"deltas", a.open.DeltaCount(),
				"files", len(a.open.Deltas))
			a.open = nil
			a.flushed = true
			return nil
		}

		lastErr = err
		if store.IsFatal(err) {
			break
		}
		a.logger.Warn("flush attempt failed",
			"project", a.projectID,
			"attempt", attempt,
			"error", err)

		if attempt < flushAttempts {
			select {
			case <-time.After(time.Duration(attempt) * flushBackoff):
			case <-ctx.Done():
				return fmt.Errorf("flush canceled: %w", ctx.Err())
			}
		}
	}

	// The session is retained; the next flush trigger retries with the
	// accumulated deltas intact.
	return fmt.Errorf("flush failed after %d attempts: %w", flushAttempts, lastErr)
}
