// Package session groups captured deltas into flushable units.
//
// A session opens on the first delta after the previous flush and
// accumulates per-file delta lists until a flush policy trips. The
// aggregator owns the open session and serializes appends, reads, and
// flushes behind one lock, so readers never observe a half-flushed
// state.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keepsake-dev/keepsake/internal/delta"
	"github.com/keepsake-dev/keepsake/internal/store"
)

// ErrMalformedDeltaLog means a stored delta log failed to decode.
// Readers degrade to an empty log rather than failing the operation.
var ErrMalformedDeltaLog = errors.New("malformed delta log")

// Session is one open or flushed unit of captured edits.
type Session struct {
	// ProjectID identifies the project the session belongs to
	ProjectID string

	// StartedAt is when the first delta of the session arrived
	StartedAt time.Time

	// ParentSnapshot is the snapshot tip when the session opened,
	// zero when the project has no snapshots yet
	ParentSnapshot store.ID

	// Deltas maps slash-relative file paths to their ordered deltas
	Deltas map[string][]delta.Delta
}

// DeltaCount returns the total number of deltas across all files.
func (s *Session) DeltaCount() int {
	n := 0
	for _, ds := range s.Deltas {
		n += len(ds)
	}
	return n
}

// logWire is the persisted delta log. Timestamps travel as Unix
// milliseconds.
type logWire struct {
	ProjectID string                   `json:"project_id"`
	StartedMS int64                    `json:"started_ms"`
	Deltas    map[string][]delta.Delta `json:"deltas"`
}

// EncodeLog serializes a session's delta log for storage inside the
// snapshot tree.
func EncodeLog(s *Session) ([]byte, error) {
	w := logWire{
		ProjectID: s.ProjectID,
		StartedMS: s.StartedAt.UnixMilli(),
		Deltas:    s.Deltas,
	}
	if w.Deltas == nil {
		w.Deltas = map[string][]delta.Delta{}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode delta log: %w", err)
	}
	return data, nil
}

// DecodeLog parses a stored delta log. Decode failures wrap
// ErrMalformedDeltaLog so callers can degrade gracefully.
func DecodeLog(data []byte) (*Session, error) {
	var w logWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDeltaLog, err)
	}
	if w.Deltas == nil {
		w.Deltas = map[string][]delta.Delta{}
	}
	return &Session{
		ProjectID: w.ProjectID,
		StartedAt: time.UnixMilli(w.StartedMS).UTC(),
		Deltas:    w.Deltas,
	}, nil
}

// CopyDeltas returns a deep copy of a delta map so callers can hand it
// out without exposing aggregator internals.
func CopyDeltas(in map[string][]delta.Delta) map[string][]delta.Delta {
	out := make(map[string][]delta.Delta, len(in))
	for path, ds := range in {
		copied := make([]delta.Delta, len(ds))
		copy(copied, ds)
		out[path] = copied
	}
	return out
}
