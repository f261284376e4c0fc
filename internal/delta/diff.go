package delta

import (
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// Diff computes the minimal edit-operation script transforming old into
// new. The result is deterministic: the same content pair always yields
// the same script, and equally-minimal scripts are resolved toward fewer,
// contiguous operations. Returns nil when the contents are equal.
//
// Offsets in the returned operations are byte offsets into the content as
// it stands when each operation applies, so Apply(old, Diff(old, new))
// always reproduces new.
func Diff(old, new string) []Operation {
	if old == new {
		return nil
	}

	cfg := diffpatch.New()
	// A zero timeout disables the best-effort cutoff; without it the
	// algorithm can return different scripts for the same inputs under
	// load, which would break replay determinism.
	cfg.DiffTimeout = 0

	diffs := cfg.DiffMain(old, new, false)
	diffs = cfg.DiffCleanupEfficiency(diffs)

	var ops []Operation
	offset := 0
	for i := range diffs {
		d := &diffs[i]
		switch d.Type {
		case diffpatch.DiffEqual:
			offset += len(d.Text)
		case diffpatch.DiffDelete:
			// The cursor stays put: after the delete applies, the next
			// retained byte sits at the same offset.
			ops = append(ops, Delete(offset, len(d.Text)))
		case diffpatch.DiffInsert:
			ops = append(ops, Insert(offset, d.Text))
			offset += len(d.Text)
		}
	}

	return ops
}
