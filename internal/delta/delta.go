// Package delta implements fine-grained edit capture for watched files.
//
// A Delta is one observed mutation of a file: a timestamp plus an ordered
// list of insert/delete operations. Replaying a file's deltas against the
// content stored in the parent snapshot reproduces the file's current
// content exactly, which is what makes the stored logs usable for
// history and undo UIs.
package delta

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind identifies the kind of edit operation.
type OpKind string

const (
	// OpInsert inserts text at a byte offset.
	OpInsert OpKind = "insert"

	// OpDelete removes a run of bytes starting at a byte offset.
	OpDelete OpKind = "delete"
)

// Operation is a single edit step within a Delta.
//
// Offsets are UTF-8 byte offsets into the pre-operation content.
// Operations within one delta apply in listed order, each against the
// content produced by the previous one.
type Operation struct {
	// Kind is the operation kind (insert or delete)
	Kind OpKind

	// Offset is the byte offset the operation acts at
	Offset int

	// Text is the inserted text (insert only)
	Text string

	// Len is the number of bytes removed (delete only)
	Len int
}

// Insert returns an insert operation placing text at offset.
func Insert(offset int, text string) Operation {
	return Operation{Kind: OpInsert, Offset: offset, Text: text}
}

// Delete returns a delete operation removing n bytes at offset.
func Delete(offset, n int) Operation {
	return Operation{Kind: OpDelete, Offset: offset, Len: n}
}

// MarshalJSON encodes the operation in its compact tagged form:
//
//	{"insert":[5," world"]}
//	{"delete":[0,11]}
func (op Operation) MarshalJSON() ([]byte, error) {
	switch op.Kind {
	case OpInsert:
		return json.Marshal(map[string][2]any{"insert": {op.Offset, op.Text}})
	case OpDelete:
		return json.Marshal(map[string][2]any{"delete": {op.Offset, op.Len}})
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// UnmarshalJSON decodes the compact tagged form produced by MarshalJSON.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var raw map[string][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if args, ok := raw["insert"]; ok {
		if len(args) != 2 {
			return fmt.Errorf("insert operation wants 2 arguments, got %d", len(args))
		}
		var offset int
		var text string
		if err := json.Unmarshal(args[0], &offset); err != nil {
			return fmt.Errorf("insert offset: %w", err)
		}
		if err := json.Unmarshal(args[1], &text); err != nil {
			return fmt.Errorf("insert text: %w", err)
		}
		*op = Insert(offset, text)
		return nil
	}

	if args, ok := raw["delete"]; ok {
		if len(args) != 2 {
			return fmt.Errorf("delete operation wants 2 arguments, got %d", len(args))
		}
		var offset, n int
		if err := json.Unmarshal(args[0], &offset); err != nil {
			return fmt.Errorf("delete offset: %w", err)
		}
		if err := json.Unmarshal(args[1], &n); err != nil {
			return fmt.Errorf("delete length: %w", err)
		}
		*op = Delete(offset, n)
		return nil
	}

	return fmt.Errorf("operation is neither insert nor delete")
}

// Delta is one observed file mutation: an ordered operation script plus
// the time it was observed. Deltas for a given file are totally ordered
// by timestamp, strictly increasing.
type Delta struct {
	// Timestamp is when the mutation was observed
	Timestamp time.Time

	// Operations is the ordered edit script
	Operations []Operation
}

// deltaWire is the JSON representation. Timestamps travel as Unix
// milliseconds so logs are stable across hosts and restarts.
type deltaWire struct {
	Timestamp  int64       `json:"timestamp"`
	Operations []Operation `json:"operations"`
}

// MarshalJSON encodes the delta with a millisecond Unix timestamp.
func (d Delta) MarshalJSON() ([]byte, error) {
	return json.Marshal(deltaWire{
		Timestamp:  d.Timestamp.UnixMilli(),
		Operations: d.Operations,
	})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var w deltaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d.Timestamp = time.UnixMilli(w.Timestamp).UTC()
	d.Operations = w.Operations
	return nil
}

// Apply runs the operation script against content and returns the result.
// Each operation is bounds-checked against the content it applies to;
// an out-of-range operation indicates a corrupted or mismatched script.
func Apply(content string, ops []Operation) (string, error) {
	for i, op := range ops {
		switch op.Kind {
		case OpInsert:
			if op.Offset < 0 || op.Offset > len(content) {
				return "", fmt.Errorf("operation %d: insert offset %d out of range [0,%d]", i, op.Offset, len(content))
			}
			content = content[:op.Offset] + op.Text + content[op.Offset:]

		case OpDelete:
			if op.Offset < 0 || op.Len < 0 || op.Offset+op.Len > len(content) {
				return "", fmt.Errorf("operation %d: delete [%d,%d) out of range [0,%d]", i, op.Offset, op.Offset+op.Len, len(content))
			}
			content = content[:op.Offset] + content[op.Offset+op.Len:]

		default:
			return "", fmt.Errorf("operation %d: unknown kind %q", i, op.Kind)
		}
	}
	return content, nil
}

// Replay applies a file's delta sequence, in order, to content.
func Replay(content string, deltas []Delta) (string, error) {
	for _, d := range deltas {
		next, err := Apply(content, d.Operations)
		if err != nil {
			return "", err
		}
		content = next
	}
	return content, nil
}
