// Package store defines the content-addressable object store the
// snapshot pipeline persists into.
//
// A store holds blobs (file contents), trees (sorted path-to-blob
// listings), and commits (tree + parent + metadata), plus named refs
// advanced with compare-and-swap. Two backends implement
// the interface: gitstore keeps objects inside the project's own git
// repository under a private ref namespace, and badgerstore keeps them in
// a BadgerDB database for projects that are not git repositories. The
// design follows a strategy pattern with runtime detection and factory
// creation; backends register themselves in init().
package store

import (
	"context"
	"time"
)

// Type identifies a store backend.
type Type string

const (
	// TypeGit stores objects in the project's own git repository
	TypeGit Type = "git"

	// TypeBadger stores objects in a BadgerDB database under the
	// keepsake data directory
	TypeBadger Type = "badger"
)

// String returns the string representation of the backend type.
func (t Type) String() string {
	return string(t)
}

// ID is a content address: the lowercase hex hash of an object as
// computed by the backend that stores it. The zero value means "no
// object" (e.g. a commit without a parent).
type ID string

// IsZero reports whether the ID addresses nothing.
func (id ID) IsZero() bool {
	return id == ""
}

// TreeEntry maps one slash-separated relative path to a blob.
type TreeEntry struct {
	// Path is the slash-separated path relative to the project root
	Path string `json:"path"`

	// Blob is the content address of the file's blob
	Blob ID `json:"blob"`
}

// Commit is one snapshot in a project's linear chain.
type Commit struct {
	// Tree is the full working-directory tree of this snapshot
	Tree ID `json:"tree"`

	// Parent is the prior snapshot, zero for the first one
	Parent ID `json:"parent,omitempty"`

	// Message is a short human-readable description
	Message string `json:"message"`

	// Time is when the snapshot was committed
	Time time.Time `json:"time"`
}

// Store is the content-addressable persistence layer.
//
// Writes are idempotent: putting an object that already exists returns
// the same ID without error. Ref updates are compare-and-swap so a
// non-atomic read-modify-write can never silently drop a snapshot or
// fork a chain.
type Store interface {
	// Name returns the backend type
	Name() Type

	// PutBlob stores content and returns its address
	PutBlob(ctx context.Context, data []byte) (ID, error)

	// GetBlob returns the content at the address.
	// Returns ErrObjectNotFound if no such blob exists.
	GetBlob(ctx context.Context, id ID) ([]byte, error)

	// PutTree stores a tree. Entries must be sorted by path with no
	// duplicates; implementations may reject violations.
	PutTree(ctx context.Context, entries []TreeEntry) (ID, error)

	// GetTree returns the tree's entries sorted by path.
	// Returns ErrObjectNotFound if no such tree exists.
	GetTree(ctx context.Context, id ID) ([]TreeEntry, error)

	// PutCommit stores a commit object
	PutCommit(ctx context.Context, c Commit) (ID, error)

	// GetCommit returns the commit at the address.
	// Returns ErrObjectNotFound if no such commit exists.
	GetCommit(ctx context.Context, id ID) (Commit, error)

	// Ref resolves a logical ref name (e.g. "keepsake/<project-id>")
	// to the commit it points at.
	// Returns ErrRefNotFound if the ref does not exist.
	Ref(ctx context.Context, name string) (ID, error)

	// UpdateRef atomically moves the ref from old to new. A zero old
	// requires that the ref does not exist yet.
	// Returns ErrRefConflict if the ref no longer points at old.
	UpdateRef(ctx context.Context, name string, old, new ID) error

	// Close releases backend resources
	Close() error
}
