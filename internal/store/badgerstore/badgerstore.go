// Package badgerstore provides a BadgerDB implementation of the object
// store for projects that are not git repositories.
//
// Objects live in a per-project Badger database under the keepsake data
// directory. Content addresses are XXH3-128 hashes of the encoded
// object; trees and commits are stored as JSON. Ref updates run inside a
// single Badger transaction, which gives the compare-and-swap semantics
// the snapshot chain depends on.
package badgerstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/zeebo/xxh3"

	"github.com/keepsake-dev/keepsake/internal/store"
)

// Key prefixes partition the keyspace by object kind.
const (
	blobPrefix   = "blob/"
	treePrefix   = "tree/"
	commitPrefix = "commit/"
	refPrefix    = "ref/"
)

// Badger implements store.Store on a BadgerDB database.
type Badger struct {
	db *badger.DB
}

func init() {
	store.Register(store.TypeBadger, New)
}

// New opens (creating if needed) the project's database under
// <data-dir>/stores/<project-id>.
func New(opts store.Options) (store.Store, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: badger store needs a data directory", store.ErrStoreUnavailable)
	}

	dir := filepath.Join(opts.DataDir, "stores", opts.ProjectID)
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %s: %v", store.ErrStoreUnavailable, dir, err)
	}

	return &Badger{db: db}, nil
}

// Name returns the backend type (badger).
func (b *Badger) Name() store.Type {
	return store.TypeBadger
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// address returns the content address of encoded object data.
func address(data []byte) store.ID {
	sum := xxh3.Hash128(data).Bytes()
	return store.ID(hex.EncodeToString(sum[:]))
}

// put writes data under prefix keyed by its content address. Writing an
// object that already exists is a no-op with the same address.
func (b *Badger) put(prefix string, data []byte) (store.ID, error) {
	id := address(data)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefix+string(id)), data)
	})
	if err != nil {
		return "", fmt.Errorf("badger put: %w", err)
	}
	return id, nil
}

// get reads the object at prefix+id, mapping a missing key to
// store.ErrObjectNotFound.
func (b *Badger) get(prefix string, id store.ID) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefix + string(id)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s%s: %w", prefix, id, store.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return data, nil
}

// PutBlob stores file content and returns its address.
func (b *Badger) PutBlob(_ context.Context, data []byte) (store.ID, error) {
	return b.put(blobPrefix, data)
}

// GetBlob returns the content at the address.
func (b *Badger) GetBlob(_ context.Context, id store.ID) ([]byte, error) {
	return b.get(blobPrefix, id)
}

// PutTree stores a tree as JSON, normalizing entry order first so the
// same logical tree always gets the same address.
func (b *Badger) PutTree(_ context.Context, entries []store.TreeEntry) (store.ID, error) {
	sorted := make([]store.TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Path == sorted[i-1].Path {
			return "", fmt.Errorf("duplicate tree entry %q", sorted[i].Path)
		}
	}

	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("encode tree: %w", err)
	}
	return b.put(treePrefix, data)
}

// GetTree returns the tree's entries sorted by path.
func (b *Badger) GetTree(ctx context.Context, id store.ID) ([]store.TreeEntry, error) {
	data, err := b.get(treePrefix, id)
	if err != nil {
		return nil, err
	}

	var entries []store.TreeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", id, err)
	}
	return entries, nil
}

// commitWire is the stored commit representation. Times travel as Unix
// milliseconds so addresses are stable across hosts.
type commitWire struct {
	Tree    store.ID `json:"tree"`
	Parent  store.ID `json:"parent,omitempty"`
	Message string   `json:"message"`
	TimeMS  int64    `json:"time_ms"`
}

// PutCommit stores a commit object.
func (b *Badger) PutCommit(_ context.Context, c store.Commit) (store.ID, error) {
	data, err := json.Marshal(commitWire{
		Tree:    c.Tree,
		Parent:  c.Parent,
		Message: c.Message,
		TimeMS:  c.Time.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	return b.put(commitPrefix, data)
}

// GetCommit returns the commit at the address.
func (b *Badger) GetCommit(_ context.Context, id store.ID) (store.Commit, error) {
	data, err := b.get(commitPrefix, id)
	if err != nil {
		return store.Commit{}, err
	}

	var w commitWire
	if err := json.Unmarshal(data, &w); err != nil {
		return store.Commit{}, fmt.Errorf("decode commit %s: %w", id, err)
	}
	return store.Commit{
		Tree:    w.Tree,
		Parent:  w.Parent,
		Message: w.Message,
		Time:    time.UnixMilli(w.TimeMS).UTC(),
	}, nil
}

// Ref resolves a logical ref name to the commit it points at.
func (b *Badger) Ref(_ context.Context, name string) (store.ID, error) {
	var id store.ID
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(refPrefix + name))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = store.ID(val)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%s: %w", name, store.ErrRefNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("badger ref: %w", err)
	}
	return id, nil
}

// UpdateRef atomically moves the ref from old to new. The read and the
// write share one transaction, so a concurrent advance surfaces as
// ErrRefConflict instead of silently dropping a snapshot.
func (b *Badger) UpdateRef(_ context.Context, name string, old, new store.ID) error {
	key := []byte(refPrefix + name)
	err := b.db.Update(func(txn *badger.Txn) error {
		var current store.ID
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			current = ""
		case err != nil:
			return err
		default:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current = store.ID(val)
		}

		if current != old {
			return fmt.Errorf("%s at %s, expected %s: %w", name, current, old, store.ErrRefConflict)
		}
		return txn.Set(key, []byte(new))
	})
	if err != nil {
		return err
	}
	return nil
}
