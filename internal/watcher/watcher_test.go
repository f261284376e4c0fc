package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keepsake-dev/keepsake/internal/delta"
	"github.com/keepsake-dev/keepsake/internal/project"
	"github.com/keepsake-dev/keepsake/internal/session"
	"github.com/keepsake-dev/keepsake/internal/snapshot"
	"github.com/keepsake-dev/keepsake/internal/store"
	_ "github.com/keepsake-dev/keepsake/internal/store/badgerstore"
)

const (
	testDebounce = 20 * time.Millisecond
	waitDeadline = 10 * time.Second
)

// recordingHub captures published events for assertions.
type recordingHub struct {
	mu      sync.Mutex
	deltas  []string // "path" per published delta
	flushes []string // snapshot id per flush
}

func (r *recordingHub) PublishDelta(_, path string, _ delta.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, path)
}

func (r *recordingHub) PublishFlush(_, snapshot string, _, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, snapshot)
}

func (r *recordingHub) flushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

// setupManager returns a manager with fast debounce, a project on disk,
// and the badger-backed store factory behind it.
func setupManager(t *testing.T, policy session.Policy) (*Manager, *recordingHub, project.Project, *store.Factory) {
	t.Helper()

	factory := store.NewFactory(t.TempDir(), store.WithForcedType(store.TypeBadger))
	t.Cleanup(func() { factory.Close() })

	hub := &recordingHub{}
	m := NewManager(factory, hub, Config{
		Debounce: testDebounce,
		Policy:   policy,
	})
	t.Cleanup(func() { m.Stop(context.Background()) })

	p := project.Project{ID: "p1", Path: t.TempDir(), CreatedAt: time.Now()}
	return m, hub, p, factory
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitDeadline)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// slowPolicy never flushes on its own, so tests control flush timing.
func slowPolicy() session.Policy {
	return session.Policy{Inactivity: time.Hour, MaxDeltas: 1 << 20, MaxAge: time.Hour}
}

func TestWatchCapturesNewFile(t *testing.T) {
	m, hub, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	writeFile(t, p.Path, "main.go", "package main\n")

	waitFor(t, "delta capture", func() bool {
		log, err := m.ListDeltas(ctx, p.ID)
		return err == nil && len(log["main.go"]) == 1
	})

	log, _ := m.ListDeltas(ctx, p.ID)
	ops := log["main.go"][0].Operations
	if len(ops) != 1 || ops[0].Kind != delta.OpInsert || ops[0].Text != "package main\n" {
		t.Errorf("captured operations = %+v", ops)
	}

	hub.mu.Lock()
	published := len(hub.deltas)
	hub.mu.Unlock()
	if published != 1 {
		t.Errorf("published %d delta events, want 1", published)
	}
}

func TestWatchCapturesEditAndDelete(t *testing.T) {
	m, _, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	writeFile(t, p.Path, "f.txt", "hello")
	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	// First observation of an untracked file captures it whole.
	writeFile(t, p.Path, "f.txt", "hello world")
	waitFor(t, "edit delta", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["f.txt"]) == 1
	})

	if err := os.Remove(filepath.Join(p.Path, "f.txt")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete delta", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["f.txt"]) == 2
	})

	log, _ := m.ListDeltas(ctx, p.ID)
	ops := log["f.txt"][1].Operations
	if len(ops) != 1 || ops[0].Kind != delta.OpDelete || ops[0].Len != len("hello world") {
		t.Errorf("delete operations = %+v", ops)
	}
}

func TestDebounceCollapsesBursts(t *testing.T) {
	m, _, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	// Rapid rewrites inside one debounce window.
	for i := 0; i < 10; i++ {
		writeFile(t, p.Path, "burst.txt", "content v"+string(rune('0'+i)))
		time.Sleep(time.Millisecond)
	}

	waitFor(t, "burst capture", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["burst.txt"]) >= 1
	})

	// Quiet period, then verify far fewer deltas than writes and that
	// replay still lands on the final content.
	time.Sleep(5 * testDebounce)
	log, _ := m.ListDeltas(ctx, p.ID)
	if n := len(log["burst.txt"]); n >= 10 {
		t.Errorf("captured %d deltas for 10 rapid writes, expected coalescing", n)
	}
	final, err := delta.Replay("", log["burst.txt"])
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if final != "content v9" {
		t.Errorf("replayed content = %q, want %q", final, "content v9")
	}
}

func TestIgnoredPathsNotCaptured(t *testing.T) {
	m, _, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	writeFile(t, p.Path, ".git/config", "[core]")
	writeFile(t, p.Path, "node_modules/pkg/index.js", "x")
	writeFile(t, p.Path, "tracked.txt", "yes")

	waitFor(t, "tracked capture", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["tracked.txt"]) == 1
	})

	log, _ := m.ListDeltas(ctx, p.ID)
	for path := range log {
		if path != "tracked.txt" {
			t.Errorf("captured ignored path %s", path)
		}
	}
}

func TestNewDirectoryGetsWatched(t *testing.T) {
	m, _, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(p.Path, "src", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a beat to pick up the new directories.
	time.Sleep(5 * testDebounce)
	writeFile(t, p.Path, "src/deep/new.go", "package deep\n")

	waitFor(t, "capture in new directory", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["src/deep/new.go"]) == 1
	})
}

func TestWatchIdempotent(t *testing.T) {
	m, _, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("second Watch() failed: %v", err)
	}
	if got := len(m.WatchedIDs()); got != 1 {
		t.Errorf("WatchedIDs() has %d entries, want 1", got)
	}
}

func TestWatchUnreadablePath(t *testing.T) {
	m, _, _, _ := setupManager(t, slowPolicy())

	p := project.Project{ID: "bad", Path: filepath.Join(t.TempDir(), "missing")}
	err := m.Watch(context.Background(), p)
	if !errors.Is(err, project.ErrProjectUnreadable) {
		t.Errorf("Watch() error = %v, want ErrProjectUnreadable", err)
	}
}

func TestUnwatchFlushesOpenSession(t *testing.T) {
	m, hub, p, factory := setupManager(t, slowPolicy())
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	writeFile(t, p.Path, "a.txt", "content")
	waitFor(t, "delta capture", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["a.txt"]) == 1
	})

	if err := m.Unwatch(ctx, p.ID); err != nil {
		t.Fatalf("Unwatch() failed: %v", err)
	}
	if m.IsWatched(p.ID) {
		t.Error("IsWatched() = true after Unwatch")
	}
	if hub.flushCount() != 1 {
		t.Errorf("flush events = %d, want 1", hub.flushCount())
	}

	// The flushed snapshot holds the file and its delta log.
	s, err := factory.Create(p.ID, p.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	r := snapshot.NewReader(s, p.ID, nil)
	content, err := r.ResolvePath(ctx, "a.txt")
	if err != nil {
		t.Fatalf("ResolvePath() failed: %v", err)
	}
	if string(content) != "content" {
		t.Errorf("snapshot content = %q", content)
	}

	// Unwatching again is a no-op.
	if err := m.Unwatch(ctx, p.ID); err != nil {
		t.Errorf("second Unwatch() = %v, want nil", err)
	}
}

func TestInactivityFlush(t *testing.T) {
	m, hub, p, _ := setupManager(t, session.Policy{
		Inactivity: 100 * time.Millisecond,
		MaxDeltas:  1 << 20,
		MaxAge:     time.Hour,
	})
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	writeFile(t, p.Path, "f.txt", "x")
	waitFor(t, "inactivity flush", func() bool {
		return hub.flushCount() >= 1
	})

	// After the flush the open log is empty again.
	log, err := m.ListDeltas(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListDeltas() failed: %v", err)
	}
	if len(log) != 0 {
		t.Errorf("log after flush = %v, want empty", log)
	}
}

func TestMaxDeltasFlush(t *testing.T) {
	m, hub, p, _ := setupManager(t, session.Policy{
		Inactivity: time.Hour,
		MaxDeltas:  3,
		MaxAge:     time.Hour,
	})
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, p.Path, name, "content")
		// Let each write debounce separately so it counts as its own
		// delta.
		time.Sleep(3 * testDebounce)
	}

	waitFor(t, "max-deltas flush", func() bool {
		return hub.flushCount() >= 1
	})
}

func TestListDeltasFallsBackToStoredLog(t *testing.T) {
	m, hub, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	// First watch: capture and flush via unwatch.
	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	writeFile(t, p.Path, "f.txt", "persisted")
	waitFor(t, "delta capture", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["f.txt"]) == 1
	})
	if err := m.Unwatch(ctx, p.ID); err != nil {
		t.Fatalf("Unwatch() failed: %v", err)
	}
	if hub.flushCount() != 1 {
		t.Fatalf("flush events = %d, want 1", hub.flushCount())
	}

	// Second watch, nothing captured yet: the stored log is visible.
	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("re-Watch() failed: %v", err)
	}
	log, err := m.ListDeltas(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListDeltas() failed: %v", err)
	}
	if len(log["f.txt"]) != 1 {
		t.Errorf("stored log = %v, want one delta for f.txt", log)
	}
}

func TestListDeltasUnwatched(t *testing.T) {
	m, _, _, _ := setupManager(t, slowPolicy())

	_, err := m.ListDeltas(context.Background(), "nope")
	if !errors.Is(err, ErrNotWatched) {
		t.Errorf("ListDeltas() error = %v, want ErrNotWatched", err)
	}
}

// TestRestartSeedsFromSnapshot verifies the second watch diffs against
// persisted content instead of re-capturing whole files.
func TestRestartSeedsFromSnapshot(t *testing.T) {
	m, _, p, _ := setupManager(t, slowPolicy())
	ctx := context.Background()

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	writeFile(t, p.Path, "f.txt", "hello")
	waitFor(t, "initial capture", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["f.txt"]) == 1
	})
	if err := m.Unwatch(ctx, p.ID); err != nil {
		t.Fatalf("Unwatch() failed: %v", err)
	}

	if err := m.Watch(ctx, p); err != nil {
		t.Fatalf("re-Watch() failed: %v", err)
	}
	writeFile(t, p.Path, "f.txt", "hello world")

	// ListDeltas serves the stored log until the new capture lands, so
	// wait for the suffix-only delta specifically.
	waitFor(t, "post-restart capture", func() bool {
		log, _ := m.ListDeltas(ctx, p.ID)
		return len(log["f.txt"]) == 1 &&
			len(log["f.txt"][0].Operations) == 1 &&
			log["f.txt"][0].Operations[0].Text == " world"
	})

	log, _ := m.ListDeltas(ctx, p.ID)
	op := log["f.txt"][0].Operations[0]
	// An appended suffix, not the whole file again.
	if op.Offset != len("hello") || op.Text != " world" {
		t.Errorf("post-restart operation = %+v, want insert of %q at %d", op, " world", len("hello"))
	}
}

// gatedType serves gatedStore instances so tests can hold a commit
// write in flight.
const gatedType store.Type = "gated"

var currentGate *gatedStore

func init() {
	store.Register(gatedType, func(store.Options) (store.Store, error) {
		return currentGate, nil
	})
}

// gatedStore is an in-memory store whose first PutCommit blocks until
// released and fails if its context has been canceled in the meantime.
type gatedStore struct {
	mu      sync.Mutex
	seq     int
	blobs   map[store.ID][]byte
	trees   map[store.ID][]store.TreeEntry
	commits map[store.ID]store.Commit
	refs    map[string]store.ID

	commitStarted chan struct{}
	release       chan struct{}
	started       sync.Once
	commitCalls   int
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		blobs:         map[store.ID][]byte{},
		trees:         map[store.ID][]store.TreeEntry{},
		commits:       map[store.ID]store.Commit{},
		refs:          map[string]store.ID{},
		commitStarted: make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedStore) nextID() store.ID {
	g.seq++
	return store.ID(fmt.Sprintf("gated-%d", g.seq))
}

func (g *gatedStore) Name() store.Type { return gatedType }
func (g *gatedStore) Close() error     { return nil }

func (g *gatedStore) PutBlob(_ context.Context, data []byte) (store.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID()
	g.blobs[id] = append([]byte(nil), data...)
	return id, nil
}

func (g *gatedStore) GetBlob(_ context.Context, id store.ID) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.blobs[id]
	if !ok {
		return nil, store.ErrObjectNotFound
	}
	return data, nil
}

func (g *gatedStore) PutTree(_ context.Context, entries []store.TreeEntry) (store.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID()
	g.trees[id] = append([]store.TreeEntry(nil), entries...)
	return id, nil
}

func (g *gatedStore) GetTree(_ context.Context, id store.ID) ([]store.TreeEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries, ok := g.trees[id]
	if !ok {
		return nil, store.ErrObjectNotFound
	}
	return entries, nil
}

func (g *gatedStore) PutCommit(ctx context.Context, c store.Commit) (store.ID, error) {
	g.mu.Lock()
	g.commitCalls++
	g.mu.Unlock()

	g.started.Do(func() { close(g.commitStarted) })
	<-g.release

	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID()
	g.commits[id] = c
	return id, nil
}

func (g *gatedStore) GetCommit(_ context.Context, id store.ID) (store.Commit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.commits[id]
	if !ok {
		return store.Commit{}, store.ErrObjectNotFound
	}
	return c, nil
}

func (g *gatedStore) Ref(_ context.Context, name string) (store.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.refs[name]
	if !ok {
		return "", store.ErrRefNotFound
	}
	return id, nil
}

func (g *gatedStore) UpdateRef(_ context.Context, name string, old, new store.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs[name] != old {
		return store.ErrRefConflict
	}
	g.refs[name] = new
	return nil
}

func (g *gatedStore) commitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commitCalls
}

// TestUnwatchWaitsOutInFlightFlush holds a policy-triggered flush open
// inside the store, unwatches mid-write, and expects that single flush
// to complete untouched by the cancellation.
func TestUnwatchWaitsOutInFlightFlush(t *testing.T) {
	currentGate = newGatedStore()
	factory := store.NewFactory(t.TempDir(), store.WithForcedType(gatedType))
	t.Cleanup(func() { factory.Close() })

	m := NewManager(factory, &recordingHub{}, Config{
		Debounce: testDebounce,
		Policy:   session.Policy{Inactivity: 50 * time.Millisecond, MaxDeltas: 1 << 20, MaxAge: time.Hour},
	})
	t.Cleanup(func() { m.Stop(context.Background()) })

	p := project.Project{ID: "p1", Path: t.TempDir(), CreatedAt: time.Now()}
	if err := m.Watch(context.Background(), p); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	writeFile(t, p.Path, "f.txt", "content")

	// The inactivity threshold trips and the flush blocks in PutCommit.
	select {
	case <-currentGate.commitStarted:
	case <-time.After(waitDeadline):
		t.Fatal("timed out waiting for the flush to reach the store")
	}

	unwatchDone := make(chan error, 1)
	go func() { unwatchDone <- m.Unwatch(context.Background(), p.ID) }()

	// Let the cancel signal land before the store write resumes.
	time.Sleep(50 * time.Millisecond)
	close(currentGate.release)

	select {
	case err := <-unwatchDone:
		if err != nil {
			t.Fatalf("Unwatch() failed: %v", err)
		}
	case <-time.After(waitDeadline):
		t.Fatal("timed out waiting for Unwatch")
	}

	if n := currentGate.commitCount(); n != 1 {
		t.Errorf("store committed %d times, want exactly 1", n)
	}
	if _, err := currentGate.Ref(context.Background(), snapshot.RefName(p.ID)); err != nil {
		t.Errorf("ref not advanced after in-flight flush: %v", err)
	}
}
