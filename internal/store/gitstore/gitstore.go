// Package gitstore implements the object store on top of the project's
// own git repository, using plumbing commands only.
//
// Snapshots live under refs/keepsake/ and never touch the user's index,
// worktree, or branches. Blobs and trees are native git objects, so
// snapshot history is inspectable with ordinary git tooling and shares
// storage with the repository's own objects.
package gitstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/keepsake-dev/keepsake/internal/store"
)

const (
	commandTimeout = 30 * time.Second

	// zeroHash is what git's update-ref expects as the old value when
	// creating a ref.
	zeroHash = "0000000000000000000000000000000000000000"

	// Snapshot commits carry a fixed identity so object hashes do not
	// depend on the user's git config.
	authorName  = "keepsake"
	authorEmail = "keepsake@localhost"
)

// Git implements store.Store against a git repository.
type Git struct {
	// repoRoot is the repository work tree root all commands run in
	repoRoot string
}

func init() {
	store.Register(store.TypeGit, New)
}

// New opens the git repository enclosing the project path.
func New(opts store.Options) (store.Store, error) {
	result, err := store.Detect(opts.ProjectPath)
	if err != nil {
		return nil, err
	}
	if !result.HasGit {
		return nil, fmt.Errorf("%w: %s is not inside a git repository", store.ErrStoreUnavailable, opts.ProjectPath)
	}
	if !store.IsGitAvailable() {
		return nil, fmt.Errorf("%w: git binary not found on PATH", store.ErrStoreUnavailable)
	}

	return &Git{repoRoot: result.RepoRoot}, nil
}

// Name returns the backend type (git).
func (g *Git) Name() store.Type {
	return store.TypeGit
}

// Close is a no-op; git commands hold no persistent resources.
func (g *Git) Close() error {
	return nil
}

// git runs a git plumbing command in the repository root with optional
// stdin and extra environment, returning stdout. Stderr is folded into
// the error for debugging.
func (g *Git) git(ctx context.Context, stdin []byte, env []string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoRoot
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}

	return stdout.Bytes(), nil
}

// PutBlob stores content as a git blob object.
func (g *Git) PutBlob(ctx context.Context, data []byte) (store.ID, error) {
	out, err := g.git(ctx, data, nil, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", err
	}
	return store.ID(strings.TrimSpace(string(out))), nil
}

// GetBlob returns the blob's content.
func (g *Git) GetBlob(ctx context.Context, id store.ID) ([]byte, error) {
	data, err := g.git(ctx, nil, nil, "cat-file", "blob", string(id))
	if err != nil {
		return nil, mapMissingObject(err, id)
	}
	return data, nil
}

// PutTree builds a tree object from the entries through a throwaway
// index file. The user's real index is never touched.
func (g *Git) PutTree(ctx context.Context, entries []store.TreeEntry) (store.ID, error) {
	indexFile, err := os.CreateTemp("", "keepsake-index-*")
	if err != nil {
		return "", fmt.Errorf("create temp index: %w", err)
	}
	indexPath := indexFile.Name()
	indexFile.Close()
	os.Remove(indexPath)
	defer os.Remove(indexPath)

	env := []string{"GIT_INDEX_FILE=" + indexPath}

	// update-index --index-info takes "<mode> <hash>\t<path>" lines on
	// stdin, which loads the whole tree in one invocation.
	var spec bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&spec, "100644 %s\t%s\n", e.Blob, filepath.ToSlash(e.Path))
	}

	if _, err := g.git(ctx, spec.Bytes(), env, "update-index", "--add", "--index-info"); err != nil {
		return "", err
	}

	out, err := g.git(ctx, nil, env, "write-tree")
	if err != nil {
		return "", err
	}
	return store.ID(strings.TrimSpace(string(out))), nil
}

// GetTree lists the tree recursively. Output entries are sorted by path
// because git stores trees sorted.
func (g *Git) GetTree(ctx context.Context, id store.ID) ([]store.TreeEntry, error) {
	out, err := g.git(ctx, nil, nil, "ls-tree", "-r", "-z", string(id))
	if err != nil {
		return nil, mapMissingObject(err, id)
	}

	var entries []store.TreeEntry
	for _, record := range strings.Split(string(out), "\x00") {
		if record == "" {
			continue
		}
		// Format: "<mode> <type> <hash>\t<path>"
		meta, path, ok := strings.Cut(record, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed ls-tree record %q for tree %s", record, id)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ls-tree record %q for tree %s", record, id)
		}
		if fields[1] != "blob" {
			continue
		}
		entries = append(entries, store.TreeEntry{Path: path, Blob: store.ID(fields[2])})
	}
	return entries, nil
}

// PutCommit creates a commit object with a fixed author identity and the
// commit's own timestamp, so the resulting hash does not vary with the
// user's environment.
func (g *Git) PutCommit(ctx context.Context, c store.Commit) (store.ID, error) {
	date := fmt.Sprintf("%d +0000", c.Time.Unix())
	env := []string{
		"GIT_AUTHOR_NAME=" + authorName,
		"GIT_AUTHOR_EMAIL=" + authorEmail,
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_NAME=" + authorName,
		"GIT_COMMITTER_EMAIL=" + authorEmail,
		"GIT_COMMITTER_DATE=" + date,
	}

	args := []string{"commit-tree", string(c.Tree)}
	if !c.Parent.IsZero() {
		args = append(args, "-p", string(c.Parent))
	}

	out, err := g.git(ctx, []byte(c.Message), env, args...)
	if err != nil {
		return "", err
	}
	return store.ID(strings.TrimSpace(string(out))), nil
}

// GetCommit reads the raw commit object back.
func (g *Git) GetCommit(ctx context.Context, id store.ID) (store.Commit, error) {
	out, err := g.git(ctx, nil, nil, "cat-file", "commit", string(id))
	if err != nil {
		return store.Commit{}, mapMissingObject(err, id)
	}
	return parseCommit(string(out), id)
}

// parseCommit parses git's raw commit format: header lines, a blank
// line, then the message.
func parseCommit(raw string, id store.ID) (store.Commit, error) {
	headers, message, ok := strings.Cut(raw, "\n\n")
	if !ok {
		return store.Commit{}, fmt.Errorf("malformed commit object %s", id)
	}

	var c store.Commit
	c.Message = strings.TrimRight(message, "\n")

	for _, line := range strings.Split(headers, "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "tree":
			c.Tree = store.ID(value)
		case "parent":
			c.Parent = store.ID(value)
		case "committer":
			// "Name <email> <epoch> <tz>"
			fields := strings.Fields(value)
			if len(fields) < 2 {
				return store.Commit{}, fmt.Errorf("malformed committer line in commit %s", id)
			}
			epoch, err := strconv.ParseInt(fields[len(fields)-2], 10, 64)
			if err != nil {
				return store.Commit{}, fmt.Errorf("malformed committer timestamp in commit %s: %w", id, err)
			}
			c.Time = time.Unix(epoch, 0).UTC()
		}
	}

	if c.Tree.IsZero() {
		return store.Commit{}, fmt.Errorf("commit %s has no tree header", id)
	}
	return c, nil
}

// refName maps the logical ref name to its full git ref.
func refName(name string) string {
	return "refs/" + name
}

// Ref resolves a logical ref to the commit it points at.
func (g *Git) Ref(ctx context.Context, name string) (store.ID, error) {
	out, err := g.git(ctx, nil, nil, "show-ref", "--verify", "--hash", refName(name))
	if err != nil {
		// show-ref exits 1 when the ref does not exist. Anything else
		// (timeout, killed process, repository damage) is a real
		// failure and must not read as an empty tip.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", fmt.Errorf("%s: %w", name, store.ErrRefNotFound)
		}
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	return store.ID(strings.TrimSpace(string(out))), nil
}

// UpdateRef moves the ref with git's own compare-and-swap: update-ref
// with an expected old value fails if the ref has moved.
func (g *Git) UpdateRef(ctx context.Context, name string, old, new store.ID) error {
	oldArg := zeroHash
	if !old.IsZero() {
		oldArg = string(old)
	}

	_, err := g.git(ctx, nil, nil, "update-ref", refName(name), string(new), oldArg)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s expected %s: %w", name, old, store.ErrRefConflict)
		}
		return err
	}
	return nil
}

// mapMissingObject converts git's "not a valid object" failures to
// ErrObjectNotFound, leaving other failures intact.
func mapMissingObject(err error, id store.ID) error {
	msg := err.Error()
	if strings.Contains(msg, "Not a valid object name") ||
		strings.Contains(msg, "not a valid object name") ||
		strings.Contains(msg, "bad file") ||
		strings.Contains(msg, "could not get object info") {
		return fmt.Errorf("%s: %w", id, store.ErrObjectNotFound)
	}
	return err
}
