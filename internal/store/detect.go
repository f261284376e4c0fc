package store

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// DetectionResult describes which backend suits a project path.
type DetectionResult struct {
	// Type is the backend to use
	Type Type

	// RepoRoot is the enclosing git repository root, set for TypeGit
	RepoRoot string

	// HasGit indicates a .git directory or file was found
	HasGit bool
}

var (
	gitAvailableOnce sync.Once
	gitAvailable     bool
)

// IsGitAvailable reports whether the git binary is on PATH. The result
// is cached for the process lifetime.
func IsGitAvailable() bool {
	gitAvailableOnce.Do(func() {
		_, err := exec.LookPath("git")
		gitAvailable = err == nil
	})
	return gitAvailable
}

// Detect chooses the backend for a project path.
//
// Precedence:
//  1. Walk up from path looking for .git (a directory, or a file for
//     worktrees). Found plus a usable git binary selects gitstore, so
//     snapshots live next to the user's own history without touching it.
//  2. Anything else selects badgerstore under the data directory.
func Detect(path string) (*DetectionResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	result := &DetectionResult{Type: TypeBadger}

	current := absPath
	for {
		gitPath := filepath.Join(current, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			result.HasGit = true
			result.RepoRoot = current
			break
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	if result.HasGit && IsGitAvailable() {
		result.Type = TypeGit
	}

	return result, nil
}
