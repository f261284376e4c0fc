package ignore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestMatchDefaults(t *testing.T) {
	m := New()

	cases := []struct {
		path string
		want bool
	}{
		{"src/main.go", false},
		{".git/HEAD", true},
		{".keepsake/session.json", true},
		{"vendor/node_modules/pkg/index.js", true},
		{"notes.tmp", true},
		{"deep/dir/file.swp", true},
		{"README.md", false},
	}

	for _, tc := range cases {
		if got := m.Match(tc.path); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestMatchExtraPatterns(t *testing.T) {
	m := New("build", "*.log")

	if !m.Match("build/out.bin") {
		t.Error("Match() missed extra directory pattern")
	}
	if !m.Match("logs/app.log") {
		t.Error("Match() missed extra glob pattern")
	}
	if m.Match("src/build.go") {
		t.Error("Match() ignored a file that only resembles a pattern")
	}
}

// TestForProjectReadsGitignore verifies that top-level .gitignore
// patterns are folded in, while comments and negations are skipped.
func TestForProjectReadsGitignore(t *testing.T) {
	root := t.TempDir()
	gitignore := "# build output\ntarget/\n*.o\n!keep.o\n\n/dist\n"
	if err := os.WriteFile(filepath.Join(root, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		t.Fatalf("failed to write .gitignore: %v", err)
	}

	m := ForProject(root)

	if !m.Match("target/debug/app") {
		t.Error("Match() missed gitignore directory pattern")
	}
	if !m.Match("src/lib.o") {
		t.Error("Match() missed gitignore glob pattern")
	}
	if !m.Match("dist/bundle.js") {
		t.Error("Match() missed rooted gitignore pattern")
	}
	if m.Match("src/lib.c") {
		t.Error("Match() ignored a tracked file")
	}
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()

	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	write("b.txt", "b")
	write("a.txt", "a")
	write("src/main.go", "package main")
	write(".git/HEAD", "ref: refs/heads/main")
	write(".keepsake/session.json", "{}")
	write("scratch.tmp", "x")

	files, err := ListFiles(root, New())
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}

	want := []string{"a.txt", "b.txt", "src/main.go"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("ListFiles() = %v, want %v", files, want)
	}
}

func TestListFilesMissingRoot(t *testing.T) {
	if _, err := ListFiles(filepath.Join(t.TempDir(), "nope"), New()); err == nil {
		t.Error("ListFiles() on missing root succeeded, want error")
	}
}
