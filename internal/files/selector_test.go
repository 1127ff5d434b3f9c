package files

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/danmuck/alphadep/internal/testutil/testlog"
)

func writeTree(t *testing.T, root string, entries map[string]string) {
	t.Helper()
	for rel, content := range entries {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if rel[len(rel)-1] == '/' {
			if err := os.MkdirAll(full, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir parent %s: %v", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func assertMembers(t *testing.T, set FileSet, present []string, absent []string) {
	t.Helper()
	for _, p := range present {
		if !set.Contains(p) {
			t.Fatalf("expected %q in file set, got %v", p, set.Sorted())
		}
	}
	for _, p := range absent {
		if set.Contains(p) {
			t.Fatalf("expected %q absent from file set, got %v", p, set.Sorted())
		}
	}
}

func TestResolveAppliesDefaultExcludes(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"alphadep.toml":    "[machine]",
		".git/HEAD":        "ref: refs/heads/main",
		".git/objects/ab":  "blob",
		".env":             "TOKEN=secret",
		".hidden":          "dotfile",
		"main.go":          "package main",
		"cmd/tool/main.go": "package main",
	})

	set, err := Resolve(root, Rules{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assertMembers(t, set,
		[]string{".hidden", "main.go", "cmd", "cmd/tool", "cmd/tool/main.go"},
		[]string{"alphadep.toml", ".git", ".git/HEAD", ".git/objects", ".git/objects/ab", ".env"},
	)
	if !set.IsDir("cmd/tool") || set.IsDir("main.go") {
		t.Fatalf("unexpected directory flags: %v", set.Sorted())
	}
}

func TestResolveIncludeWinsOverExclude(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/debug.log": "keep",
		"src/trace.log": "drop",
		"src/a.rs":      "fn main() {}",
	})

	set, err := Resolve(root, Rules{
		Includes: []string{"src/debug.log"},
		Excludes: []string{"**/*.log"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assertMembers(t, set, []string{"src/debug.log", "src/a.rs"}, []string{"src/trace.log"})
}

func TestResolveExplicitIncludeRestoresDefault(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".env":          "TOKEN=secret",
		"alphadep.toml": "",
	})

	set, err := Resolve(root, Rules{Includes: []string{"./.env"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assertMembers(t, set, []string{".env"}, []string{"alphadep.toml"})
}

// Includes only rescue paths from excludes; they never narrow the selection.
// README.md matches no include and no exclude, so it stays. src/** matches
// directories only, so src/debug.log is left to the **/*.log exclude.
func TestResolveSrcIncludeLogExcludeKeepsUnmatchedReadme(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/a.rs":      "fn a() {}",
		"src/debug.log": "noise",
		"src/sub/b.rs":  "fn b() {}",
		"README.md":     "readme",
	})

	set, err := Resolve(root, Rules{
		Includes: []string{"src/**"},
		Excludes: []string{"**/*.log"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assertMembers(t, set,
		[]string{"src", "src/a.rs", "src/sub", "src/sub/b.rs", "README.md"},
		[]string{"src/debug.log"},
	)
}

func TestResolveExcludedDirectoryHidesContents(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"vendor/drop.go":   "package drop",
		"vendor/keep/a.go": "package keep",
		"target/debug/bin": "elf",
		"lib.go":           "package lib",
	})

	set, err := Resolve(root, Rules{
		Includes: []string{"vendor/keep/**"},
		Excludes: []string{"vendor", "target/**"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assertMembers(t, set,
		[]string{"lib.go", "vendor/keep", "vendor/keep/a.go"},
		[]string{"vendor", "vendor/drop.go", "target", "target/debug", "target/debug/bin"},
	)
}

func TestResolveRejectsMalformedPattern(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})

	_, err := Resolve(root, Rules{Excludes: []string{"[abc"}})
	if !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	var patternErr *PatternError
	if !errors.As(err, &patternErr) || patternErr.Pattern != "[abc" {
		t.Fatalf("expected PatternError for [abc, got %#v", err)
	}

	if _, err := Resolve(root, Rules{Includes: []string{"  "}}); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected blank pattern rejected, got %v", err)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a/b/c.txt": "c",
		"a/d.txt":   "d",
		"e.log":     "e",
		"f/":        "",
	})
	rules := Rules{Excludes: []string{"*.log"}}

	first, err := Resolve(root, rules)
	if err != nil {
		t.Fatalf("resolve first: %v", err)
	}
	second, err := Resolve(root, rules)
	if err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	if !slices.Equal(first.Sorted(), second.Sorted()) {
		t.Fatalf("non-deterministic resolution:\n%v\n%v", first.Sorted(), second.Sorted())
	}
	assertMembers(t, first, []string{"a", "a/b", "a/b/c.txt", "a/d.txt", "f"}, []string{"e.log"})
}

func TestResolveReportsBrokenSymlink(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"ok.txt": "ok"})
	if err := os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "dangling")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := Resolve(root, Rules{})
	var globErr *GlobError
	if !errors.As(err, &globErr) {
		t.Fatalf("expected GlobError, got %v", err)
	}
	if globErr.Path != "dangling" {
		t.Fatalf("unexpected glob error path: %q", globErr.Path)
	}
	if !errors.Is(globErr.Kind(), fs.ErrNotExist) {
		t.Fatalf("unexpected glob error kind: %v", globErr.Kind())
	}
	if !errors.Is(err, ErrGlob) {
		t.Fatalf("expected ErrGlob in chain, got %v", err)
	}
}
