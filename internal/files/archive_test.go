package files

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

func archiveEntries(t *testing.T, path string) map[string]*zip.File {
	t.Helper()
	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { reader.Close() })
	out := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		out[f.Name] = f
	}
	return out
}

func TestArchiveRoundTripPreservesContent(t *testing.T) {
	root := t.TempDir()
	content := map[string]string{
		"src/a.rs":         "fn main() { println!(\"hi\"); }\n",
		"src/nested/b.bin": string([]byte{0x00, 0xff, 0x10, 0x7f}),
		"README.md":        "# demo\n",
		"empty/":           "",
		".env":             "SECRET=1",
	}
	writeTree(t, root, content)

	dest := filepath.Join(t.TempDir(), "out.zip")
	out, err := os.Create(dest)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if err := Archive(out, root, Rules{}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	entries := archiveEntries(t, dest)
	for _, dir := range []string{"src/", "src/nested/", "empty/"} {
		entry, ok := entries[dir]
		if !ok {
			t.Fatalf("expected directory entry %q, got %v", dir, entries)
		}
		if entry.UncompressedSize64 != 0 {
			t.Fatalf("directory entry %q should be empty", dir)
		}
	}
	if _, ok := entries[".env"]; ok {
		t.Fatalf("default-excluded .env was archived")
	}

	extracted := t.TempDir()
	if err := ExtractArchive(dest, extracted); err != nil {
		t.Fatalf("extract: %v", err)
	}
	for rel, want := range content {
		if rel == ".env" || rel[len(rel)-1] == '/' {
			continue
		}
		got, err := os.ReadFile(filepath.Join(extracted, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read extracted %s: %v", rel, err)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Fatalf("content mismatch for %s: got %q want %q", rel, got, want)
		}
	}
	if info, err := os.Stat(filepath.Join(extracted, "empty")); err != nil || !info.IsDir() {
		t.Fatalf("expected empty directory to be reconstructed, err=%v", err)
	}
}

func TestArchiveNeverContainsItself(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go": "package main",
		"sub/":    "",
	})

	dest := filepath.Join(root, "alphadep-archive")
	out, err := os.Create(dest)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	// A differently spelled path still canonicalizes to the destination.
	exclusion := filepath.Join(root, "sub", "..", "alphadep-archive")
	if err := Archive(out, root, Rules{Includes: []string{"alphadep-archive"}}, exclusion); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	entries := archiveEntries(t, dest)
	if _, ok := entries["alphadep-archive"]; ok {
		t.Fatalf("archive contains itself: %v", entries)
	}
	if _, ok := entries["main.go"]; !ok {
		t.Fatalf("expected main.go entry, got %v", entries)
	}
}

func TestArchiveIgnoresMissingExclusion(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})

	var buf bytes.Buffer
	if err := Archive(&buf, root, Rules{}, filepath.Join(root, "does-not-exist")); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected archive bytes")
	}
}

func TestWriteArchiveSurfacesOpenFailure(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"gone.txt": "x"})

	set, err := Resolve(root, Rules{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "gone.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	var buf bytes.Buffer
	err = WriteArchive(&buf, root, set)
	var archiveErr *ArchiveError
	if !errors.As(err, &archiveErr) {
		t.Fatalf("expected ArchiveError, got %v", err)
	}
	if archiveErr.Op != "open" || archiveErr.Path != "gone.txt" {
		t.Fatalf("unexpected archive error: %+v", archiveErr)
	}
	if !errors.Is(err, ErrArchive) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrArchive and ErrNotExist in chain, got %v", err)
	}
}

func TestArchiveWrapsSelectionError(t *testing.T) {
	var buf bytes.Buffer
	err := Archive(&buf, t.TempDir(), Rules{Includes: []string{"[oops"}})
	if !errors.Is(err, ErrArchive) || !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected archive+pattern error, got %v", err)
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := w.Write([]byte("nope")); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	if err := ExtractArchive(path, dest); !errors.Is(err, ErrUnsafeEntry) {
		t.Fatalf("expected ErrUnsafeEntry, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("traversal entry was written")
	}
}
