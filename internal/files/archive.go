package files

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

// Archive resolves rules under root and writes the selection to w.
func Archive(w io.Writer, root string, rules Rules, exclusions ...string) error {
	set, err := Resolve(root, rules)
	if err != nil {
		return &ArchiveError{Op: "select", Err: err}
	}
	return WriteArchive(w, root, set, exclusions...)
}

// WriteArchive writes one zip entry per member of set. Members whose
// canonical path equals one of exclusions are skipped, which keeps an archive
// written inside the project tree from containing itself. A failed write
// leaves w in an unusable state.
func WriteArchive(w io.Writer, root string, set FileSet, exclusions ...string) error {
	skip := make(map[string]struct{}, len(exclusions))
	for _, exclusion := range exclusions {
		canonical, err := canonicalPath(exclusion)
		if err != nil {
			continue
		}
		skip[canonical] = struct{}{}
	}

	zw := zip.NewWriter(w)
	written := 0
	for _, rel := range set.Sorted() {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if canonical, err := canonicalPath(full); err == nil {
			if _, ok := skip[canonical]; ok {
				log.Debug().Str("path", rel).Msg("files.WriteArchive skipped excluded path")
				continue
			}
		}

		if set.IsDir(rel) {
			if err := writeDirEntry(zw, full, rel); err != nil {
				return err
			}
		} else if err := writeFileEntry(zw, full, rel); err != nil {
			return err
		}
		written++
	}

	if err := zw.Close(); err != nil {
		return &ArchiveError{Op: "finish", Err: err}
	}
	log.Debug().Str("root", root).Int("entries", written).Msg("files.WriteArchive complete")
	return nil
}

func writeDirEntry(zw *zip.Writer, full, rel string) error {
	info, err := os.Stat(full)
	if err != nil {
		return &ArchiveError{Op: "stat", Path: rel, Err: err}
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return &ArchiveError{Op: "header", Path: rel, Err: err}
	}
	header.Name = rel + "/"
	header.Method = zip.Store
	if _, err := zw.CreateHeader(header); err != nil {
		return &ArchiveError{Op: "create", Path: rel, Err: err}
	}
	return nil
}

func writeFileEntry(zw *zip.Writer, full, rel string) error {
	source, err := os.Open(full)
	if err != nil {
		return &ArchiveError{Op: "open", Path: rel, Err: err}
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return &ArchiveError{Op: "stat", Path: rel, Err: err}
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return &ArchiveError{Op: "header", Path: rel, Err: err}
	}
	header.Name = rel
	header.Method = zip.Deflate

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return &ArchiveError{Op: "create", Path: rel, Err: err}
	}
	if _, err := io.Copy(entry, source); err != nil {
		return &ArchiveError{Op: "copy", Path: rel, Err: err}
	}
	return nil
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
