package files

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrInvalidPattern = errors.New("files: invalid glob pattern")
	ErrGlob           = errors.New("files: glob enumeration failed")
	ErrArchive        = errors.New("files: archive failed")
	ErrUnsafeEntry    = errors.New("files: archive entry escapes destination")
)

// PatternError reports a malformed include or exclude pattern.
type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("%v: %q", ErrInvalidPattern, e.Pattern)
}

func (e *PatternError) Unwrap() error {
	return ErrInvalidPattern
}

// GlobError reports a filesystem failure while enumerating the project tree.
type GlobError struct {
	Path string
	Err  error
}

func (e *GlobError) Error() string {
	return fmt.Sprintf("%v: path=%q: %v", ErrGlob, e.Path, e.Err)
}

func (e *GlobError) Unwrap() []error {
	return []error{ErrGlob, e.Err}
}

// Kind classifies the underlying I/O failure.
func (e *GlobError) Kind() error {
	for _, kind := range []error{fs.ErrNotExist, fs.ErrPermission, fs.ErrInvalid, fs.ErrExist} {
		if errors.Is(e.Err, kind) {
			return kind
		}
	}
	return e.Err
}

// ArchiveError reports the step and path at which writing an archive stopped.
type ArchiveError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %s: %v", ErrArchive, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s path=%q: %v", ErrArchive, e.Op, e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() []error {
	return []error{ErrArchive, e.Err}
}
