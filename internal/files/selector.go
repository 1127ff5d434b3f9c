package files

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
)

// DefaultExcludes are unioned into every exclude set.
var DefaultExcludes = []string{
	"alphadep.toml",
	".git",
	".env",
}

// Rules is the include/exclude selection applied to a project root.
type Rules struct {
	Includes []string
	Excludes []string
}

// FileSet is a set of slash-separated paths relative to the project root.
// The value records whether the path is a directory.
type FileSet struct {
	paths map[string]bool
}

func NewFileSet() FileSet {
	return FileSet{paths: make(map[string]bool)}
}

func (s FileSet) Add(p string, isDir bool) {
	s.paths[p] = isDir
}

func (s FileSet) Contains(p string) bool {
	_, ok := s.paths[p]
	return ok
}

func (s FileSet) IsDir(p string) bool {
	return s.paths[p]
}

func (s FileSet) Len() int {
	return len(s.paths)
}

// Sorted returns members in lexical order.
func (s FileSet) Sorted() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type pathSet map[string]struct{}

// Resolve applies rules to every path under root. An include always beats an
// exclude on the same path, and an excluded directory hides its contents
// unless a closer include restores them.
func Resolve(root string, rules Rules) (FileSet, error) {
	fsys := os.DirFS(root)

	universe, err := enumerate(fsys)
	if err != nil {
		return FileSet{}, err
	}

	excludes := make(pathSet)
	for _, pattern := range append(append([]string{}, rules.Excludes...), DefaultExcludes...) {
		if err := expand(fsys, pattern, excludes); err != nil {
			return FileSet{}, err
		}
	}
	includes := make(pathSet)
	for _, pattern := range rules.Includes {
		if err := expand(fsys, pattern, includes); err != nil {
			return FileSet{}, err
		}
	}
	for p := range includes {
		delete(excludes, p)
	}

	set := NewFileSet()
	for p, isDir := range universe {
		if excluded(p, includes, excludes) {
			continue
		}
		set.Add(p, isDir)
	}
	log.Debug().
		Str("root", root).
		Int("candidates", len(universe)).
		Int("selected", set.Len()).
		Msg("files.Resolve")
	return set, nil
}

// excluded walks from p toward the root; the nearest marked path decides.
func excluded(p string, includes, excludes pathSet) bool {
	for q := p; q != "." && q != "/" && q != ""; q = path.Dir(q) {
		if _, ok := includes[q]; ok {
			return false
		}
		if _, ok := excludes[q]; ok {
			return true
		}
	}
	return false
}

func enumerate(fsys fs.FS) (map[string]bool, error) {
	out := make(map[string]bool)
	err := doublestar.GlobWalk(fsys, "**/*", func(p string, d fs.DirEntry) error {
		isDir := d.IsDir()
		if d.Type()&fs.ModeSymlink != 0 {
			info, err := fs.Stat(fsys, p)
			if err != nil {
				return &GlobError{Path: p, Err: err}
			}
			isDir = info.IsDir()
		}
		out[p] = isDir
		return nil
	}, doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, globError(err)
	}
	return out, nil
}

// expand adds every match of pattern to into. A pattern whose final
// component is ** matches directories only.
func expand(fsys fs.FS, pattern string, into pathSet) error {
	p := normalizePattern(pattern)
	if p == "" || !doublestar.ValidatePattern(p) {
		return &PatternError{Pattern: pattern}
	}
	dirsOnly := p == "**" || strings.HasSuffix(p, "/**")

	err := doublestar.GlobWalk(fsys, p, func(match string, d fs.DirEntry) error {
		if dirsOnly && !d.IsDir() {
			return nil
		}
		into[match] = struct{}{}
		return nil
	}, doublestar.WithFailOnIOErrors())
	if err != nil {
		if errors.Is(err, doublestar.ErrBadPattern) {
			return &PatternError{Pattern: pattern}
		}
		return globError(err)
	}
	return nil
}

func normalizePattern(pattern string) string {
	p := strings.TrimSpace(pattern)
	for strings.HasPrefix(p, "./") {
		p = strings.TrimPrefix(p, "./")
	}
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

func globError(err error) error {
	var globErr *GlobError
	if errors.As(err, &globErr) {
		return globErr
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &GlobError{Path: pathErr.Path, Err: pathErr.Err}
	}
	return &GlobError{Err: err}
}
