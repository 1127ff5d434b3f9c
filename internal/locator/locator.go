// Package locator finds a compatible runtime wrapper on the remote host.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/alphadep/internal/transport"
	"github.com/rs/zerolog/log"
)

// CompatFlag is passed to a candidate; a compatible wrapper prints
// CompatProtocol on stdout in its first output chunk.
const (
	CompatFlag     = "--alphadep-compat"
	CompatProtocol = "alphadep-runtime/1"
)

var ErrNoCompatibleRuntime = errors.New("locator: no compatible runtime found")

// DefaultCandidates are tried after any configured hint, in order.
var DefaultCandidates = []string{
	"~/.alphadep/runtime",
	".alphadep/runtime",
	"/bin/alphadep-runtime",
}

// Remote is the slice of a host connection the locator needs.
type Remote interface {
	ResolvePath(ctx context.Context, p string) (string, error)
	Stat(ctx context.Context, p string) (fs.FileInfo, error)
	// Probe runs the command and returns the first stdout chunk, or nil
	// when the command produced none.
	Probe(ctx context.Context, command string) ([]byte, error)
}

// Handle names the wrapper that answered the probe.
type Handle struct {
	Path     string
	Protocol string
}

// Candidates returns hint followed by DefaultCandidates, without blanks or
// repeats.
func Candidates(hint string) []string {
	out := make([]string, 0, len(DefaultCandidates)+1)
	seen := map[string]bool{}
	for _, c := range append([]string{hint}, DefaultCandidates...) {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Locate probes hint and then DefaultCandidates in order and returns the
// first compatible one. Missing paths, directories and non-matching probes
// are skipped; a probe failure on the remote connection aborts the search.
func Locate(ctx context.Context, remote Remote, hint string) (Handle, error) {
	return locateAmong(ctx, remote, Candidates(hint))
}

func locateAmong(ctx context.Context, remote Remote, candidates []string) (Handle, error) {
	if len(candidates) == 0 {
		return Handle{}, fmt.Errorf("%w: no candidates", ErrNoCompatibleRuntime)
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return Handle{}, err
		}

		resolved, err := remote.ResolvePath(ctx, candidate)
		if err != nil {
			log.Debug().Err(err).Str("candidate", candidate).Msg("runtime candidate unresolved")
			continue
		}

		info, err := remote.Stat(ctx, resolved)
		if err != nil {
			log.Debug().Err(err).Str("path", resolved).Msg("runtime candidate missing")
			continue
		}
		if info.IsDir() {
			log.Debug().Str("path", resolved).Msg("runtime candidate is a directory")
			continue
		}

		chunk, err := remote.Probe(ctx, ShellQuote(resolved)+" "+CompatFlag)
		if err != nil {
			return Handle{}, fmt.Errorf("locator: probe %s: %w", resolved, err)
		}
		if !Compatible(chunk) {
			log.Debug().Err(transport.ErrProtocolViolation).Str("path", resolved).Msg("runtime candidate not compatible")
			continue
		}

		log.Info().Str("path", resolved).Msg("runtime located")
		return Handle{Path: resolved, Protocol: CompatProtocol}, nil
	}

	return Handle{}, fmt.Errorf("%w: tried %s", ErrNoCompatibleRuntime, strings.Join(candidates, ", "))
}

// Compatible reports whether a probe's first output chunk carries the
// marker. Invalid UTF-8 is never compatible.
func Compatible(chunk []byte) bool {
	if len(chunk) == 0 || !utf8.Valid(chunk) {
		return false
	}
	return strings.TrimSpace(string(chunk)) == CompatProtocol
}

// ShellQuote single-quotes value for a POSIX shell.
func ShellQuote(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
