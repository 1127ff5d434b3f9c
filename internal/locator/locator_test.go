package locator

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/alphadep/internal/testutil/testlog"
)

type fakeInfo struct {
	name string
	dir  bool
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return 0 }
func (f fakeInfo) Mode() fs.FileMode  { return 0o755 }
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() any           { return nil }

type fakeRemote struct {
	home     string
	files    map[string]bool // path -> isDir
	outputs  map[string][]byte
	probeErr error
	probed   []string
}

func (r *fakeRemote) ResolvePath(_ context.Context, p string) (string, error) {
	if strings.HasPrefix(p, "~/") {
		return path.Join(r.home, p[2:]), nil
	}
	if !path.IsAbs(p) {
		return path.Join(r.home, p), nil
	}
	return p, nil
}

func (r *fakeRemote) Stat(_ context.Context, p string) (fs.FileInfo, error) {
	dir, ok := r.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return fakeInfo{name: path.Base(p), dir: dir}, nil
}

func (r *fakeRemote) Probe(_ context.Context, command string) ([]byte, error) {
	r.probed = append(r.probed, command)
	if r.probeErr != nil {
		return nil, r.probeErr
	}
	return r.outputs[command], nil
}

func probeCommand(p string) string {
	return ShellQuote(p) + " " + CompatFlag
}

func TestLocateStopsAtFirstCompatible(t *testing.T) {
	testlog.Start(t)
	remote := &fakeRemote{
		home: "/home/deploy",
		files: map[string]bool{
			"/home/deploy/.alphadep/runtime": false,
			"/bin/alphadep-runtime":          false,
		},
		outputs: map[string][]byte{
			probeCommand("/home/deploy/.alphadep/runtime"): []byte("alphadep-runtime/1\n"),
			probeCommand("/bin/alphadep-runtime"):          []byte("alphadep-runtime/1\n"),
		},
	}

	handle, err := Locate(context.Background(), remote, "")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if handle.Path != "/home/deploy/.alphadep/runtime" || handle.Protocol != CompatProtocol {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if len(remote.probed) != 1 {
		t.Fatalf("expected one probe, got %v", remote.probed)
	}
}

func TestLocateSkipsDirectoriesAndIncompatible(t *testing.T) {
	remote := &fakeRemote{
		home: "/home/deploy",
		files: map[string]bool{
			"/opt/hint":                      false,
			"/home/deploy/.alphadep/runtime": true,
			"/bin/alphadep-runtime":          false,
		},
		outputs: map[string][]byte{
			probeCommand("/opt/hint"):             []byte("something-else/2"),
			probeCommand("/bin/alphadep-runtime"): []byte("  alphadep-runtime/1  "),
		},
	}

	handle, err := Locate(context.Background(), remote, "/opt/hint")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if handle.Path != "/bin/alphadep-runtime" {
		t.Fatalf("unexpected handle %q", handle.Path)
	}
	for _, cmd := range remote.probed {
		if strings.Contains(cmd, ".alphadep/runtime") {
			t.Fatalf("directory candidate was probed: %v", remote.probed)
		}
	}
}

func TestLocateExhaustion(t *testing.T) {
	remote := &fakeRemote{home: "/home/deploy", files: map[string]bool{}}

	if _, err := Locate(context.Background(), remote, ""); !errors.Is(err, ErrNoCompatibleRuntime) {
		t.Fatalf("expected ErrNoCompatibleRuntime, got %v", err)
	}
	if _, err := locateAmong(context.Background(), remote, nil); !errors.Is(err, ErrNoCompatibleRuntime) {
		t.Fatalf("expected ErrNoCompatibleRuntime for empty list, got %v", err)
	}
	if len(remote.probed) != 0 {
		t.Fatalf("missing candidates must not be probed: %v", remote.probed)
	}
}

func TestLocateProbeFailureAborts(t *testing.T) {
	boom := errors.New("channel refused")
	remote := &fakeRemote{
		home:     "/home/deploy",
		files:    map[string]bool{"/home/deploy/.alphadep/runtime": false, "/bin/alphadep-runtime": false},
		probeErr: boom,
	}

	_, err := Locate(context.Background(), remote, "")
	if !errors.Is(err, boom) || errors.Is(err, ErrNoCompatibleRuntime) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if len(remote.probed) != 1 {
		t.Fatalf("expected search to stop after failure, got %v", remote.probed)
	}
}

func TestCompatible(t *testing.T) {
	cases := map[string]struct {
		chunk []byte
		want  bool
	}{
		"exact":     {[]byte("alphadep-runtime/1"), true},
		"newline":   {[]byte("alphadep-runtime/1\r\n"), true},
		"empty":     {nil, false},
		"other":     {[]byte("alphadep-runtime/2"), false},
		"prefix":    {[]byte("alphadep-runtime/1 extra"), false},
		"bad utf-8": {[]byte{0xff, 0xfe, 'a'}, false},
	}
	for name, tc := range cases {
		if got := Compatible(tc.chunk); got != tc.want {
			t.Fatalf("%s: Compatible(%q) = %v, want %v", name, tc.chunk, got, tc.want)
		}
	}
}

func TestCandidatesOrderAndDedup(t *testing.T) {
	got := Candidates("/bin/alphadep-runtime")
	want := []string{"/bin/alphadep-runtime", "~/.alphadep/runtime", ".alphadep/runtime"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected candidates %v", got)
	}
}

func TestShellQuote(t *testing.T) {
	if got := ShellQuote("it's"); got != `'it'"'"'s'` {
		t.Fatalf("unexpected quote %q", got)
	}
	if got := ShellQuote(""); got != "''" {
		t.Fatalf("unexpected empty quote %q", got)
	}
}
