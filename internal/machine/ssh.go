package machine

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/alphadep/internal/config"
	"github.com/danmuck/alphadep/internal/files"
	"github.com/danmuck/alphadep/internal/locator"
	"github.com/danmuck/alphadep/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SSH is the remote/ssh machine variant.
type SSH struct {
	project config.Project
	target  config.SSHMachine
	root    string
	tcfg    transport.Config

	wrapper locator.Handle

	// closeMu guards the fields Close reads, since Close may run
	// concurrently with a phase to abort it.
	closeMu sync.Mutex
	session *transport.Session
	report  UpdateReport
	closed  bool
}

// NewSSH builds a remote/ssh machine. It does not touch the network.
func NewSSH(project config.Project, opts Options) (Machine, error) {
	if project.Machine.SSH == nil {
		return nil, fmt.Errorf("%w: remote/ssh machine settings missing", config.ErrInvalidConfig)
	}
	root := opts.ProjectDir
	if root == "" {
		root = "."
	}
	return &SSH{
		project: project,
		target:  *project.Machine.SSH,
		root:    root,
		tcfg:    opts.Transport,
	}, nil
}

// identity passes only the credential of the configured identity kind.
func (m *SSH) identity() transport.Identity {
	id := transport.Identity{
		Host: m.target.Host,
		User: m.target.User,
	}
	if m.target.KnownHosts != "" {
		id.KnownHosts = config.ExpandHome(m.target.KnownHosts)
	}
	switch m.target.Identity.Kind() {
	case config.IdentityKey:
		id.KeyPath = config.ExpandHome(m.target.Identity.KeyPath)
		id.Passphrase = m.target.Identity.Passphrase
	case config.IdentityPassword:
		id.Password = m.target.Identity.Password
	}
	return id
}

// Connect dials the target. A machine closed while the dial was in flight
// closes the new session and reports transport.ErrSessionClosed.
func (m *SSH) Connect(ctx context.Context) error {
	session, err := transport.Dial(ctx, m.tcfg, m.identity())
	if err != nil {
		return err
	}

	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		_ = session.Close()
		return transport.ErrSessionClosed
	}
	m.session = session
	return nil
}

func (m *SSH) current() (*transport.Session, error) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.session == nil {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

func (m *SSH) Authenticate(ctx context.Context) (transport.AuthOutcome, error) {
	session, err := m.current()
	if err != nil {
		return transport.AuthFailure, err
	}
	return session.Authenticate(ctx)
}

// Update archives the project into a uniquely named local temp file and
// uploads it with the runtime config. The temp file is always removed.
func (m *SSH) Update(ctx context.Context) (UpdateReport, error) {
	session, err := m.current()
	if err != nil {
		return UpdateReport{}, err
	}

	tmpPath, err := m.writeLocalArchive()
	if tmpPath != "" {
		defer func() {
			if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warn().Err(rmErr).Str("path", tmpPath).Msg("temp archive not removed")
			}
		}()
	}
	if err != nil {
		return UpdateReport{}, err
	}

	archive, err := os.Open(tmpPath)
	if err != nil {
		return UpdateReport{}, fmt.Errorf("%w: reopen temp archive: %v", files.ErrArchive, err)
	}
	defer archive.Close()

	var runtimeDoc bytes.Buffer
	if err := config.RuntimeFromProject(m.project).Encode(&runtimeDoc); err != nil {
		return UpdateReport{}, err
	}

	ft, err := session.OpenFileTransfer(ctx)
	if err != nil {
		return UpdateReport{}, err
	}
	defer ft.Close()

	report := UpdateReport{}
	if report.RemoteArchive, err = ft.ResolvePath(RemoteArchiveName); err != nil {
		return UpdateReport{}, err
	}
	if report.RemoteRuntimeConfig, err = ft.ResolvePath(RemoteRuntimeName); err != nil {
		return UpdateReport{}, err
	}
	if report.ArchiveBytes, err = ft.Upload(archive, report.RemoteArchive); err != nil {
		return UpdateReport{}, err
	}
	if _, err := ft.Upload(&runtimeDoc, report.RemoteRuntimeConfig); err != nil {
		return UpdateReport{}, err
	}

	m.closeMu.Lock()
	m.report = report
	m.closeMu.Unlock()
	log.Info().
		Str("archive", report.RemoteArchive).
		Int64("bytes", report.ArchiveBytes).
		Msg("archive uploaded")
	return report, nil
}

func (m *SSH) writeLocalArchive() (string, error) {
	dir := filepath.Join(os.TempDir(), "alphadep-archive")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: temp dir: %v", files.ErrArchive, err)
	}
	tmpPath := filepath.Join(dir, uuid.NewString())

	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("%w: create temp archive: %v", files.ErrArchive, err)
	}
	rules := files.Rules{
		Includes: m.project.Deployment.Files.Includes,
		Excludes: m.project.Deployment.Files.Excludes,
	}
	// A leftover --write-archive output in the project root is never shipped.
	stale := filepath.Join(m.root, RemoteArchiveName)
	if err := files.Archive(out, m.root, rules, tmpPath, stale); err != nil {
		_ = out.Close()
		return tmpPath, err
	}
	if err := out.Close(); err != nil {
		return tmpPath, fmt.Errorf("%w: close temp archive: %v", files.ErrArchive, err)
	}
	return tmpPath, nil
}

func (m *SSH) LocateRuntime(ctx context.Context) (locator.Handle, error) {
	session, err := m.current()
	if err != nil {
		return locator.Handle{}, err
	}

	ft, err := session.OpenFileTransfer(ctx)
	if err != nil {
		return locator.Handle{}, err
	}
	defer ft.Close()

	handle, err := locator.Locate(ctx, &sshRemote{session: session, ft: ft}, m.target.Runtime.Path)
	if err != nil {
		return locator.Handle{}, err
	}
	m.wrapper = handle
	return handle, nil
}

// Build runs the wrapper's build step. Building on the target is not
// supported and fails before any channel is opened.
func (m *SSH) Build(ctx context.Context) (Stream, error) {
	if m.project.Deployment.Build.Machine == config.BuildOnTarget {
		return nil, fmt.Errorf("%w: build on target machine", ErrUnsupportedOperation)
	}
	return m.run(ctx, "build")
}

func (m *SSH) Execute(ctx context.Context) (Stream, error) {
	return m.run(ctx, "execute")
}

func (m *SSH) run(ctx context.Context, step string) (Stream, error) {
	session, err := m.current()
	if err != nil {
		return nil, err
	}
	if m.wrapper.Path == "" {
		return nil, ErrRuntimeNotLocated
	}

	ch, err := session.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	command := m.wrapperCommand(step)
	if err := ch.Exec(command); err != nil {
		_ = ch.Close()
		return nil, err
	}
	log.Debug().Str("command", command).Msg("remote step started")
	return ch, nil
}

// wrapperCommand passes --refresh only to the first step that runs, so a
// build's output survives into execute.
func (m *SSH) wrapperCommand(step string) string {
	firstStep := "execute"
	if m.project.Deployment.Build.HasScript() {
		firstStep = "build"
	}
	parts := []string{locator.ShellQuote(m.wrapper.Path), step}
	if m.target.Runtime.AlwaysUpdate && step == firstStep {
		parts = append(parts, "--refresh")
	}
	if m.target.Runtime.Temporary {
		parts = append(parts, "--temporary")
	}
	return strings.Join(parts, " ")
}

// Close removes uploaded files when the runtime is temporary and then closes
// the session. Closing twice is a no-op, and a closed machine cannot be
// connected again.
func (m *SSH) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	m.closed = true
	if m.session == nil {
		return nil
	}
	if m.target.Runtime.Temporary && m.report.RemoteArchive != "" {
		m.removeUploads()
	}
	return m.session.Close()
}

func (m *SSH) removeUploads() {
	ft, err := m.session.OpenFileTransfer(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("temporary files not removed")
		return
	}
	defer ft.Close()
	for _, p := range []string{m.report.RemoteArchive, m.report.RemoteRuntimeConfig} {
		if err := ft.Remove(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("temporary file not removed")
		}
	}
	m.report = UpdateReport{}
}

// sshRemote adapts a session and its file transfer to locator.Remote.
type sshRemote struct {
	session *transport.Session
	ft      *transport.FileTransfer
}

func (r *sshRemote) ResolvePath(_ context.Context, p string) (string, error) {
	return r.ft.ResolvePath(p)
}

func (r *sshRemote) Stat(_ context.Context, p string) (fs.FileInfo, error) {
	return r.ft.Stat(p)
}

// Probe returns the first stdout chunk of command on a fresh channel.
func (r *sshRemote) Probe(ctx context.Context, command string) ([]byte, error) {
	ch, err := r.session.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	if err := ch.Exec(command); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch.Events():
			if !ok {
				return nil, nil
			}
			if ev.Kind == transport.EventData {
				return ev.Data, nil
			}
		}
	}
}

var _ Machine = (*SSH)(nil)
