package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// FileTransfer is the sftp sub-session. At most one is open per Session.
type FileTransfer struct {
	client  *sftp.Client
	release func()
	cwd     string
}

// OpenFileTransfer starts the sftp subsystem on a fresh channel.
func (s *Session) OpenFileTransfer(ctx context.Context) (*FileTransfer, error) {
	client, err := s.authenticatedClient()
	if err != nil {
		return nil, err
	}
	if !s.transferOpen.CompareAndSwap(false, true) {
		return nil, ErrFileTransferBusy
	}
	release := func() { s.transferOpen.Store(false) }

	ft, err := openFileTransfer(ctx, client)
	if err != nil {
		release()
		return nil, err
	}
	ft.release = release
	return ft, nil
}

func openFileTransfer(ctx context.Context, client *ssh.Client) (*FileTransfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open sftp channel: %v", ErrChannel, err)
	}
	go ssh.DiscardRequests(reqs)

	ok, err := ch.SendRequest("subsystem", true, ssh.Marshal(&subsystemMsg{Name: "sftp"}))
	if err != nil || !ok {
		_ = ch.Close()
		if err == nil {
			err = fmt.Errorf("subsystem request rejected")
		}
		return nil, fmt.Errorf("%w: sftp subsystem: %v", ErrChannel, err)
	}

	sc, err := sftp.NewClientPipe(ch, ch)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: sftp init: %v", ErrProtocolViolation, err)
	}
	return &FileTransfer{client: sc}, nil
}

// Create opens remotePath for writing, truncating any existing file.
func (f *FileTransfer) Create(remotePath string) (io.WriteCloser, error) {
	file, err := f.client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("sftp create %s: %w", remotePath, err)
	}
	return file, nil
}

// Upload copies r into remotePath and returns the bytes written.
func (f *FileTransfer) Upload(r io.Reader, remotePath string) (int64, error) {
	w, err := f.Create(remotePath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return n, fmt.Errorf("sftp write %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("sftp close %s: %w", remotePath, err)
	}
	return n, nil
}

// Stat returns remote metadata for remotePath.
func (f *FileTransfer) Stat(remotePath string) (os.FileInfo, error) {
	return f.client.Stat(remotePath)
}

// Remove deletes a remote file.
func (f *FileTransfer) Remove(remotePath string) error {
	return f.client.Remove(remotePath)
}

// ResolvePath makes remotePath absolute against the remote login directory,
// expanding a leading "~/".
func (f *FileTransfer) ResolvePath(remotePath string) (string, error) {
	if path.IsAbs(remotePath) {
		return path.Clean(remotePath), nil
	}
	if f.cwd == "" {
		wd, err := f.client.Getwd()
		if err != nil {
			return "", fmt.Errorf("sftp working directory: %w", err)
		}
		f.cwd = wd
	}

	rel := remotePath
	switch {
	case rel == "~":
		rel = "."
	case strings.HasPrefix(rel, "~/"):
		rel = rel[2:]
	}
	return path.Join(f.cwd, rel), nil
}

// Close ends the sftp sub-session and frees the slot for another one.
func (f *FileTransfer) Close() error {
	err := f.client.Close()
	if f.release != nil {
		f.release()
		f.release = nil
	}
	return err
}
