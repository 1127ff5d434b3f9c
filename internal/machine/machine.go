// Package machine defines the deployment target boundary and its variants.
//
// Ownership boundary:
// - machine capability contract used by the deploy orchestrator
//
// - variant registry keyed by config.MachineKind
package machine

import (
	"context"
	"errors"

	"github.com/danmuck/alphadep/internal/config"
	"github.com/danmuck/alphadep/internal/locator"
	"github.com/danmuck/alphadep/internal/transport"
)

// Remote file names written next to each other in the login directory.
const (
	RemoteArchiveName = "alphadep-archive"
	RemoteRuntimeName = config.RuntimeFileName
)

var (
	ErrUnsupportedOperation = errors.New("machine: unsupported operation")
	ErrNotConnected         = errors.New("machine: not connected")
	ErrRuntimeNotLocated    = errors.New("machine: runtime not located")
)

// Stream is a running remote command. Events closes at end-of-stream.
type Stream interface {
	Events() <-chan transport.Event
	Close() error
}

// UpdateReport describes what an update pushed to the machine.
type UpdateReport struct {
	RemoteArchive       string
	RemoteRuntimeConfig string
	ArchiveBytes        int64
}

// Machine is one deployment target. Calls are made in lifecycle order by a
// single owner.
type Machine interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) (transport.AuthOutcome, error)
	Update(ctx context.Context) (UpdateReport, error)
	LocateRuntime(ctx context.Context) (locator.Handle, error)
	Build(ctx context.Context) (Stream, error)
	Execute(ctx context.Context) (Stream, error)
	Close() error
}

// Options carries the local inputs every variant needs.
type Options struct {
	ProjectDir string
	Transport  transport.Config
}
