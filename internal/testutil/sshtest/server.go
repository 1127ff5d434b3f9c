// Package sshtest runs an in-process SSH server with exec and sftp support
// for transport-level tests.
package sshtest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecFunc handles one exec request. It returns the exit status and bytes
// written to stdout after the exit status has been sent.
type ExecFunc func(command string, stdout, stderr io.Writer) (status uint32, trailer []byte)

// Options configures the server.
type Options struct {
	User          string
	Password      string
	AuthorizedKey ssh.PublicKey
	// SecondFactor makes a correct password only a partial success.
	SecondFactor bool
	KeyExchanges []string
	// Root is the sftp working directory.
	Root string
	Exec ExecFunc
}

// Server is a listening test server.
type Server struct {
	opts     Options
	listener net.Listener
	hostKey  ssh.Signer

	mu       sync.Mutex
	commands []string
	conns    map[net.Conn]struct{}
	channels atomic.Int64
	wg       sync.WaitGroup
}

// Start listens on loopback and stops the server on test cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &Server{opts: opts, listener: listener, hostKey: hostKey, conns: map[net.Conn]struct{}{}}
	srv.wg.Add(1)
	go srv.serve()
	t.Cleanup(func() {
		_ = listener.Close()
		srv.mu.Lock()
		for conn := range srv.conns {
			_ = conn.Close()
		}
		srv.mu.Unlock()
		srv.wg.Wait()
	})
	return srv
}

// Dial connects to the server regardless of the requested address.
func (s *Server) Dial(ctx context.Context, network, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, s.listener.Addr().String())
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Channels returns the number of session channels accepted.
func (s *Server) Channels() int {
	return int(s.channels.Load())
}

func (s *Server) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{}
	if len(s.opts.KeyExchanges) > 0 {
		cfg.KeyExchanges = s.opts.KeyExchanges
	}
	if s.opts.Password != "" {
		cfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() != s.opts.User || string(password) != s.opts.Password {
				return nil, errors.New("password rejected")
			}
			if s.opts.SecondFactor {
				return nil, &ssh.PartialSuccessError{
					Next: ssh.ServerAuthCallbacks{
						KeyboardInteractiveCallback: func(ssh.ConnMetadata, ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
							return nil, errors.New("second factor rejected")
						},
					},
				}
			}
			return nil, nil
		}
	}
	if s.opts.AuthorizedKey != nil {
		want := s.opts.AuthorizedKey.Marshal()
		cfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != s.opts.User || !bytes.Equal(key.Marshal(), want) {
				return nil, errors.New("key rejected")
			}
			return nil, nil
		}
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

func (s *Server) serve() {
	defer s.wg.Done()
	cfg := s.config()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConn(conn, cfg)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.channels.Add(1)
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(reqs)
			s.runExec(ch, msg.Command)
			return
		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(reqs)
			s.runSFTP(ch)
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, command string) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	var status uint32 = 127
	var trailer []byte
	if s.opts.Exec != nil {
		status, trailer = s.opts.Exec(command, ch, ch.Stderr())
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{status}))
	if len(trailer) > 0 {
		_, _ = ch.Write(trailer)
	}
	_ = ch.CloseWrite()
}

func (s *Server) runSFTP(ch ssh.Channel) {
	var opts []sftp.ServerOption
	if s.opts.Root != "" {
		opts = append(opts, sftp.WithServerWorkingDirectory(s.opts.Root))
	}
	server, err := sftp.NewServer(ch, opts...)
	if err != nil {
		return
	}
	_ = server.Serve()
	_ = server.Close()
}
