package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// State is the session lifecycle state.
type State string

const (
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateClosed        State = "closed"
)

// Session is one SSH connection to a remote host. It is safe for concurrent
// use by the channels and file transfer opened from it.
type Session struct {
	cfg      Config
	identity Identity
	addr     string

	mu     sync.Mutex
	state  State
	conn   net.Conn
	client *ssh.Client
	done   chan struct{}

	transferOpen atomic.Bool
}

// Dial opens the TCP connection to identity.Host on Port.
func Dial(ctx context.Context, cfg Config, identity Identity) (*Session, error) {
	cfg = cfg.WithDefaults()

	host := strings.TrimSpace(identity.Host)
	if host == "" {
		return nil, fmt.Errorf("%w: ssh host is required", ErrConnect)
	}
	if strings.TrimSpace(identity.User) == "" {
		return nil, fmt.Errorf("%w: ssh user is required", ErrConnect)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(Port))

	dial := cfg.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		dial = dialer.DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, addr, err)
	}

	log.Debug().Str("addr", addr).Msg("transport connected")
	return &Session{
		cfg:      cfg,
		identity: identity,
		addr:     addr,
		state:    StateConnected,
		conn:     newIdleConn(conn, cfg.IdleTimeout),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the remote address the session dialed.
func (s *Session) Addr() string {
	return s.addr
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticate negotiates keys and presents the identity. A failed handshake
// leaves the session closed.
func (s *Session) Authenticate(ctx context.Context) (AuthOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return AuthFailure, ErrSessionClosed
	case StateAuthenticated:
		return AuthSuccess, nil
	}

	method, attempt, err := authMethods(s.identity)
	if err != nil {
		s.closeLocked()
		return AuthFailure, fmt.Errorf("%w: load identity: %v", ErrAuth, err)
	}
	callback, err := hostKeyCallback(s.identity.KnownHosts)
	if err != nil {
		s.closeLocked()
		return AuthFailure, fmt.Errorf("%w: known hosts: %v", ErrConnect, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.identity.User,
		Auth:            []ssh.AuthMethod{method},
		HostKeyCallback: callback,
		Timeout:         s.cfg.ConnectTimeout,
		Config: ssh.Config{
			KeyExchanges: s.cfg.KeyExchanges,
		},
	}

	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(s.conn, s.addr, clientCfg)
	stop()
	if err != nil {
		s.closeLocked()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return AuthFailure, fmt.Errorf("%w: %v", ErrConnect, ctxErr)
		}
		return classifyHandshake(err, attempt)
	}

	s.client = ssh.NewClient(clientConn, chans, reqs)
	s.state = StateAuthenticated
	go s.keepalive(s.client, s.cfg.KeepaliveInterval, s.done)

	log.Debug().Str("addr", s.addr).Str("user", s.identity.User).Msg("transport authenticated")
	return AuthSuccess, nil
}

func (s *Session) keepalive(client *ssh.Client, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Debug().Err(err).Str("addr", s.addr).Msg("keepalive stopped")
				return
			}
		}
	}
}

func (s *Session) authenticatedClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateAuthenticated:
		return s.client, nil
	default:
		return nil, ErrNotAuthenticated
	}
}

// Close tears the connection down. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	close(s.done)

	var err error
	if s.client != nil {
		err = s.client.Close()
	} else {
		err = s.conn.Close()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("transport: close %s: %w", s.addr, err)
	}
	return nil
}
