package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

// Port is the only SSH port deployments connect to.
const Port = 22

var (
	ErrConnect           = errors.New("transport: connect failed")
	ErrAuth              = errors.New("transport: authentication failed")
	ErrChannel           = errors.New("transport: channel failed")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNotAuthenticated  = errors.New("transport: session not authenticated")
	ErrSessionClosed     = errors.New("transport: session closed")
	ErrFileTransferBusy  = errors.New("transport: file transfer already open")
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config defines session timing and negotiation policy.
type Config struct {
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	KeyExchanges      []string
	Dial              DialFunc
}

// DefaultConfig restricts key exchange to curve25519 and tears idle sessions
// down after 30s without traffic.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		IdleTimeout:       30 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		KeyExchanges: []string{
			"curve25519-sha256",
			"curve25519-sha256@libssh.org",
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = c.IdleTimeout / 3
	}
	if len(c.KeyExchanges) == 0 {
		c.KeyExchanges = def.KeyExchanges
	}
	return c
}

// Identity is the remote login a session authenticates as. Exactly one of
// KeyPath or Password is expected.
type Identity struct {
	Host       string
	User       string
	KeyPath    string
	Passphrase string
	Password   string
	KnownHosts string
}
