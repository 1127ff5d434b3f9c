package transport

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthOutcome is the result of presenting the identity to the server.
type AuthOutcome int

const (
	AuthFailure AuthOutcome = iota
	AuthSuccess
	AuthPartial
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthSuccess:
		return "success"
	case AuthPartial:
		return "partial"
	default:
		return "failure"
	}
}

// authAttempt records whether the configured method was ever offered, which
// is how a partial success is told apart from a rejection.
type authAttempt struct {
	method  string
	offered atomic.Bool
}

func authMethods(id Identity) (ssh.AuthMethod, *authAttempt, error) {
	if id.Password != "" {
		attempt := &authAttempt{method: "password"}
		password := id.Password
		return ssh.PasswordCallback(func() (string, error) {
			attempt.offered.Store(true)
			return password, nil
		}), attempt, nil
	}

	signer, err := loadSigner(id.KeyPath, id.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	attempt := &authAttempt{method: "publickey"}
	return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		attempt.offered.Store(true)
		return []ssh.Signer{signer}, nil
	}), attempt, nil
}

func loadSigner(keyPath string, passphrase string) (ssh.Signer, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}

	privateKey, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, []byte(passphrase))
	}

	return ssh.ParsePrivateKey(privateKey)
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(knownHostsPath)
	if path == "" {
		log.Warn().Msg("host key verification disabled; set known-hosts to pin the server key")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(path)
}

// classifyHandshake maps a failed ssh handshake onto connect vs auth errors.
// x/crypto reports "unable to authenticate, attempted methods [...]" once no
// usable method remains; a method that was offered but is missing from that
// list was answered with partial success.
func classifyHandshake(err error, attempt *authAttempt) (AuthOutcome, error) {
	msg := err.Error()
	if !strings.Contains(msg, "unable to authenticate") {
		return AuthFailure, fmt.Errorf("%w: handshake: %v", ErrConnect, err)
	}

	if attempt != nil && attempt.offered.Load() && !attemptedMethods(msg)[attempt.method] {
		return AuthPartial, fmt.Errorf("%w: server requires further authentication after %s", ErrAuth, attempt.method)
	}

	return AuthFailure, fmt.Errorf("%w: %v", ErrAuth, err)
}

func attemptedMethods(msg string) map[string]bool {
	out := map[string]bool{}
	const marker = "attempted methods ["
	start := strings.Index(msg, marker)
	if start < 0 {
		return out
	}
	rest := msg[start+len(marker):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return out
	}
	for _, method := range strings.Fields(rest[:end]) {
		out[method] = true
	}
	return out
}
