package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"commlink/internal/connection"
	"commlink/internal/protocol"
)

// Peer identifies the connection a handshake value came from.
type Peer struct {
	ID         string
	RemoteAddr string
}

func peerOf(c *connection.Connection) Peer {
	return Peer{ID: c.ID(), RemoteAddr: c.RemoteAddr()}
}

// MagicVerifier decides whether a magic string is acceptable. A non-nil error
// means the check itself could not run; the handshake is rejected either way.
type MagicVerifier interface {
	VerifyMagic(ctx context.Context, magic string, peer Peer) (bool, error)
}

// CredentialVerifier decides whether a username/password pair is acceptable.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username, password string, peer Peer) (bool, error)
}

// Verifier checks both handshake steps.
type Verifier interface {
	MagicVerifier
	CredentialVerifier
}

type MagicFunc func(ctx context.Context, magic string, peer Peer) (bool, error)

func (f MagicFunc) VerifyMagic(ctx context.Context, magic string, peer Peer) (bool, error) {
	return f(ctx, magic, peer)
}

type CredentialFunc func(ctx context.Context, username, password string, peer Peer) (bool, error)

func (f CredentialFunc) VerifyCredentials(ctx context.Context, username, password string, peer Peer) (bool, error) {
	return f(ctx, username, password, peer)
}

// Static compares handshake values against fixed expected values.
type Static struct {
	Magic    string
	Username string
	Password string
}

func (s Static) VerifyMagic(_ context.Context, magic string, _ Peer) (bool, error) {
	return equal(s.Magic, magic), nil
}

func (s Static) VerifyCredentials(_ context.Context, username, password string, _ Peer) (bool, error) {
	// evaluate both so the comparison time does not reveal which one failed
	userOK := equal(s.Username, username)
	passOK := equal(s.Password, password)
	return userOK && passOK, nil
}

func equal(expected, given string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

// DefaultVerifyTimeout bounds a single verifier call when the policy sets none.
const DefaultVerifyTimeout = 5 * time.Second

// Policy is the acceptor's handshake configuration.
type Policy struct {
	UseMagic       bool
	UseCredentials bool
	Magic          MagicVerifier
	Credentials    CredentialVerifier

	// VerifyTimeout caps each verifier call. Verifiers run on the server's
	// dispatch goroutine, so a stuck backend would stall every peer.
	VerifyTimeout time.Duration
}

func (p Policy) verifyTimeout() time.Duration {
	if p.VerifyTimeout > 0 {
		return p.VerifyTimeout
	}
	return DefaultVerifyTimeout
}

// Validate reports a policy that requires a step it has no verifier for.
func (p Policy) Validate() error {
	if p.UseMagic && p.Magic == nil {
		return fmt.Errorf("%w: magic is required but no magic verifier is set", protocol.ErrConfiguration)
	}
	if p.UseCredentials && p.Credentials == nil {
		return fmt.Errorf("%w: credentials are required but no credential verifier is set", protocol.ErrConfiguration)
	}
	return nil
}
