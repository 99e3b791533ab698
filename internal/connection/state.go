package connection

import (
	"fmt"
	"strings"
)

// AuthState is the handshake progress of a connection. States only move
// forward while the connection is open.
type AuthState int

const (
	Connected AuthState = iota
	AwaitingMagic
	AwaitingCredentials
	Accepted
)

var authStateNames = [...]string{
	Connected:           "connected",
	AwaitingMagic:       "awaiting_magic",
	AwaitingCredentials: "awaiting_credentials",
	Accepted:            "accepted",
}

func (s AuthState) String() string {
	if s < Connected || s > Accepted {
		return fmt.Sprintf("auth_state(%d)", int(s))
	}
	return authStateNames[s]
}

// ParseAuthState accepts the names produced by String, case-insensitively.
func ParseAuthState(name string) (AuthState, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range authStateNames {
		if n == name {
			return AuthState(s), nil
		}
	}
	return Connected, fmt.Errorf("unknown auth state %q", name)
}

func (s AuthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AuthState) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
