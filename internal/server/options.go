package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"commlink/internal/auth"
	"commlink/internal/heartbeat"
	"commlink/internal/protocol"
	"commlink/internal/session"

	"golang.org/x/time/rate"
)

const (
	DefaultPort             = 8080
	DefaultHandshakeTimeout = 30 * time.Second
)

// Options is the server policy. It is read once by New; verifiers may still
// be replaced through the setters until Start.
type Options struct {
	Host string
	Port int // 0 picks a free port

	KeepMessages bool

	UseMagic         bool
	ExpectedMagic    string
	UseCredentials   bool
	ExpectedUsername string
	ExpectedPassword string

	// Custom verifiers take precedence over the expected values above.
	MagicVerifier      auth.MagicVerifier
	CredentialVerifier auth.CredentialVerifier

	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration // peers younger than this are not beaten; Interval when zero
	HandshakeTimeout  time.Duration // peers not accepted in time are dropped; zero disables
	ReadTimeout       time.Duration // idle timeout per peer, zero waits forever
	VerifyTimeout     time.Duration // per verifier call; auth.DefaultVerifyTimeout when zero

	RateLimit      rate.Limit // inbound records per second per peer, zero disables
	RateBurst      int
	MaxMessageSize int

	Sessions session.Store // optional record of accepted peers
	Logger   *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Port:              DefaultPort,
		KeepMessages:      true,
		HeartbeatInterval: heartbeat.DefaultInterval,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		VerifyTimeout:     auth.DefaultVerifyTimeout,
		MaxMessageSize:    protocol.MaxMessageSize,
	}
}

// Addr is the listening address built from Host and Port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) validate() error {
	if o.UseMagic && o.ExpectedMagic == "" && o.MagicVerifier == nil {
		return fmt.Errorf("%w: magic is required but no expected magic or verifier is set", protocol.ErrConfiguration)
	}
	if o.UseCredentials && o.ExpectedUsername == "" && o.CredentialVerifier == nil {
		return fmt.Errorf("%w: credentials are required but no expected username or verifier is set", protocol.ErrConfiguration)
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", protocol.ErrConfiguration, o.Port)
	}
	return nil
}
