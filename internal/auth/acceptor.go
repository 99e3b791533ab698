package auth

import (
	"context"
	"fmt"
	"log/slog"

	"commlink/internal/connection"
	"commlink/internal/protocol"
)

// Rejection reasons sent to the peer in the failure reply.
const (
	ReasonParamCount          = "incorrect number of params"
	ReasonNullParam           = "null param given"
	ReasonBadMagicType        = "magic must be a string"
	ReasonBadCredentials      = "credentials must be a map with username and password"
	ReasonIncorrectMagic      = "incorrect magic"
	ReasonInvalidCredentials  = "invalid credentials"
	ReasonNotAuthenticated    = "not authenticated"
	ReasonUnexpectedHandshake = "unexpected handshake step"
)

// Acceptor drives the server side of the handshake for every peer.
type Acceptor struct {
	policy Policy
	logger *slog.Logger
}

func NewAcceptor(policy Policy, logger *slog.Logger) (*Acceptor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Acceptor{policy: policy, logger: logger.With("component", "acceptor")}, nil
}

// Begin issues the first challenge to a freshly connected peer, or accepts it
// straight away when the policy asks for nothing.
func (a *Acceptor) Begin(c *connection.Connection) error {
	switch {
	case a.policy.UseMagic:
		return a.challenge(c, connection.AwaitingMagic, protocol.New(protocol.RequestMagic))
	case a.policy.UseCredentials:
		return a.challenge(c, connection.AwaitingCredentials, protocol.New(protocol.RequestCredentials))
	default:
		return a.challenge(c, connection.Accepted, protocol.New(protocol.Accepted))
	}
}

func (a *Acceptor) challenge(c *connection.Connection, state connection.AuthState, msg *protocol.Message) error {
	if err := c.SetAuthState(state); err != nil {
		return err
	}
	if err := c.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Request, err)
	}
	return nil
}

// Intercept handles everything a peer sends before it is accepted.
func (a *Acceptor) Intercept(c *connection.Connection, msg *protocol.Message) (bool, error) {
	state := c.AuthState()

	switch msg.Request {
	case protocol.SendMagic:
		if state != connection.AwaitingMagic {
			return true, a.reject(c, msg, ReasonUnexpectedHandshake)
		}
		return true, a.checkMagic(c, msg)

	case protocol.SendCredentials:
		if state != connection.AwaitingCredentials {
			return true, a.reject(c, msg, ReasonUnexpectedHandshake)
		}
		return true, a.checkCredentials(c, msg)
	}

	return true, a.reject(c, msg, ReasonNotAuthenticated)
}

func (a *Acceptor) checkMagic(c *connection.Connection, msg *protocol.Message) error {
	value, reason := singleParam(msg)
	if reason != "" {
		return a.reject(c, msg, reason)
	}
	magic, ok := value.(string)
	if !ok {
		return a.reject(c, msg, ReasonBadMagicType)
	}

	ctx, cancel := context.WithTimeout(c.Context(), a.policy.verifyTimeout())
	defer cancel()
	valid, err := a.policy.Magic.VerifyMagic(ctx, magic, peerOf(c))
	if err != nil {
		a.logger.Error("magic_verification_error",
			"peer_id", c.ID(),
			"error", err.Error(),
		)
	}
	if err != nil || !valid {
		return a.reject(c, msg, ReasonIncorrectMagic)
	}

	if a.policy.UseCredentials {
		if err := c.SetAuthState(connection.AwaitingCredentials); err != nil {
			return err
		}
		return respond(c, msg, protocol.Succeeded(protocol.RequestCredentials))
	}
	return a.accept(c, msg)
}

func (a *Acceptor) checkCredentials(c *connection.Connection, msg *protocol.Message) error {
	value, reason := singleParam(msg)
	if reason != "" {
		return a.reject(c, msg, reason)
	}
	fields, ok := value.(map[string]any)
	if !ok {
		return a.reject(c, msg, ReasonBadCredentials)
	}
	username, userOK := fields["username"].(string)
	password, passOK := fields["password"].(string)
	if !userOK || !passOK {
		return a.reject(c, msg, ReasonBadCredentials)
	}

	ctx, cancel := context.WithTimeout(c.Context(), a.policy.verifyTimeout())
	defer cancel()
	valid, err := a.policy.Credentials.VerifyCredentials(ctx, username, password, peerOf(c))
	if err != nil {
		a.logger.Error("credential_verification_error",
			"peer_id", c.ID(),
			"username", username,
			"error", err.Error(),
		)
	}
	if err != nil || !valid {
		return a.reject(c, msg, ReasonInvalidCredentials)
	}

	c.SetUsername(username)
	return a.accept(c, msg)
}

func (a *Acceptor) accept(c *connection.Connection, msg *protocol.Message) error {
	if err := c.SetAuthState(connection.Accepted); err != nil {
		return err
	}
	a.logger.Info("peer_accepted",
		"peer_id", c.ID(),
		"username", c.Username(),
	)
	return respond(c, msg, protocol.Succeeded(protocol.Accepted))
}

// reject sends a failure reply when the transport still allows it and returns
// the AuthError the caller must act on by disconnecting.
func (a *Acceptor) reject(c *connection.Connection, msg *protocol.Message, reason string) error {
	a.logger.Warn("handshake_rejected",
		"peer_id", c.ID(),
		"state", c.AuthState().String(),
		"request", msg.Request,
		"reason", reason,
	)
	if err := respond(c, msg, protocol.Failed(reason)); err != nil {
		a.logger.Debug("rejection_reply_failed",
			"peer_id", c.ID(),
			"error", err.Error(),
		)
	}
	return protocol.NewAuthError(reason)
}

// singleParam returns the only parameter of msg, or the reason it is unusable.
func singleParam(msg *protocol.Message) (any, string) {
	if len(msg.Params) != 1 {
		return nil, ReasonParamCount
	}
	if msg.Params[0] == nil {
		return nil, ReasonNullParam
	}
	return msg.Params[0], ""
}

// respond answers msg on c, whether or not msg remembers its connection.
func respond(c *connection.Connection, msg, reply *protocol.Message) error {
	if msg.Sender() != nil {
		return msg.Respond(reply)
	}
	reply.ResponseTo = msg.ID
	return c.SendMessage(reply)
}
