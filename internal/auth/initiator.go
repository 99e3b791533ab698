package auth

import (
	"fmt"

	"commlink/internal/connection"
	"commlink/internal/protocol"
)

// Initiator answers the acceptor's challenges on the client side without any
// application involvement.
type Initiator struct {
	Magic    string
	Username string
	Password string

	// OnAccepted runs once the Accepted state has been stored, so callers
	// observing it see the final state.
	OnAccepted func(c *connection.Connection)
}

func (i *Initiator) Intercept(c *connection.Connection, msg *protocol.Message) (bool, error) {
	switch msg.Request {
	case protocol.RequestMagic:
		if i.Magic == "" {
			return true, fmt.Errorf("%w: server requested magic but none is configured", protocol.ErrConfiguration)
		}
		if err := c.SetAuthState(connection.AwaitingMagic); err != nil {
			return true, err
		}
		return true, respond(c, msg, protocol.New(protocol.SendMagic, i.Magic))

	case protocol.RequestCredentials:
		if i.Username == "" || i.Password == "" {
			return true, fmt.Errorf("%w: server requested credentials but none are configured", protocol.ErrConfiguration)
		}
		if err := c.SetAuthState(connection.AwaitingCredentials); err != nil {
			return true, err
		}
		creds := map[string]any{"username": i.Username, "password": i.Password}
		return true, respond(c, msg, protocol.New(protocol.SendCredentials, creds))

	case protocol.Accepted:
		if i.Username != "" {
			c.SetUsername(i.Username)
		}
		already := c.AuthState() == connection.Accepted
		if err := c.SetAuthState(connection.Accepted); err != nil {
			return true, err
		}
		if !already && i.OnAccepted != nil {
			i.OnAccepted(c)
		}
		return true, nil
	}

	if msg.IsFailure() {
		return true, protocol.NewAuthError(msg.Request)
	}
	return false, nil
}
