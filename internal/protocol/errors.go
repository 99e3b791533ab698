package protocol

import "errors"

var (
	// ErrNotReady is returned when an operation needs an open, bound connection.
	ErrNotReady = errors.New("connection not ready")
	// ErrAlreadyConnected is returned by a second connect on the same connection.
	ErrAlreadyConnected = errors.New("connection already bound to a transport")
	// ErrInvalidMessage marks a wire record that could not be decoded.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrAuthFailure is the sentinel behind every *AuthError.
	ErrAuthFailure = errors.New("authentication failure")
	// ErrConfiguration is returned when the local side lacks a value the peer asked for.
	ErrConfiguration = errors.New("configuration error")
	// ErrConnectionClosed is returned by reads once the stream has ended.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotRoutable is returned when replying to a message that has no owning connection.
	ErrNotRoutable = errors.New("message has no owning connection")
	// ErrStateRegression is returned when an auth state change would move backwards.
	ErrStateRegression = errors.New("auth state regression")
)

// AuthError is a rejected handshake step. Reason is the human readable text
// sent back to the peer in the failure reply.
type AuthError struct {
	Reason string
}

// NewAuthError builds an AuthError carrying reason.
func NewAuthError(reason string) *AuthError {
	return &AuthError{Reason: reason}
}

func (e *AuthError) Error() string {
	return "authentication failure: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return ErrAuthFailure
}
