package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"commlink/internal/auth"
	"commlink/internal/connection"
	"commlink/internal/heartbeat"
	"commlink/internal/protocol"
)

type Options struct {
	Magic            string
	Username         string
	Password         string
	KeepMessages     bool
	Heartbeat        heartbeat.Config
	DisableHeartbeat bool
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	Logger           *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		KeepMessages: true,
		Heartbeat:    heartbeat.Config{Interval: heartbeat.DefaultInterval},
		DialTimeout:  10 * time.Second,
	}
}

// Client is the initiating side: a connection that answers the server's
// handshake on its own and keeps itself alive with heartbeats.
type Client struct {
	opts   Options
	conn   *connection.Connection
	logger *slog.Logger

	accepted     chan struct{}
	acceptedOnce sync.Once
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Client{
		opts:     opts,
		logger:   logger,
		accepted: make(chan struct{}),
	}
	c.conn = connection.New(connection.Options{
		Name:         "client",
		KeepMessages: opts.KeepMessages,
		Logger:       logger,
		Negotiator: &auth.Initiator{
			Magic:    opts.Magic,
			Username: opts.Username,
			Password: opts.Password,
			OnAccepted: func(*connection.Connection) {
				c.acceptedOnce.Do(func() { close(c.accepted) })
			},
		},
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: connection.DefaultWriteTimeout,
	})
	return c
}

// Dial opens a TCP connection to addr and connects a new client over it.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	c := New(opts)

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := c.Connect(nc); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Connect binds the client to nc and starts its reader and heartbeat tasks.
func (c *Client) Connect(nc net.Conn) error {
	if err := c.conn.Connect(nc); err != nil {
		return err
	}
	c.conn.Listen()
	if !c.opts.DisableHeartbeat {
		monitor := heartbeat.ForTarget(c.opts.Heartbeat, c.conn, c.logger)
		c.conn.Go(monitor.Run)
	}
	return nil
}

// SendMessage sends an application message. Reserved control identifiers are
// refused.
func (c *Client) SendMessage(msg *protocol.Message) error {
	if msg != nil && !msg.IsReply() && protocol.IsReserved(msg.Request) {
		return fmt.Errorf("%w: %q is a reserved request", protocol.ErrInvalidMessage, msg.Request)
	}
	return c.conn.SendMessage(msg)
}

// Request sends msg and waits for its reply.
func (c *Client) Request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg != nil && protocol.IsReserved(msg.Request) {
		return nil, fmt.Errorf("%w: %q is a reserved request", protocol.ErrInvalidMessage, msg.Request)
	}
	return c.conn.Request(ctx, msg)
}

// WaitAccepted blocks until the handshake completes, the connection ends or
// ctx is done. When the connection ended, the error says why.
func (c *Client) WaitAccepted(ctx context.Context) error {
	select {
	case <-c.accepted:
		return nil
	case <-c.conn.Context().Done():
		if err := c.conn.Err(); err != nil {
			return err
		}
		return protocol.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Disconnect() { c.conn.Disconnect() }

// Wait blocks until the reader and heartbeat tasks have stopped.
func (c *Client) Wait() { c.conn.Wait() }

func (c *Client) IsStopped() bool { return c.conn.IsStopped() }

func (c *Client) IsReady() bool { return c.conn.IsReady() }

func (c *Client) AuthState() connection.AuthState { return c.conn.AuthState() }

// Err is the reason the connection ended, if it ended on an error.
func (c *Client) Err() error { return c.conn.Err() }

// Connection exposes the underlying connection.
func (c *Client) Connection() *connection.Connection { return c.conn }

func (c *Client) OnMessageReceived(fn connection.MessageListener) {
	c.conn.OnMessageReceived(fn)
}

func (c *Client) OnAuthStateChange(fn connection.AuthStateListener) {
	c.conn.OnAuthStateChange(fn)
}

func (c *Client) OnDisconnect(fn connection.DisconnectListener) {
	c.conn.OnDisconnect(fn)
}
