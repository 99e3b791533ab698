package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"commlink/internal/protocol"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Negotiator runs the handshake for one side of a connection. It sees every
// non-heartbeat message until the connection reaches Accepted. handled reports
// that the message was consumed by the handshake; a non-nil error means the
// connection must be dropped.
type Negotiator interface {
	Intercept(c *Connection, msg *protocol.Message) (handled bool, err error)
}

// NegotiatorFunc adapts a function to Negotiator.
type NegotiatorFunc func(c *Connection, msg *protocol.Message) (bool, error)

func (f NegotiatorFunc) Intercept(c *Connection, msg *protocol.Message) (bool, error) {
	return f(c, msg)
}

type (
	MessageListener    func(msg *protocol.Message, c *Connection)
	AuthStateListener  func(prev, next AuthState, c *Connection)
	DisconnectListener func(c *Connection)
)

// Connection is one end of a framed stream. Both the initiator and the
// acceptor-side peer are a Connection; they differ only in their Negotiator
// and in who drives the heartbeat.
type Connection struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu          sync.RWMutex
	conn        net.Conn
	reader      *bufio.Reader
	bound       bool
	closed      bool
	authState   AuthState
	username    string
	connectedAt time.Time

	authMu  sync.Mutex // serializes auth transitions so listeners observe them in order
	writeMu sync.Mutex // single writer per connection
	writer  *bufio.Writer
	readMu  sync.Mutex

	regMu    sync.Mutex
	sent     map[string]*protocol.Message
	received map[string]*protocol.Message

	listenerMu   sync.RWMutex
	onMessage    []MessageListener
	onAuthState  []AuthStateListener
	onDisconnect []DisconnectListener

	limiter *rate.Limiter

	errMu    sync.Mutex
	closeErr error

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	disconnectOnce sync.Once
}

// constructor for Connection
func New(opts Options) *Connection {
	opts = opts.withDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:       id,
		opts:     opts,
		logger:   opts.Logger.With("component", opts.Name, "peer_id", id),
		sent:     make(map[string]*protocol.Message),
		received: make(map[string]*protocol.Message),
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	}
	return c
}

// Connect binds the connection to conn. It may succeed only once.
func (c *Connection) Connect(conn net.Conn) error {
	if conn == nil {
		return fmt.Errorf("%w: nil transport", protocol.ErrNotReady)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound {
		return protocol.ErrAlreadyConnected
	}
	if c.closed {
		return fmt.Errorf("%w: connection was already disconnected", protocol.ErrConnectionClosed)
	}
	// clearing deadlines touches the descriptor, which fails on a closed transport
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)
	c.bound = true
	c.connectedAt = time.Now()

	c.logger.Info("connection_established",
		"remote_addr", conn.RemoteAddr().String(),
	)
	return nil
}

func (c *Connection) ID() string { return c.id }

// IsReady reports whether the connection is bound and not yet closed.
func (c *Connection) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bound && !c.closed
}

// IsStopped reports whether Disconnect has run.
func (c *Connection) IsStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Username is the identity established by the handshake, if any.
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Connection) SetUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

func (c *Connection) AuthState() AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authState
}

// Context is cancelled when the connection disconnects.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) Logger() *slog.Logger { return c.logger }

func (c *Connection) KeepsMessages() bool { return c.opts.KeepMessages }

// SetAuthState moves the handshake forward. Listeners run with the previous
// and next state before the new state is stored. Moving backwards returns
// ErrStateRegression and changes nothing; setting the current state is a no-op.
func (c *Connection) SetAuthState(next AuthState) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	prev := c.AuthState()
	if next == prev {
		return nil
	}
	if next < prev {
		return fmt.Errorf("%w: %s -> %s", protocol.ErrStateRegression, prev, next)
	}

	c.listenerMu.RLock()
	listeners := append([]AuthStateListener(nil), c.onAuthState...)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		c.safely("auth_state_listener", func() { fn(prev, next, c) })
	}

	c.mu.Lock()
	c.authState = next
	c.mu.Unlock()

	c.logger.Info("auth_state_changed",
		"from", prev.String(),
		"to", next.String(),
	)
	return nil
}

// SendMessage writes msg to the peer. When messages are retained the id is
// assigned and the message registered before any byte is written, so a reply
// can never arrive ahead of its original.
func (c *Connection) SendMessage(msg *protocol.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", protocol.ErrInvalidMessage)
	}
	if !c.IsReady() {
		return protocol.ErrNotReady
	}

	if c.opts.KeepMessages {
		c.regMu.Lock()
		if c.sent == nil {
			c.regMu.Unlock()
			return protocol.ErrNotReady
		}
		msg.AssignID(func(id string) bool {
			_, taken := c.sent[id]
			return taken
		})
		c.sent[msg.ID] = msg
		c.regMu.Unlock()
	}

	return c.write(msg)
}

// SendHeartbeat writes a heartbeat record. Heartbeats are never retained.
func (c *Connection) SendHeartbeat() error {
	if !c.IsReady() {
		return protocol.ErrNotReady
	}
	return c.write(protocol.New(protocol.Heartbeat))
}

func (c *Connection) write(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// Request sends msg and waits for the message answering it.
func (c *Connection) Request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if !c.opts.KeepMessages {
		return nil, fmt.Errorf("%w: replies are only correlated when messages are retained", protocol.ErrNotRoutable)
	}

	replies := make(chan *protocol.Message, 1) // reply callbacks fire at most once
	msg.OnReply(func(reply *protocol.Message) {
		replies <- reply
	})
	if err := c.SendMessage(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, protocol.ErrConnectionClosed
	}
}

// NextMessage blocks until one full record has been read and decoded.
// End of stream yields ErrConnectionClosed; a trailing partial record is
// discarded. An empty or malformed record yields ErrInvalidMessage.
func (c *Connection) NextMessage() (*protocol.Message, error) {
	c.mu.RLock()
	reader, conn, bound, closed := c.reader, c.conn, c.bound, c.closed
	c.mu.RUnlock()

	if closed {
		return nil, protocol.ErrConnectionClosed
	}
	if !bound {
		return nil, protocol.ErrNotReady
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}

		// Read until newline delimiter (records are newline-terminated)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, c.readError(err)
		}

		if len(line) > c.opts.MaxMessageSize {
			c.logger.Warn("message_too_large",
				"size", len(line),
				"max_size", c.opts.MaxMessageSize,
			)
			return nil, fmt.Errorf("%w: record of %d bytes exceeds limit", protocol.ErrInvalidMessage, len(line))
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("rate_limit_exceeded")
			continue
		}

		return protocol.Decode(line, c)
	}
}

func (c *Connection) readError(err error) error {
	if errors.Is(err, io.EOF) {
		return protocol.ErrConnectionClosed
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		c.logger.Warn("read_timeout")
		return fmt.Errorf("%w: read timeout", protocol.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
}

// Process runs one inbound message through the receive pipeline: heartbeats
// are dropped, the negotiator sees everything until Accepted, and the rest
// goes to HandleMessage.
func (c *Connection) Process(msg *protocol.Message) error {
	if msg.IsHeartbeat() {
		c.logger.Debug("heartbeat_received")
		return nil
	}

	if n := c.opts.Negotiator; n != nil && c.AuthState() != Accepted {
		handled, err := n.Intercept(c, msg)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	c.HandleMessage(msg)
	return nil
}

// HandleMessage stores msg when retaining, fires the reply callbacks of the
// message it answers and then the message listeners.
func (c *Connection) HandleMessage(msg *protocol.Message) {
	var original *protocol.Message

	c.regMu.Lock()
	if c.opts.KeepMessages && msg.ID != "" && c.received != nil {
		c.received[msg.ID] = msg
	}
	if msg.ResponseTo != "" && c.sent != nil {
		original = c.sent[msg.ResponseTo]
	}
	c.regMu.Unlock()

	if original != nil {
		c.safely("reply_callback", func() { original.DeliverReply(msg) })
	}

	c.listenerMu.RLock()
	listeners := append([]MessageListener(nil), c.onMessage...)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		c.safely("message_listener", func() { fn(msg, c) })
	}
}

// Listen starts the reply-listener task, which reads and processes records
// until the connection ends. Protocol errors disconnect.
func (c *Connection) Listen() {
	c.Go(func(ctx context.Context) {
		for ctx.Err() == nil {
			msg, err := c.NextMessage()
			if err == nil {
				err = c.Process(msg)
			}
			if err == nil {
				continue
			}
			if !c.IsStopped() {
				c.logger.Warn("connection_read_failed", "error", err.Error())
			}
			c.Fail(err)
			return
		}
	})
}

// Go runs fn as a child task of the connection. fn's context is cancelled by
// Disconnect.
func (c *Connection) Go(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// Wait blocks until every task started with Go has returned. It must not be
// called from one of those tasks.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// Fail records err as the reason the connection ended and disconnects. Only
// the first recorded reason is kept.
func (c *Connection) Fail(err error) {
	c.errMu.Lock()
	if c.closeErr == nil && !c.IsStopped() {
		c.closeErr = err
	}
	c.errMu.Unlock()
	c.Disconnect()
}

// Err returns the reason passed to Fail, or nil after a plain Disconnect.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// Disconnect closes the transport, cancels child tasks, drops the registries
// and then notifies disconnect listeners. Only the first call has any effect.
func (c *Connection) Disconnect() {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			_ = conn.Close()
		}

		c.regMu.Lock()
		c.sent = nil
		c.received = nil
		c.regMu.Unlock()

		c.logger.Info("connection_closed")

		c.listenerMu.RLock()
		listeners := append([]DisconnectListener(nil), c.onDisconnect...)
		c.listenerMu.RUnlock()
		for _, fn := range listeners {
			c.safely("disconnect_listener", func() { fn(c) })
		}
	})
}

func (c *Connection) OnMessageReceived(fn MessageListener) {
	c.listenerMu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.listenerMu.Unlock()
}

func (c *Connection) OnAuthStateChange(fn AuthStateListener) {
	c.listenerMu.Lock()
	c.onAuthState = append(c.onAuthState, fn)
	c.listenerMu.Unlock()
}

func (c *Connection) OnDisconnect(fn DisconnectListener) {
	c.listenerMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.listenerMu.Unlock()
}

// SentMessage looks up a retained sent message by id.
func (c *Connection) SentMessage(id string) (*protocol.Message, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	msg, ok := c.sent[id]
	return msg, ok
}

// ReceivedMessage looks up a retained received message by id.
func (c *Connection) ReceivedMessage(id string) (*protocol.Message, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	msg, ok := c.received[id]
	return msg, ok
}

func (c *Connection) SentCount() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.sent)
}

func (c *Connection) ReceivedCount() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.received)
}

// safely runs fn, logging instead of propagating a panic.
func (c *Connection) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener_panic",
				"listener", what,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn()
}
