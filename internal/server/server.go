package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"commlink/internal/auth"
	"commlink/internal/connection"
	"commlink/internal/heartbeat"
	"commlink/internal/protocol"
	"commlink/internal/session"
)

var ErrRunning = errors.New("server already started")

const sessionTimeout = 3 * time.Second

// inbound is one read result handed from a peer's reader to the dispatch loop.
type inbound struct {
	peer *connection.Connection
	msg  *protocol.Message
	err  error
}

// Server accepts peers, runs their handshake, routes their messages and keeps
// them alive. Each peer has a reader task feeding a single dispatch loop.
type Server struct {
	opts     Options
	logger   *slog.Logger
	registry *Registry
	inbound  chan inbound

	mu       sync.Mutex
	started  bool
	listener net.Listener
	magic    auth.MagicVerifier
	creds    auth.CredentialVerifier
	acceptor *auth.Acceptor
	ctx      context.Context
	cancel   context.CancelFunc

	closing  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	listenerMu   sync.RWMutex
	onMessage    []connection.MessageListener
	onAuthState  []connection.AuthStateListener
	onDisconnect []connection.DisconnectListener
}

func New(opts Options) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if opts.HeartbeatGrace <= 0 {
		opts.HeartbeatGrace = opts.HeartbeatInterval
	}

	static := auth.Static{
		Magic:    opts.ExpectedMagic,
		Username: opts.ExpectedUsername,
		Password: opts.ExpectedPassword,
	}
	s := &Server{
		opts:     opts,
		logger:   opts.Logger.With("component", "server"),
		registry: NewRegistry(opts.Logger.With("component", "registry")),
		inbound:  make(chan inbound),
		magic:    opts.MagicVerifier,
		creds:    opts.CredentialVerifier,
	}
	if s.magic == nil {
		s.magic = static
	}
	if s.creds == nil {
		s.creds = static
	}
	return s, nil
}

// SetAuthHandler replaces both verifiers. It fails once the server is started.
func (s *Server) SetAuthHandler(v auth.Verifier) error {
	return s.configure(func() {
		s.magic = v
		s.creds = v
	})
}

func (s *Server) SetMagicVerifier(v auth.MagicVerifier) error {
	return s.configure(func() { s.magic = v })
}

func (s *Server) SetCredentialVerifier(v auth.CredentialVerifier) error {
	return s.configure(func() { s.creds = v })
}

func (s *Server) configure(apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrRunning
	}
	apply()
	return nil
}

// Start binds the listener and launches the accept, dispatch and heartbeat
// tasks. It returns once the server is listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrRunning
	}

	acceptor, err := auth.NewAcceptor(auth.Policy{
		UseMagic:       s.opts.UseMagic,
		UseCredentials: s.opts.UseCredentials,
		Magic:          s.magic,
		Credentials:    s.creds,
		VerifyTimeout:  s.opts.VerifyTimeout,
	}, s.opts.Logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.opts.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr(), err)
	}

	s.acceptor = acceptor
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.logger.Info("server_started",
		"addr", ln.Addr().String(),
		"use_magic", s.opts.UseMagic,
		"use_credentials", s.opts.UseCredentials,
		"heartbeat_interval", s.opts.HeartbeatInterval.String(),
	)

	s.wg.Add(3)
	go s.acceptLoop()
	go s.dispatchLoop()
	go s.heartbeatLoop()

	// outside wg: Stop waits on wg and may be the one that cancelled s.ctx
	go func(ctx context.Context) {
		<-ctx.Done()
		s.Stop()
	}(s.ctx)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closing.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept_failed", "error", err.Error())
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	peer := connection.New(connection.Options{
		Name:           "peer",
		KeepMessages:   s.opts.KeepMessages,
		Logger:         s.opts.Logger,
		Negotiator:     s.acceptor,
		RateLimit:      s.opts.RateLimit,
		RateBurst:      s.opts.RateBurst,
		MaxMessageSize: s.opts.MaxMessageSize,
		ReadTimeout:    s.opts.ReadTimeout,
		WriteTimeout:   connection.DefaultWriteTimeout,
	})
	if err := peer.Connect(conn); err != nil {
		s.logger.Warn("peer_connect_failed",
			"remote_addr", conn.RemoteAddr().String(),
			"error", err.Error(),
		)
		conn.Close()
		return
	}

	peer.OnMessageReceived(s.messageReceived)
	peer.OnAuthStateChange(s.authStateChanged)
	peer.OnDisconnect(s.peerDisconnected)
	s.registry.Add(peer)

	// Stop may have swept the registry between Accept and Add
	if s.closing.Load() {
		peer.Disconnect()
		return
	}

	peer.Go(func(ctx context.Context) { s.readPeer(ctx, peer) })
	if s.opts.HandshakeTimeout > 0 {
		peer.Go(func(ctx context.Context) { s.watchHandshake(ctx, peer) })
	}

	if err := s.acceptor.Begin(peer); err != nil {
		s.logger.Warn("handshake_start_failed",
			"peer_id", peer.ID(),
			"error", err.Error(),
		)
		peer.Fail(err)
	}
}

// readPeer forwards every read result of peer to the dispatch loop until the
// stream fails or the peer is disconnected.
func (s *Server) readPeer(ctx context.Context, peer *connection.Connection) {
	for {
		msg, err := peer.NextMessage()
		select {
		case s.inbound <- inbound{peer: peer, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) watchHandshake(ctx context.Context, peer *connection.Connection) {
	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if peer.AuthState() == connection.Accepted {
		return
	}

	s.logger.Warn("handshake_timeout",
		"peer_id", peer.ID(),
		"state", peer.AuthState().String(),
	)
	_ = peer.SendMessage(protocol.Failed("handshake timed out"))
	peer.Fail(protocol.NewAuthError("handshake timed out"))
}

func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inbound:
			s.dispatch(in)
		}
	}
}

// dispatch routes one read result. Failures only ever affect the peer they
// came from.
func (s *Server) dispatch(in inbound) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch_panic",
				"peer_id", in.peer.ID(),
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if in.err != nil {
		switch {
		case errors.Is(in.err, protocol.ErrConnectionClosed):
			if !in.peer.IsStopped() {
				s.logger.Info("peer_stream_ended", "peer_id", in.peer.ID())
			}
		case errors.Is(in.err, protocol.ErrInvalidMessage):
			s.logger.Warn("invalid_message",
				"peer_id", in.peer.ID(),
				"error", in.err.Error(),
			)
		default:
			s.logger.Error("peer_read_error",
				"peer_id", in.peer.ID(),
				"error", in.err.Error(),
			)
		}
		in.peer.Fail(in.err)
		return
	}

	if in.peer.IsStopped() {
		return
	}

	if err := in.peer.Process(in.msg); err != nil {
		var authErr *protocol.AuthError
		switch {
		case errors.As(err, &authErr):
			s.logger.Warn("peer_rejected",
				"peer_id", in.peer.ID(),
				"reason", authErr.Reason,
			)
			in.peer.Fail(err)
		case errors.Is(err, protocol.ErrInvalidMessage), errors.Is(err, protocol.ErrNotReady):
			in.peer.Fail(err)
		default:
			s.logger.Error("dispatch_error",
				"peer_id", in.peer.ID(),
				"request", in.msg.Request,
				"error", err.Error(),
			)
		}
	}
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	monitor := heartbeat.New(heartbeat.Config{
		Interval: s.opts.HeartbeatInterval,
		Grace:    s.opts.HeartbeatInterval,
	}, s.heartbeatTargets, s.opts.Logger)
	monitor.Run(s.ctx)
}

// heartbeatTargets skips peers still inside their grace period.
func (s *Server) heartbeatTargets() []heartbeat.Target {
	var out []heartbeat.Target
	for _, peer := range s.registry.Snapshot() {
		if time.Since(peer.ConnectedAt()) < s.opts.HeartbeatGrace {
			continue
		}
		out = append(out, peer)
	}
	return out
}

func (s *Server) messageReceived(msg *protocol.Message, peer *connection.Connection) {
	s.listenerMu.RLock()
	listeners := append([]connection.MessageListener(nil), s.onMessage...)
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(msg, peer)
	}
}

func (s *Server) authStateChanged(prev, next connection.AuthState, peer *connection.Connection) {
	if next == connection.Accepted && s.opts.Sessions != nil {
		s.saveSession(peer)
	}

	s.listenerMu.RLock()
	listeners := append([]connection.AuthStateListener(nil), s.onAuthState...)
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(prev, next, peer)
	}
}

func (s *Server) peerDisconnected(peer *connection.Connection) {
	s.registry.Remove(peer)
	if s.opts.Sessions != nil && peer.AuthState() == connection.Accepted {
		s.deleteSession(peer)
	}

	s.listenerMu.RLock()
	listeners := append([]connection.DisconnectListener(nil), s.onDisconnect...)
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(peer)
	}
}

func (s *Server) saveSession(peer *connection.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	rec := session.Record{
		PeerID:     peer.ID(),
		RemoteAddr: peer.RemoteAddr(),
		Username:   peer.Username(),
		AcceptedAt: time.Now(),
	}
	if err := s.opts.Sessions.Save(ctx, rec); err != nil {
		s.logger.Error("session_save_failed",
			"peer_id", peer.ID(),
			"error", err.Error(),
		)
	}
}

func (s *Server) deleteSession(peer *connection.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	if err := s.opts.Sessions.Delete(ctx, peer.ID()); err != nil {
		s.logger.Error("session_delete_failed",
			"peer_id", peer.ID(),
			"error", err.Error(),
		)
	}
}

// Stop shuts the server down: loops are cancelled, every peer is
// disconnected, the listener is closed and all tasks are awaited. Calling it
// again has no effect.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.closing.Store(true)

		s.mu.Lock()
		ln, cancel := s.listener, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		peers := s.registry.CloseAll()
		if ln != nil {
			_ = ln.Close()
		}

		s.wg.Wait()
		for _, peer := range peers {
			peer.Wait()
		}
		s.logger.Info("server_stopped")
	})
}

// GetClientsInState returns a snapshot of the peers currently in state.
func (s *Server) GetClientsInState(state connection.AuthState) []*connection.Connection {
	return s.registry.InState(state)
}

func (s *Server) GetAcceptedClients() []*connection.Connection {
	return s.registry.InState(connection.Accepted)
}

// Peers returns a snapshot of every registered peer.
func (s *Server) Peers() []*connection.Connection {
	return s.registry.Snapshot()
}

func (s *Server) Peer(id string) (*connection.Connection, bool) {
	return s.registry.Get(id)
}

// Sessions returns the configured session store, or nil.
func (s *Server) Sessions() session.Store {
	return s.opts.Sessions
}

// OnMessageReceived registers fn for application messages from any accepted peer.
func (s *Server) OnMessageReceived(fn connection.MessageListener) {
	s.listenerMu.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.listenerMu.Unlock()
}

func (s *Server) OnClientAuthStateChanged(fn connection.AuthStateListener) {
	s.listenerMu.Lock()
	s.onAuthState = append(s.onAuthState, fn)
	s.listenerMu.Unlock()
}

func (s *Server) OnClientDisconnect(fn connection.DisconnectListener) {
	s.listenerMu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.listenerMu.Unlock()
}
