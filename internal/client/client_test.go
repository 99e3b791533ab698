package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"commlink/internal/connection"
	"commlink/internal/heartbeat"
	"commlink/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is the raw far end of a client connection.
type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func connectPipe(t *testing.T, opts Options) (*Client, *fakeServer) {
	t.Helper()
	local, remote := net.Pipe()
	c := New(opts)
	require.NoError(t, c.Connect(local))
	t.Cleanup(func() {
		c.Disconnect()
		remote.Close()
		c.Wait()
	})
	return c, &fakeServer{t: t, conn: remote, reader: bufio.NewReader(remote)}
}

func (s *fakeServer) send(msg *protocol.Message) {
	s.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(s.t, err)
	_, err = s.conn.Write(data)
	require.NoError(s.t, err)
}

func (s *fakeServer) receive() *protocol.Message {
	s.t.Helper()
	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := s.reader.ReadBytes('\n')
	require.NoError(s.t, err)
	msg, err := protocol.Decode(line, nil)
	require.NoError(s.t, err)
	return msg
}

func quietOptions() Options {
	opts := DefaultOptions()
	opts.DisableHeartbeat = true
	return opts
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_CompletesHandshake(t *testing.T) {
	opts := quietOptions()
	opts.Magic = "m1"
	opts.Username = "alice"
	opts.Password = "secret"
	c, srv := connectPipe(t, opts)

	var mu sync.Mutex
	var states []connection.AuthState
	c.OnAuthStateChange(func(_, next connection.AuthState, _ *connection.Connection) {
		mu.Lock()
		states = append(states, next)
		mu.Unlock()
	})
	var delivered atomic.Int32
	c.OnMessageReceived(func(*protocol.Message, *connection.Connection) { delivered.Add(1) })

	srv.send(protocol.New(protocol.RequestMagic))
	magic := srv.receive()
	assert.Equal(t, protocol.SendMagic, magic.Request)
	assert.Equal(t, []any{"m1"}, magic.Params)

	next := protocol.Succeeded(protocol.RequestCredentials)
	next.ResponseTo = magic.ID
	srv.send(next)
	creds := srv.receive()
	assert.Equal(t, protocol.SendCredentials, creds.Request)

	done := protocol.Succeeded(protocol.Accepted)
	done.ResponseTo = creds.ID
	srv.send(done)

	require.NoError(t, c.WaitAccepted(waitCtx(t)))
	assert.Equal(t, connection.Accepted, c.AuthState())
	mu.Lock()
	assert.Equal(t, []connection.AuthState{
		connection.AwaitingMagic,
		connection.AwaitingCredentials,
		connection.Accepted,
	}, states)
	mu.Unlock()
	assert.Equal(t, int32(0), delivered.Load(), "control traffic never reaches listeners")

	srv.send(protocol.New("hello"))
	assert.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClient_RejectedByServer(t *testing.T) {
	opts := quietOptions()
	opts.Magic = "wrong"
	c, srv := connectPipe(t, opts)

	srv.send(protocol.New(protocol.RequestMagic))
	srv.receive()
	srv.send(protocol.Failed("incorrect magic"))

	err := c.WaitAccepted(waitCtx(t))
	var authErr *protocol.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "incorrect magic", authErr.Reason)
	assert.True(t, c.IsStopped())
}

func TestClient_MissingMagicIsConfigurationError(t *testing.T) {
	c, srv := connectPipe(t, quietOptions())

	srv.send(protocol.New(protocol.RequestMagic))

	err := c.WaitAccepted(waitCtx(t))
	assert.ErrorIs(t, err, protocol.ErrConfiguration)
	assert.True(t, c.IsStopped())
}

func TestClient_RefusesReservedRequests(t *testing.T) {
	c, _ := connectPipe(t, quietOptions())

	err := c.SendMessage(protocol.New(protocol.Heartbeat))
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

	_, err = c.Request(context.Background(), protocol.New(protocol.SendMagic, "x"))
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestClient_SendsHeartbeats(t *testing.T) {
	opts := DefaultOptions()
	opts.Heartbeat = heartbeat.Config{Interval: 20 * time.Millisecond, Grace: 20 * time.Millisecond}
	_, srv := connectPipe(t, opts)

	msg := srv.receive()
	assert.Equal(t, protocol.Heartbeat, msg.Request)
	assert.Empty(t, msg.ID, "heartbeats are never retained")
}

func TestClient_ServerClosingStopsClient(t *testing.T) {
	c, srv := connectPipe(t, quietOptions())
	closed := make(chan struct{})
	c.OnDisconnect(func(*connection.Connection) { close(closed) })

	srv.conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the closed stream")
	}
	assert.ErrorIs(t, c.WaitAccepted(waitCtx(t)), protocol.ErrConnectionClosed)
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, quietOptions())
	assert.Error(t, err)
}
