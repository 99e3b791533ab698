package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"commlink/internal/auth"
	"commlink/internal/client"
	"commlink/internal/connection"
	"commlink/internal/protocol"
	"commlink/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsIncompletePolicy(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"magic without value", func(o *Options) { o.UseMagic = true }},
		{"credentials without value", func(o *Options) { o.UseCredentials = true }},
		{"port out of range", func(o *Options) { o.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.modify(&opts)
			_, err := New(opts)
			assert.ErrorIs(t, err, protocol.ErrConfiguration)
		})
	}

	opts := testOptions()
	opts.UseMagic = true
	opts.MagicVerifier = auth.Static{Magic: "m1"}
	_, err := New(opts)
	assert.NoError(t, err, "a custom verifier replaces the expected value")
}

func TestScenario_MagicOnly(t *testing.T) {
	opts := testOptions()
	opts.UseMagic = true
	opts.ExpectedMagic = "m1"
	srv := startServer(t, opts)

	received := make(chan *protocol.Message, 4)
	srv.OnMessageReceived(func(msg *protocol.Message, _ *connection.Connection) {
		received <- msg
	})

	copts := clientOptions()
	copts.Magic = "m1"
	c := dialClient(t, srv, copts)

	require.NoError(t, waitAccepted(t, c))
	assert.Equal(t, connection.Accepted, c.AuthState())
	require.Len(t, srv.GetAcceptedClients(), 1)

	require.NoError(t, c.SendMessage(protocol.New("ping")))
	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg.Request)
	case <-time.After(3 * time.Second):
		t.Fatal("server never received ping")
	}
}

func TestScenario_WrongMagic(t *testing.T) {
	opts := testOptions()
	opts.UseMagic = true
	opts.ExpectedMagic = "m1"
	srv := startServer(t, opts)

	dropped := make(chan *connection.Connection, 1)
	srv.OnClientDisconnect(func(peer *connection.Connection) { dropped <- peer })

	copts := clientOptions()
	copts.Magic = "wrong"
	c := dialClient(t, srv, copts)

	err := waitAccepted(t, c)
	var authErr *protocol.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ReasonIncorrectMagic, authErr.Reason)
	assert.Eventually(t, c.IsStopped, 3*time.Second, 10*time.Millisecond)

	select {
	case peer := <-dropped:
		assert.ErrorIs(t, peer.Err(), protocol.ErrAuthFailure)
	case <-time.After(3 * time.Second):
		t.Fatal("server kept the rejected peer")
	}
	assert.Empty(t, srv.Peers())
}

func TestScenario_RespondFiresReplyCallbackOnce(t *testing.T) {
	srv := startServer(t, testOptions())
	srv.OnMessageReceived(func(msg *protocol.Message, _ *connection.Connection) {
		if msg.Request == "A" {
			_ = msg.Respond(protocol.Succeeded("pong"))
		}
	})

	c := dialClient(t, srv, clientOptions())
	require.NoError(t, waitAccepted(t, c))

	var calls atomic.Int32
	replies := make(chan *protocol.Message, 2)
	a := protocol.New("A")
	a.OnReply(func(reply *protocol.Message) {
		calls.Add(1)
		replies <- reply
	})
	require.NoError(t, c.SendMessage(a))

	select {
	case reply := <-replies:
		assert.Equal(t, a.ID, reply.ResponseTo)
		assert.Equal(t, "pong", reply.Request)
		assert.True(t, *reply.Success)
	case <-time.After(3 * time.Second):
		t.Fatal("reply callback never fired")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScenario_Request(t *testing.T) {
	srv := startServer(t, testOptions())
	srv.OnMessageReceived(func(msg *protocol.Message, _ *connection.Connection) {
		name, _ := msg.StringParam(0)
		_ = msg.Respond(protocol.Succeeded("hello " + name))
	})

	c := dialClient(t, srv, clientOptions())
	require.NoError(t, waitAccepted(t, c))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := c.Request(ctx, protocol.New("greet", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "hello alice", reply.Request)
}

func TestScenario_OpenServerAcceptsImmediately(t *testing.T) {
	srv := startServer(t, testOptions())

	peer := dialRaw(t, srv)
	first := peer.receive()
	assert.Equal(t, protocol.Accepted, first.Request)
	assert.False(t, first.IsReply(), "acceptance is announced, not a reply")

	assert.Eventually(t, func() bool { return len(srv.GetAcceptedClients()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScenario_MagicAndCredentials(t *testing.T) {
	opts := testOptions()
	opts.UseMagic = true
	opts.ExpectedMagic = "m1"
	opts.UseCredentials = true
	opts.ExpectedUsername = "alice"
	opts.ExpectedPassword = "secret"
	srv := startServer(t, opts)

	var mu sync.Mutex
	var transitions [][2]connection.AuthState
	srv.OnClientAuthStateChanged(func(prev, next connection.AuthState, _ *connection.Connection) {
		mu.Lock()
		transitions = append(transitions, [2]connection.AuthState{prev, next})
		mu.Unlock()
	})

	t.Run("accepted", func(t *testing.T) {
		copts := clientOptions()
		copts.Magic, copts.Username, copts.Password = "m1", "alice", "secret"
		c := dialClient(t, srv, copts)
		require.NoError(t, waitAccepted(t, c))

		peers := srv.GetAcceptedClients()
		require.Len(t, peers, 1)
		assert.Equal(t, "alice", peers[0].Username())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, [][2]connection.AuthState{
			{connection.Connected, connection.AwaitingMagic},
			{connection.AwaitingMagic, connection.AwaitingCredentials},
			{connection.AwaitingCredentials, connection.Accepted},
		}, transitions)
	})

	t.Run("wrong password", func(t *testing.T) {
		copts := clientOptions()
		copts.Magic, copts.Username, copts.Password = "m1", "alice", "nope"
		c := dialClient(t, srv, copts)

		var authErr *protocol.AuthError
		require.ErrorAs(t, waitAccepted(t, c), &authErr)
		assert.Equal(t, auth.ReasonInvalidCredentials, authErr.Reason)
	})
}

func TestSetters(t *testing.T) {
	tokens := auth.NewTokenService("test-secret-key-for-unit-tests-000", time.Hour)

	opts := testOptions()
	opts.UseCredentials = true
	opts.ExpectedUsername = "unused"
	srv, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, srv.SetCredentialVerifier(tokens))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	assert.ErrorIs(t, srv.SetAuthHandler(auth.Static{}), ErrRunning)
	assert.ErrorIs(t, srv.SetMagicVerifier(auth.Static{}), ErrRunning)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrRunning)

	token, err := tokens.Issue("alice")
	require.NoError(t, err)
	copts := clientOptions()
	copts.Username, copts.Password = "alice", token
	c := dialClient(t, srv, copts)
	require.NoError(t, waitAccepted(t, c))
}

func TestInvalidRecordDisconnectsOnlyOffender(t *testing.T) {
	srv := startServer(t, testOptions())
	received := make(chan string, 4)
	srv.OnMessageReceived(func(msg *protocol.Message, _ *connection.Connection) {
		received <- msg.Request
	})

	good := dialClient(t, srv, clientOptions())
	require.NoError(t, waitAccepted(t, good))

	bad := dialRaw(t, srv)
	assert.Equal(t, protocol.Accepted, bad.receive().Request)
	bad.sendRaw("this is not json\n")
	bad.expectClosed()

	require.NoError(t, good.SendMessage(protocol.New("still-here")))
	select {
	case req := <-received:
		assert.Equal(t, "still-here", req)
	case <-time.After(3 * time.Second):
		t.Fatal("healthy peer was affected")
	}
	assert.True(t, srv.IsReady())
}

func TestUnauthenticatedTrafficIsRejected(t *testing.T) {
	opts := testOptions()
	opts.UseMagic = true
	opts.ExpectedMagic = "m1"
	srv := startServer(t, opts)

	delivered := atomic.Int32{}
	srv.OnMessageReceived(func(*protocol.Message, *connection.Connection) { delivered.Add(1) })

	peer := dialRaw(t, srv)
	assert.Equal(t, protocol.RequestMagic, peer.receive().Request)

	msg := protocol.New("ping")
	msg.ID = "p1"
	peer.send(msg)

	reply := peer.receive()
	assert.True(t, reply.IsFailure())
	assert.Equal(t, auth.ReasonNotAuthenticated, reply.Request)
	assert.Equal(t, "p1", reply.ResponseTo)
	peer.expectClosed()
	assert.Equal(t, int32(0), delivered.Load())
}

func TestHandshakeTimeout(t *testing.T) {
	opts := testOptions()
	opts.UseMagic = true
	opts.ExpectedMagic = "m1"
	opts.HandshakeTimeout = 100 * time.Millisecond
	srv := startServer(t, opts)

	peer := dialRaw(t, srv)
	assert.Equal(t, protocol.RequestMagic, peer.receive().Request)

	reply := peer.receive()
	assert.True(t, reply.IsFailure())
	peer.expectClosed()
	assert.Eventually(t, func() bool { return len(srv.Peers()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHeartbeats(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	srv := startServer(t, opts)

	delivered := atomic.Int32{}
	srv.OnMessageReceived(func(*protocol.Message, *connection.Connection) { delivered.Add(1) })

	t.Run("server beats its peers", func(t *testing.T) {
		peer := dialRaw(t, srv)
		assert.Equal(t, protocol.Accepted, peer.receive().Request)
		assert.Equal(t, protocol.Heartbeat, peer.receive().Request)
	})

	t.Run("client beats are filtered", func(t *testing.T) {
		copts := client.DefaultOptions()
		copts.Heartbeat.Interval = 20 * time.Millisecond
		copts.Heartbeat.Grace = 20 * time.Millisecond
		c := dialClient(t, srv, copts)
		require.NoError(t, waitAccepted(t, c))

		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, int32(0), delivered.Load())

		peers := srv.GetAcceptedClients()
		require.NotEmpty(t, peers)
		for _, p := range peers {
			assert.Equal(t, 0, p.ReceivedCount())
		}

		require.NoError(t, c.SendMessage(protocol.New("ping")))
		assert.Eventually(t, func() bool { return delivered.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	})
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	srv := startServer(t, testOptions())
	received := make(chan string, 4)
	srv.OnMessageReceived(func(msg *protocol.Message, _ *connection.Connection) {
		if msg.Request == "boom" {
			panic("listener failure")
		}
		received <- msg.Request
	})

	c := dialClient(t, srv, clientOptions())
	require.NoError(t, waitAccepted(t, c))
	require.NoError(t, c.SendMessage(protocol.New("boom")))
	require.NoError(t, c.SendMessage(protocol.New("after")))

	select {
	case req := <-received:
		assert.Equal(t, "after", req)
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch stopped after a listener panic")
	}
	assert.False(t, c.IsStopped())
}

func TestGetClientsInState(t *testing.T) {
	opts := testOptions()
	opts.UseMagic = true
	opts.ExpectedMagic = "m1"
	srv := startServer(t, opts)

	pending := dialRaw(t, srv)
	assert.Equal(t, protocol.RequestMagic, pending.receive().Request)

	copts := clientOptions()
	copts.Magic = "m1"
	c := dialClient(t, srv, copts)
	require.NoError(t, waitAccepted(t, c))

	assert.Len(t, srv.GetClientsInState(connection.AwaitingMagic), 1)
	assert.Len(t, srv.GetAcceptedClients(), 1)
	assert.Empty(t, srv.GetClientsInState(connection.AwaitingCredentials))
	assert.Len(t, srv.Peers(), 2)

	accepted := srv.GetAcceptedClients()[0]
	found, ok := srv.Peer(accepted.ID())
	require.True(t, ok)
	assert.Same(t, accepted, found)
}

func TestSessionsFollowAcceptedPeers(t *testing.T) {
	store := session.NewMemoryStore()
	opts := testOptions()
	opts.UseCredentials = true
	opts.ExpectedUsername = "alice"
	opts.ExpectedPassword = "secret"
	opts.Sessions = store
	srv := startServer(t, opts)
	assert.Same(t, store, srv.Sessions())

	copts := clientOptions()
	copts.Username, copts.Password = "alice", "secret"
	c := dialClient(t, srv, copts)
	require.NoError(t, waitAccepted(t, c))

	ctx := context.Background()
	var recs []session.Record
	require.Eventually(t, func() bool {
		recs, _ = store.List(ctx)
		return len(recs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", recs[0].Username)

	c.Disconnect()
	assert.Eventually(t, func() bool {
		recs, _ := store.List(ctx)
		return len(recs) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopDisconnectsEveryPeer(t *testing.T) {
	srv := startServer(t, testOptions())

	c1 := dialClient(t, srv, clientOptions())
	c2 := dialClient(t, srv, clientOptions())
	require.NoError(t, waitAccepted(t, c1))
	require.NoError(t, waitAccepted(t, c2))

	disconnects := atomic.Int32{}
	srv.OnClientDisconnect(func(*connection.Connection) { disconnects.Add(1) })

	srv.Stop()
	assert.NotPanics(t, srv.Stop)

	assert.False(t, srv.IsReady())
	assert.Empty(t, srv.Peers())
	assert.Equal(t, int32(2), disconnects.Load())
	assert.Eventually(t, c1.IsStopped, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, c2.IsStopped, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrRunning)
}

func TestCancelledStartContextStopsServer(t *testing.T) {
	srv, err := New(testOptions())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(srv.Stop)

	c := dialClient(t, srv, clientOptions())
	require.NoError(t, waitAccepted(t, c))
	addr := srv.Addr().String()

	cancel()

	assert.Eventually(t, func() bool { return !srv.IsReady() }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, c.IsStopped, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(srv.Peers()) == 0 }, 3*time.Second, 10*time.Millisecond)
}
