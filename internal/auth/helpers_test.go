package auth

import (
	"bufio"
	"net"
	"testing"
	"time"

	"commlink/internal/connection"
	"commlink/internal/protocol"

	"github.com/stretchr/testify/require"
)

// wire is a connection whose outbound records are decoded onto a channel.
type wire struct {
	conn *connection.Connection
	out  chan *protocol.Message
}

func newWire(t *testing.T) *wire {
	t.Helper()
	local, remote := net.Pipe()
	c := connection.New(connection.DefaultOptions())
	require.NoError(t, c.Connect(local))

	w := &wire{conn: c, out: make(chan *protocol.Message, 16)}
	go func() {
		defer close(w.out)
		reader := bufio.NewReader(remote)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(line, nil); err == nil {
				w.out <- msg
			}
		}
	}()

	t.Cleanup(func() {
		c.Disconnect()
		remote.Close()
	})
	return w
}

func (w *wire) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-w.out:
		require.True(t, ok, "connection closed before a message was written")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return nil
	}
}

func incoming(id, request string, params ...any) *protocol.Message {
	msg := protocol.New(request, params...)
	msg.ID = id
	return msg
}
