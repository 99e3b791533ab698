package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"commlink/internal/client"
	"commlink/internal/protocol"

	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 0
	return opts
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv
}

func clientOptions() client.Options {
	opts := client.DefaultOptions()
	opts.DisableHeartbeat = true
	return opts
}

func dialClient(t *testing.T, srv *Server, opts client.Options) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), srv.Addr().String(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Disconnect()
		c.Wait()
	})
	return c
}

func waitAccepted(t *testing.T, c *client.Client) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.WaitAccepted(ctx)
}

// rawPeer speaks the wire format by hand.
type rawPeer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialRaw(t *testing.T, srv *Server) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (p *rawPeer) send(msg *protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(p.t, err)
	p.sendRaw(string(data))
}

func (p *rawPeer) sendRaw(record string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(record))
	require.NoError(p.t, err)
}

func (p *rawPeer) receive() *protocol.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := p.reader.ReadBytes('\n')
	require.NoError(p.t, err)
	msg, err := protocol.Decode(line, nil)
	require.NoError(p.t, err)
	return msg
}

// expectClosed reads until the server closes the stream, skipping heartbeats.
func (p *rawPeer) expectClosed() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				p.t.Fatal("server did not close the connection")
			}
			return
		}
		if msg, decodeErr := protocol.Decode(line, nil); decodeErr == nil && msg.IsHeartbeat() {
			continue
		}
		p.t.Fatalf("unexpected record before close: %s", line)
	}
}
