// hub_test.go - Hub connection tests.
// Copyright (C) 2026  The Aenigma Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package hub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/aenigma/aenigma/core/log"
)

type testPeer struct {
	t   *testing.T
	c   net.Conn
	enc *cbor.Encoder
	dec *cbor.Decoder
}

func newTestPeer(t *testing.T, c net.Conn) *testPeer {
	return &testPeer{t: t, c: c, enc: cbor.NewEncoder(c), dec: cbor.NewDecoder(c)}
}

func (p *testPeer) read() *envelope {
	env := new(envelope)
	require.NoError(p.t, p.dec.Decode(env))
	return env
}

func (p *testPeer) write(env *envelope) {
	require.NoError(p.t, p.enc.Encode(env))
}

func (p *testPeer) accept(endpoint string) {
	env := p.read()
	require.Equal(p.t, frameHandshake, env.Type)
	if env.Method != endpoint {
		p.write(&envelope{Type: frameHandshake, Error: "no such endpoint"})
		return
	}
	p.write(&envelope{Type: frameHandshake})
}

func testConn(t *testing.T, endpoint string) (*Conn, *testPeer, error) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	client, server := net.Pipe()
	peer := newTestPeer(t, server)
	go peer.accept("OnionRouting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := NewConn(ctx, client, endpoint, logBackend.GetLogger("hub"))
	return conn, peer, err
}

func TestInvokeAndNotify(t *testing.T) {
	require := require.New(t)

	conn, peer, err := testConn(t, "OnionRouting")
	require.NoError(err)
	require.True(conn.Connected())

	notified := make(chan string, 1)
	conn.On("RouteMessage", func(args []cbor.RawMessage) {
		var s string
		require.NoError(cbor.Unmarshal(args[0], &s))
		notified <- s
	})
	closed := make(chan error, 1)
	conn.OnClosed(func(err error) { closed <- err })

	go func() {
		env := peer.read()
		require.Equal(frameInvocation, env.Type)
		require.Equal("Echo", env.Method)
		require.Len(env.Args, 2)
		var a, b int
		require.NoError(cbor.Unmarshal(env.Args[0], &a))
		require.NoError(cbor.Unmarshal(env.Args[1], &b))
		result, err := cbor.Marshal(a + b)
		require.NoError(err)
		peer.write(&envelope{Type: frameNotification, Method: "RouteMessage", Args: []cbor.RawMessage{mustMarshal(t, "pushed")}})
		peer.write(&envelope{Type: frameCompletion, ID: env.ID, Result: result})

		env = peer.read()
		peer.write(&envelope{Type: frameCompletion, ID: env.ID, Error: "boom"})

		peer.c.Close()
	}()

	ctx := context.Background()
	var sum int
	require.NoError(conn.Invoke(ctx, "Echo", &sum, 2, 3))
	require.Equal(5, sum)
	require.Equal("pushed", <-notified)

	err = conn.Invoke(ctx, "Fail", nil)
	var invErr *InvocationError
	require.ErrorAs(err, &invErr)
	require.Equal("boom", invErr.Message)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClosed not called")
	}
	require.False(conn.Connected())
	require.ErrorIs(conn.Invoke(ctx, "Echo", nil), ErrClosed)
	require.NoError(conn.Close())
}

func TestInvokeTimeout(t *testing.T) {
	require := require.New(t)

	conn, peer, err := testConn(t, "OnionRouting")
	require.NoError(err)
	go peer.read()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(conn.Invoke(ctx, "Pull", nil), context.DeadlineExceeded)

	closed := make(chan error, 1)
	conn.OnClosed(func(err error) { closed <- err })
	go peer.read()
	require.NoError(conn.Close())
	select {
	case <-closed:
		t.Fatal("OnClosed called on local close")
	default:
	}
}

func TestHandshakeRejected(t *testing.T) {
	_, _, err := testConn(t, "Elsewhere")
	require.ErrorIs(t, err, ErrHandshake)
}

func TestParseEndpoint(t *testing.T) {
	require := require.New(t)

	u, err := ParseEndpoint("guard.example:7900", "OnionRouting", SchemeTLS)
	require.NoError(err)
	require.Equal("tls://guard.example:7900/OnionRouting", u.String())

	u, err = ParseEndpoint("quic://[::1]:7900/", "OnionRouting", SchemeTLS)
	require.NoError(err)
	require.Equal("quic", u.Scheme)
	require.Equal("/OnionRouting", u.Path)

	for _, bad := range []string{"", "guard.example", "http://guard.example:80", "tcp://:%zz"} {
		_, err = ParseEndpoint(bad, "OnionRouting", SchemeTCP)
		require.Error(err, bad)
	}
}

func mustMarshal(t *testing.T, v interface{}) cbor.RawMessage {
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}
