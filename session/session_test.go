// session_test.go - Session state machine tests.
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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/aenigma/aenigma/core/log"
	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/hub"
)

type invokeFunc func(args []interface{}) (interface{}, error)

type fakeTransport struct {
	sync.Mutex

	methods   map[string]invokeFunc
	calls     []string
	handlers  map[string]hub.Handler
	onClosed  func(error)
	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		methods:   make(map[string]invokeFunc),
		handlers:  make(map[string]hub.Handler),
		connected: true,
	}
}

func (f *fakeTransport) Invoke(ctx context.Context, method string, reply interface{}, args ...interface{}) error {
	f.Lock()
	fn, ok := f.methods[method]
	f.calls = append(f.calls, method)
	f.Unlock()
	if !ok {
		return &hub.InvocationError{Method: method, Message: "no such method"}
	}
	res, err := fn(args)
	if err != nil {
		return err
	}
	b, err := cbor.Marshal(res)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(b, reply)
}

func (f *fakeTransport) On(method string, fn hub.Handler) {
	f.Lock()
	defer f.Unlock()
	f.handlers[method] = fn
}

func (f *fakeTransport) OnClosed(fn func(error)) {
	f.Lock()
	defer f.Unlock()
	f.onClosed = fn
}

func (f *fakeTransport) Connected() bool {
	f.Lock()
	defer f.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.Lock()
	defer f.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) closeByPeer() {
	f.Lock()
	f.connected = false
	fn := f.onClosed
	f.Unlock()
	fn(errors.New("EOF"))
}

func (f *fakeTransport) notify(method string, args ...interface{}) error {
	f.Lock()
	fn := f.handlers[method]
	f.Unlock()
	raw := make([]cbor.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := cbor.Marshal(a)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}
	fn(raw)
	return nil
}

func (f *fakeTransport) called() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string{}, f.calls...)
}

type fakeSigner struct {
	err  error
	addr graph.Address
	sigs [][]byte
}

func (s *fakeSigner) Sign(msg []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.sigs = append(s.sigs, msg)
	return append([]byte("sig:"), msg...), nil
}

func (s *fakeSigner) PublicKey() []byte {
	return []byte("public key")
}

func (s *fakeSigner) Address() graph.Address {
	return s.addr
}

type fakeInterpreter struct {
	sync.Mutex

	routed  [][]byte
	pending []PendingMessage
}

func (i *fakeInterpreter) HandleRoutingRequest(req *RoutingRequest) {
	i.Lock()
	defer i.Unlock()
	i.routed = append(i.routed, req.Payloads...)
}

func (i *fakeInterpreter) HandlePendingMessages(msgs []PendingMessage) {
	i.Lock()
	defer i.Unlock()
	i.pending = append(i.pending, msgs...)
}

type fakeGuards struct {
	guard *graph.Guard
}

func (g *fakeGuards) Guard() (*graph.Guard, error) {
	return g.guard, nil
}

type testHarness struct {
	s           *Session
	transport   *fakeTransport
	signer      *fakeSigner
	interpreter *fakeInterpreter
	dialErr     error
	dialed      []string
}

func ok[T any](data T) invokeFunc {
	return func([]interface{}) (interface{}, error) {
		return &InvocationResult[T]{Data: &data, Success: true}, nil
	}
}

func newHarness(t *testing.T) *testHarness {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	h := &testHarness{
		transport:   newFakeTransport(),
		signer:      &fakeSigner{addr: graph.AddressFromKey([]byte("local"))},
		interpreter: new(fakeInterpreter),
	}
	h.transport.methods[MethodGenerateToken] = ok([]byte("nonce"))
	h.transport.methods[MethodAuthenticate] = ok("token")
	h.s = New(&Config{
		Signer:      h.signer,
		Interpreter: h.interpreter,
		Guards: &fakeGuards{guard: &graph.Guard{
			Address:  graph.AddressFromKey([]byte("guard")),
			Hostname: "guard.example:7900",
		}},
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			h.dialed = append(h.dialed, url)
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			h.transport.Lock()
			h.transport.connected = true
			h.transport.Unlock()
			return h.transport, nil
		},
		InvocationTimeout: time.Second,
		Log:               logBackend.GetLogger("session"),
	})
	return h
}

func collect(ch <-chan Status) []Status {
	var out []Status
	for {
		select {
		case st := <-ch:
			out = append(out, st)
		default:
			return out
		}
	}
}

func TestConnectAuthenticates(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	h.s.Connect(ctx, "guard.example:7900")
	require.Equal(Authenticated, h.s.Status().Kind())
	require.Equal([]string{"tls://guard.example:7900/OnionRouting"}, h.dialed)
	require.Equal([]string{MethodGenerateToken, MethodAuthenticate}, h.transport.called())
	require.Equal([][]byte{[]byte("nonce")}, h.signer.sigs)
	require.Equal("token", h.s.Token())
	require.True(h.s.IsConnected())
	require.Zero(h.s.Failures())

	// Connecting again is a no-op.
	h.s.Connect(ctx, "guard.example:7900")
	require.Len(h.dialed, 1)
}

func TestStatusProgression(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	var seen []Status
	var mu sync.Mutex
	h.transport.methods[MethodAuthenticate] = func([]interface{}) (interface{}, error) {
		mu.Lock()
		seen = append(seen, h.s.Status())
		mu.Unlock()
		return &InvocationResult[string]{Success: true}, nil
	}
	h.s.Connect(context.Background(), "guard.example:7900")
	require.Equal([]Status{StatusOf(Authenticating)}, seen)
	require.Equal(StatusOf(Authenticated), h.s.Status())
}

func TestSignFailure(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.signer.err = errors.New("no key")

	h.s.Connect(context.Background(), "guard.example:7900")
	st := h.s.Status()
	require.True(st.IsError())
	require.Equal(MsgInternalError, st.Message())
	require.Equal(StatusOf(Authenticating).Level(), st.Level())
	require.Equal(1, h.s.Failures())
	require.Equal([]string{MethodGenerateToken}, h.transport.called())
}

func TestAuthenticationErrors(t *testing.T) {
	require := require.New(t)

	h := newHarness(t)
	h.transport.methods[MethodGenerateToken] = func([]interface{}) (interface{}, error) {
		return &InvocationResult[[]byte]{Success: true}, nil
	}
	h.s.Connect(context.Background(), "guard.example:7900")
	require.Equal(MsgNullNonce, h.s.Status().Message())

	h = newHarness(t)
	h.transport.methods[MethodAuthenticate] = func([]interface{}) (interface{}, error) {
		return &InvocationResult[string]{Errors: []InvocationError{{Message: "bad signature"}, {Message: "try again"}}}, nil
	}
	h.s.Connect(context.Background(), "guard.example:7900")
	require.Equal("bad signature, try again", h.s.Status().Message())
}

func TestConnectErrors(t *testing.T) {
	require := require.New(t)

	h := newHarness(t)
	h.s.Connect(context.Background(), "")
	require.Equal(MsgInvalidURL, h.s.Status().Message())
	require.Empty(h.dialed)

	h = newHarness(t)
	h.dialErr = &hub.ConnectError{Err: errors.New("connection refused")}
	h.s.Connect(context.Background(), "guard.example:7900")
	st := h.s.Status()
	require.Equal(ErrConnectionRefused, st.ErrorKind())
	require.Equal(1, st.Level())
	require.False(h.s.IsConnected())
}

func TestAbortAndReset(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.dialErr = errors.New("connection refused")
	ctx := context.Background()

	ch, unsubscribe := h.s.Subscribe()
	defer unsubscribe()

	require.False(h.s.ResetAborted())
	for i := 0; i < DefaultRetryLimit; i++ {
		h.s.Connect(ctx, "guard.example:7900")
	}
	require.Equal(Aborted, h.s.Status().Kind())
	require.Equal(MsgAborted, h.s.Status().Message())
	require.Equal(DefaultRetryLimit, h.s.Failures())
	require.Equal([]Status{AbortedWith(MsgAborted)}, collect(ch))

	// Aborted is sticky.
	h.s.Connect(ctx, "guard.example:7900")
	require.Len(h.dialed, DefaultRetryLimit)
	h.s.updateStatus(StatusOf(Connected))
	require.Equal(Aborted, h.s.Status().Kind())

	require.True(h.s.ResetAborted())
	require.Equal(ResetTo(1), h.s.Status())
	require.Zero(h.s.Failures())
	require.Equal([]Status{ResetTo(1)}, collect(ch))

	h.dialErr = nil
	h.s.Connect(ctx, "guard.example:7900")
	require.Equal(Authenticated, h.s.Status().Kind())
}

func TestDisconnect(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	h.s.Disconnect()
	require.Equal(StatusOf(NotConnected), h.s.Status())

	h.signer.err = errors.New("no key")
	h.s.Connect(ctx, "guard.example:7900")
	require.Equal(1, h.s.Failures())

	h.s.Disconnect()
	require.Equal(StatusOf(NotConnected), h.s.Status())
	require.Zero(h.s.Failures())
	require.False(h.s.IsConnected())
	require.False(h.transport.Connected())

	ch, unsubscribe := h.s.Subscribe()
	defer unsubscribe()
	h.s.Disconnect()
	require.Equal(StatusOf(NotConnected), h.s.Status())
	require.Empty(collect(ch))
}

func TestPullBroadcastCleanup(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	pending := []PendingMessage{{UUID: "a", Content: []byte("onion a")}, {UUID: "b", Content: []byte("onion b")}}
	h.transport.methods[MethodPull] = ok(pending)
	h.transport.methods[MethodCleanup] = ok(empty{})
	var broadcast BroadcastRequest
	h.transport.methods[MethodBroadcast] = func(args []interface{}) (interface{}, error) {
		broadcast = *args[0].(*BroadcastRequest)
		return &InvocationResult[empty]{Success: true}, nil
	}

	// Not connected: nothing happens.
	h.s.Pull(ctx)
	h.s.Broadcast(ctx)
	h.s.Cleanup(ctx)
	require.Empty(h.transport.called())
	require.Equal(StatusOf(NotConnected), h.s.Status())

	h.s.Connect(ctx, "guard.example:7900")
	h.s.Pull(ctx)
	require.Equal(StatusOf(Synchronized), h.s.Status())
	require.Len(h.interpreter.pending, 2)
	require.Equal("b", h.interpreter.pending[1].UUID)

	h.s.Broadcast(ctx)
	require.Equal(StatusOf(Broadcasted), h.s.Status())
	var n graph.Neighborhood
	require.NoError(json.Unmarshal(broadcast.Neighborhood, &n))
	require.Equal(h.signer.addr.String(), n.Address)
	require.Equal([]string{graph.AddressFromKey([]byte("guard")).String()}, n.Neighbors)
	require.Equal(append([]byte("sig:"), broadcast.Neighborhood...), broadcast.Signature)

	h.s.Cleanup(ctx)
	require.Equal(StatusOf(Clean), h.s.Status())

	h.transport.methods[MethodPull] = func([]interface{}) (interface{}, error) {
		return &InvocationResult[[]PendingMessage]{Success: true}, nil
	}
	h.s.Pull(ctx)
	require.Equal(MsgNullPull, h.s.Status().Message())
	require.Equal(1, h.s.Failures())
}

func TestSendMessages(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	batch := [][]byte{[]byte("one"), []byte("two")}

	require.False(h.s.SendMessages(ctx, batch))

	var routed [][]byte
	h.transport.methods[MethodRouteMessage] = func(args []interface{}) (interface{}, error) {
		routed = args[0].(*RoutingRequest).Payloads
		return &InvocationResult[empty]{Success: true}, nil
	}
	h.s.Connect(ctx, "guard.example:7900")
	require.True(h.s.SendMessages(ctx, batch))
	require.Equal(batch, routed)
	require.Equal(StatusOf(Authenticated), h.s.Status())

	h.transport.methods[MethodRouteMessage] = func([]interface{}) (interface{}, error) {
		return &InvocationResult[empty]{Errors: []InvocationError{{Message: "full"}}}, nil
	}
	require.False(h.s.SendMessages(ctx, batch))
	require.Zero(h.s.Failures())
}

func TestPushAndClosedByPeer(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	h.s.Connect(ctx, "guard.example:7900")
	require.NoError(h.transport.notify(MethodRouteMessage, &RoutingRequest{Payloads: [][]byte{[]byte("pushed")}}))
	require.Equal([][]byte{[]byte("pushed")}, h.interpreter.routed)
	require.Equal(StatusOf(Authenticated), h.s.Status())

	h.transport.closeByPeer()
	st := h.s.Status()
	require.Equal(ErrDisconnected, st.ErrorKind())
	require.Equal(StatusOf(Authenticated).Level(), st.Level())
	require.Equal(1, h.s.Failures())
	require.False(h.s.IsConnected())

	// A closed connection does not count as connected, so Disconnect
	// leaves the error in place.
	h.s.Disconnect()
	require.Equal(ErrDisconnected, h.s.Status().ErrorKind())

	h.s.Connect(ctx, "guard.example:7900")
	require.Equal(Authenticated, h.s.Status().Kind())
	require.Len(h.dialed, 2)
}

func TestPeerCloseDuringInvocationCountsOnce(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	h.s.Connect(ctx, "guard.example:7900")
	h.transport.methods[MethodPull] = func([]interface{}) (interface{}, error) {
		h.transport.closeByPeer()
		return nil, hub.ErrClosed
	}
	h.s.Pull(ctx)

	st := h.s.Status()
	require.Equal(ErrDisconnected, st.ErrorKind())
	require.Equal(StatusOf(Pulling).Level(), st.Level())
	require.Equal(1, h.s.Failures())

	// A failure on a live connection still counts.
	h.s.Connect(ctx, "guard.example:7900")
	h.transport.methods[MethodPull] = func([]interface{}) (interface{}, error) {
		return nil, errors.New("deadline exceeded")
	}
	h.s.Pull(ctx)
	require.Equal(ErrGeneric, h.s.Status().ErrorKind())
	require.Equal(2, h.s.Failures())
}
