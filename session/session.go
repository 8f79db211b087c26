// session.go - Guard session state machine.
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

// Package session maintains the authenticated connection to the local
// guard, and exposes its progress as a Status.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/graph"
	"github.com/aenigma/aenigma/hub"
	"github.com/aenigma/aenigma/internal/instrument"
)

const (
	// DefaultRetryLimit is the number of consecutive errors after which
	// the session aborts.
	DefaultRetryLimit = 3

	defaultInvocationTimeout = 30 * time.Second
)

// Transport is a connected hub, see hub.Conn.
type Transport interface {
	Invoke(ctx context.Context, method string, reply interface{}, args ...interface{}) error
	On(method string, fn hub.Handler)
	OnClosed(fn func(error))
	Connected() bool
	Close() error
}

// Dialer opens a Transport to the hub at url.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Signer is the local identity.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
	Address() graph.Address
}

// Interpreter consumes the onions delivered by the guard.
type Interpreter interface {
	HandleRoutingRequest(req *RoutingRequest)
	HandlePendingMessages(msgs []PendingMessage)
}

// GuardSource returns the current guard, or nil if none is selected.
type GuardSource interface {
	Guard() (*graph.Guard, error)
}

// Config is the Session configuration.
type Config struct {
	Signer      Signer
	Dialer      Dialer
	Interpreter Interpreter
	Guards      GuardSource

	// Scheme is used for guard hostnames without one.
	Scheme string

	// RetryLimit is the number of consecutive errors that abort the
	// session.
	RetryLimit int

	// InvocationTimeout bounds each hub round trip.
	InvocationTimeout time.Duration

	Log *logging.Logger
}

// Session is the connection to the guard.  Operations are serialized, and
// Status may be read at any time.
type Session struct {
	cfg Config
	log *logging.Logger

	// lock serializes operations.
	lock sync.Mutex

	connLock sync.Mutex
	conn     Transport
	token    string

	status      atomic.Pointer[Status]
	statusLock  sync.Mutex
	failures    int
	abortLevel  int
	subscribers map[int]chan Status
	nextSub     int
}

// New returns a disconnected Session.
func New(cfg *Config) *Session {
	if cfg.Signer == nil || cfg.Dialer == nil || cfg.Interpreter == nil || cfg.Guards == nil {
		panic("BUG: session: incomplete Config")
	}
	s := &Session{
		cfg:         *cfg,
		log:         cfg.Log,
		subscribers: make(map[int]chan Status),
	}
	if s.cfg.Scheme == "" {
		s.cfg.Scheme = hub.SchemeTLS
	}
	if s.cfg.RetryLimit <= 0 {
		s.cfg.RetryLimit = DefaultRetryLimit
	}
	if s.cfg.InvocationTimeout <= 0 {
		s.cfg.InvocationTimeout = defaultInvocationTimeout
	}
	st := StatusOf(NotConnected)
	s.status.Store(&st)
	return s
}

// Status returns the current status.
func (s *Session) Status() Status {
	return *s.status.Load()
}

// Failures returns the consecutive error count.
func (s *Session) Failures() int {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	return s.failures
}

// Token returns the token issued by the last successful authentication.
func (s *Session) Token() string {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return s.token
}

// Subscribe returns a channel receiving status updates, and a function
// to stop them.  Slow subscribers only see the latest status.
func (s *Session) Subscribe() (<-chan Status, func()) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()

	ch := make(chan Status, 1)
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	return ch, func() {
		s.statusLock.Lock()
		defer s.statusLock.Unlock()
		delete(s.subscribers, id)
	}
}

// publish must be called with statusLock held.
func (s *Session) publish(st Status) {
	s.status.Store(&st)
	instrument.SessionStatus(st.Kind().String())
	for _, ch := range s.subscribers {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Session) updateStatus(st Status) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()

	if s.Status().Is(Aborted) {
		s.log.Debugf("Ignoring %v while aborted.", st)
		return
	}
	if st.IsError() {
		s.failures++
		instrument.SessionFailures(s.failures)
		s.log.Warningf("%v (failure %d/%d)", st, s.failures, s.cfg.RetryLimit)
		if s.failures >= s.cfg.RetryLimit {
			s.abortLevel = st.Level()
			st = AbortedWith(MsgAborted)
			s.log.Error(MsgAborted)
		}
	} else {
		s.log.Debugf("Status: %v", st)
	}
	s.publish(st)
}

// ResetAborted leaves the Aborted status, clearing the failure count.  The
// new status is Reset at the level of the error that caused the abort.  It
// returns false if the session was not aborted.
func (s *Session) ResetAborted() bool {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()

	if !s.Status().Is(Aborted) {
		return false
	}
	s.failures = 0
	instrument.SessionFailures(0)
	s.publish(ResetTo(s.abortLevel))
	s.log.Notice("Session reset after abort.")
	return true
}

func (s *Session) transport() Transport {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return s.conn
}

// IsConnected returns true while the hub connection is open.
func (s *Session) IsConnected() bool {
	conn := s.transport()
	return conn != nil && conn.Connected()
}

func (s *Session) invoke(ctx context.Context, conn Transport, method string, reply interface{}, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvocationTimeout)
	defer cancel()
	err := conn.Invoke(ctx, method, reply, args...)
	if err != nil {
		instrument.FailedInvocation(method)
		s.log.Debugf("%v: %v", method, err)
	}
	return err
}

// invokeFailed records a failed invocation.  If the connection went away
// meanwhile, onClosed already recorded the loss and the failure is not
// counted twice.
func (s *Session) invokeFailed(conn Transport, level int, err error) {
	if !conn.Connected() {
		s.log.Debugf("Ignoring failure on a closed connection: %v", err)
		return
	}
	s.updateStatus(Failed(level, err.Error()))
}

// Connect dials the guard at hostname and authenticates.  It does nothing
// if already connected or aborted.
func (s *Session) Connect(ctx context.Context, hostname string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.IsConnected() || s.Status().Is(Aborted) {
		return
	}
	s.updateStatus(StatusOf(Connecting))

	u, err := hub.ParseEndpoint(hostname, Endpoint, s.cfg.Scheme)
	if err != nil {
		s.log.Errorf("Invalid guard hostname '%v': %v", hostname, err)
		s.updateStatus(Failed(StatusOf(Connecting).Level(), MsgInvalidURL))
		return
	}
	conn, err := s.cfg.Dialer(ctx, u.String())
	if err != nil {
		s.updateStatus(ConnectionRefused(err.Error()))
		return
	}
	conn.On(MethodRouteMessage, s.onRouteMessage)
	conn.OnClosed(s.onClosed)

	s.connLock.Lock()
	s.conn = conn
	s.token = ""
	s.connLock.Unlock()

	s.updateStatus(StatusOf(Connected))
	s.authenticate(ctx, conn)
}

func (s *Session) authenticate(ctx context.Context, conn Transport) {
	authLevel := StatusOf(Authenticating).Level()
	s.updateStatus(StatusOf(Authenticating))

	var nonce InvocationResult[[]byte]
	if err := s.invoke(ctx, conn, MethodGenerateToken, &nonce); err != nil {
		s.invokeFailed(conn, authLevel, err)
		return
	}
	if !nonce.Success {
		s.updateStatus(Failed(authLevel, nonce.ErrorsString()))
		return
	}
	if nonce.Data == nil {
		s.updateStatus(Failed(authLevel, MsgNullNonce))
		return
	}

	sig, err := s.cfg.Signer.Sign(*nonce.Data)
	if err != nil || len(sig) == 0 {
		s.log.Errorf("Failed to sign the authentication nonce: %v", err)
		s.updateStatus(Failed(authLevel, MsgInternalError))
		return
	}
	req := &AuthenticationRequest{
		PublicKey: s.cfg.Signer.PublicKey(),
		Signature: sig,
	}
	var token InvocationResult[string]
	if err := s.invoke(ctx, conn, MethodAuthenticate, &token, req); err != nil {
		s.invokeFailed(conn, authLevel, err)
		return
	}
	if !token.Success {
		s.updateStatus(Failed(authLevel, token.ErrorsString()))
		return
	}
	if token.Data != nil {
		s.connLock.Lock()
		s.token = *token.Data
		s.connLock.Unlock()
	}
	s.updateStatus(StatusOf(Authenticated))
}

// Broadcast publishes the signed neighborhood of the local node, whose
// only neighbor is its guard.
func (s *Session) Broadcast(ctx context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	conn := s.transport()
	if conn == nil || !conn.Connected() {
		return
	}
	level := StatusOf(Broadcasting).Level()
	s.updateStatus(StatusOf(Broadcasting))

	guard, err := s.cfg.Guards.Guard()
	if err != nil || guard == nil {
		s.log.Errorf("Broadcast: no guard: %v", err)
		s.updateStatus(Failed(level, MsgGuardNotDefined))
		return
	}
	neighborhood, err := json.Marshal(&graph.Neighborhood{
		Address:   s.cfg.Signer.Address().String(),
		Neighbors: []string{guard.Address.String()},
	})
	if err != nil {
		s.updateStatus(Failed(level, MsgInternalError))
		return
	}
	sig, err := s.cfg.Signer.Sign(neighborhood)
	if err != nil || len(sig) == 0 {
		s.log.Errorf("Failed to sign the neighborhood: %v", err)
		s.updateStatus(Failed(level, MsgInternalError))
		return
	}
	req := &BroadcastRequest{
		PublicKey:    s.cfg.Signer.PublicKey(),
		Neighborhood: neighborhood,
		Signature:    sig,
	}
	var res InvocationResult[empty]
	if err := s.invoke(ctx, conn, MethodBroadcast, &res, req); err != nil {
		s.invokeFailed(conn, level, err)
		return
	}
	if !res.Success {
		s.updateStatus(Failed(level, res.ErrorsString()))
		return
	}
	s.updateStatus(StatusOf(Broadcasted))
}

// Pull fetches the onions the guard held while the client was away, and
// hands them to the Interpreter.
func (s *Session) Pull(ctx context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	conn := s.transport()
	if conn == nil || !conn.Connected() {
		return
	}
	level := StatusOf(Pulling).Level()
	s.updateStatus(StatusOf(Pulling))

	var res InvocationResult[[]PendingMessage]
	if err := s.invoke(ctx, conn, MethodPull, &res); err != nil {
		s.invokeFailed(conn, level, err)
		return
	}
	if !res.Success {
		s.updateStatus(Failed(level, res.ErrorsString()))
		return
	}
	if res.Data == nil {
		s.updateStatus(Failed(level, MsgNullPull))
		return
	}
	s.log.Debugf("Pulled %d pending messages.", len(*res.Data))
	s.cfg.Interpreter.HandlePendingMessages(*res.Data)
	s.updateStatus(StatusOf(Synchronized))
}

// Cleanup asks the guard to drop the messages already pulled.
func (s *Session) Cleanup(ctx context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	conn := s.transport()
	if conn == nil || !conn.Connected() {
		return
	}
	level := StatusOf(Cleaning).Level()
	s.updateStatus(StatusOf(Cleaning))

	var res InvocationResult[empty]
	if err := s.invoke(ctx, conn, MethodCleanup, &res); err != nil {
		s.invokeFailed(conn, level, err)
		return
	}
	if !res.Success {
		s.updateStatus(Failed(level, res.ErrorsString()))
		return
	}
	s.updateStatus(StatusOf(Clean))
}

// SendMessages routes a batch of onions through the guard.  It returns
// true only if the guard accepted the batch.
func (s *Session) SendMessages(ctx context.Context, batch [][]byte) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	conn := s.transport()
	if conn == nil || !conn.Connected() {
		return false
	}
	var res InvocationResult[empty]
	if err := s.invoke(ctx, conn, MethodRouteMessage, &res, &RoutingRequest{Payloads: batch}); err != nil {
		s.log.Warningf("Failed to route %d onions: %v", len(batch), err)
		return false
	}
	if !res.Success {
		s.log.Warningf("Guard refused %d onions: %v", len(batch), res.ErrorsString())
	}
	return res.Success
}

// Disconnect closes the connection and clears the failure count.  It does
// nothing when not connected.  An aborted session stays aborted.
func (s *Session) Disconnect() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.connLock.Lock()
	conn := s.conn
	s.conn = nil
	s.token = ""
	s.connLock.Unlock()

	if conn == nil {
		return
	}
	wasConnected := conn.Connected()
	conn.Close()
	if !wasConnected {
		return
	}

	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	if s.Status().Is(Aborted) {
		return
	}
	s.failures = 0
	instrument.SessionFailures(0)
	s.publish(StatusOf(NotConnected))
	s.log.Debug("Disconnected.")
}

// onRouteMessage must not take the session lock, it runs while an
// operation may be holding it.
func (s *Session) onRouteMessage(args []cbor.RawMessage) {
	if len(args) == 0 {
		s.log.Debug("RouteMessage notification without arguments.")
		return
	}
	req := new(RoutingRequest)
	if err := cbor.Unmarshal(args[0], req); err != nil {
		s.log.Warningf("Malformed RouteMessage notification: %v", err)
		return
	}
	s.cfg.Interpreter.HandleRoutingRequest(req)
}

// onClosed must not take the session lock either.
func (s *Session) onClosed(err error) {
	msg := MsgConnectionLost
	if err != nil {
		msg = err.Error()
	}
	s.updateStatus(Disconnected(s.Status().Level(), msg))
}
