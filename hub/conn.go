// conn.go - Hub connection.
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

// Package hub implements the duplex request/response transport between the
// client and its guard: invocations with a single completion each, and
// unsolicited notifications from the guard.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/aenigma/aenigma/core/worker"
)

var (
	// ErrClosed is the error returned when invoking on a closed
	// connection.
	ErrClosed = errors.New("hub: connection closed")

	// ErrHandshake is returned when the peer rejects the endpoint.
	ErrHandshake = errors.New("hub: handshake rejected")
)

// ProtocolError is the error used to indicate that the connection was
// closed due to wire protocol related reasons.
type ProtocolError struct {
	// Err is the original error that triggered connection termination.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("hub: protocol error: %v", e.Err)
}

// Unwrap returns the original error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(f string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}

// InvocationError is returned when the peer answers an invocation with an
// error instead of a result.
type InvocationError struct {
	Method  string
	Message string
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub: %s failed: %s", e.Method, e.Message)
}

// Handler is called with the arguments of an inbound notification.
type Handler func(args []cbor.RawMessage)

type deadliner interface {
	SetDeadline(time.Time) error
}

// Conn is a hub connection.  Invoke may be called concurrently, but the
// client session serializes its use regardless.
type Conn struct {
	worker.Worker

	log *logging.Logger
	rw  io.ReadWriteCloser

	encLock sync.Mutex
	enc     *cbor.Encoder
	dec     *cbor.Decoder

	lock     sync.Mutex
	pending  map[uint64]chan *envelope
	handlers map[string]Handler
	onClosed func(error)

	nextID    uint64
	closed    int32
	closeOnce sync.Once
}

func newConn(rw io.ReadWriteCloser, log *logging.Logger) *Conn {
	return &Conn{
		log:      log,
		rw:       rw,
		enc:      cbor.NewEncoder(rw),
		dec:      cbor.NewDecoder(rw),
		pending:  make(map[uint64]chan *envelope),
		handlers: make(map[string]Handler),
	}
}

// NewConn performs the hub handshake for endpoint over rw, and starts the
// connection's read loop.
func NewConn(ctx context.Context, rw io.ReadWriteCloser, endpoint string, log *logging.Logger) (*Conn, error) {
	c := newConn(rw, log)
	if err := c.handshake(ctx, endpoint); err != nil {
		rw.Close()
		return nil, err
	}
	c.Go(c.reader)
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, endpoint string) error {
	if d, ok := c.rw.(deadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			d.SetDeadline(deadline)
			defer d.SetDeadline(time.Time{})
		}
	}
	if err := c.write(&envelope{Type: frameHandshake, Method: endpoint}); err != nil {
		return err
	}
	resp := new(envelope)
	if err := c.dec.Decode(resp); err != nil {
		return newProtocolError("handshake: %v", err)
	}
	if resp.Type != frameHandshake {
		return newProtocolError("handshake: unexpected frame %d", resp.Type)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrHandshake, resp.Error)
	}
	return nil
}

func (c *Conn) write(env *envelope) error {
	c.encLock.Lock()
	defer c.encLock.Unlock()
	return c.enc.Encode(env)
}

// On registers fn as the handler for notifications of method, replacing
// any previous handler.
func (c *Conn) On(method string, fn Handler) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handlers[method] = fn
}

// OnClosed registers fn to be called once if the connection is closed for
// any reason other than a call to Close.
func (c *Conn) OnClosed(fn func(error)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onClosed = fn
}

// Connected returns true until the connection is closed.
func (c *Conn) Connected() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

// Invoke calls method with args and waits for its completion.  If reply is
// non-nil the result is decoded into it.
func (c *Conn) Invoke(ctx context.Context, method string, reply interface{}, args ...interface{}) error {
	if !c.Connected() {
		return ErrClosed
	}
	rawArgs, err := marshalArgs(args)
	if err != nil {
		return err
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan *envelope, 1)
	c.lock.Lock()
	c.pending[id] = ch
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}()
	if !c.Connected() {
		return ErrClosed
	}

	if err := c.write(&envelope{Type: frameInvocation, ID: id, Method: method, Args: rawArgs}); err != nil {
		c.shutdown(err, false)
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.HaltCh():
		return ErrClosed
	case resp := <-ch:
		if resp == nil {
			return ErrClosed
		}
		if resp.Error != "" {
			return &InvocationError{Method: method, Message: resp.Error}
		}
		if reply == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := cbor.Unmarshal(resp.Result, reply); err != nil {
			return newProtocolError("%s: malformed result: %v", method, err)
		}
		return nil
	}
}

// Close closes the connection.  Registered OnClosed handlers are not
// called.
func (c *Conn) Close() error {
	c.write(&envelope{Type: frameClose})
	c.shutdown(nil, true)
	c.Halt()
	return nil
}

func (c *Conn) shutdown(err error, local bool) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		c.rw.Close()

		c.lock.Lock()
		for id, ch := range c.pending {
			ch <- nil
			delete(c.pending, id)
		}
		fn := c.onClosed
		c.lock.Unlock()

		if local {
			c.log.Debug("Connection closed.")
			return
		}
		c.log.Debugf("Connection closed by peer: %v", err)
		if fn != nil {
			fn(err)
		}
	})
}

func (c *Conn) reader() {
	for {
		env := new(envelope)
		if err := c.dec.Decode(env); err != nil {
			if !c.Connected() {
				return
			}
			if errors.Is(err, io.EOF) {
				c.shutdown(err, false)
			} else {
				c.shutdown(newProtocolError("read: %v", err), false)
			}
			return
		}

		switch env.Type {
		case frameCompletion:
			c.lock.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.lock.Unlock()
			if !ok {
				c.log.Debugf("Dropping completion for unknown invocation %d.", env.ID)
				continue
			}
			ch <- env
		case frameNotification, frameInvocation:
			c.lock.Lock()
			fn, ok := c.handlers[env.Method]
			c.lock.Unlock()
			if !ok {
				c.log.Debugf("No handler for '%v'.", env.Method)
				continue
			}
			args := env.Args
			c.Go(func() { fn(args) })
		case frameClose:
			var err error = io.EOF
			if env.Error != "" {
				err = fmt.Errorf("hub: closed by peer: %s", env.Error)
			}
			c.shutdown(err, false)
			return
		default:
			c.shutdown(newProtocolError("unexpected frame %d", env.Type), false)
			return
		}
	}
}
