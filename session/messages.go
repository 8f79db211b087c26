// messages.go - Hub invocation payloads.
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
	"strings"
	"time"
)

// Hub endpoint and method names.
const (
	Endpoint = "OnionRouting"

	MethodGenerateToken = "GenerateToken"
	MethodAuthenticate  = "Authenticate"
	MethodRouteMessage  = "RouteMessage"
	MethodBroadcast     = "Broadcast"
	MethodPull          = "Pull"
	MethodCleanup       = "Cleanup"
)

// Status messages.
const (
	MsgInternalError   = "Internal error occurred."
	MsgAborted         = "The maximum number of failed connection attempts has been reached."
	MsgNullNonce       = "Authentication nonce was null."
	MsgNullPull        = "Data returned from Pull invocation was null."
	MsgInvalidURL      = "Could not create connection or invalid URL."
	MsgConnectionLost  = "Connection closed by the guard."
	MsgGuardNotDefined = "Guard not defined."
)

// InvocationError is one error reported by the hub.
type InvocationError struct {
	Message    string            `cbor:"message"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

// InvocationResult is the reply to every hub invocation.
type InvocationResult[T any] struct {
	Data    *T                `cbor:"data"`
	Success bool              `cbor:"success"`
	Errors  []InvocationError `cbor:"errors,omitempty"`
}

// ErrorsString joins the reported error messages.
func (r *InvocationResult[T]) ErrorsString() string {
	if len(r.Errors) == 0 {
		return MsgInternalError
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, ", ")
}

// AuthenticationRequest answers the GenerateToken nonce.
type AuthenticationRequest struct {
	PublicKey []byte `cbor:"publicKey"`
	Signature []byte `cbor:"signature"`
}

// RoutingRequest carries onions, outbound with RouteMessage and inbound
// with the RouteMessage notification.
type RoutingRequest struct {
	Payloads [][]byte `cbor:"payloads"`
}

// PendingMessage is an onion held by the guard while the client was
// away.
type PendingMessage struct {
	UUID         string    `cbor:"uuid"`
	Destination  string    `cbor:"destination"`
	Content      []byte    `cbor:"content"`
	DateReceived time.Time `cbor:"dateReceived"`
	Sent         bool      `cbor:"sent"`
}

// BroadcastRequest publishes the local neighborhood.
type BroadcastRequest struct {
	PublicKey    []byte `cbor:"publicKey"`
	Neighborhood []byte `cbor:"neighborhood"`
	Signature    []byte `cbor:"signature"`
}

type empty struct{}
