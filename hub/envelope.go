// envelope.go - Hub wire framing.
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
	"github.com/fxamacker/cbor/v2"
)

type frameType uint8

const (
	// frameHandshake opens a session against an endpoint, carried in
	// Method.  The peer answers with a frameHandshake with an empty Error.
	frameHandshake frameType = iota

	// frameInvocation calls Method with Args and expects a frameCompletion
	// with the same ID.
	frameInvocation

	// frameCompletion carries the Result of, or the Error raised by, the
	// invocation with the same ID.
	frameCompletion

	// frameNotification calls Method with Args without expecting an
	// answer.
	frameNotification

	// frameClose announces an orderly shutdown, with an optional Error.
	frameClose
)

// envelope is a single hub message.  Envelopes are CBOR items written back
// to back on the stream, so no extra length prefix is needed.
type envelope struct {
	Type   frameType         `cbor:"t"`
	ID     uint64            `cbor:"i,omitempty"`
	Method string            `cbor:"m,omitempty"`
	Args   []cbor.RawMessage `cbor:"a,omitempty"`
	Result cbor.RawMessage   `cbor:"r,omitempty"`
	Error  string            `cbor:"e,omitempty"`
}

func marshalArgs(args []interface{}) ([]cbor.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]cbor.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := cbor.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
