// graph.go - Relay graph types.
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

// Package graph defines the relay graph as seen by the client: vertices,
// the directed edges between them, the local guard, and the directory
// service the graph is learned from.
package graph

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/hash"
)

// AddressSize is the size of an Address in bytes.
const AddressSize = 32

// ErrInvalidAddress is returned when parsing a malformed address.
var ErrInvalidAddress = errors.New("graph: invalid address")

// Address identifies a vertex.  It is derived from the vertex public key.
type Address [AddressSize]byte

// AddressFromKey returns the address of the vertex owning the public key
// pub.
func AddressFromKey(pub []byte) Address {
	return Address(hash.Sum256(pub))
}

// ParseAddress decodes the 64 lowercase hex character form of an address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != hex.EncodedLen(AddressSize) {
		return a, ErrInvalidAddress
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return a, ErrInvalidAddress
		}
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, ErrInvalidAddress
	}
	return a, nil
}

// String returns the hex form of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero returns true for the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Vertex is a relay, or a leaf client attached to a relay.  Only relays
// usable as a guard carry a Hostname.
type Vertex struct {
	Address   Address
	PublicKey []byte
	Hostname  string
}

func (v *Vertex) String() string {
	if v.Hostname != "" {
		return fmt.Sprintf("%s@%s", v.Address, v.Hostname)
	}
	return v.Address.String()
}

// Edge means that Source can forward to Target.
type Edge struct {
	Source Address
	Target Address
}

// Guard is the local node's persisted entry relay.
type Guard struct {
	Address   Address
	PublicKey []byte
	Hostname  string
	CreatedAt time.Time
}

// Vertex returns the guard as a graph vertex.
func (g *Guard) Vertex() Vertex {
	return Vertex{
		Address:   g.Address,
		PublicKey: g.PublicKey,
		Hostname:  g.Hostname,
	}
}

// Snapshot is a read-only view of the locally cached relay graph.  A nil
// Guard with a nil error means no guard has been selected yet.
type Snapshot interface {
	Guard() (*Guard, error)
	Vertices() ([]Vertex, error)
	Edges() ([]Edge, error)
}

// Neighborhood is the signed adjacency list a vertex publishes about
// itself.  Addresses are in hex form.
type Neighborhood struct {
	Address   string   `json:"address" cbor:"address"`
	Hostname  string   `json:"hostname,omitempty" cbor:"hostname,omitempty"`
	Neighbors []string `json:"neighbors" cbor:"neighbors"`
}
