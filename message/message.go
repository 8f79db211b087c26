// message.go - Onion plaintext.
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

// Package message defines the signed payload carried inside an onion.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/secure/precis"
)

const (
	// MaxNameLength is the longest sender name accepted, in bytes.
	MaxNameLength = 64

	// MaxGroupMembers is the largest group card accepted.
	MaxGroupMembers = 128
)

var (
	// ErrBadSignature is returned when a payload signature does not
	// verify against the embedded sender key.
	ErrBadSignature = errors.New("message: invalid signature")

	// ErrInvalidName is returned for names that do not survive
	// normalization.
	ErrInvalidName = errors.New("message: invalid name")
)

// ActionKind is what a message does to its conversation.
type ActionKind uint8

const (
	// ActionNone is a plain text message.
	ActionNone ActionKind = iota

	// ActionDelete removes the message with RefID.
	ActionDelete

	// ActionDeleteAll clears the conversation.
	ActionDeleteAll
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "NONE"
	case ActionDelete:
		return "DELETE"
	case ActionDeleteAll:
		return "DELETE_ALL"
	}
	return fmt.Sprintf("[Unknown ActionKind: %d]", int(k))
}

// Action is attached to every message.
type Action struct {
	Kind  ActionKind `cbor:"kind"`
	RefID string     `cbor:"refId,omitempty"`
}

// Payload is the message content together with the sender's contact
// card.
type Payload struct {
	Text                string    `cbor:"text,omitempty"`
	Action              Action    `cbor:"action"`
	SenderName          string    `cbor:"senderName,omitempty"`
	SenderPublicKey     []byte    `cbor:"senderPublicKey"`
	SenderGuardAddress  string    `cbor:"senderGuardAddress,omitempty"`
	SenderGuardHostname string    `cbor:"senderGuardHostname,omitempty"`
	RefID               string    `cbor:"refId"`
	Group               *Group    `cbor:"group,omitempty"`
	DateCreated         time.Time `cbor:"dateCreated"`
}

// Member is the contact card of a group member.
type Member struct {
	Name          string `cbor:"name,omitempty"`
	PublicKey     []byte `cbor:"publicKey"`
	GuardAddress  string `cbor:"guardAddress,omitempty"`
	GuardHostname string `cbor:"guardHostname,omitempty"`
}

// Group is the group card sent with every group message, so that each
// member can reach all the others.
type Group struct {
	Name    string   `cbor:"name"`
	Members []Member `cbor:"members"`
}

// Signed is a payload with the sender's signature over its encoding.
type Signed struct {
	Payload   []byte `cbor:"payload"`
	Signature []byte `cbor:"signature"`
}

// Signer signs payloads.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// VerifyFunc verifies sig over msg with the public key pub.
type VerifyFunc func(pub, msg, sig []byte) bool

// NormalizeName applies the nickname profile to a display name.
func NormalizeName(name string) (string, error) {
	n, err := precis.Nickname.String(name)
	if err != nil || n == "" || len(n) > MaxNameLength {
		return "", ErrInvalidName
	}
	return n, nil
}

// Seal encodes and signs p.
func Seal(p *Payload, signer Signer) ([]byte, error) {
	b, err := cbor.Marshal(p)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(b)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&Signed{Payload: b, Signature: sig})
}

// Open decodes a Signed payload and verifies it against the sender key it
// carries.
func Open(b []byte, verify VerifyFunc) (*Payload, error) {
	s := new(Signed)
	if err := cbor.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("message: malformed envelope: %w", err)
	}
	p := new(Payload)
	if err := cbor.Unmarshal(s.Payload, p); err != nil {
		return nil, fmt.Errorf("message: malformed payload: %w", err)
	}
	if len(p.SenderPublicKey) == 0 || !verify(p.SenderPublicKey, s.Payload, s.Signature) {
		return nil, ErrBadSignature
	}
	return p, nil
}
