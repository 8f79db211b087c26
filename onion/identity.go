// identity.go - Long term client identity.
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

package onion

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike"
	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/aenigma/aenigma/graph"
)

// SignatureScheme is the name of the hpqc signature scheme used for vertex
// identities.
const SignatureScheme = "Ed25519"

var (
	// ErrInvalidKey is returned for public keys of the wrong shape.
	ErrInvalidKey = errors.New("onion: invalid public key")

	// ErrNoIdentity is returned when signing without a private key.
	ErrNoIdentity = errors.New("onion: identity has no private key")

	signScheme = ed25519.Scheme()
	nikeScheme = ecdh.Scheme(rand.Reader)
)

// PublicKeySize is the size of a serialized identity public key: the
// signing key followed by the key agreement key.
func PublicKeySize() int {
	return signScheme.PublicKeySize() + nikeScheme.PublicKeySize()
}

// SplitPublicKey parses a serialized identity public key.
func SplitPublicKey(pub []byte) (sign.PublicKey, nike.PublicKey, error) {
	if len(pub) != PublicKeySize() {
		return nil, nil, ErrInvalidKey
	}
	n := signScheme.PublicKeySize()
	sk, err := signScheme.UnmarshalBinaryPublicKey(pub[:n])
	if err != nil {
		return nil, nil, ErrInvalidKey
	}
	bk, err := nikeScheme.UnmarshalBinaryPublicKey(pub[n:])
	if err != nil {
		return nil, nil, ErrInvalidKey
	}
	return sk, bk, nil
}

// Verify checks sig over msg against the identity public key pub.
func Verify(pub, msg, sig []byte) bool {
	sk, _, err := SplitPublicKey(pub)
	if err != nil {
		return false
	}
	return signScheme.Verify(sk, msg, sig, nil)
}

// Identity is the long term key material of a client: a signing key used
// for authentication and message signatures, and a key agreement key that
// onion layers addressed to the client are sealed to.
type Identity struct {
	signKey sign.PrivateKey
	boxKey  nike.PrivateKey

	public  []byte
	address graph.Address
}

type serializedIdentity struct {
	Sign []byte
	Box  []byte
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	_, signKey, err := signScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	_, boxKey, err := nikeScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return newIdentity(signKey, boxKey)
}

func newIdentity(signKey sign.PrivateKey, boxKey nike.PrivateKey) (*Identity, error) {
	signPub, err := signKey.Public().(sign.PublicKey).MarshalBinary()
	if err != nil {
		return nil, err
	}
	public := append(signPub, boxKey.Public().Bytes()...)
	return &Identity{
		signKey: signKey,
		boxKey:  boxKey,
		public:  public,
		address: graph.AddressFromKey(public),
	}, nil
}

// PublicKey returns the serialized identity public key.
func (id *Identity) PublicKey() []byte {
	return id.public
}

// Address returns the address derived from the identity public key.
func (id *Identity) Address() graph.Address {
	return id.address
}

// Sign signs msg with the identity signing key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id == nil || id.signKey == nil {
		return nil, ErrNoIdentity
	}
	return signScheme.Sign(id.signKey, msg, nil), nil
}

// Verify checks sig over msg against the identity public key pub.
func (id *Identity) Verify(pub, msg, sig []byte) bool {
	return Verify(pub, msg, sig)
}

// MarshalBinary serializes the private key material.
func (id *Identity) MarshalBinary() ([]byte, error) {
	signRaw, err := id.signKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&serializedIdentity{
		Sign: signRaw,
		Box:  id.boxKey.Bytes(),
	})
}

// UnmarshalIdentity deserializes private key material written by
// MarshalBinary.
func UnmarshalIdentity(b []byte) (*Identity, error) {
	s := new(serializedIdentity)
	if _, err := cbor.UnmarshalFirst(b, s); err != nil {
		return nil, err
	}
	signKey, err := signScheme.UnmarshalBinaryPrivateKey(s.Sign)
	if err != nil {
		return nil, err
	}
	boxKey, err := nikeScheme.UnmarshalBinaryPrivateKey(s.Box)
	if err != nil {
		return nil, err
	}
	return newIdentity(signKey, boxKey)
}
