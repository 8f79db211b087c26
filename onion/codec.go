// codec.go - Layered onion codec.
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

// Package onion provides the client identity, signatures, and the layered
// encryption used to wrap a message once per circuit hop.
package onion

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/aenigma/aenigma/graph"
)

const layerInfo = "aenigma-onion-layer-v0"

var (
	// ErrMalformed is returned when unsealing a truncated or otherwise
	// unparsable onion.
	ErrMalformed = errors.New("onion: malformed onion")

	// ErrOpen is returned when a layer fails authentication, usually
	// because it was not sealed to this identity.
	ErrOpen = errors.New("onion: layer authentication failed")

	// ErrHopMismatch is returned when the key and address lists passed to
	// Seal differ in length or are empty.
	ErrHopMismatch = errors.New("onion: keys and addresses mismatch")
)

// Codec seals a payload for an ordered hop list and unseals one layer of
// an inbound onion.
type Codec interface {
	// Seal wraps plaintext in one layer per hop.  keys and addresses are
	// ordered innermost first: keys[i] is the key the i-th layer is
	// sealed to and addresses[i] is the next address revealed to the
	// holder of keys[i] when it unseals that layer.
	Seal(plaintext []byte, keys [][]byte, addresses []graph.Address) ([]byte, error)

	// Unseal removes the outermost layer, returning the next address and
	// the inner content.
	Unseal(onion []byte) (graph.Address, []byte, error)
}

// Layered is the Codec implementation used by the client.  Each layer is
// an ephemeral key agreement public key followed by a ChaCha20-Poly1305
// ciphertext of the next address and the inner layer.
type Layered struct {
	id *Identity
}

// NewLayered returns a codec unsealing with id.
func NewLayered(id *Identity) *Layered {
	return &Layered{id: id}
}

func layerKey(secret, ephemeral []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, ephemeral, []byte(layerInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal implements Codec.
func (l *Layered) Seal(plaintext []byte, keys [][]byte, addresses []graph.Address) ([]byte, error) {
	if len(keys) == 0 || len(keys) != len(addresses) {
		return nil, ErrHopMismatch
	}
	inner := plaintext
	for i, pub := range keys {
		_, boxPub, err := SplitPublicKey(pub)
		if err != nil {
			return nil, err
		}
		ephPub, ephPriv, err := nikeScheme.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		secret := nikeScheme.DeriveSecret(ephPriv, boxPub)
		ephPriv.Reset()

		ephRaw := ephPub.Bytes()
		key, err := layerKey(secret, ephRaw)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}

		pt := make([]byte, 0, graph.AddressSize+len(inner))
		pt = append(pt, addresses[i][:]...)
		pt = append(pt, inner...)

		// Every layer key is single use, so a fixed nonce is sufficient.
		nonce := make([]byte, aead.NonceSize())
		out := make([]byte, 0, len(ephRaw)+len(pt)+chacha20poly1305.Overhead)
		out = append(out, ephRaw...)
		inner = aead.Seal(out, nonce, pt, ephRaw)
		aead.Reset()
	}
	return inner, nil
}

// Unseal implements Codec.
func (l *Layered) Unseal(onion []byte) (graph.Address, []byte, error) {
	var next graph.Address
	if l.id == nil || l.id.boxKey == nil {
		return next, nil, ErrNoIdentity
	}
	n := nikeScheme.PublicKeySize()
	if len(onion) < n+graph.AddressSize+chacha20poly1305.Overhead {
		return next, nil, ErrMalformed
	}
	ephRaw := onion[:n]
	ephPub, err := nikeScheme.UnmarshalBinaryPublicKey(ephRaw)
	if err != nil {
		return next, nil, ErrMalformed
	}
	secret := nikeScheme.DeriveSecret(l.id.boxKey, ephPub)
	key, err := layerKey(secret, ephRaw)
	if err != nil {
		return next, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return next, nil, err
	}
	defer aead.Reset()

	pt, err := aead.Open(nil, make([]byte, aead.NonceSize()), onion[n:], ephRaw)
	if err != nil {
		return next, nil, ErrOpen
	}
	copy(next[:], pt[:graph.AddressSize])
	return next, pt[graph.AddressSize:], nil
}
