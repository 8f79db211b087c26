// keyfile.go - Encrypted identity key file.
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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	saltSize  = 16
	nonceSize = 24
)

// ErrDecryptKeyFile is returned when the key file cannot be opened with the
// given passphrase.
var ErrDecryptKeyFile = errors.New("onion: failed to decrypt key file")

func stretchKey(passphrase, salt []byte) *[keySize]byte {
	var key [keySize]byte
	copy(key[:], argon2.IDKey(passphrase, salt, 3, 32*1024, 4, keySize))
	return &key
}

// SaveIdentity writes id to path encrypted under passphrase.  The client
// always uses an empty passphrase.
func SaveIdentity(path string, id *Identity, passphrase []byte) error {
	raw, err := id.MarshalBinary()
	if err != nil {
		return err
	}
	var salt [saltSize]byte
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	out := make([]byte, 0, saltSize+nonceSize+len(raw)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, raw, &nonce, stretchKey(passphrase, salt[:]))

	tmpFn := fmt.Sprintf("%s.tmp", path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmpFn, out, 0600); err != nil {
		return err
	}
	return os.Rename(tmpFn, path)
}

// LoadIdentity reads an identity written by SaveIdentity.
func LoadIdentity(path string, passphrase []byte) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrDecryptKeyFile
	}
	var nonce [nonceSize]byte
	salt := raw[:saltSize]
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])
	pt, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, stretchKey(passphrase, salt))
	if !ok {
		return nil, ErrDecryptKeyFile
	}
	return UnmarshalIdentity(pt)
}

// LoadOrCreateIdentity loads the identity at path, generating and saving a
// new one if the file does not exist.
func LoadOrCreateIdentity(path string, passphrase []byte) (*Identity, bool, error) {
	id, err := LoadIdentity(path, passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	if id, err = NewIdentity(); err != nil {
		return nil, false, err
	}
	if err = SaveIdentity(path, id, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
