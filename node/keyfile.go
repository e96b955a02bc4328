// keyfile.go - Identity key file.
// Copyright (C) 2026  The fscore authors.
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

package node

import (
	"errors"
	"fmt"
	"os"

	"github.com/fscore/fscore/core/crypto/nacl"
)

const storageKeySalt = "fscore storage key v1"

// ErrInvalidKeyFile is the error returned when a key file is malformed.
var ErrInvalidKeyFile = errors.New("node: invalid key file")

// StorageKey derives the key sealing the identity key file and the session
// store from passphrase.
func StorageKey(passphrase []byte) *[nacl.SymmetricKeySize]byte {
	return nacl.StretchKey(passphrase, []byte(storageKeySalt))
}

// LoadKeyPair reads the identity private key at path, sealed under key.
func LoadKeyPair(path string, key *[nacl.SymmetricKeySize]byte) (*nacl.KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) != nacl.PrivateKeySize+nacl.SealOverhead {
		return nil, ErrInvalidKeyFile
	}
	raw, err := nacl.Open(key, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	defer clear(raw)

	kp := new(nacl.KeyPair)
	copy(kp.PrivateKey[:], raw)
	pub, err := nacl.DerivePublicKey(kp.PrivateKey[:])
	if err != nil {
		kp.Reset()
		return nil, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// SaveKeyPair writes the private key of kp sealed under key to path.  An
// existing file is never overwritten.
func SaveKeyPair(path string, kp *nacl.KeyPair, key *[nacl.SymmetricKeySize]byte) error {
	sealed, err := nacl.Seal(key, kp.PrivateKey[:])
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = f.Write(sealed); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
