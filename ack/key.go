// key.go - SURB-ack identifier sealing.
// Copyright (C) 2017  David Anthony Stainton
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

package ack

import (
	"errors"
	"io"

	"github.com/katzenpost/core/crypto/rand"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nymtech/mixnet-client-core/fragment"
)

// KeyLength is the length of the symmetric ack key in bytes.
const KeyLength = 32

// Key is the symmetric key used to MAC fragment identifiers into
// SURB-ack payloads and to recover them at the Ack Listener. The
// Preparer owns the only encrypting use of this key; the Ack Listener
// owns the only decrypting use.
type Key [KeyLength]byte

// NewKey samples a fresh random ack key.
func NewKey() (Key, error) {
	var k Key
	_, err := rand.Reader.Read(k[:])
	return k, err
}

// Seal produces the SURB-ack payload carrying id, authenticated under
// key. The nonce is prepended to the ciphertext.
func Seal(key Key, id fragment.ID) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	idBytes := id.Bytes()
	sealed := aead.Seal(nil, nonce, idBytes[:], nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open recovers the fragment identifier from a sealed ack payload.
func Open(key Key, sealed []byte) (fragment.ID, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return fragment.ID{}, err
	}
	if len(sealed) < aead.NonceSize() {
		return fragment.ID{}, errors.New("ack: truncated ack payload")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fragment.ID{}, err
	}
	if len(plaintext) != fragment.IDLength {
		return fragment.ID{}, errors.New("ack: malformed fragment identifier")
	}
	var raw [fragment.IDLength]byte
	copy(raw[:], plaintext)
	return fragment.IDFromBytes(raw), nil
}
