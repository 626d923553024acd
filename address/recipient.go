// recipient.go - mixnet endpoint addressing.
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

// Package address implements the canonical textual and binary form of a
// mixnet endpoint: a (destination, gateway) pair.
package address

import (
	"strings"

	"github.com/mr-tron/base58"
	sphinxconstants "github.com/katzenpost/core/sphinx/constants"

	merrors "github.com/nymtech/mixnet-client-core/errors"
)

// IDLength is the fixed byte length of both components of a Recipient.
const IDLength = sphinxconstants.RecipientIDLength

// Recipient is the canonical address of any mixnet endpoint: a
// destination identity and the gateway it is reachable through.
type Recipient struct {
	Destination [IDLength]byte
	Gateway     [IDLength]byte
}

// New builds a Recipient from two fixed-length identities.
func New(destination, gateway [IDLength]byte) *Recipient {
	return &Recipient{Destination: destination, Gateway: gateway}
}

// String renders the Recipient in its canonical textual form:
// base58(destination) "@" base58(gateway).
func (r *Recipient) String() string {
	return base58.Encode(r.Destination[:]) + "@" + base58.Encode(r.Gateway[:])
}

// FromString parses the canonical textual form. Parsing is strict: the
// input must contain exactly one '@', and both halves must decode as
// base58 to exactly IDLength bytes.
func FromString(s string) (*Recipient, error) {
	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return nil, merrors.ErrRecipientFormatting
	}
	destBytes, err := base58.Decode(parts[0])
	if err != nil {
		return nil, merrors.ErrRecipientFormatting
	}
	gwBytes, err := base58.Decode(parts[1])
	if err != nil {
		return nil, merrors.ErrRecipientFormatting
	}
	if len(destBytes) != IDLength || len(gwBytes) != IDLength {
		return nil, merrors.ErrRecipientFormatting
	}
	r := &Recipient{}
	copy(r.Destination[:], destBytes)
	copy(r.Gateway[:], gwBytes)
	return r, nil
}

// Equal reports whether two Recipients address the same endpoint.
func (r *Recipient) Equal(other *Recipient) bool {
	if other == nil {
		return false
	}
	return r.Destination == other.Destination && r.Gateway == other.Gateway
}
