// fragment.go - message fragmentation and reassembly.
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

// Package fragment splits an application payload into fixed-size
// fragments sized to a Sphinx packet's usable plaintext region, and
// reassembles a set of received fragments back into the original bytes.
package fragment

import (
	"errors"
	"sort"

	"github.com/katzenpost/core/crypto/rand"
)

// SetIDLength is the length in bytes of the identifier shared by every
// fragment of one originating message.
const SetIDLength = 8

// IDLength is the length in bytes of a full fragment identifier: set id,
// total fragment count, and this fragment's index. The identifier
// carries no link flags.
const IDLength = SetIDLength + 1 + 1

// terminator self-delimits padding: a single 0x80 byte followed by zero
// or more 0x00 bytes, the common "bit-padding" scheme. It lets the
// receiver strip padding without carrying an explicit length field.
const terminator = 0x80

// ID identifies one fragment within its originating message's set.
type ID struct {
	SetID [SetIDLength]byte
	Total uint8
	Index uint8
}

// IsLast reports whether this is the final fragment in its set.
func (id ID) IsLast() bool {
	return id.Index == id.Total-1
}

// Bytes packs the ID into its 10-byte wire form.
func (id ID) Bytes() [IDLength]byte {
	var out [IDLength]byte
	copy(out[:SetIDLength], id.SetID[:])
	out[SetIDLength] = id.Total
	out[SetIDLength+1] = id.Index
	return out
}

// IDFromBytes unpacks a 10-byte wire form fragment identifier.
func IDFromBytes(b [IDLength]byte) ID {
	id := ID{Total: b[SetIDLength], Index: b[SetIDLength+1]}
	copy(id.SetID[:], b[:SetIDLength])
	return id
}

// Fragment is the atomic unit that traverses the mixnet: an identifier
// and a fixed-size plaintext payload.
type Fragment struct {
	ID      ID
	Payload []byte
}

// Encode packs a Fragment into its wire form: the 10-byte ID followed
// by the fixed-size payload, the form carried inside a MixPacket and
// recovered at the gateway transport's OnMixnetMessage callback.
func Encode(f Fragment) []byte {
	id := f.ID.Bytes()
	out := make([]byte, 0, IDLength+len(f.Payload))
	out = append(out, id[:]...)
	out = append(out, f.Payload...)
	return out
}

// Decode reverses Encode.
func Decode(b []byte) (Fragment, error) {
	if len(b) < IDLength {
		return Fragment{}, errors.New("fragment: truncated wire fragment")
	}
	var idBytes [IDLength]byte
	copy(idBytes[:], b[:IDLength])
	payload := make([]byte, len(b)-IDLength)
	copy(payload, b[IDLength:])
	return Fragment{ID: IDFromBytes(idBytes), Payload: payload}, nil
}

// newSetID samples a fresh 64-bit set identifier from the CSPRNG. The
// 64-bit space makes accidental collisions between concurrently
// in-flight messages negligible.
func newSetID() ([SetIDLength]byte, error) {
	var id [SetIDLength]byte
	_, err := rand.Reader.Read(id[:])
	return id, err
}

// Split pads message to a multiple of payloadSize and divides it into
// fragments of exactly that size, linked by a freshly sampled set id.
//
// Padding is bit-padding: a single terminator byte (0x80) followed by
// zero bytes out to the next payloadSize boundary. A zero-length message
// still receives the terminator, so it always yields at least one
// fragment whose payload is entirely padding.
func Split(message []byte, payloadSize int) ([]Fragment, error) {
	if payloadSize <= 0 {
		return nil, errors.New("fragment: payloadSize must be positive")
	}

	padded := make([]byte, 0, len(message)+1)
	padded = append(padded, message...)
	padded = append(padded, terminator)
	for len(padded)%payloadSize != 0 {
		padded = append(padded, 0x00)
	}

	total := len(padded) / payloadSize
	if total > 255 {
		return nil, errors.New("fragment: message requires more than 255 fragments")
	}

	setID, err := newSetID()
	if err != nil {
		return nil, err
	}

	fragments := make([]Fragment, total)
	for i := 0; i < total; i++ {
		fragments[i] = Fragment{
			ID: ID{
				SetID: setID,
				Total: uint8(total),
				Index: uint8(i),
			},
			Payload: padded[i*payloadSize : (i+1)*payloadSize],
		}
	}
	return fragments, nil
}

// byIndex sorts fragments by their Index for deterministic reassembly
// regardless of arrival order.
type byIndex []Fragment

func (b byIndex) Len() int           { return len(b) }
func (b byIndex) Less(i, j int) bool { return b[i].ID.Index < b[j].ID.Index }
func (b byIndex) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }

// Reassemble concatenates a complete, same-set-id slice of fragments in
// index order and strips the bit-padding terminator, returning the
// original message bytes exactly.
func Reassemble(fragments []Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, errors.New("fragment: no fragments to reassemble")
	}
	setID := fragments[0].ID.SetID
	total := fragments[0].ID.Total
	if len(fragments) != int(total) {
		return nil, errors.New("fragment: incomplete fragment set")
	}

	sorted := make([]Fragment, len(fragments))
	copy(sorted, fragments)
	sort.Sort(byIndex(sorted))

	seen := make(map[uint8]bool, len(sorted))
	buf := make([]byte, 0, len(sorted)*len(sorted[0].Payload))
	for i, f := range sorted {
		if f.ID.SetID != setID || f.ID.Total != total {
			return nil, errors.New("fragment: mismatched fragment in set")
		}
		if int(f.ID.Index) != i {
			return nil, errors.New("fragment: missing index in fragment set")
		}
		if seen[f.ID.Index] {
			return nil, errors.New("fragment: duplicate index in fragment set")
		}
		seen[f.ID.Index] = true
		buf = append(buf, f.Payload...)
	}

	return stripPadding(buf)
}

func stripPadding(padded []byte) ([]byte, error) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case terminator:
			return padded[:i], nil
		default:
			return nil, errors.New("fragment: malformed padding")
		}
	}
	return nil, errors.New("fragment: missing padding terminator")
}

// ExpectedFragmentCount computes the fragment count the spec's invariant
// demands for a message of length l padded to a multiple of payloadSize,
// accounting for the one-byte framing terminator.
func ExpectedFragmentCount(l, payloadSize int) int {
	n := (l + 1 + payloadSize - 1) / payloadSize
	if n == 0 {
		n = 1
	}
	return n
}
