// packet.go - Sphinx packet encapsulation.
// Copyright (C) 2017  David Anthony Stainton, Yawning Angel
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

// Package sphinxpkt builds the opaque, fixed-size Sphinx packet blobs
// the rest of the traffic engine treats as a leaf dependency: routing
// and onion-layer peeling inside the mix network proper are out of
// scope, but this package performs the client's half of the
// encapsulation so that size and transport invariants hold exactly.
package sphinxpkt

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/noise"

	"github.com/nymtech/mixnet-client-core/constants"
)

// Class identifies one of the recognised, bit-exact Sphinx packet sizes.
type Class int

const (
	// Regular is the ordinary forward, reply, and loop-cover class.
	Regular Class = iota
	// Ack is the SURB-ack class.
	Ack
	// Extended carries oversized payloads.
	Extended
	// LegacyPreSURB is declared for wire compatibility; no component in
	// this package issues packets of this class.
	LegacyPreSURB
)

// Length returns the bit-exact wire length of the class.
func (c Class) Length() int {
	switch c {
	case Regular:
		return constants.RegularPacketLength
	case Ack:
		return constants.AckPacketLength
	case Extended:
		return constants.ExtendedPacketLength
	case LegacyPreSURB:
		return constants.LegacyPreSURBPacketLength
	default:
		return 0
	}
}

// Mode distinguishes ordinary mixnet delivery from the VPN fast-path.
type Mode int

const (
	ModeMix Mode = iota
	ModeVPN
)

// MixPacket is a prepared egress unit: a first-hop routing address, an
// opaque Sphinx packet blob of exactly Class.Length() bytes, and a mode
// flag.
type MixPacket struct {
	FirstHop [constants.FragmentIDLength]byte
	Class    Class
	Mode     Mode
	Payload  []byte
}

// RouteHop is one hop of a selected route: its routing identity, the
// epoch-appropriate public key to encrypt to, and its sampled delay.
type RouteHop struct {
	ID        [constants.FragmentIDLength]byte
	PublicKey *ecdh.PublicKey
	Delay     time.Duration
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// ErrOversizedPlaintext is returned when the encapsulated route and
// payload do not fit in the requested packet class.
var ErrOversizedPlaintext = errors.New("sphinxpkt: plaintext exceeds packet class capacity")

// Pack onion-encrypts routeInfo (the serialised remaining hops and
// terminal command) together with payload to the first hop's key using
// an anonymous one-way Noise handshake (pattern N: the sender has no
// static key, matching a mixnet client that never authenticates to
// intermediate mixes), then pads the result to the class's exact length.
func Pack(class Class, firstHop RouteHop, routeInfo, payload []byte, randSrc io.Reader) (*MixPacket, error) {
	if randSrc == nil {
		randSrc = rand.Reader
	}

	plaintext := encodeFrame(routeInfo, payload)

	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      randSrc,
		Pattern:     noise.HandshakeN,
		Initiator:   true,
		PeerStatic:  firstHop.PublicKey.Bytes(),
	})

	ciphertext, _, _ := hs.WriteMessage(nil, plaintext)

	class_ := class.Length()
	if 4+len(ciphertext) > class_ {
		return nil, ErrOversizedPlaintext
	}
	blob := make([]byte, class_)
	binary.BigEndian.PutUint32(blob, uint32(len(ciphertext)))
	copy(blob[4:], ciphertext)

	return &MixPacket{
		FirstHop: firstHop.ID,
		Class:    class,
		Mode:     ModeMix,
		Payload:  blob,
	}, nil
}

// Open reverses Pack for packets addressed to identityKey, the case
// this client cares about: loop-cover and SURB-ack packets it addressed
// to itself. It is not used to peel a multi-hop route, since that is a
// mix network concern outside this engine's scope. Only Regular, Ack and
// Extended class lengths are accepted; any other length, LegacyPreSURB's
// included, is rejected.
func Open(identityKey *ecdh.PrivateKey, packet *MixPacket) (routeInfo, payload []byte, err error) {
	switch len(packet.Payload) {
	case Regular.Length(), Ack.Length(), Extended.Length():
	default:
		return nil, nil, errors.New("sphinxpkt: unrecognised packet length")
	}
	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeN,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: identityKey.Bytes(),
			Public:  identityKey.PublicKey().Bytes(),
		},
	})
	ciphertext, err := extractCiphertext(packet.Payload)
	if err != nil {
		return nil, nil, err
	}
	plaintext, _, _, err := hs.ReadMessage(nil, ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return decodeFrame(plaintext)
}

// extractCiphertext reverses the length-prefix-plus-zero-padding framing
// Pack applies so the actual Noise ciphertext can be handed to
// ReadMessage without the trailing padding corrupting the AEAD tag.
func extractCiphertext(blob []byte) ([]byte, error) {
	if len(blob) < 4 {
		return nil, errors.New("sphinxpkt: truncated packet")
	}
	n := binary.BigEndian.Uint32(blob)
	if int(4+n) > len(blob) {
		return nil, errors.New("sphinxpkt: corrupt packet length prefix")
	}
	return blob[4 : 4+n], nil
}

// encodeFrame prepends length-prefixes so routeInfo and payload can be
// split apart again after decryption.
func encodeFrame(routeInfo, payload []byte) []byte {
	out := make([]byte, 4+len(routeInfo)+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(routeInfo)))
	copy(out[4:], routeInfo)
	copy(out[4+len(routeInfo):], payload)
	return out
}

func decodeFrame(frame []byte) (routeInfo, payload []byte, err error) {
	if len(frame) < 4 {
		return nil, nil, errors.New("sphinxpkt: truncated frame")
	}
	n := binary.BigEndian.Uint32(frame)
	if int(4+n) > len(frame) {
		return nil, nil, errors.New("sphinxpkt: truncated route info")
	}
	return frame[4 : 4+n], frame[4+n:], nil
}
