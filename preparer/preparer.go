// preparer.go - the Message Preparer / Fragmenter.
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

// Package preparer turns application payloads into Sphinx-encapsulated
// MixPackets with attached SURB-acks, and the PendingAck records needed
// to track them to acknowledgement.
package preparer

import (
	"io"
	mathrand "math/rand"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/pki"

	"github.com/nymtech/mixnet-client-core/ack"
	"github.com/nymtech/mixnet-client-core/address"
	"github.com/nymtech/mixnet-client-core/constants"
	merrors "github.com/nymtech/mixnet-client-core/errors"
	"github.com/nymtech/mixnet-client-core/fragment"
	"github.com/nymtech/mixnet-client-core/poisson"
	"github.com/nymtech/mixnet-client-core/sphinxpkt"
	"github.com/nymtech/mixnet-client-core/surb"
	"github.com/nymtech/mixnet-client-core/topology"
)

// framing prefix bytes distinguishing the carrier of a reassembled
// payload, per spec section 4.7: plain application payload, a payload
// carrying a SURB-reply indicator, and a SURB-storage payload whose
// body is a batch of reply SURBs for the recipient's own storage, not
// application data.
const (
	framePlain       = 0x00
	frameSURBReply   = 0x01
	frameSURBStorage = 0x02
)

// Preparer fragments, pads, and Sphinx-encapsulates outgoing messages.
// It owns the random source used for Sphinx encapsulation and holds the
// ack key used to seal every SURB-ack it attaches. Route sampling does
// not use a Preparer-owned generator: drawRoute picks each layer's mix
// with the package-level math/rand functions.
type Preparer struct {
	ackKey      ack.Key
	identityKey *ecdh.PrivateKey
	numHops     int

	packetDelay *poisson.Fount
	ackDelay    *poisson.Fount

	maxMessageLength int
	ackWaitAddition  time.Duration

	rand io.Reader
}

// New constructs a Preparer. identityKey is this client's own ecdh
// keypair, used as the peer static key when encapsulating loop-cover
// and SURB-ack packets addressed back to the client itself.
func New(ackKey ack.Key, identityKey *ecdh.PrivateKey, numHops, maxMessageLength int, averagePacketDelay, averageAckDelay, ackWaitAddition time.Duration) *Preparer {
	return &Preparer{
		ackKey:           ackKey,
		identityKey:      identityKey,
		numHops:          numHops,
		packetDelay:      poisson.NewFromAverageDelay(averagePacketDelay),
		ackDelay:         poisson.NewFromAverageDelay(averageAckDelay),
		maxMessageLength: maxMessageLength,
		ackWaitAddition:  ackWaitAddition,
		rand:             rand.Reader,
	}
}

// Prepare fragments message, Sphinx-encapsulates each fragment with an
// attached SURB-ack, and returns the resulting packets together with
// the PendingAck bookkeeping records the caller (the Input Message
// Listener) must insert into the pending-ack map and arm timers for.
// When attachReplySURB is true a reply path usable by the recipient is
// also returned.
func (p *Preparer) Prepare(message []byte, recipient *address.Recipient, attachReplySURB bool, snap *topology.Snapshot) ([]*sphinxpkt.MixPacket, []*ack.PendingAck, *surb.ReplySURB, error) {
	if len(message) > p.maxMessageLength {
		return nil, nil, nil, merrors.ErrMessageTooLong
	}
	if snap == nil || !snap.Sufficient(p.numHops - 1) {
		return nil, nil, nil, merrors.ErrInsufficientTopology
	}
	gatewayDesc, ok := snap.GatewayByID(recipient.Gateway)
	if !ok {
		return nil, nil, nil, merrors.ErrInsufficientTopology
	}

	prefix := framePlain
	if attachReplySURB {
		prefix = frameSURBReply
	}
	framed := make([]byte, 0, len(message)+1)
	framed = append(framed, byte(prefix))
	framed = append(framed, message...)

	fragments, err := fragment.Split(framed, constants.RegularPayloadLength)
	if err != nil {
		return nil, nil, nil, err
	}

	packets := make([]*sphinxpkt.MixPacket, 0, len(fragments))
	pending := make([]*ack.PendingAck, 0, len(fragments))

	for _, frag := range fragments {
		pkt, expectedRTT, err := p.packFragment(frag, recipient, snap, gatewayDesc)
		if err != nil {
			return nil, nil, nil, err
		}
		packets = append(packets, pkt)
		pending = append(pending, &ack.PendingAck{
			ID:          frag.ID,
			Recipient:   recipient,
			Fragment:    frag,
			ExpectedRTT: expectedRTT,
		})
	}

	var reply *surb.ReplySURB
	if attachReplySURB {
		hops, delay, err := p.selectRoute(snap, gatewayDesc)
		if err != nil {
			return nil, nil, nil, err
		}
		reply = &surb.ReplySURB{
			FirstHop:    hops[0].ID,
			Header:      encodeRouteInfo(hops, recipient.Destination, nil, nil),
			Key:         p.ackKey,
			ExpectedRTT: delay,
			ExpiresAt:   time.Now().Add(constants.DefaultTopologyRefreshRate),
		}
	}

	return packets, pending, reply, nil
}

// PrepareSURBs mints count fresh reply SURBs usable to reach this
// client, frames them as a SURB-storage payload, and fragments and
// Sphinx-encapsulates the result exactly as Prepare does for an
// application payload. The recipient's Received Buffer recognises the
// frameSURBStorage tag and files the completed batch in its own SURB
// store instead of delivering it to its subscriber.
func (p *Preparer) PrepareSURBs(count int, recipient *address.Recipient, snap *topology.Snapshot) ([]*sphinxpkt.MixPacket, []*ack.PendingAck, error) {
	if snap == nil || !snap.Sufficient(p.numHops-1) {
		return nil, nil, merrors.ErrInsufficientTopology
	}
	gatewayDesc, ok := snap.GatewayByID(recipient.Gateway)
	if !ok {
		return nil, nil, merrors.ErrInsufficientTopology
	}

	surbs := make([]*surb.ReplySURB, 0, count)
	for i := 0; i < count; i++ {
		hops, delay, err := p.selectRoute(snap, gatewayDesc)
		if err != nil {
			return nil, nil, err
		}
		surbs = append(surbs, &surb.ReplySURB{
			FirstHop:    hops[0].ID,
			Header:      encodeRouteInfo(hops, recipient.Destination, nil, nil),
			Key:         p.ackKey,
			ExpectedRTT: delay,
			ExpiresAt:   time.Now().Add(constants.DefaultTopologyRefreshRate),
		})
	}

	encoded, err := cbor.Marshal(surbs)
	if err != nil {
		return nil, nil, err
	}
	framed := make([]byte, 0, len(encoded)+1)
	framed = append(framed, frameSURBStorage)
	framed = append(framed, encoded...)

	fragments, err := fragment.Split(framed, constants.RegularPayloadLength)
	if err != nil {
		return nil, nil, err
	}

	packets := make([]*sphinxpkt.MixPacket, 0, len(fragments))
	pending := make([]*ack.PendingAck, 0, len(fragments))
	for _, frag := range fragments {
		pkt, expectedRTT, err := p.packFragment(frag, recipient, snap, gatewayDesc)
		if err != nil {
			return nil, nil, err
		}
		packets = append(packets, pkt)
		pending = append(pending, &ack.PendingAck{
			ID:          frag.ID,
			Recipient:   recipient,
			Fragment:    frag,
			ExpectedRTT: expectedRTT,
		})
	}
	return packets, pending, nil
}

// packFragment draws a fresh route to gatewayDesc and a fresh route for
// the attached SURB-ack, seals the ack under frag.ID, and Sphinx-
// encapsulates the fragment. It is the shared core of Prepare's
// per-fragment loop and Retransmit.
func (p *Preparer) packFragment(frag fragment.Fragment, recipient *address.Recipient, snap *topology.Snapshot, gatewayDesc *pki.MixDescriptor) (*sphinxpkt.MixPacket, time.Duration, error) {
	hops, totalDelay, err := p.selectRoute(snap, gatewayDesc)
	if err != nil {
		return nil, 0, err
	}

	sealedAck, err := ack.Seal(p.ackKey, frag.ID)
	if err != nil {
		return nil, 0, err
	}
	ackHops, ackDelay, err := p.selectRoute(snap, gatewayDesc)
	if err != nil {
		return nil, 0, err
	}
	routeInfo := encodeRouteInfo(hops, recipient.Destination, sealedAck, ackHops)

	pkt, err := sphinxpkt.Pack(sphinxpkt.Regular, hops[0], routeInfo, fragment.Encode(frag), p.rand)
	if err != nil {
		return nil, 0, err
	}
	return pkt, totalDelay + ackDelay + p.ackWaitAddition, nil
}

// Retransmit redraws a fresh route for an already-fragmented, already-
// acked-and-sealed PendingAck's fragment and re-encapsulates it,
// returning the new MixPacket and the expected round trip under the
// fresh route. The supervisor's ack.Retransmitter wraps it, so a
// deadline expiry draws new hops rather than resending the same
// (possibly now-bad) route.
func (p *Preparer) Retransmit(frag fragment.Fragment, recipient *address.Recipient, snap *topology.Snapshot) (*sphinxpkt.MixPacket, time.Duration, error) {
	if snap == nil || !snap.Sufficient(p.numHops-1) {
		return nil, 0, merrors.ErrInsufficientTopology
	}
	gatewayDesc, ok := snap.GatewayByID(recipient.Gateway)
	if !ok {
		return nil, 0, merrors.ErrInsufficientTopology
	}
	return p.packFragment(frag, recipient, snap, gatewayDesc)
}

// PreparePlainMixPacket builds a Sphinx-encapsulated packet with no
// fragment framing and no attached ack, used by the cover-traffic
// streams to produce packets addressed to the client itself that are
// indistinguishable on the wire from real traffic.
func (p *Preparer) PreparePlainMixPacket(payload []byte, route []sphinxpkt.RouteHop, class sphinxpkt.Class) (*sphinxpkt.MixPacket, error) {
	if len(route) == 0 {
		return nil, merrors.ErrInsufficientTopology
	}
	var dest [address.IDLength]byte
	copy(dest[:], route[len(route)-1].ID[:])
	routeInfo := encodeRouteInfo(route, dest, nil, nil)
	return sphinxpkt.Pack(class, route[0], routeInfo, payload, p.rand)
}

// SelfRoute builds a single-hop loop-cover route addressed back to the
// client's own identity key, for use with PreparePlainMixPacket when
// the real-traffic queue is empty.
func (p *Preparer) SelfRoute() []sphinxpkt.RouteHop {
	var selfID [constants.FragmentIDLength]byte
	copy(selfID[:], p.identityKey.PublicKey().Bytes())
	return []sphinxpkt.RouteHop{{
		ID:        selfID,
		PublicKey: p.identityKey.PublicKey(),
		Delay:     p.packetDelay.NextDuration(),
	}}
}

// selectRoute draws a uniform-random mix from each layer plus the
// recipient's gateway as the terminal hop, retrying up to
// MaxRouteSelectionAttempts times when drawRoute fails, which happens
// only when a layer has no mixes. The cumulative delay is not checked.
func (p *Preparer) selectRoute(snap *topology.Snapshot, gateway *pki.MixDescriptor) ([]sphinxpkt.RouteHop, time.Duration, error) {
	var hops []sphinxpkt.RouteHop
	var total time.Duration
	var err error
	for attempt := 0; attempt < constants.MaxRouteSelectionAttempts; attempt++ {
		hops, total, err = p.drawRoute(snap, gateway)
		if err == nil {
			return hops, total, nil
		}
	}
	return nil, 0, err
}

func (p *Preparer) drawRoute(snap *topology.Snapshot, gateway *pki.MixDescriptor) ([]sphinxpkt.RouteHop, time.Duration, error) {
	hops := make([]sphinxpkt.RouteHop, 0, p.numHops)
	delaysMs := make([]float64, 0, p.numHops-1)
	for layer := 0; layer < p.numHops-1; layer++ {
		mixes := snap.LayerMixes(layer)
		if len(mixes) == 0 {
			return nil, 0, merrors.ErrInsufficientTopology
		}
		desc := mixes[mathrand.Intn(len(mixes))]
		delayMs := p.packetDelay.Next()
		delaysMs = append(delaysMs, delayMs)
		hops = append(hops, descriptorToHop(desc, poisson.DurationFromMillis(delayMs)))
	}
	hops = append(hops, descriptorToHop(gateway, 0))
	return hops, poisson.DurationFromMillis(poisson.Sum(delaysMs)), nil
}

func descriptorToHop(desc *pki.MixDescriptor, delay time.Duration) sphinxpkt.RouteHop {
	var id [constants.FragmentIDLength]byte
	copy(id[:], desc.ID[:])
	return sphinxpkt.RouteHop{
		ID:        id,
		PublicKey: desc.EpochAPublicKey,
		Delay:     delay,
	}
}

// encodeRouteInfo serialises the remaining route (every hop after the
// first, which sphinxpkt.Pack already consumed to perform its
// encapsulation), the terminal recipient identity, and an optional
// attached SURB-ack into the opaque blob carried inside the
// encapsulated frame. This stands in for full per-hop Sphinx header
// construction, which is a mix-node concern outside this client's
// scope; see DESIGN.md.
func encodeRouteInfo(hops []sphinxpkt.RouteHop, destination [address.IDLength]byte, sealedAck []byte, ackHops []sphinxpkt.RouteHop) []byte {
	out := make([]byte, 0, 64)
	out = append(out, destination[:]...)
	for _, h := range hops[1:] {
		out = append(out, h.ID[:]...)
	}
	if sealedAck != nil {
		out = append(out, byte(len(sealedAck)))
		out = append(out, sealedAck...)
		for _, h := range ackHops {
			out = append(out, h.ID[:]...)
		}
	}
	return out
}
