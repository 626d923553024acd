// constants.go - mixnet traffic engine constants.
// Copyright (C) 2017  Yawning Angel.
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

// Package constants contains the wire-level and policy constants shared
// across the traffic engine.
package constants

import (
	"time"
)

// Sphinx packet classes. Every packet emitted by the Preparer or the cover
// traffic streams belongs to exactly one of these, and is padded so that
// its serialised length is bit-exact for the class.
const (
	// RegularPacketLength is the size in bytes of an ordinary forward or
	// loop-cover Sphinx packet.
	RegularPacketLength = 2048

	// AckPacketLength is the size in bytes of a SURB-ack packet.
	AckPacketLength = 512

	// ExtendedPacketLength is the size in bytes of a Sphinx packet
	// carrying the extended payload class.
	ExtendedPacketLength = 32768

	// LegacyPreSURBPacketLength is retained for wire compatibility with
	// older gateways. No component in this package issues packets of
	// this size; see DESIGN.md for the inbound-rejection decision.
	LegacyPreSURBPacketLength = 1024
)

const (
	// SphinxHeaderLength approximates the per-packet routing header and
	// per-hop cryptographic overhead that is not available to carry
	// plaintext. It is subtracted from a packet class's length to
	// obtain its usable plaintext capacity.
	SphinxHeaderLength = 256

	// AckOverhead is the additional space reserved in a regular packet's
	// plaintext region for the attached SURB-ack.
	AckOverhead = 64
)

// RegularPayloadLength is the usable plaintext capacity of a Regular
// class Sphinx packet once the header and the attached SURB-ack have
// been accounted for.
const RegularPayloadLength = RegularPacketLength - SphinxHeaderLength - AckOverhead

// HopsPerPath is the number of mix hops (including the egress gateway hop)
// traversed by a forward or reply path.
const HopsPerPath = 3

// MaxFragmentsPerMessage mirrors fragment.Split's own limit: a fragment
// set's total fragment count is carried in a single byte, so a message
// cannot require more fragments than that byte can count.
const MaxFragmentsPerMessage = 255

// DefaultMaxMessageLength is the largest application payload the
// Preparer accepts by default, sized to the largest message
// MaxFragmentsPerMessage Regular-class fragments can carry once the
// Preparer's one-byte framing prefix and fragment.Split's one-byte
// padding terminator are accounted for.
const DefaultMaxMessageLength = MaxFragmentsPerMessage*RegularPayloadLength - 2

// MaxRouteSelectionAttempts bounds the number of times the preparer will
// re-draw a route whose draw failed (a topology layer with no mixes)
// before giving up. No bound on a route's cumulative delay is applied.
const MaxRouteSelectionAttempts = 4

// MaxConsecutiveGatewayFailures is the number of consecutive egress
// failures the Mix Traffic Controller tolerates before it signals the
// supervisor to reconnect. The counter itself never wraps; reaching this
// exact value emits exactly one reconnect signal and then resets.
const MaxConsecutiveGatewayFailures = 100

// MaxBatchSize bounds how many ready packets RealTrafficStream will
// drain into a single batch_send_mix_packets frame; a backlog deeper
// than this drains over successive Poisson ticks instead of growing the
// batch frame without bound.
const MaxBatchSize = 32

// CoverFragmentID is the reserved fragment identifier used by loop-cover
// and drop-cover SURB-acks. The Ack Listener discards any ack that
// recovers this identifier instead of treating it as unknown.
var CoverFragmentID = [FragmentIDLength]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// FragmentIDLength is the length in bytes of a fragment identifier: an
// 8-byte set id plus a 2-byte (total, index) pair packed by the fragment
// package.
const FragmentIDLength = 10

// MessageIDLength is the length of a 16-byte logical message identifier
// distinct from a fragment set id. No package in this module uses it.
const MessageIDLength = 16

// Default configuration values, used when a Config leaves a field at its
// zero value.
const (
	DefaultAveragePacketDelay           = 100 * time.Millisecond
	DefaultAverageAckDelay              = 100 * time.Millisecond
	DefaultLoopCoverTrafficAverageDelay = 2 * time.Second
	DefaultMessageSendingAverageDelay   = 500 * time.Millisecond
	DefaultAckWaitMultiplier            = 1.5
	DefaultAckWaitAddition              = 3 * time.Minute
	DefaultTopologyRefreshRate          = 1 * time.Hour
	DefaultGatewayResponseTimeout       = 10 * time.Second
	DefaultMaximumReplySURBStorage      = 1024
	DefaultMinimumReplySURBThreshold    = 64
)

// ReassemblyGCHorizon is the default age at which a partial fragment
// reassembly is considered abandoned and discarded by the ReceivedBuffer.
const ReassemblyGCHorizon = 10 * time.Minute

// DatabaseConnectTimeout bounds how long the bbolt-backed store waits to
// acquire its file lock.
const DatabaseConnectTimeout = 3 * time.Second

// InputListenerQueueCapacity bounds the number of not-yet-Prepared
// messages the Input Message Listener will hold per connection id
// before Submit starts returning ErrTemporarilyUnavailable.
const InputListenerQueueCapacity = 64
