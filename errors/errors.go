// errors.go - named error kinds for the mixnet traffic engine.
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

// Package errors enumerates the error kinds surfaced by the traffic
// engine, as opposed to opaque wrapped errors from collaborators.
package errors

import "errors"

// Sentinel error kinds. Callers match with errors.Is.
var (
	// ErrInsufficientTopology means a route could not be built from the
	// current topology snapshot: a needed layer or the gateway was empty.
	ErrInsufficientTopology = errors.New("mixnet: insufficient topology to build route")

	// ErrRecipientFormatting means a textual recipient failed to parse.
	ErrRecipientFormatting = errors.New("mixnet: malformed recipient")

	// ErrMessageTooLong means a payload exceeded the configured maximum.
	ErrMessageTooLong = errors.New("mixnet: message exceeds maximum length")

	// ErrGatewaySendFailure wraps a single transport send failure.
	ErrGatewaySendFailure = errors.New("mixnet: gateway send failure")

	// ErrGatewayDisconnected means the transport's receive streams
	// closed; the supervisor must rebuild the transport.
	ErrGatewayDisconnected = errors.New("mixnet: gateway disconnected")

	// ErrMalformedIncomingFrame means a frame from the gateway could not
	// be decoded; it is dropped.
	ErrMalformedIncomingFrame = errors.New("mixnet: malformed incoming frame")

	// ErrAckForUnknownFragment means an ack recovered a fragment
	// identifier with no matching PendingAck. Frequent under normal
	// operation (late acks, already-retransmitted fragments).
	ErrAckForUnknownFragment = errors.New("mixnet: ack for unknown fragment")

	// ErrBandwidthExhausted means the gateway-reported remaining byte
	// count crossed below zero; new sends are rejected until replenished.
	ErrBandwidthExhausted = errors.New("mixnet: bandwidth exhausted")

	// ErrSubscriberConflict means a second subscriber attempted to
	// attach to the ReceivedBuffer while one was already attached.
	ErrSubscriberConflict = errors.New("mixnet: subscriber already attached")

	// ErrFragmentReassemblyTimedOut marks a partial reassembly that the
	// ReceivedBuffer's garbage collector discarded. Not normally
	// surfaced to callers; recorded here so the GC can log consistently.
	ErrFragmentReassemblyTimedOut = errors.New("mixnet: fragment reassembly timed out")

	// ErrTemporarilyUnavailable is returned to an application caller
	// when a bounded ingress channel is full.
	ErrTemporarilyUnavailable = errors.New("mixnet: temporarily unavailable")
)
