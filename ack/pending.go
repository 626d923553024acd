// pending.go - bookkeeping for outstanding fragments.
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
	"time"

	"github.com/nymtech/mixnet-client-core/address"
	"github.com/nymtech/mixnet-client-core/fragment"
)

// State is a PendingAck's position in its lifecycle.
//
//	[armed] -- ack received    --> [done] (removed)
//	[armed] -- deadline        --> [retransmitting] -- re-enqueued --> [armed]
//	[armed] -- topology gone   --> [stalled] (kept, no timer)
type State int

const (
	Armed State = iota
	Retransmitting
	Stalled
)

// PendingAck is the bookkeeping record for one outstanding fragment.
type PendingAck struct {
	ID           fragment.ID
	ConnectionID string
	Recipient    *address.Recipient
	Fragment     fragment.Fragment
	ExpectedRTT  time.Duration
	Deadline     time.Time
	State        State
}

// Key returns the map key this record is stored under.
func (p *PendingAck) Key() [fragment.IDLength]byte {
	return p.ID.Bytes()
}

// ComputeDeadline computes the retransmission deadline for an expected RTT
// given the configured wait multiplier and additive safety margin.
func ComputeDeadline(now time.Time, expectedRTT time.Duration, waitMultiplier float64, waitAddition time.Duration) time.Time {
	scaled := time.Duration(float64(expectedRTT) * waitMultiplier)
	return now.Add(scaled + waitAddition)
}
