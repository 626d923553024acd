// controller.go - the Acknowledgement Controller.
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

// Package ack implements the Acknowledgement Controller: the pending-ack
// map (Action Controller), the Ack Listener, and the Retransmission
// Timer described together as one cooperating unit.
package ack

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"

	"github.com/nymtech/mixnet-client-core/fragment"
)

// Retransmitter re-prepares a stale fragment through a freshly drawn
// route and resubmits it, returning the updated expected round-trip time
// for the new route. It is supplied by the Preparer/RealTrafficStream
// wiring at construction time so this package has no dependency on
// route selection or the egress queue.
type Retransmitter func(p *PendingAck) (newExpectedRTT time.Duration, err error)

// Controller composes the pending-ack map with the Ack Listener and the
// Retransmission Timer, and is the only type application code outside
// this package needs to construct.
type Controller struct {
	Map   *Map
	Timer *RetransmitTimer

	retransmitter  Retransmitter
	waitMultiplier float64
	waitAddition   time.Duration
}

// New constructs a Controller. retransmit is invoked whenever a
// PendingAck's deadline elapses; waitMultiplier and waitAddition
// parameterise how a deadline is computed, both at Arm when the
// PendingAck carries no Deadline and after a retransmission.
func New(logBackend *log.Backend, clock clockwork.Clock, waitMultiplier float64, waitAddition time.Duration, retransmit Retransmitter) *Controller {
	c := &Controller{
		Map:            NewMap(),
		retransmitter:  retransmit,
		waitMultiplier: waitMultiplier,
		waitAddition:   waitAddition,
	}
	c.Timer = NewRetransmitTimer(logBackend, clock, c.onExpire)
	return c
}

// Start launches the controller's background timer. The Ack Listener is
// started separately via NewListener/Start once the gateway's ack stream
// is available.
func (c *Controller) Start() {
	c.Timer.Start()
}

// Arm records a freshly sent fragment and schedules its retransmission
// deadline. A PendingAck with a zero Deadline gets one computed from its
// ExpectedRTT.
func (c *Controller) Arm(p *PendingAck) {
	if p.Deadline.IsZero() {
		p.Deadline = ComputeDeadline(time.Now(), p.ExpectedRTT, c.waitMultiplier, c.waitAddition)
	}
	p.State = Armed
	c.Map.Insert(p)
	c.Timer.Arm(p.ID, p.Deadline)
}

func (c *Controller) onExpire(id fragment.ID) {
	p, ok := c.Map.Get(id)
	if !ok {
		// Already acked and removed between the timer firing and this
		// callback running; nothing to do.
		return
	}
	p.State = Retransmitting
	c.Map.Update(p)

	newRTT, err := c.retransmitter(p)
	if err != nil {
		// Topology insufficient to draw a fresh route: stall until the
		// next refresh, per the PendingAck state machine.
		c.Map.MarkStalled(id)
		return
	}

	p.ExpectedRTT = newRTT
	p.Deadline = ComputeDeadline(time.Now(), newRTT, c.waitMultiplier, c.waitAddition)
	p.State = Armed
	c.Map.Update(p)
	c.Timer.Arm(p.ID, p.Deadline)
}

// Resume retransmits every stalled PendingAck at once through a freshly
// drawn route and re-arms it, called after a topology refresh makes
// route selection possible again. An ack whose route still cannot be
// drawn stays stalled.
func (c *Controller) Resume() {
	for _, p := range c.Map.Stalled() {
		c.onExpire(p.ID)
	}
}
