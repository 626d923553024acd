// retransmit.go - the Retransmission Timer sub-task.
// Copyright (C) 2018  masala, David Stainton.
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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/queue"
	"github.com/katzenpost/core/worker"
	"github.com/op/go-logging"

	"github.com/nymtech/mixnet-client-core/fragment"
)

// RetransmitTimer waits on the earliest-deadline armed PendingAck and
// invokes onExpire when it fires. It is the sole reader of deadlines;
// cancellation (on ack receipt) is performed by FilterOnce removing the
// matching queue entry, mirroring the priority-queue-backed ARQ actor
// used elsewhere in this codebase.
type RetransmitTimer struct {
	sync.Mutex
	sync.Cond
	worker.Worker

	log   *logging.Logger
	priq  *queue.PriorityQueue
	clock clockwork.Clock

	onExpire func(id fragment.ID)

	wakech chan struct{}
}

// NewRetransmitTimer constructs a RetransmitTimer. onExpire is invoked
// (off the timer's own goroutine is not guaranteed; callers must not
// block) whenever a PendingAck's deadline elapses without cancellation.
func NewRetransmitTimer(logBackend *log.Backend, clock clockwork.Clock, onExpire func(id fragment.ID)) *RetransmitTimer {
	t := &RetransmitTimer{
		log:      logBackend.GetLogger("ack.RetransmitTimer"),
		priq:     queue.New(),
		clock:    clock,
		onExpire: onExpire,
	}
	t.L = new(sync.Mutex)
	return t
}

// Start launches the timer's worker goroutine.
func (t *RetransmitTimer) Start() {
	t.Go(t.worker)
}

// Arm schedules id to fire at deadline.
func (t *RetransmitTimer) Arm(id fragment.ID, deadline time.Time) {
	t.Lock()
	t.priq.Enqueue(uint64(deadline.UnixNano()), id)
	t.Unlock()
	t.Signal()
}

// Cancel removes id from the schedule if it is still pending. Safe to
// call after the deadline has already fired; it is then a no-op.
func (t *RetransmitTimer) Cancel(id fragment.ID) {
	filter := func(value interface{}) bool {
		v := value.(fragment.ID)
		return v == id
	}
	t.priq.FilterOnce(filter)
}

func (t *RetransmitTimer) wakeupCh() chan struct{} {
	if t.wakech != nil {
		return t.wakech
	}
	c := make(chan struct{})
	go func() {
		defer close(c)
		var v struct{}
		for {
			t.L.Lock()
			t.Wait()
			t.L.Unlock()
			select {
			case <-t.HaltCh():
				return
			case c <- v:
			}
		}
	}()
	t.wakech = c
	return c
}

func (t *RetransmitTimer) fire() {
	t.Lock()
	entry := t.priq.Pop()
	t.Unlock()
	if entry == nil {
		return
	}
	id := entry.Value.(fragment.ID)
	t.log.Debugf("retransmission deadline fired for fragment %x/%d", id.SetID, id.Index)
	t.onExpire(id)
}

func (t *RetransmitTimer) worker() {
	for {
		var c <-chan time.Time
		t.Lock()
		if e := t.priq.Peek(); e != nil {
			deadline := time.Unix(0, int64(e.Priority))
			tl := deadline.Sub(t.clock.Now())
			if tl <= 0 {
				t.Unlock()
				t.fire()
				continue
			}
			c = t.clock.After(tl)
		}
		t.Unlock()

		select {
		case <-t.HaltCh():
			t.log.Debug("halting")
			return
		case <-c:
			t.fire()
		case <-t.wakeupCh():
		}
	}
}
