// listener.go - the Ack Listener sub-task.
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
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"github.com/op/go-logging"

	"github.com/nymtech/mixnet-client-core/constants"
)

// Listener consumes raw ack bytes arriving from the gateway transport,
// recovers the fragment identifier by keyed decryption, and removes the
// corresponding PendingAck.
type Listener struct {
	worker.Worker

	log     *logging.Logger
	key     Key
	pending *Map
	timer   *RetransmitTimer
	acks    <-chan []byte
}

// NewListener constructs an Ack Listener reading sealed ack payloads
// from acks.
func NewListener(logBackend *log.Backend, key Key, pending *Map, timer *RetransmitTimer, acks <-chan []byte) *Listener {
	return &Listener{
		log:     logBackend.GetLogger("ack.Listener"),
		key:     key,
		pending: pending,
		timer:   timer,
		acks:    acks,
	}
}

// Start launches the listener's worker goroutine.
func (l *Listener) Start() {
	l.Go(l.worker)
}

func (l *Listener) worker() {
	for {
		select {
		case <-l.HaltCh():
			l.log.Debug("halting")
			return
		case sealed, ok := <-l.acks:
			if !ok {
				l.log.Debug("ack channel closed")
				return
			}
			l.handle(sealed)
		}
	}
}

func (l *Listener) handle(sealed []byte) {
	id, err := Open(l.key, sealed)
	if err != nil {
		l.log.Warningf("dropping malformed ack: %s", err)
		return
	}
	if id.Bytes() == constants.CoverFragmentID {
		l.log.Debug("discarding cover-fragment ack")
		return
	}
	l.timer.Cancel(id)
	if _, ok := l.pending.Remove(id); !ok {
		l.log.Debugf("ack for unknown fragment %x/%d (late ack or double-ack)", id.SetID, id.Index)
	}
}
