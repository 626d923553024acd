// listener.go - the input message listener.
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

// Package listener accepts application messages for sending, one bounded
// queue per connection id, and hands each to a Handler on a dedicated
// per-connection worker so that one slow or backlogged connection id
// cannot starve another.
package listener

import (
	"sync"

	"github.com/katzenpost/core/log"
	"github.com/op/go-logging"
	"gopkg.in/eapache/channels.v1"

	"github.com/nymtech/mixnet-client-core/address"
	merrors "github.com/nymtech/mixnet-client-core/errors"
)

// Message is one application payload submitted for sending, tagged with
// the connection id it arrived on and the recipient it is addressed
// to. Reply, if non-nil, receives exactly one value once the Handler
// has processed the message: nil on success, or the error Prepare
// returned (most commonly ErrInsufficientTopology), matching the
// "surfaced to the application synchronously via a reply channel"
// failure semantics for topology-insufficient sends.
type Message struct {
	ConnID          string
	Payload         []byte
	Recipient       *address.Recipient
	AttachReplySURB bool

	Reply chan<- error
}

// Handler processes one accepted Message, typically by calling
// preparer.Preparer.Prepare.
type Handler func(Message) error

// InputListener fans application messages out into per-connection-id
// bounded queues, starting a worker the first time a connection id is
// seen and accepting submissions until Halt.
type InputListener struct {
	sync.WaitGroup
	sync.Mutex

	log *logging.Logger

	capacity int
	handler  Handler
	queues   map[string]channels.Channel

	closed     bool
	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

// New constructs an InputListener whose per-connection-id queues hold up
// to capacity messages before Submit starts returning
// ErrTemporarilyUnavailable.
func New(logBackend *log.Backend, capacity int, handler Handler) *InputListener {
	return &InputListener{
		log:        logBackend.GetLogger("listener.InputListener"),
		capacity:   capacity,
		handler:    handler,
		queues:     make(map[string]channels.Channel),
		closeAllCh: make(chan interface{}),
	}
}

// Submit enqueues payload under connID, addressed to recipient, for
// sending with an attached reply SURB if requested. A connection id's
// queue is created lazily on first submission. The returned channel
// receives the Handler's eventual result (nil on success); it is
// closed after delivery and may be ignored by callers that only care
// about the immediate accept/reject outcome. Submit itself returns
// ErrTemporarilyUnavailable immediately if that connection's queue is
// already at capacity or the listener has halted.
func (l *InputListener) Submit(connID string, payload []byte, recipient *address.Recipient, attachReplySURB bool) (<-chan error, error) {
	l.Lock()
	if l.closed {
		l.Unlock()
		return nil, merrors.ErrTemporarilyUnavailable
	}
	q, ok := l.queues[connID]
	if !ok {
		q = channels.NewNativeChannel(l.capacity)
		l.queues[connID] = q
		l.Add(1)
		l.closeAllWg.Add(1)
		go l.worker(connID, q)
	}
	l.Unlock()

	reply := make(chan error, 1)
	msg := Message{
		ConnID:          connID,
		Payload:         payload,
		Recipient:       recipient,
		AttachReplySURB: attachReplySURB,
		Reply:           reply,
	}
	select {
	case q.In() <- msg:
		return reply, nil
	default:
		return nil, merrors.ErrTemporarilyUnavailable
	}
}

// QueueDepth reports the current backlog for connID, the queue-length
// signal a caller can use to throttle submissions before Submit would
// refuse them.
func (l *InputListener) QueueDepth(connID string) int {
	l.Lock()
	defer l.Unlock()
	if q, ok := l.queues[connID]; ok {
		return q.Len()
	}
	return 0
}

func (l *InputListener) worker(connID string, q channels.Channel) {
	defer l.Done()
	defer l.closeAllWg.Done()
	for {
		select {
		case <-l.closeAllCh:
			return
		case v, ok := <-q.Out():
			if !ok {
				return
			}
			msg := v.(Message)
			err := l.handler(msg)
			if err != nil {
				l.log.Warningf("handler failed for connection %s: %s", connID, err)
			}
			if msg.Reply != nil {
				msg.Reply <- err
				close(msg.Reply)
			}
		}
	}
}

// Halt closes every per-connection queue, signals every worker through
// closeAllCh and waits for them to exit, mirroring root listener.go's
// closeAllCh shutdown. Workers do not drain their queues first: a
// message still queued at Halt may never reach the Handler.
func (l *InputListener) Halt() {
	l.Lock()
	if l.closed {
		l.Unlock()
		return
	}
	l.closed = true
	for _, q := range l.queues {
		q.Close()
	}
	l.Unlock()

	close(l.closeAllCh)
	l.Wait()
}
