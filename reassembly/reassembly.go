// reassembly.go - the Received Buffer: fragment reassembly and delivery.
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

// Package reassembly accumulates received fragments keyed by their set
// id into complete messages, delivers each to the single attached
// subscriber, and garbage-collects any set that never completes.
package reassembly

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"github.com/op/go-logging"

	merrors "github.com/nymtech/mixnet-client-core/errors"
	"github.com/nymtech/mixnet-client-core/fragment"
	"github.com/nymtech/mixnet-client-core/surb"
)

// Framing prefix bytes, mirroring package preparer's framing of outgoing
// messages, since a received plaintext carries the same one-byte tag.
const (
	FramePlain       = 0x00
	FrameSURBReply   = 0x01
	FrameSURBStorage = 0x02
)

// Message is a fully reassembled, unframed received message handed to
// the subscriber.
type Message struct {
	Plaintext   []byte
	IsSURBReply bool
	ReceivedAt  time.Time
}

type partialSet struct {
	fragments map[uint8]fragment.Fragment
	total     uint8
	firstSeen time.Time
}

// Buffer is the Received Buffer: a set-id-keyed map of in-progress
// fragment sets, a single-subscriber delivery channel, and a background
// sweep that discards sets older than horizon.
type Buffer struct {
	worker.Worker

	log *logging.Logger

	mu       sync.Mutex
	partials map[[fragment.SetIDLength]byte]*partialSet

	horizon    time.Duration
	gcInterval time.Duration

	subMu      sync.Mutex
	subscriber chan *Message
	backlog    []*Message

	onSURBs func([]*surb.ReplySURB)
}

// New constructs a Buffer. horizon bounds how long an incomplete set is
// kept before being discarded; gcInterval is the sweep period. onSURBs
// is the SURB storage collaborator a completed SURB-storage-framed
// message is handed to; nil discards them with a warning.
func New(logBackend *log.Backend, horizon, gcInterval time.Duration, onSURBs func([]*surb.ReplySURB)) *Buffer {
	return &Buffer{
		log:        logBackend.GetLogger("reassembly.Buffer"),
		partials:   make(map[[fragment.SetIDLength]byte]*partialSet),
		horizon:    horizon,
		gcInterval: gcInterval,
		onSURBs:    onSURBs,
	}
}

// Start launches the background GC sweep.
func (b *Buffer) Start() {
	b.Go(b.gcWorker)
}

// Subscribe attaches the one consumer of completed messages, flushing
// any message buffered while no subscriber was attached before
// returning. A second call before Unsubscribe returns
// ErrSubscriberConflict, matching the single-subscriber delivery model.
func (b *Buffer) Subscribe(ch chan *Message) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.subscriber != nil {
		return merrors.ErrSubscriberConflict
	}
	b.subscriber = ch

	flushed := 0
flush:
	for _, msg := range b.backlog {
		select {
		case ch <- msg:
			flushed++
		default:
			b.log.Warning("subscriber channel full while flushing buffered messages")
			break flush
		}
	}
	b.backlog = append([]*Message(nil), b.backlog[flushed:]...)
	return nil
}

// Unsubscribe detaches the current subscriber, if any.
func (b *Buffer) Unsubscribe() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscriber = nil
}

// Insert adds one received fragment. When it completes its set, the
// reassembled, unframed Message is delivered to the subscriber.
func (b *Buffer) Insert(frag fragment.Fragment) {
	b.mu.Lock()
	set, ok := b.partials[frag.ID.SetID]
	if !ok {
		set = &partialSet{
			fragments: make(map[uint8]fragment.Fragment),
			total:     frag.ID.Total,
			firstSeen: time.Now(),
		}
		b.partials[frag.ID.SetID] = set
	}
	set.fragments[frag.ID.Index] = frag
	complete := len(set.fragments) == int(set.total)

	var ordered []fragment.Fragment
	if complete {
		ordered = make([]fragment.Fragment, 0, set.total)
		for i := uint8(0); i < set.total; i++ {
			ordered = append(ordered, set.fragments[i])
		}
		delete(b.partials, frag.ID.SetID)
	}
	b.mu.Unlock()

	if !complete {
		return
	}

	framed, err := fragment.Reassemble(ordered)
	if err != nil {
		b.log.Warningf("reassembly failed: %s", err)
		return
	}
	if len(framed) == 0 {
		b.log.Warning("reassembly produced an empty frame")
		return
	}

	if framed[0] == FrameSURBStorage {
		b.deliverSURBs(framed[1:])
		return
	}
	b.deliver(&Message{
		Plaintext:   framed[1:],
		IsSURBReply: framed[0] == FrameSURBReply,
		ReceivedAt:  time.Now(),
	})
}

// deliverSURBs decodes a completed SURB-storage payload and hands every
// decoded entry, expired or not, to the SURB storage collaborator,
// rather than the ordinary message subscriber.
func (b *Buffer) deliverSURBs(raw []byte) {
	var surbs []*surb.ReplySURB
	if err := cbor.Unmarshal(raw, &surbs); err != nil {
		b.log.Warningf("decoding received SURB-storage payload: %s", err)
		return
	}
	if b.onSURBs == nil {
		b.log.Warning("no SURB storage collaborator attached, dropping received reply SURBs")
		return
	}
	b.onSURBs(surbs)
}

// deliver hands msg to the attached subscriber, or buffers it if none is
// attached or the subscriber's channel is currently full; Subscribe
// flushes the backlog atomically once a consumer attaches.
func (b *Buffer) deliver(msg *Message) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.subscriber == nil {
		b.backlog = append(b.backlog, msg)
		return
	}
	select {
	case b.subscriber <- msg:
	default:
		b.log.Warning("subscriber channel full, buffering completed message")
		b.backlog = append(b.backlog, msg)
	}
}

// Pending reports the number of fragment sets currently incomplete.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.partials)
}

func (b *Buffer) gcWorker() {
	ticker := time.NewTicker(b.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.HaltCh():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Buffer) sweep() int {
	cutoff := time.Now().Add(-b.horizon)
	b.mu.Lock()
	defer b.mu.Unlock()
	purged := 0
	for id, set := range b.partials {
		if set.firstSeen.Before(cutoff) {
			delete(b.partials, id)
			purged++
			b.log.Debugf("%s: set %x", merrors.ErrFragmentReassemblyTimedOut, id)
		}
	}
	return purged
}
