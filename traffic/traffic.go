// traffic.go - the real-traffic, loop-cover, and mix-traffic streams.
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

// Package traffic paces outgoing mix packets onto the gateway
// connection: a Poisson-scheduled RealTrafficStream draining a
// round-robin backlog of per-connection-id packets, a
// LoopCoverTrafficStream generating filler packets addressed to the
// client itself, and a MixTrafficController that performs the actual
// send and watches for a gateway that has gone bad.
package traffic

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"github.com/op/go-logging"
	lane "gopkg.in/oleiade/lane.v1"

	"github.com/nymtech/mixnet-client-core/constants"
	"github.com/nymtech/mixnet-client-core/poisson"
	"github.com/nymtech/mixnet-client-core/preparer"
	"github.com/nymtech/mixnet-client-core/sphinxpkt"
)

// Sender is the subset of gateway.Client the controller needs to
// transmit prepared packets, accepted as an interface so tests can
// substitute a fake transport.
type Sender interface {
	SendMixPacket(payload []byte) error
	SendBatchMixPacket(payload []byte) error
}

// batchMinSize is the smallest backlog RealTrafficStream will bother
// draining as a batch rather than one packet at a time; below it the
// per-packet Poisson pacing already does the job and a batch frame buys
// nothing.
const batchMinSize = 2

// MixTrafficController performs the actual send to the gateway and
// counts consecutive failures, signalling ReconnectCh once the count
// reaches constants.MaxConsecutiveGatewayFailures so the supervisor can
// rebuild the transport, rather than the sender simply giving up.
type MixTrafficController struct {
	log *logging.Logger

	clientMu sync.RWMutex
	client   Sender

	consecutiveFailures uint32
	ReconnectCh         chan struct{}
}

// NewMixTrafficController constructs a controller sending over client.
func NewMixTrafficController(logBackend *log.Backend, client Sender) *MixTrafficController {
	return &MixTrafficController{
		log:         logBackend.GetLogger("traffic.MixTrafficController"),
		client:      client,
		ReconnectCh: make(chan struct{}, 1),
	}
}

// Reconnect swaps in a freshly dialed Sender after the supervisor has
// rebuilt the transport, so in-flight Send calls never observe a torn
// client reference.
func (m *MixTrafficController) Reconnect(client Sender) {
	m.clientMu.Lock()
	m.client = client
	m.clientMu.Unlock()
	atomic.StoreUint32(&m.consecutiveFailures, 0)
}

// Send transmits pkt, resetting the failure count on success and
// signalling ReconnectCh (non-blocking, so a backlog of one pending
// signal is enough) after MaxConsecutiveGatewayFailures in a row.
func (m *MixTrafficController) Send(pkt *sphinxpkt.MixPacket) error {
	m.clientMu.RLock()
	client := m.client
	m.clientMu.RUnlock()

	return m.recordResult(client.SendMixPacket(pkt.Payload))
}

// SendBatch transmits every packet in pkts as a single batch frame,
// cbor-encoding their payloads, so RealTrafficStream can forward an
// already-ready backlog to the gateway without waiting out a Poisson
// tick per packet. Failure accounting is identical to Send.
func (m *MixTrafficController) SendBatch(pkts []*sphinxpkt.MixPacket) error {
	m.clientMu.RLock()
	client := m.client
	m.clientMu.RUnlock()

	payloads := make([][]byte, len(pkts))
	for i, pkt := range pkts {
		payloads[i] = pkt.Payload
	}
	encoded, err := cbor.Marshal(payloads)
	if err != nil {
		return err
	}
	return m.recordResult(client.SendBatchMixPacket(encoded))
}

// recordResult is the shared failure-accounting core of Send and
// SendBatch: it resets the consecutive-failure count on success, and
// once it reaches MaxConsecutiveGatewayFailures in a row, signals
// ReconnectCh so the supervisor can rebuild the transport.
func (m *MixTrafficController) recordResult(err error) error {
	if err != nil {
		n := atomic.AddUint32(&m.consecutiveFailures, 1)
		m.log.Warningf("gateway send failed (%d consecutive): %s", n, err)
		if n >= constants.MaxConsecutiveGatewayFailures {
			atomic.StoreUint32(&m.consecutiveFailures, 0)
			select {
			case m.ReconnectCh <- struct{}{}:
			default:
			}
		}
		return err
	}
	atomic.StoreUint32(&m.consecutiveFailures, 0)
	return nil
}

// ConsecutiveFailures reports the current run length of send failures,
// for tests and diagnostics.
func (m *MixTrafficController) ConsecutiveFailures() uint32 {
	return atomic.LoadUint32(&m.consecutiveFailures)
}

// RealTrafficStream paces real, already-Sphinx-encapsulated packets onto
// the gateway. Each connection id gets its own FIFO backlog
// (github.com/eapache/queue); a single github.com/oleiade/lane.v1 FIFO
// of connection ids tracks round-robin turn order, with a connection id
// re-enqueued at the back whenever its backlog is still nonempty after
// its turn. When no connection id has backlog, coverFallback supplies a
// decoy packet so the wire shows constant-rate traffic regardless.
type RealTrafficStream struct {
	worker.Worker

	log *logging.Logger

	fount        *poisson.Fount
	controller   *MixTrafficController
	coverFallback func() (*sphinxpkt.MixPacket, error)

	mu      sync.Mutex
	lanes   map[string]*queue.Queue
	ready   *lane.Queue
	queued  map[string]bool
	pending int

	maxBatchSize int
}

// NewRealTrafficStream constructs a stream pacing sends at averageDelay
// on average.
func NewRealTrafficStream(logBackend *log.Backend, averageDelay time.Duration, controller *MixTrafficController, coverFallback func() (*sphinxpkt.MixPacket, error)) *RealTrafficStream {
	return &RealTrafficStream{
		log:           logBackend.GetLogger("traffic.RealTrafficStream"),
		fount:         poisson.NewFromAverageDelay(averageDelay),
		controller:    controller,
		coverFallback: coverFallback,
		lanes:         make(map[string]*queue.Queue),
		ready:         lane.NewQueue(),
		queued:        make(map[string]bool),
		maxBatchSize:  constants.MaxBatchSize,
	}
}

// Start launches the Poisson-paced send worker.
func (s *RealTrafficStream) Start() {
	s.Go(s.sendWorker)
}

// Enqueue appends pkt to connID's backlog, registering connID for its
// next round-robin turn if it was previously empty.
func (s *RealTrafficStream) Enqueue(connID string, pkt *sphinxpkt.MixPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.lanes[connID]
	if !ok {
		q = queue.New()
		s.lanes[connID] = q
	}
	q.Add(pkt)
	s.pending++
	if !s.queued[connID] {
		s.queued[connID] = true
		s.ready.Enqueue(connID)
	}
}

// Backlog reports the number of packets still queued for connID.
func (s *RealTrafficStream) Backlog(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.lanes[connID]; ok {
		return q.Length()
	}
	return 0
}

// ReadyCount reports the total number of packets currently queued
// across every connection id's backlog, used by sendWorker to decide
// whether a Poisson tick should drain a batch or a single packet.
func (s *RealTrafficStream) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// dequeueLocked pops the next packet in round-robin order. Callers must
// hold s.mu.
func (s *RealTrafficStream) dequeueLocked() *sphinxpkt.MixPacket {
	v := s.ready.Dequeue()
	if v == nil {
		return nil
	}
	connID := v.(string)
	q := s.lanes[connID]
	pkt := q.Remove().(*sphinxpkt.MixPacket)
	s.pending--
	if q.Length() > 0 {
		s.ready.Enqueue(connID)
	} else {
		s.queued[connID] = false
	}
	return pkt
}

func (s *RealTrafficStream) next() *sphinxpkt.MixPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dequeueLocked()
}

// drainReady pops up to max packets in round-robin order in a single
// locked pass, for a batch_send_mix_packets send.
func (s *RealTrafficStream) drainReady(max int) []*sphinxpkt.MixPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkts := make([]*sphinxpkt.MixPacket, 0, max)
	for len(pkts) < max {
		pkt := s.dequeueLocked()
		if pkt == nil {
			break
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func (s *RealTrafficStream) sendWorker() {
	for {
		select {
		case <-s.HaltCh():
			return
		case <-time.After(s.fount.NextDuration()):
		}

		if s.ReadyCount() >= batchMinSize {
			pkts := s.drainReady(s.maxBatchSize)
			if len(pkts) == 0 {
				continue
			}
			if err := s.controller.SendBatch(pkts); err != nil {
				s.log.Warningf("batch mix packet send failed: %s", err)
			}
			continue
		}

		pkt := s.next()
		if pkt == nil {
			if s.coverFallback == nil {
				s.log.Debug("real traffic queue empty, no cover fallback configured")
				continue
			}
			cover, err := s.coverFallback()
			if err != nil {
				s.log.Warningf("cover fallback failed: %s", err)
				continue
			}
			pkt = cover
		}
		if err := s.controller.Send(pkt); err != nil {
			s.log.Warningf("mix packet send failed: %s", err)
		}
	}
}

// LoopCoverTrafficStream independently emits Poisson-paced filler
// packets addressed to the client's own identity key, indistinguishable
// on the wire from real traffic, regardless of whether RealTrafficStream
// currently has a backlog.
type LoopCoverTrafficStream struct {
	worker.Worker

	log *logging.Logger

	fount       *poisson.Fount
	preparer    *preparer.Preparer
	controller  *MixTrafficController
	payloadSize int
}

// NewLoopCoverTrafficStream constructs a stream emitting at averageDelay
// on average.
func NewLoopCoverTrafficStream(logBackend *log.Backend, averageDelay time.Duration, p *preparer.Preparer, controller *MixTrafficController) *LoopCoverTrafficStream {
	return &LoopCoverTrafficStream{
		log:         logBackend.GetLogger("traffic.LoopCoverTrafficStream"),
		fount:       poisson.NewFromAverageDelay(averageDelay),
		preparer:    p,
		controller:  controller,
		payloadSize: constants.RegularPayloadLength,
	}
}

// Start launches the Poisson-paced emission worker.
func (s *LoopCoverTrafficStream) Start() {
	s.Go(s.worker)
}

func (s *LoopCoverTrafficStream) worker() {
	for {
		select {
		case <-s.HaltCh():
			return
		case <-time.After(s.fount.NextDuration()):
		}
		pkt, err := s.Emit()
		if err != nil {
			s.log.Warningf("loop cover packet preparation failed: %s", err)
			continue
		}
		if err := s.controller.Send(pkt); err != nil {
			s.log.Warningf("loop cover packet send failed: %s", err)
		}
	}
}

// Emit builds one loop-cover packet addressed to the client's own
// identity key. Exported so a RealTrafficStream's coverFallback can
// share the exact same decoy-construction path rather than a second,
// subtly different one.
func (s *LoopCoverTrafficStream) Emit() (*sphinxpkt.MixPacket, error) {
	payload := make([]byte, s.payloadSize)
	if _, err := rand.Reader.Read(payload); err != nil {
		return nil, err
	}
	return s.preparer.PreparePlainMixPacket(payload, s.preparer.SelfRoute(), sphinxpkt.Regular)
}
