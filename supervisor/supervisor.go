// supervisor.go - builds and owns the traffic engine's long-lived tasks.
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

// Package supervisor is the builder that wires one topology.Refresher,
// one gateway.Client, one ack.Controller, one preparer.Preparer, one
// traffic.RealTrafficStream, one traffic.LoopCoverTrafficStream, one
// traffic.MixTrafficController, one reassembly.Buffer, and one
// listener.InputListener into the running traffic engine, in leaf-first
// dependency order, and halts them in reverse on Shutdown. It replaces
// the root client.go/daemon.go builder.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/pki"
	"github.com/op/go-logging"

	"github.com/nymtech/mixnet-client-core/ack"
	"github.com/nymtech/mixnet-client-core/address"
	"github.com/nymtech/mixnet-client-core/config"
	"github.com/nymtech/mixnet-client-core/constants"
	"github.com/nymtech/mixnet-client-core/fragment"
	"github.com/nymtech/mixnet-client-core/gateway"
	"github.com/nymtech/mixnet-client-core/listener"
	"github.com/nymtech/mixnet-client-core/preparer"
	"github.com/nymtech/mixnet-client-core/reassembly"
	"github.com/nymtech/mixnet-client-core/sphinxpkt"
	"github.com/nymtech/mixnet-client-core/store"
	"github.com/nymtech/mixnet-client-core/surb"
	"github.com/nymtech/mixnet-client-core/topology"
	"github.com/nymtech/mixnet-client-core/traffic"
)

// surbBucket and surbKey name the store.Handle location the SURB store
// is persisted under between restarts.
const (
	surbBucket = "surbs"
	surbKey    = "snapshot"
)

// ackChannelCapacity bounds the buffer between the gateway transport's
// read pump and the Ack Listener; a full buffer means acks are arriving
// far faster than they can be processed; at that point dropping and
// relying on retransmission is preferable to blocking the read pump.
const ackChannelCapacity = 256

// Params carries every external dependency the builder cannot construct
// on its own: the identities, the gateway to dial, and the PKI client
// used to learn about the rest of the network.
type Params struct {
	Config      *config.Config
	PKIClient   pki.Client
	IdentityKey *ecdh.PrivateKey
	GatewayURL  string
	GatewayKey  *ecdh.PublicKey
}

// Supervisor owns every long-lived task and the one gateway connection.
// Application code talks to it exclusively through its exported methods
// (Send, SendReplySURBs, Backlog, Subscribe/Unsubscribe and the
// Start/Shutdown lifecycle); everything else is internal wiring.
type Supervisor struct {
	log        *logging.Logger
	logBackend *log.Backend
	cfg        *config.Config

	storeHandle store.Handle
	surbStore   *surb.Store

	topologyStore *topology.Store
	refresher     *topology.Refresher

	ackController *ack.Controller
	ackListener   *ack.Listener
	acksCh        chan []byte

	preparer *preparer.Preparer

	gatewayClient *gateway.Client
	gatewayURL    string
	gatewayKey    *ecdh.PublicKey
	identityKey   *ecdh.PrivateKey

	mixController *traffic.MixTrafficController
	realStream    *traffic.RealTrafficStream
	coverStream   *traffic.LoopCoverTrafficStream

	reassemblyBuffer *reassembly.Buffer
	inputListener    *listener.InputListener

	reconnectCh chan struct{}
	stopCh      chan struct{}
}

// New builds every component in leaf-first order but does not start any
// background task; call Start to begin serving traffic.
func New(logBackend *log.Backend, p *Params) (*Supervisor, error) {
	if p.PKIClient == nil {
		return nil, errors.New("supervisor: PKIClient is required")
	}
	if p.IdentityKey == nil {
		return nil, errors.New("supervisor: IdentityKey is required")
	}
	if err := initDataDir(p.Config.DataDir); err != nil {
		return nil, err
	}

	s := &Supervisor{
		log:         logBackend.GetLogger("supervisor"),
		logBackend:  logBackend,
		cfg:         p.Config,
		gatewayURL:  p.GatewayURL,
		gatewayKey:  p.GatewayKey,
		identityKey: p.IdentityKey,
		reconnectCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}

	dbFile := filepath.Join(p.Config.DataDir, "mixclient.db")
	handle, err := store.Open(dbFile, surbBucket, constants.DatabaseConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening store: %w", err)
	}
	s.storeHandle = handle

	ackKey, err := ack.NewKey()
	if err != nil {
		return nil, fmt.Errorf("supervisor: minting ack key: %w", err)
	}

	s.surbStore = surb.NewStore(p.Config.MaximumReplySURBStorageSizeOrDefault(), p.Config.MinimumReplySURBStorageThresholdOrDefault())
	s.loadSURBs()

	s.topologyStore = topology.NewStore()

	s.reassemblyBuffer = reassembly.New(logBackend, constants.ReassemblyGCHorizon, constants.ReassemblyGCHorizon/2, s.onReceivedSURBs)

	s.preparer = preparer.New(ackKey, p.IdentityKey, constants.HopsPerPath, constants.DefaultMaxMessageLength,
		p.Config.AveragePacketDelay(), p.Config.AverageAckDelay(), p.Config.AckWaitAddition())

	s.acksCh = make(chan []byte, ackChannelCapacity)
	s.ackController = ack.New(logBackend, clockwork.NewRealClock(), p.Config.AckWaitMultiplierOrDefault(), p.Config.AckWaitAddition(), s.retransmit)
	s.ackListener = ack.NewListener(logBackend, ackKey, s.ackController.Map, s.ackController.Timer, s.acksCh)

	s.refresher = topology.NewRefresher(logBackend, p.PKIClient, s.topologyStore, constants.HopsPerPath, p.Config.TopologyRefreshRate(), s.onTopologyRefresh)

	gwClient, err := s.dialGateway()
	if err != nil {
		s.storeHandle.Close()
		return nil, fmt.Errorf("supervisor: dialing gateway: %w", err)
	}
	s.gatewayClient = gwClient

	s.mixController = traffic.NewMixTrafficController(logBackend, gwClient)
	s.coverStream = traffic.NewLoopCoverTrafficStream(logBackend, p.Config.LoopCoverTrafficAverageDelay(), s.preparer, s.mixController)
	s.realStream = traffic.NewRealTrafficStream(logBackend, p.Config.MessageSendingAverageDelay(), s.mixController, s.coverStream.Emit)

	s.inputListener = listener.New(logBackend, constants.InputListenerQueueCapacity, s.handleInput)

	return s, nil
}

func initDataDir(dir string) error {
	if dir == "" {
		return errors.New("supervisor: DataDir is required")
	}
	const dirMode = os.ModeDir | 0700
	fi, err := os.Lstat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("supervisor: failed to stat DataDir: %w", err)
		}
		if err := os.Mkdir(dir, dirMode); err != nil {
			return fmt.Errorf("supervisor: failed to create DataDir: %w", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("supervisor: DataDir %q is not a directory", dir)
	}
	return nil
}

func (s *Supervisor) dialGateway() (*gateway.Client, error) {
	gwCfg := &gateway.Config{
		IdentityKey:       s.identityKey,
		ResponseTimeout:   s.cfg.GatewayResponseTimeout(),
		OnMixnetMessage:   s.onMixnetMessage,
		OnAck:             s.onAck,
		OnBandwidthReport: s.onBandwidthReport,
		OnDisconnect:      s.onDisconnect,
	}
	return gateway.Dial(s.logBackend, s.gatewayURL, s.gatewayKey, gwCfg)
}

// onMixnetMessage reverses the client's own encapsulation of loop-cover
// and SURB-reply traffic addressed back to itself: every MixnetMessage
// frame the gateway hands up is a Sphinx-packed blob sealed to this
// client's identity key, never a bare fragment.
func (s *Supervisor) onMixnetMessage(raw []byte) {
	_, payload, err := sphinxpkt.Open(s.identityKey, &sphinxpkt.MixPacket{Payload: raw})
	if err != nil {
		s.log.Warningf("dropping undecapsulatable mixnet message: %s", err)
		return
	}
	frag, err := fragment.Decode(payload)
	if err != nil {
		s.log.Warningf("dropping malformed incoming fragment: %s", err)
		return
	}
	s.reassemblyBuffer.Insert(frag)
}

func (s *Supervisor) onAck(raw []byte) {
	select {
	case s.acksCh <- raw:
	default:
		s.log.Warning("ack channel full, dropping ack")
	}
}

func (s *Supervisor) onBandwidthReport(remaining int64) {
	s.log.Debugf("gateway reports %d bytes remaining", remaining)
}

func (s *Supervisor) onDisconnect(err error) {
	s.log.Warningf("gateway disconnected: %s", err)
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// onReceivedSURBs is the Received Buffer's SURB storage collaborator: it
// receives the reply SURBs a peer bundled for this client to use later
// and files the still-valid ones in the local store, completing the
// half of the ReplySURB lifecycle the Preparer's attachReplySURB path
// does not cover (a peer's SURBs sent to us, rather than ours sent to
// them).
func (s *Supervisor) onReceivedSURBs(surbs []*surb.ReplySURB) {
	now := time.Now()
	for _, r := range surbs {
		if r.Expired(now) {
			continue
		}
		s.surbStore.Put(r)
	}
}

func (s *Supervisor) onTopologyRefresh(snap *topology.Snapshot) {
	s.ackController.Resume()
	if purged := s.surbStore.PurgeExpired(time.Now()); purged > 0 {
		s.log.Debugf("purged %d expired reply SURBs after topology refresh", purged)
	}
}

// retransmit is the ack.Retransmitter passed to ack.New: it redraws a
// fresh route for the stale fragment through the current topology
// snapshot and re-enqueues it on the same connection id's backlog.
func (s *Supervisor) retransmit(p *ack.PendingAck) (time.Duration, error) {
	snap := s.topologyStore.Load()
	pkt, rtt, err := s.preparer.Retransmit(p.Fragment, p.Recipient, snap)
	if err != nil {
		return 0, err
	}
	s.realStream.Enqueue(p.ConnectionID, pkt)
	return rtt, nil
}

// handleInput is the listener.Handler: it runs the message through the
// Preparer, arms every resulting PendingAck, enqueues every resulting
// MixPacket, and stores any minted reply SURB.
func (s *Supervisor) handleInput(m listener.Message) error {
	snap := s.topologyStore.Load()
	packets, pending, reply, err := s.preparer.Prepare(m.Payload, m.Recipient, m.AttachReplySURB, snap)
	if err != nil {
		return err
	}
	for i, p := range pending {
		p.ConnectionID = m.ConnID
		s.ackController.Arm(p)
		s.realStream.Enqueue(m.ConnID, packets[i])
	}
	if reply != nil {
		s.surbStore.Put(reply)
	}
	return nil
}

// Send submits payload for sending to recipient on behalf of connection
// id connID, requesting an attached reply SURB if attachReplySURB is
// set. The returned channel receives the eventual Preparer outcome
// (nil on success); Send itself returns ErrTemporarilyUnavailable
// immediately if connID's backlog is already full.
func (s *Supervisor) Send(connID string, payload []byte, recipient *address.Recipient, attachReplySURB bool) (<-chan error, error) {
	return s.inputListener.Submit(connID, payload, recipient, attachReplySURB)
}

// SendReplySURBs proactively mints count fresh reply SURBs and delivers
// them to recipient as a SURB-storage payload, replenishing the stock
// the recipient can draw on to reach this client without its own
// Preparer ever being involved. Intended to be called whenever a peer
// signals (out of band, e.g. via an application-level request) that its
// own store is running low.
func (s *Supervisor) SendReplySURBs(connID string, recipient *address.Recipient, count int) error {
	snap := s.topologyStore.Load()
	packets, pending, err := s.preparer.PrepareSURBs(count, recipient, snap)
	if err != nil {
		return err
	}
	for i, p := range pending {
		p.ConnectionID = connID
		s.ackController.Arm(p)
		s.realStream.Enqueue(connID, packets[i])
	}
	return nil
}

// Subscribe attaches ch as the sole recipient of reassembled incoming
// messages. Returns ErrSubscriberConflict if one is already attached.
func (s *Supervisor) Subscribe(ch chan *reassembly.Message) error {
	return s.reassemblyBuffer.Subscribe(ch)
}

// Unsubscribe detaches the current subscriber, if any.
func (s *Supervisor) Unsubscribe() {
	s.reassemblyBuffer.Unsubscribe()
}

// Backlog reports the number of outgoing packets still queued for
// connID, the throttling signal an upper layer polls before submitting
// more.
func (s *Supervisor) Backlog(connID string) int {
	return s.realStream.Backlog(connID)
}

// Start launches every background task, in leaf-first order, and begins
// the reconnect watchdog.
func (s *Supervisor) Start() {
	s.reassemblyBuffer.Start()
	s.refresher.Start()
	s.ackController.Start()
	s.ackListener.Start()
	s.coverStream.Start()
	s.realStream.Start()
	go s.reconnectLoop()
}

// reconnectLoop rebuilds the gateway transport whenever the controller
// reports MAX_CONSECUTIVE_FAILURES or the transport itself reports a
// disconnect, mirroring "supervisor reacts by destroying and recreating
// the transport."
func (s *Supervisor) reconnectLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.mixController.ReconnectCh:
		case <-s.reconnectCh:
		}
		s.log.Notice("rebuilding gateway transport")
		s.gatewayClient.Close()
		newClient, err := s.dialGateway()
		if err != nil {
			s.log.Errorf("gateway reconnect failed: %s", err)
			continue
		}
		s.gatewayClient = newClient
		s.mixController.Reconnect(newClient)
	}
}

// Shutdown halts every background task in the reverse of Start's order,
// persists the SURB store, and releases the store handle.
func (s *Supervisor) Shutdown() {
	close(s.stopCh)
	s.inputListener.Halt()
	s.realStream.Halt()
	s.coverStream.Halt()
	s.gatewayClient.Close()
	s.ackListener.Halt()
	s.ackController.Timer.Halt()
	s.refresher.Halt()
	s.reassemblyBuffer.Halt()

	s.persistSURBs()
	if err := s.storeHandle.Close(); err != nil {
		s.log.Warningf("closing store: %s", err)
	}
}

func (s *Supervisor) persistSURBs() {
	entries := s.surbStore.Snapshot()
	raw, err := cbor.Marshal(entries)
	if err != nil {
		s.log.Warningf("encoding reply SURB snapshot: %s", err)
		return
	}
	if err := s.storeHandle.Put([]byte(surbKey), raw); err != nil {
		s.log.Warningf("persisting reply SURB snapshot: %s", err)
	}
}

func (s *Supervisor) loadSURBs() {
	raw, err := s.storeHandle.Get([]byte(surbKey))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warningf("loading reply SURB snapshot: %s", err)
		}
		return
	}
	var entries []*surb.ReplySURB
	if err := cbor.Unmarshal(raw, &entries); err != nil {
		s.log.Warningf("decoding reply SURB snapshot: %s", err)
		return
	}
	now := time.Now()
	for _, r := range entries {
		if r.Expired(now) {
			continue
		}
		s.surbStore.Put(r)
	}
}
