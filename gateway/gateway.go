// gateway.go - the transport to this client's mixnet gateway.
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

// Package gateway implements the client's single connection to its
// mixnet gateway: a websocket transport carrying CBOR-framed envelopes,
// authenticated once at Dial with a Noise handshake, and the atomic
// bandwidth counter the gateway's reports replenish.
package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"github.com/katzenpost/noise"
	"github.com/op/go-logging"

	merrors "github.com/nymtech/mixnet-client-core/errors"
)

// FrameKind identifies the payload carried by one envelope, matching the
// recognised frame set.
type FrameKind uint8

const (
	FrameMixPacket FrameKind = iota
	FrameBatchMixPacket
	FrameAck
	FrameMixnetMessage
	FrameBandwidthReport
	FrameClose
)

// envelope is the CBOR-encoded unit exchanged over the websocket
// connection, multiplexing every frame kind over one logical stream.
type envelope struct {
	Kind    FrameKind `cbor:"kind"`
	Payload []byte    `cbor:"payload"`
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// BandwidthCounter tracks remaining egress bandwidth as reported by the
// gateway. Client's sends do not charge it: its balance changes only
// when a BandwidthReport frame replaces it, or when a caller uses Spend
// directly, so sending is never refused for lack of bandwidth.
type BandwidthCounter struct {
	remaining int64
}

// NewBandwidthCounter returns a counter seeded at initial bytes.
func NewBandwidthCounter(initial int64) *BandwidthCounter {
	return &BandwidthCounter{remaining: initial}
}

// Remaining reports the current byte balance.
func (b *BandwidthCounter) Remaining() int64 {
	return atomic.LoadInt64(&b.remaining)
}

// Spend decrements the balance by n bytes, refusing the charge and
// returning ErrBandwidthExhausted if it would go negative.
func (b *BandwidthCounter) Spend(n int64) error {
	for {
		cur := atomic.LoadInt64(&b.remaining)
		if cur-n < 0 {
			return merrors.ErrBandwidthExhausted
		}
		if atomic.CompareAndSwapInt64(&b.remaining, cur, cur-n) {
			return nil
		}
	}
}

// Replace wholesale installs a fresh balance, used when a
// BandwidthReport frame arrives.
func (b *BandwidthCounter) Replace(n int64) {
	atomic.StoreInt64(&b.remaining, n)
}

// Client owns the one websocket connection this engine keeps open to
// its mixnet gateway. Reads are pumped by a background worker and
// dispatched to the callbacks supplied at construction; writes are
// serialised by writeMu since gorilla/websocket connections are not
// safe for concurrent writers.
type Client struct {
	worker.Worker

	log *logging.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	identityKey *ecdh.PrivateKey
	Bandwidth   *BandwidthCounter

	onMixnetMessage    func([]byte)
	onAck              func([]byte)
	onBandwidthReport  func(int64)
	onDisconnect       func(error)
	responseTimeout    time.Duration
}

// Config carries the construction-time dependencies for a Client.
type Config struct {
	IdentityKey       *ecdh.PrivateKey
	ResponseTimeout   time.Duration
	OnMixnetMessage   func([]byte)
	OnAck             func([]byte)
	OnBandwidthReport func(int64)
	OnDisconnect      func(error)
}

// Dial opens a websocket connection to url, performs the one-shot Noise
// handshake that authenticates this client's identity key to
// gatewayKey, and starts the background read pump. The handshake
// plaintext is the zero-length message; its sole purpose is to bind the
// connection to the client's static key the way block.Handler.Encrypt
// binds a block to its sender, not to carry application data.
func Dial(logBackend *log.Backend, url string, gatewayKey *ecdh.PublicKey, cfg *Config) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeX,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: cfg.IdentityKey.Bytes(),
			Public:  cfg.IdentityKey.PublicKey().Bytes(),
		},
		PeerStatic: gatewayKey.Bytes(),
	})
	authFrame, _, _ := hs.WriteMessage(nil, nil)
	if err := conn.WriteMessage(websocket.BinaryMessage, authFrame); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		log:               logBackend.GetLogger("gateway.Client"),
		conn:              conn,
		identityKey:       cfg.IdentityKey,
		Bandwidth:         NewBandwidthCounter(0),
		onMixnetMessage:   cfg.OnMixnetMessage,
		onAck:             cfg.OnAck,
		onBandwidthReport: cfg.OnBandwidthReport,
		onDisconnect:      cfg.OnDisconnect,
		responseTimeout:   cfg.ResponseTimeout,
	}
	if c.responseTimeout == 0 {
		c.responseTimeout = 10 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(c.responseTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.responseTimeout))
		return nil
	})
	c.Go(c.readPump)
	c.Go(c.pingLoop)
	return c, nil
}

// pingLoop keeps the connection's read deadline alive against an idle
// gateway, since a websocket connection with no application traffic
// would otherwise be indistinguishable from a dead one.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.responseTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendMixPacket writes a single mix packet frame.
func (c *Client) SendMixPacket(payload []byte) error {
	return c.send(FrameMixPacket, payload)
}

// SendBatchMixPacket writes a batch of mix packets in one frame, used by
// the Mix Traffic Controller when draining a backlog.
func (c *Client) SendBatchMixPacket(payload []byte) error {
	return c.send(FrameBatchMixPacket, payload)
}

// SendAck writes a SURB-ack reply frame.
func (c *Client) SendAck(payload []byte) error {
	return c.send(FrameAck, payload)
}

func (c *Client) send(kind FrameKind, payload []byte) error {
	env := envelope{Kind: kind, Payload: payload}
	raw, err := cbor.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return merrors.ErrGatewaySendFailure
	}
	return nil
}

// Close sends a Close frame and tears down the connection.
func (c *Client) Close() error {
	_ = c.send(FrameClose, nil)
	c.Halt()
	return c.conn.Close()
}

func (c *Client) readPump() {
	defer c.log.Debug("read pump halting")
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.onDisconnect != nil {
				c.onDisconnect(merrors.ErrGatewayDisconnected)
			}
			return
		}
		var env envelope
		if err := cbor.Unmarshal(raw, &env); err != nil {
			c.log.Warningf("malformed frame: %s", err)
			continue
		}
		switch env.Kind {
		case FrameMixnetMessage:
			if c.onMixnetMessage != nil {
				c.onMixnetMessage(env.Payload)
			}
		case FrameAck:
			if c.onAck != nil {
				c.onAck(env.Payload)
			}
		case FrameBandwidthReport:
			if len(env.Payload) == 8 {
				n := int64(0)
				for _, b := range env.Payload {
					n = n<<8 | int64(b)
				}
				c.Bandwidth.Replace(n)
				if c.onBandwidthReport != nil {
					c.onBandwidthReport(n)
				}
			}
		case FrameClose:
			if c.onDisconnect != nil {
				c.onDisconnect(merrors.ErrGatewayDisconnected)
			}
			return
		default:
			c.log.Warningf("unrecognised frame kind: %d", env.Kind)
		}
	}
}
