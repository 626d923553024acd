// gateway_test.go - gateway transport tests
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

package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func testLogBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

// fakeGateway upgrades one connection, reads the one-shot auth frame,
// and hands the connection to the test, which writes whatever envelopes
// it needs.
func fakeGateway(t *testing.T, conns chan *websocket.Conn) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, err = conn.ReadMessage() // auth frame
		require.NoError(t, err)
		conns <- conn
	}))
}

func dialTestClient(t *testing.T, wsURL string, cfg *Config) *Client {
	identityKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	gatewayKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.IdentityKey = identityKey
	client, err := Dial(testLogBackend(t), wsURL, gatewayKey.PublicKey(), cfg)
	require.NoError(t, err)
	return client
}

func TestDialCompletesAuthHandshake(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	server := fakeGateway(t, conns)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := dialTestClient(t, wsURL, nil)
	defer client.Close()

	select {
	case <-conns:
	case <-time.After(time.Second):
		t.Fatal("gateway never received the auth frame")
	}
}

func TestOnMixnetMessageDispatched(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	server := fakeGateway(t, conns)
	defer server.Close()

	received := make(chan []byte, 1)
	cfg := &Config{OnMixnetMessage: func(p []byte) { received <- p }}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := dialTestClient(t, wsURL, cfg)
	defer client.Close()

	conn := <-conns
	env := envelope{Kind: FrameMixnetMessage, Payload: []byte("hello")}
	raw, err := cbor.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, raw))

	select {
	case payload := <-received:
		require.Equal(t, []byte("hello"), payload)
	case <-time.After(time.Second):
		t.Fatal("mixnet message never dispatched")
	}
}

func TestBandwidthReportReplacesCounter(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	server := fakeGateway(t, conns)
	defer server.Close()

	reported := make(chan int64, 1)
	cfg := &Config{OnBandwidthReport: func(n int64) { reported <- n }}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := dialTestClient(t, wsURL, cfg)
	defer client.Close()

	conn := <-conns
	payload := []byte{0, 0, 0, 0, 0, 0, 0x04, 0x00} // 1024
	raw, err := cbor.Marshal(envelope{Kind: FrameBandwidthReport, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, raw))

	select {
	case n := <-reported:
		require.Equal(t, int64(1024), n)
		require.Equal(t, int64(1024), client.Bandwidth.Remaining())
	case <-time.After(time.Second):
		t.Fatal("bandwidth report never dispatched")
	}
}

func TestBandwidthCounterSpendRejectsOverdraft(t *testing.T) {
	b := NewBandwidthCounter(10)
	require.NoError(t, b.Spend(5))
	require.Equal(t, int64(5), b.Remaining())
	err := b.Spend(6)
	require.Error(t, err)
	require.Equal(t, int64(5), b.Remaining())
}

func TestSendMixPacketWritesEnvelope(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	server := fakeGateway(t, conns)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := dialTestClient(t, wsURL, nil)
	defer client.Close()

	conn := <-conns
	require.NoError(t, client.SendMixPacket([]byte("packet-bytes")))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, cbor.Unmarshal(raw, &env))
	require.Equal(t, FrameMixPacket, env.Kind)
	require.Equal(t, []byte("packet-bytes"), env.Payload)
}
