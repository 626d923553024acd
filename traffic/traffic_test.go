// traffic_test.go - traffic stream tests
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

package traffic

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/mixnet-client-core/ack"
	"github.com/nymtech/mixnet-client-core/preparer"
	"github.com/nymtech/mixnet-client-core/sphinxpkt"
)

func newTestPreparer(t *testing.T) *preparer.Preparer {
	key, err := ack.NewKey()
	require.NoError(t, err)
	identityKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return preparer.New(key, identityKey, 3, 65536, time.Millisecond, time.Millisecond, time.Second)
}

func testLogBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

type recordingSender struct {
	mu      sync.Mutex
	sent    [][]byte
	batches [][][]byte
	failN   int
	failErr error
}

func (r *recordingSender) SendMixPacket(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return r.failErr
	}
	r.sent = append(r.sent, payload)
	return nil
}

func (r *recordingSender) SendBatchMixPacket(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return r.failErr
	}
	var payloads [][]byte
	if err := cbor.Unmarshal(payload, &payloads); err != nil {
		return err
	}
	r.batches = append(r.batches, payloads)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingSender) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestMixTrafficControllerResetsOnSuccess(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)

	require.NoError(t, ctrl.Send(&sphinxpkt.MixPacket{Payload: []byte("a")}))
	assert.Equal(t, uint32(0), ctrl.ConsecutiveFailures())
}

func TestMixTrafficControllerSignalsReconnectAfterThreshold(t *testing.T) {
	sender := &recordingSender{failN: 100, failErr: errors.New("gateway down")}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)

	for i := 0; i < 100; i++ {
		err := ctrl.Send(&sphinxpkt.MixPacket{Payload: []byte("a")})
		require.Error(t, err)
	}

	select {
	case <-ctrl.ReconnectCh:
	default:
		t.Fatal("reconnect signal never fired after threshold consecutive failures")
	}
	assert.Equal(t, uint32(0), ctrl.ConsecutiveFailures())
}

func TestMixTrafficControllerReconnectSwapsSenderAndResetsFailures(t *testing.T) {
	bad := &recordingSender{failN: 1000, failErr: errors.New("gateway down")}
	ctrl := NewMixTrafficController(testLogBackend(t), bad)
	require.Error(t, ctrl.Send(&sphinxpkt.MixPacket{Payload: []byte("a")}))
	assert.Equal(t, uint32(1), ctrl.ConsecutiveFailures())

	good := &recordingSender{}
	ctrl.Reconnect(good)
	assert.Equal(t, uint32(0), ctrl.ConsecutiveFailures())

	require.NoError(t, ctrl.Send(&sphinxpkt.MixPacket{Payload: []byte("b")}))
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 0, bad.count())
}

func TestRealTrafficStreamDrainsInRoundRobinOrder(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)
	stream := NewRealTrafficStream(testLogBackend(t), time.Millisecond, ctrl, nil)

	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("a1")})
	stream.Enqueue("conn-b", &sphinxpkt.MixPacket{Payload: []byte("b1")})
	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("a2")})

	first := stream.next()
	second := stream.next()
	third := stream.next()
	fourth := stream.next()

	assert.Equal(t, []byte("a1"), first.Payload)
	assert.Equal(t, []byte("b1"), second.Payload)
	assert.Equal(t, []byte("a2"), third.Payload)
	assert.Nil(t, fourth)
}

func TestRealTrafficStreamUsesCoverFallbackWhenEmpty(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)

	fallbackCalled := make(chan struct{}, 1)
	fallback := func() (*sphinxpkt.MixPacket, error) {
		select {
		case fallbackCalled <- struct{}{}:
		default:
		}
		return &sphinxpkt.MixPacket{Payload: []byte("cover")}, nil
	}
	stream := NewRealTrafficStream(testLogBackend(t), time.Millisecond, ctrl, fallback)
	stream.Start()
	defer stream.Halt()

	select {
	case <-fallbackCalled:
	case <-time.After(time.Second):
		t.Fatal("cover fallback never invoked for an empty real traffic queue")
	}

	assert.Eventually(t, func() bool {
		return sender.count() > 0
	}, time.Second, time.Millisecond)
}

func TestRealTrafficStreamSendsEnqueuedPacket(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)
	stream := NewRealTrafficStream(testLogBackend(t), time.Millisecond, ctrl, nil)
	stream.Start()
	defer stream.Halt()

	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("payload")})

	assert.Eventually(t, func() bool {
		return sender.count() > 0
	}, time.Second, time.Millisecond)
}

func TestLoopCoverTrafficStreamEmitsPackets(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)
	p := newTestPreparer(t)

	stream := NewLoopCoverTrafficStream(testLogBackend(t), time.Millisecond, p, ctrl)
	stream.Start()
	defer stream.Halt()

	assert.Eventually(t, func() bool {
		return sender.count() > 0
	}, time.Second, time.Millisecond)
}

func TestMixTrafficControllerSendBatchEncodesPayloads(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)

	pkts := []*sphinxpkt.MixPacket{
		{Payload: []byte("a1")},
		{Payload: []byte("a2")},
	}
	require.NoError(t, ctrl.SendBatch(pkts))
	require.Equal(t, 1, sender.batchCount())
	assert.Equal(t, [][]byte{[]byte("a1"), []byte("a2")}, sender.batches[0])
}

func TestMixTrafficControllerSendBatchSignalsReconnectAfterThreshold(t *testing.T) {
	sender := &recordingSender{failN: 100, failErr: errors.New("gateway down")}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)

	for i := 0; i < 100; i++ {
		err := ctrl.SendBatch([]*sphinxpkt.MixPacket{{Payload: []byte("a")}})
		require.Error(t, err)
	}

	select {
	case <-ctrl.ReconnectCh:
	default:
		t.Fatal("reconnect signal never fired after threshold consecutive batch failures")
	}
}

func TestRealTrafficStreamDrainReadyCollectsUpToMax(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)
	stream := NewRealTrafficStream(testLogBackend(t), time.Hour, ctrl, nil)

	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("a1")})
	stream.Enqueue("conn-b", &sphinxpkt.MixPacket{Payload: []byte("b1")})
	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("a2")})
	assert.Equal(t, 3, stream.ReadyCount())

	batch := stream.drainReady(2)
	require.Len(t, batch, 2)
	assert.Equal(t, []byte("a1"), batch[0].Payload)
	assert.Equal(t, []byte("b1"), batch[1].Payload)
	assert.Equal(t, 1, stream.ReadyCount())

	rest := stream.drainReady(10)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("a2"), rest[0].Payload)
}

func TestRealTrafficStreamSendWorkerBatchesWhenMultiplePacketsReady(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)
	stream := NewRealTrafficStream(testLogBackend(t), time.Millisecond, ctrl, nil)
	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("a1")})
	stream.Enqueue("conn-b", &sphinxpkt.MixPacket{Payload: []byte("b1")})
	stream.Start()
	defer stream.Halt()

	assert.Eventually(t, func() bool {
		return sender.batchCount() > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, sender.count())
}

func TestBacklogReportsQueueDepth(t *testing.T) {
	sender := &recordingSender{}
	ctrl := NewMixTrafficController(testLogBackend(t), sender)
	stream := NewRealTrafficStream(testLogBackend(t), time.Hour, ctrl, nil)

	assert.Equal(t, 0, stream.Backlog("conn-a"))
	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("a1")})
	stream.Enqueue("conn-a", &sphinxpkt.MixPacket{Payload: []byte("a2")})
	assert.Equal(t, 2, stream.Backlog("conn-a"))
}
