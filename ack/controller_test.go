package ack

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/mixnet-client-core/fragment"
)

func testLogBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func TestAckRemovesPendingAck(t *testing.T) {
	backend := testLogBackend(t)
	key, err := NewKey()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	retransmitCalls := 0
	ctrl := New(backend, clock, 1.5, time.Minute, func(p *PendingAck) (time.Duration, error) {
		retransmitCalls++
		return time.Second, nil
	})
	ctrl.Start()

	id := fragment.ID{Total: 1, Index: 0}
	p := &PendingAck{ID: id, Deadline: clock.Now().Add(time.Hour)}
	ctrl.Arm(p)
	assert.Equal(t, 1, ctrl.Map.Len())

	acks := make(chan []byte, 1)
	listener := NewListener(backend, key, ctrl.Map, ctrl.Timer, acks)
	listener.Start()

	sealed, err := Seal(key, id)
	require.NoError(t, err)
	acks <- sealed

	assert.Eventually(t, func() bool {
		return ctrl.Map.Len() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, retransmitCalls)
}

func TestCoverAckIgnored(t *testing.T) {
	backend := testLogBackend(t)
	key, err := NewKey()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	ctrl := New(backend, clock, 1.5, time.Minute, func(p *PendingAck) (time.Duration, error) {
		return time.Second, nil
	})
	ctrl.Start()

	id := fragment.ID{Total: 1, Index: 0}
	p := &PendingAck{ID: id, Deadline: clock.Now().Add(time.Hour)}
	ctrl.Arm(p)

	coverID := fragment.IDFromBytes(coverFragmentIDBytes())
	sealed, err := Seal(key, coverID)
	require.NoError(t, err)

	acks := make(chan []byte, 1)
	listener := NewListener(backend, key, ctrl.Map, ctrl.Timer, acks)
	listener.Start()
	acks <- sealed

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ctrl.Map.Len())
}

func TestRetransmitOnDeadline(t *testing.T) {
	backend := testLogBackend(t)

	clock := clockwork.NewFakeClock()
	retransmitted := make(chan fragment.ID, 1)
	ctrl := New(backend, clock, 1.0, 0, func(p *PendingAck) (time.Duration, error) {
		retransmitted <- p.ID
		return time.Second, nil
	})
	ctrl.Start()

	id := fragment.ID{Total: 1, Index: 0}
	p := &PendingAck{ID: id, Deadline: clock.Now().Add(time.Second)}
	ctrl.Arm(p)

	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	select {
	case got := <-retransmitted:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("retransmission never fired")
	}
}

func coverFragmentIDBytes() [fragment.IDLength]byte {
	var b [fragment.IDLength]byte
	for i := range b {
		b[i] = 0xff
	}
	return b
}
