// listener_test.go - input listener tests
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

package listener

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/nymtech/mixnet-client-core/errors"
)

func testLogBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func TestSubmitDispatchesToHandler(t *testing.T) {
	received := make(chan Message, 1)
	l := New(testLogBackend(t), 4, func(m Message) error {
		received <- m
		return nil
	})
	defer l.Halt()

	reply, err := l.Submit("conn-a", []byte("hello"), nil, false)
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "conn-a", msg.ConnID)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("message never dispatched")
	}

	select {
	case replyErr := <-reply:
		assert.NoError(t, replyErr)
	case <-time.After(time.Second):
		t.Fatal("reply channel never received a result")
	}
}

func TestSubmitSurfacesHandlerErrorOnReplyChannel(t *testing.T) {
	wantErr := errors.New("topology insufficient")
	l := New(testLogBackend(t), 4, func(m Message) error {
		return wantErr
	})
	defer l.Halt()

	reply, err := l.Submit("conn-a", []byte("hello"), nil, true)
	require.NoError(t, err)

	select {
	case replyErr := <-reply:
		assert.Equal(t, wantErr, replyErr)
	case <-time.After(time.Second):
		t.Fatal("reply channel never received the handler's error")
	}
}

func TestSubmitReturnsUnavailableWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	l := New(testLogBackend(t), 1, func(m Message) error {
		close(started)
		<-block
		return nil
	})
	defer func() {
		close(block)
		l.Halt()
	}()

	// The first submission is picked up by the worker immediately,
	// blocking it on <-block; the second fills the one-slot queue; the
	// third has nowhere to go.
	_, err := l.Submit("conn-a", []byte("one"), nil, false)
	require.NoError(t, err)
	<-started
	_, err = l.Submit("conn-a", []byte("two"), nil, false)
	require.NoError(t, err)

	_, err = l.Submit("conn-a", []byte("three"), nil, false)
	assert.Equal(t, merrors.ErrTemporarilyUnavailable, err)
}

func TestDistinctConnectionsDoNotShareBackpressure(t *testing.T) {
	block := make(chan struct{})
	started := make(chan string, 2)
	l := New(testLogBackend(t), 1, func(m Message) error {
		started <- m.ConnID
		<-block
		return nil
	})
	defer func() {
		close(block)
		l.Halt()
	}()

	_, err := l.Submit("conn-a", []byte("a1"), nil, false)
	require.NoError(t, err)
	_, err = l.Submit("conn-b", []byte("b1"), nil, false)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("not all connections made progress independently")
		}
	}
	assert.True(t, seen["conn-a"])
	assert.True(t, seen["conn-b"])
}

func TestQueueDepthReportsBacklog(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	l := New(testLogBackend(t), 4, func(m Message) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	})
	defer func() {
		close(block)
		l.Halt()
	}()

	_, err := l.Submit("conn-a", []byte("one"), nil, false)
	require.NoError(t, err)
	<-started
	_, err = l.Submit("conn-a", []byte("two"), nil, false)
	require.NoError(t, err)
	_, err = l.Submit("conn-a", []byte("three"), nil, false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return l.QueueDepth("conn-a") == 2
	}, time.Second, time.Millisecond)
}

func TestSubmitAfterHaltIsUnavailable(t *testing.T) {
	l := New(testLogBackend(t), 4, func(m Message) error { return nil })
	l.Halt()

	_, err := l.Submit("conn-a", []byte("too late"), nil, false)
	assert.Equal(t, merrors.ErrTemporarilyUnavailable, err)
}
