// surb.go - single-use reply blocks and their bounded store.
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

// Package surb implements reply SURBs: single-use return paths a sender
// attaches to a message so its recipient can respond without learning
// the sender's address, and the bounded, time-horizon store that holds
// them until consumed or expired.
package surb

import (
	"sync"
	"time"

	"github.com/nymtech/mixnet-client-core/ack"
	"github.com/nymtech/mixnet-client-core/constants"
)

// ReplySURB is a single-use return path: the first hop to inject the
// reply packet at, the opaque header describing the remaining route,
// the key an eventual SURB-ack should be sealed with, and the round
// trip the original route was expected to take.
type ReplySURB struct {
	FirstHop    [constants.FragmentIDLength]byte
	Header      []byte
	Key         ack.Key
	ExpectedRTT time.Duration
	ExpiresAt   time.Time
}

// Expired reports whether the SURB has outlived the topology
// assumptions it was built under.
func (r *ReplySURB) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store is a bounded ring of outstanding ReplySURBs. It is shared
// between the supervisor, which puts the SURBs the Preparer mints and
// those peers send, and whatever reply path consumes entries; both
// sides serialise through the same lock.
type Store struct {
	mu        sync.Mutex
	entries   []*ReplySURB
	maxSize   int
	threshold int
}

// NewStore returns an empty Store bounded to maxSize entries. threshold
// is the low-water mark at which Low reports true, signalling that more
// SURBs should be minted.
func NewStore(maxSize, threshold int) *Store {
	if maxSize <= 0 {
		maxSize = constants.DefaultMaximumReplySURBStorage
	}
	if threshold <= 0 {
		threshold = constants.DefaultMinimumReplySURBThreshold
	}
	return &Store{
		entries:   make([]*ReplySURB, 0, maxSize),
		maxSize:   maxSize,
		threshold: threshold,
	}
}

// Put appends a freshly minted ReplySURB, dropping the oldest entry if
// the store is already at capacity.
func (s *Store) Put(r *ReplySURB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.maxSize {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, r)
}

// Take removes and returns the oldest unexpired ReplySURB, or nil if
// none is available. Expired entries ahead of it are discarded.
func (s *Store) Take() *ReplySURB {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for len(s.entries) > 0 {
		r := s.entries[0]
		s.entries = s.entries[1:]
		if !r.Expired(now) {
			return r
		}
	}
	return nil
}

// Snapshot returns a copy of every SURB currently held, oldest first,
// without removing them. Used by the supervisor to persist the store
// across restarts.
func (s *Store) Snapshot() []*ReplySURB {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ReplySURB, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len reports the number of SURBs currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Low reports whether the store has fallen to or below its configured
// replenishment threshold.
func (s *Store) Low() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) <= s.threshold
}

// PurgeExpired discards every SURB whose validity window has elapsed,
// since a SURB must not outlive the topology assumptions its route was
// selected under. Intended to be invoked as the onRefresh callback of a
// topology.Refresher.
func (s *Store) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	purged := 0
	for _, r := range s.entries {
		if r.Expired(now) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.entries = kept
	return purged
}
