// map.go - the pending-ack map and its single-writer Action Controller.
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

package ack

import (
	"sync"

	"github.com/nymtech/mixnet-client-core/fragment"
)

// Map is the pending-ack map: multi-reader/single-writer, shared between
// the Input Listener (inserts), the Ack Listener (removes), and the
// Retransmission Timer (updates). All mutation flows through this type's
// methods, which is what makes it the system's single-writer Action
// Controller rather than a call to any one goroutine in particular: every
// mutation takes the same write lock, so insertions, removals, and
// updates never interleave unsafely.
type Map struct {
	mu      sync.RWMutex
	entries map[[fragment.IDLength]byte]*PendingAck
}

// NewMap returns an empty pending-ack map.
func NewMap() *Map {
	return &Map{entries: make(map[[fragment.IDLength]byte]*PendingAck)}
}

// Insert records a newly-armed PendingAck.
func (m *Map) Insert(p *PendingAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.Key()] = p
}

// Remove deletes and returns the PendingAck for id, if present.
func (m *Map) Remove(id fragment.ID) (*PendingAck, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.Bytes()
	p, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	return p, ok
}

// Get returns the PendingAck for id without removing it.
func (m *Map) Get(id fragment.ID) (*PendingAck, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[id.Bytes()]
	return p, ok
}

// Update replaces the record for an existing key, used by the
// Retransmission Timer to install a fresh deadline and route after
// re-enqueuing a fragment.
func (m *Map) Update(p *PendingAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.Key()] = p
}

// MarkStalled transitions a PendingAck to the stalled state, used when
// the topology becomes insufficient to draw a fresh retransmission
// route. Stalled entries carry no timer and resume when Controller.Resume
// is invoked after the next topology refresh.
func (m *Map) MarkStalled(id fragment.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.entries[id.Bytes()]; ok {
		p.State = Stalled
	}
}

// Stalled returns every currently stalled PendingAck.
func (m *Map) Stalled() []*PendingAck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PendingAck, 0)
	for _, p := range m.entries {
		if p.State == Stalled {
			out = append(out, p)
		}
	}
	return out
}

// Len reports the number of outstanding entries.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
