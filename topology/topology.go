// topology.go - immutable topology snapshots for route selection.
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

// Package topology holds the immutable, atomically-replaced view of the
// mix network that the Preparer consults to build routes, and the
// background task that keeps it fresh.
package topology

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/worker"
	"github.com/op/go-logging"

	"github.com/nymtech/mixnet-client-core/address"
)

// Snapshot is an immutable per-refresh view of the network: mixes
// partitioned by layer, gateways indexed both by lower-cased name and
// by their binary routing identity (the form a Recipient actually
// carries). Once constructed a Snapshot is never mutated; refreshing
// produces a new one.
type Snapshot struct {
	Layers       [][]*pki.MixDescriptor
	Gateways     map[string]*pki.MixDescriptor
	GatewaysByID map[[address.IDLength]byte]*pki.MixDescriptor
	FetchedAt    time.Time
}

// LayerMixes returns the mixes published for the given layer, or nil if
// the layer is empty or out of range.
func (s *Snapshot) LayerMixes(layer int) []*pki.MixDescriptor {
	if layer < 0 || layer >= len(s.Layers) {
		return nil
	}
	return s.Layers[layer]
}

// Gateway looks up a gateway descriptor by name, case-insensitively.
func (s *Snapshot) Gateway(name string) (*pki.MixDescriptor, bool) {
	d, ok := s.Gateways[strings.ToLower(name)]
	return d, ok
}

// GatewayByID looks up a gateway descriptor by its binary routing
// identity, the form carried by a Recipient's Gateway field. The key is
// the descriptor's PKI identity copied into the key's leading bytes
// (copy stops at the shorter of the two lengths; any bytes past the
// identity stay zero).
func (s *Snapshot) GatewayByID(id [address.IDLength]byte) (*pki.MixDescriptor, bool) {
	d, ok := s.GatewaysByID[id]
	return d, ok
}

// Sufficient reports whether the snapshot contains at least one mix per
// layer for the given number of layers and at least one gateway.
func (s *Snapshot) Sufficient(numLayers int) bool {
	if len(s.Gateways) == 0 {
		return false
	}
	if len(s.Layers) < numLayers {
		return false
	}
	for i := 0; i < numLayers; i++ {
		if len(s.Layers[i]) == 0 {
			return false
		}
	}
	return true
}

// Store holds the current Snapshot behind an atomic pointer so readers
// never observe a torn or partially-updated view; it is replaced wholesale
// on each refresh.
type Store struct {
	current atomic.Value // *Snapshot
}

// NewStore returns a Store with no snapshot loaded yet.
func NewStore() *Store {
	return &Store{}
}

// Load returns the current Snapshot, or nil if none has been published.
func (t *Store) Load() *Snapshot {
	v := t.current.Load()
	if v == nil {
		return nil
	}
	return v.(*Snapshot)
}

// Replace atomically installs a new Snapshot.
func (t *Store) Replace(s *Snapshot) {
	t.current.Store(s)
}

// Refresher periodically pulls the latest consensus map from a pki.Client,
// partitions it into layers and gateways, and republishes it as a
// Snapshot, honouring worker halt semantics the way the rest of the
// engine's background tasks do.
type Refresher struct {
	worker.Worker

	log         *logging.Logger
	pkiClient   pki.Client
	store       *Store
	numLayers   int
	refreshRate time.Duration
	onRefresh   func(*Snapshot)
}

// NewRefresher constructs a Refresher. onRefresh, if non-nil, is invoked
// after each successful refresh (used to purge expired SURBs and resume
// stalled pending acks).
func NewRefresher(logBackend *log.Backend, pkiClient pki.Client, store *Store, numLayers int, refreshRate time.Duration, onRefresh func(*Snapshot)) *Refresher {
	return &Refresher{
		log:         logBackend.GetLogger("topology.Refresher"),
		pkiClient:   pkiClient,
		store:       store,
		numLayers:   numLayers,
		refreshRate: refreshRate,
		onRefresh:   onRefresh,
	}
}

// Start launches the background refresh loop.
func (r *Refresher) Start() {
	r.refreshOnce()
	r.Go(r.worker)
}

func (r *Refresher) worker() {
	ticker := time.NewTicker(r.refreshRate)
	defer ticker.Stop()
	for {
		select {
		case <-r.HaltCh():
			r.log.Debug("halting")
			return
		case <-ticker.C:
			r.refreshOnce()
		}
	}
}

func (r *Refresher) refreshOnce() {
	consensusMap := r.pkiClient.GetLatestConsensusMap()
	if consensusMap == nil {
		r.log.Warning("topology refresh: empty consensus map")
		return
	}

	snap := &Snapshot{
		Layers:       make([][]*pki.MixDescriptor, r.numLayers),
		Gateways:     make(map[string]*pki.MixDescriptor),
		GatewaysByID: make(map[[address.IDLength]byte]*pki.MixDescriptor),
		FetchedAt:    time.Now(),
	}
	for _, desc := range *consensusMap {
		if desc.IsProvider {
			snap.Gateways[strings.ToLower(desc.Name)] = desc
			var gwID [address.IDLength]byte
			copy(gwID[:], desc.ID[:])
			snap.GatewaysByID[gwID] = desc
			continue
		}
		layer := int(desc.TopologyLayer)
		if layer < 0 || layer >= r.numLayers {
			continue
		}
		snap.Layers[layer] = append(snap.Layers[layer], desc)
	}

	r.store.Replace(snap)
	r.log.Debugf("topology refreshed: layers=%d gateways=%d", r.numLayers, len(snap.Gateways))
	if r.onRefresh != nil {
		r.onRefresh(snap)
	}
}
