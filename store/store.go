// store.go - opaque persisted key/value storage.
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

// Package store persists the traffic engine's durable state (the reply
// SURBs awaiting consumption) behind an opaque key/value Handle, so the
// core never needs to know its backing format.
package store

import (
	"errors"
	"time"

	"github.com/coreos/bbolt"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("store: key not found")

// Handle is the opaque persisted key/value surface the engine consumes.
// A single Handle is scoped to one logical collection (such as the SURB
// store); callers open one Handle per collection.
type Handle interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Remove(key []byte) error
	Enumerate() (map[string][]byte, error)
	Close() error
}

// boltHandle is the default Handle implementation, one bolt bucket per
// collection in a single shared database file.
type boltHandle struct {
	db     *bolt.DB
	bucket []byte
}

// Open returns a Handle backed by a bucket named bucket inside the bolt
// database at dbFile, creating both the file and the bucket if absent.
func Open(dbFile, bucket string, connectTimeout time.Duration) (Handle, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: connectTimeout})
	if err != nil {
		return nil, err
	}
	h := &boltHandle{db: db, bucket: []byte(bucket)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(h.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// Put writes value under key, overwriting any existing entry.
func (h *boltHandle) Put(key, value []byte) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(h.bucket).Put(key, value)
	})
}

// Get returns the value stored under key, or ErrNotFound.
func (h *boltHandle) Get(key []byte) ([]byte, error) {
	var out []byte
	err := h.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(h.bucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes the entry for key, if present. Removing an absent key
// is not an error.
func (h *boltHandle) Remove(key []byte) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(h.bucket).Delete(key)
	})
}

// Enumerate returns every key/value pair currently held, keyed by the
// string form of the bolt key. The supervisor does not use it: it
// reloads the SURB snapshot with Get.
func (h *boltHandle) Enumerate() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(h.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			out[string(k)] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying database file lock.
func (h *boltHandle) Close() error {
	return h.db.Close()
}
