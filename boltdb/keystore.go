// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package boltdb implements the shard assigner on top of bbolt. Distinct
// keys are kept in a B+tree, which keeps them in byte-wise order on disk
// however many there are, so ranking the whole key space is one cursor walk.
package boltdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/molecula/keyshard/errors"
)

var (
	// ErrKeyStoreClosed is returned by operations on a closed store.
	ErrKeyStoreClosed = errors.New(errors.ErrUncoded, "boltdb: key store closed")

	// ErrAlreadyAssigned is returned when keys are added after shard ids
	// were assigned, which would invalidate the ranking.
	ErrAlreadyAssigned = errors.New(errors.ErrInvalidConfig, "boltdb: shard ids already assigned")

	bucketKeys   = []byte("keys")   // key -> record count
	bucketIDs    = []byte("ids")    // key -> shard id
	bucketShards = []byte("shards") // shard id -> key
	bucketMeta   = []byte("meta")

	assignedKey = []byte("assigned")
)

const (
	// DefaultAssignBatch bounds the number of keys ranked per write
	// transaction, so the dirty page set stays small.
	DefaultAssignBatch = 50000

	errFmtBucketNotFound = "boltdb: bucket '%s' not found"
)

// KeyStore is an on-disk store of the distinct keys of a run with their
// record counts and, once assigned, their shard ids.
type KeyStore struct {
	mu sync.RWMutex
	db *bolt.DB

	fsyncEnabled bool
	assigned     bool

	// AssignBatch is the number of keys ranked per transaction.
	AssignBatch int

	// File path to database file.
	Path string
}

// OpenKeyStore opens and initializes a key store at path.
func OpenKeyStore(path string, fsyncEnabled bool) (*KeyStore, error) {
	s := NewKeyStore(path, fsyncEnabled)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewKeyStore returns a new, unopened KeyStore.
func NewKeyStore(path string, fsyncEnabled bool) *KeyStore {
	return &KeyStore{
		Path:         path,
		fsyncEnabled: fsyncEnabled,
		AssignBatch:  DefaultAssignBatch,
	}
}

// Open opens the store file, creating it if needed.
func (s *KeyStore) Open() (err error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0750); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(s.Path))
	} else if s.db, err = bolt.Open(s.Path, 0600, &bolt.Options{Timeout: 1 * time.Second, NoSync: !s.fsyncEnabled}); err != nil {
		return errors.Wrapf(err, "open file: %s", s.Path)
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKeys, bucketIDs, bucketShards, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		s.assigned = tx.Bucket(bucketMeta).Get(assignedKey) != nil
		return nil
	}); err != nil {
		s.db.Close()
		s.db = nil
		return errors.Wrap(err, "initializing buckets")
	}
	return nil
}

// Close closes the underlying database.
func (s *KeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// AddKeyCounts merges counts into the store. Counts for keys already
// present are added to.
func (s *KeyStore) AddKeyCounts(counts map[string]uint64) error {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		if k == "" {
			return errors.New(errors.ErrRecordRejected, "boltdb: empty key")
		}
		keys = append(keys, k)
	}
	// bbolt inserts are fastest in key order.
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrKeyStoreClosed
	}
	if s.assigned {
		return ErrAlreadyAssigned
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketKeys)
		for _, k := range keys {
			n := counts[k]
			if v := bkt.Get([]byte(k)); v != nil {
				n += btou64(v)
			}
			if err := bkt.Put([]byte(k), u64tob(n)); err != nil {
				return errors.Wrapf(err, "putting key %q", k)
			}
		}
		return nil
	})
}

// AssignShardIDs gives every key its zero-based rank in byte-wise key
// order as its shard id and returns the number of keys. Calling it again
// is a no-op.
func (s *KeyStore) AssignShardIDs() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrKeyStoreClosed
	}
	if s.assigned {
		return s.len()
	}

	batch := s.AssignBatch
	if batch <= 0 {
		batch = DefaultAssignBatch
	}
	var (
		next uint64
		last []byte
		done bool
	)
	for !done {
		err := s.db.Update(func(tx *bolt.Tx) error {
			ids, shards := tx.Bucket(bucketIDs), tx.Bucket(bucketShards)
			cur := tx.Bucket(bucketKeys).Cursor()

			var k []byte
			if last == nil {
				k, _ = cur.First()
			} else if k, _ = cur.Seek(last); k != nil && string(k) == string(last) {
				k, _ = cur.Next()
			}
			for n := 0; n < batch; n++ {
				if k == nil {
					done = true
					return tx.Bucket(bucketMeta).Put(assignedKey, u64tob(next))
				}
				// Cursor keys point into the mmap; copy before writing
				// to other buckets.
				key := append([]byte(nil), k...)
				id := u64tob(next)
				if err := ids.Put(key, id); err != nil {
					return err
				} else if err := shards.Put(id, key); err != nil {
					return err
				}
				last = key
				next++
				k, _ = cur.Next()
			}
			return nil
		})
		if err != nil {
			return 0, errors.Wrapf(err, "assigning shard ids after %d keys", next)
		}
	}
	s.assigned = true
	return next, nil
}

// Assigned reports whether shard ids have been assigned.
func (s *KeyStore) Assigned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assigned
}

// ShardID returns the shard id of key. Safe for concurrent use.
func (s *KeyStore) ShardID(key string) (uint64, error) {
	return s.get(bucketIDs, []byte(key), key)
}

// KeyCount returns the number of records added for key.
func (s *KeyStore) KeyCount(key string) (uint64, error) {
	return s.get(bucketKeys, []byte(key), key)
}

func (s *KeyStore) get(bucket, k []byte, key string) (v uint64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrKeyStoreClosed
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return errors.Errorf(errFmtBucketNotFound, bucket)
		}
		b := bkt.Get(k)
		if b == nil {
			return errors.Newf(errors.ErrKeyNotFound, "boltdb: key %q not found in %s", key, bucket)
		}
		v = btou64(b)
		return nil
	})
	return v, err
}

// KeyByShardID returns the key which was assigned id.
func (s *KeyStore) KeyByShardID(id uint64) (key string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrKeyStoreClosed
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShards).Get(u64tob(id))
		if b == nil {
			return errors.Newf(errors.ErrKeyNotFound, "boltdb: no key has shard id %d", id)
		}
		key = string(b)
		return nil
	})
	return key, err
}

// Len returns the number of distinct keys.
func (s *KeyStore) Len() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrKeyStoreClosed
	}
	return s.len()
}

func (s *KeyStore) len() (n uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(bucketKeys).Stats().KeyN)
		return nil
	})
	return n, err
}

// Entry is one key of the store.
type Entry struct {
	Key     string
	Count   uint64
	ShardID uint64 // only meaningful once assigned
}

// ForEach calls fn for every key in key order, which is shard id order
// once ids are assigned. fn must not call back into the store.
func (s *KeyStore) ForEach(fn func(Entry) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrKeyStoreClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		return tx.Bucket(bucketKeys).ForEach(func(k, v []byte) error {
			e := Entry{Key: string(k), Count: btou64(v)}
			if s.assigned {
				id := ids.Get(k)
				if id == nil {
					return errors.Errorf("boltdb: key %q has no shard id", k)
				}
				e.ShardID = btou64(id)
			}
			return fn(e)
		})
	})
}

// u64tob encodes v to big endian encoding.
func u64tob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// btou64 decodes b from big endian encoding.
func btou64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
