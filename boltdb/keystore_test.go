// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package boltdb_test

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/molecula/keyshard/boltdb"
	"github.com/molecula/keyshard/errors"
)

func TestKeyStore_AssignShardIDs(t *testing.T) {
	s := MustOpenKeyStore(t)

	// Keys arrive from different partitions in no particular order.
	if err := s.AddKeyCounts(map[string]uint64{"c": 1, "a": 2}); err != nil {
		t.Fatal(err)
	} else if err := s.AddKeyCounts(map[string]uint64{"b": 2}); err != nil {
		t.Fatal(err)
	}

	if n, err := s.AssignShardIDs(); err != nil {
		t.Fatal(err)
	} else if n != 3 {
		t.Fatalf("AssignShardIDs()=%d, want 3", n)
	}

	for key, want := range map[string]uint64{"a": 0, "b": 1, "c": 2} {
		if id, err := s.ShardID(key); err != nil {
			t.Fatal(err)
		} else if id != want {
			t.Fatalf("ShardID(%q)=%d, want %d", key, id, want)
		}
		if key2, err := s.KeyByShardID(want); err != nil {
			t.Fatal(err)
		} else if key2 != key {
			t.Fatalf("KeyByShardID(%d)=%q, want %q", want, key2, key)
		}
	}
	if n, err := s.KeyCount("a"); err != nil || n != 2 {
		t.Fatalf("KeyCount(a)=%d, %v", n, err)
	}

	// Ensure unknown keys are reported as such.
	if _, err := s.ShardID("zzz"); !errors.Is(err, errors.ErrKeyNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Ensure the ranking can't be invalidated.
	if err := s.AddKeyCounts(map[string]uint64{"d": 1}); err != boltdb.ErrAlreadyAssigned {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if n, err := s.AssignShardIDs(); err != nil || n != 3 {
		t.Fatalf("second AssignShardIDs()=%d, %v", n, err)
	}
}

func TestKeyStore_MergeCounts(t *testing.T) {
	s := MustOpenKeyStore(t)
	for i := 0; i < 3; i++ {
		if err := s.AddKeyCounts(map[string]uint64{"x": 2}); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := s.KeyCount("x"); err != nil || n != 6 {
		t.Fatalf("KeyCount(x)=%d, %v", n, err)
	}
	if err := s.AddKeyCounts(map[string]uint64{"": 1}); !errors.Is(err, errors.ErrRecordRejected) {
		t.Fatalf("expected empty key to be rejected, got %v", err)
	}
}

// Ensure ranks are dense and lexical across many transactions.
func TestKeyStore_AssignBatches(t *testing.T) {
	s := MustOpenKeyStore(t)
	s.AssignBatch = 7

	var keys []string
	counts := make(map[string]uint64)
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%d", i) // k10 sorts before k2
		keys = append(keys, k)
		counts[k] = uint64(i + 1)
	}
	sort.Strings(keys)
	if err := s.AddKeyCounts(counts); err != nil {
		t.Fatal(err)
	}
	if n, err := s.AssignShardIDs(); err != nil {
		t.Fatal(err)
	} else if n != 100 {
		t.Fatalf("AssignShardIDs()=%d, want 100", n)
	}

	var i uint64
	if err := s.ForEach(func(e boltdb.Entry) error {
		if e.Key != keys[i] || e.ShardID != i || e.Count != counts[e.Key] {
			return fmt.Errorf("entry %d: %+v", i, e)
		}
		i++
		return nil
	}); err != nil {
		t.Fatal(err)
	} else if i != 100 {
		t.Fatalf("ForEach visited %d keys", i)
	}
}

// Ensure assignment survives reopening the store.
func TestKeyStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.bolt")
	s, err := boltdb.OpenKeyStore(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddKeyCounts(map[string]uint64{"b": 1, "a": 1}); err != nil {
		t.Fatal(err)
	} else if _, err := s.AssignShardIDs(); err != nil {
		t.Fatal(err)
	} else if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = boltdb.OpenKeyStore(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if !s.Assigned() {
		t.Fatal("expected store to be assigned after reopen")
	}
	if id, err := s.ShardID("b"); err != nil || id != 1 {
		t.Fatalf("ShardID(b)=%d, %v", id, err)
	}
	if n, err := s.Len(); err != nil || n != 2 {
		t.Fatalf("Len()=%d, %v", n, err)
	}

	s.Close()
	if _, err := s.ShardID("b"); err != boltdb.ErrKeyStoreClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}

// MustOpenKeyStore returns a new, opened key store in a temporary
// directory, closed when the test ends.
func MustOpenKeyStore(tb testing.TB) *boltdb.KeyStore {
	tb.Helper()
	s, err := boltdb.OpenKeyStore(filepath.Join(tb.TempDir(), "keys.bolt"), false)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Fatal(err)
		}
	})
	return s
}
