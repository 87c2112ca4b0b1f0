// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package index builds, reads and verifies the lookup index: a CSV file
// with one row per key giving its row count, shard id and shard path.
package index

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
)

// Header is the first row of every index file.
var Header = []string{"key", "row_count", "shard_id", "shard_path"}

// Index is a lookup index held in memory, ordered by shard id. Since shard
// ids are ranks in key order, it is ordered by key as well.
type Index struct {
	entries []keyshard.ShardSummary
}

// Build checks summaries and returns them as an Index. Every key and every
// shard id may appear only once.
func Build(summaries []keyshard.ShardSummary) (*Index, error) {
	entries := make([]keyshard.ShardSummary, len(summaries))
	copy(entries, summaries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ShardID < entries[j].ShardID })

	keys := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			return nil, errors.Newf(errors.ErrIndexWriteFailed, "shard %d has an empty key", e.ShardID)
		}
		if _, ok := keys[e.Key]; ok {
			return nil, errors.Newf(errors.ErrIndexWriteFailed, "duplicate key %q", e.Key)
		}
		keys[e.Key] = struct{}{}
		if i > 0 && entries[i-1].ShardID == e.ShardID {
			return nil, errors.Newf(errors.ErrIndexWriteFailed, "shard id %d used by %q and %q", e.ShardID, entries[i-1].Key, e.Key)
		}
	}
	return &Index{entries: entries}, nil
}

// Write builds the index of summaries and writes it to path.
func Write(path string, summaries []keyshard.ShardSummary) (*Index, error) {
	idx, err := Build(summaries)
	if err != nil {
		return nil, err
	}
	return idx, idx.WriteFile(path)
}

// WriteFile writes idx to path. The file is written under a temporary name
// and renamed into place, so readers see either the old index or the
// complete new one.
func (idx *Index) WriteFile(path string) (err error) {
	defer func() {
		err = errors.WithCode(err, errors.ErrIndexWriteFailed, "writing index "+path)
	}()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "creating index directory")
		}
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if err := idx.WriteTo(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "syncing")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing")
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return errors.Wrap(err, "chmod")
	}
	return errors.Wrap(os.Rename(tmp, path), "renaming into place")
}

// WriteTo writes idx as CSV to w.
func (idx *Index) WriteTo(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return errors.Wrap(err, "writing header")
	}
	for _, e := range idx.entries {
		row := []string{
			e.Key,
			strconv.FormatUint(e.RowCount, 10),
			strconv.FormatUint(e.ShardID, 10),
			e.ShardPath,
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "writing key %q", e.Key)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing")
}

// Read loads the index at path. An index which doesn't have the expected
// header, has malformed rows or isn't ordered by key and shard id is
// reported with code ErrIndexCorrupt.
func Read(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening index")
	}
	defer f.Close()
	idx, err := ReadFrom(f)
	return idx, errors.Wrapf(err, "reading %s", path)
}

// ReadFrom reads an index written by WriteTo.
func ReadFrom(r io.Reader) (*Index, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New(errors.ErrIndexCorrupt, "empty index")
	} else if err != nil {
		return nil, errors.WithCode(err, errors.ErrIndexCorrupt, "reading header")
	}
	for i, h := range Header {
		if header[i] != h {
			return nil, errors.Newf(errors.ErrIndexCorrupt, "unexpected header column %d: %q", i+1, header[i])
		}
	}

	idx := &Index{}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return idx, nil
		} else if err != nil {
			return nil, errors.WithCode(err, errors.ErrIndexCorrupt, "")
		}
		line, _ := cr.FieldPos(0)
		e := keyshard.ShardSummary{Key: row[0], ShardPath: row[3]}
		if e.RowCount, err = strconv.ParseUint(row[1], 10, 64); err != nil {
			return nil, errors.WithCode(err, errors.ErrIndexCorrupt, fmt.Sprintf("line %d: row_count", line))
		}
		if e.ShardID, err = strconv.ParseUint(row[2], 10, 64); err != nil {
			return nil, errors.WithCode(err, errors.ErrIndexCorrupt, fmt.Sprintf("line %d: shard_id", line))
		}
		if e.Key == "" {
			return nil, errors.Newf(errors.ErrIndexCorrupt, "line %d: empty key", line)
		}
		if n := len(idx.entries); n > 0 {
			prev := idx.entries[n-1]
			if prev.Key >= e.Key || prev.ShardID >= e.ShardID {
				return nil, errors.Newf(errors.ErrIndexCorrupt, "line %d: key %q (shard %d) out of order after %q (shard %d)", line, e.Key, e.ShardID, prev.Key, prev.ShardID)
			}
		}
		idx.entries = append(idx.entries, e)
	}
}

// Len is the number of keys in the index.
func (idx *Index) Len() int { return len(idx.entries) }

// Entries returns the entries of the index in shard id order. The slice
// must not be modified.
func (idx *Index) Entries() []keyshard.ShardSummary { return idx.entries }

// Lookup returns the entry of key, or an error with code ErrKeyNotFound.
// Only an index read back with Read or ReadFrom is guaranteed to be in key
// order; Build does not check it.
func (idx *Index) Lookup(key string) (keyshard.ShardSummary, error) {
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].Key >= key })
	if i < len(idx.entries) && idx.entries[i].Key == key {
		return idx.entries[i], nil
	}
	return keyshard.ShardSummary{}, errors.Newf(errors.ErrKeyNotFound, "key %q is not in the index", key)
}

// RowCounter returns the number of rows in the shard at path.
type RowCounter func(ctx context.Context, path string) (uint64, error)

// Mismatch is an index entry which doesn't agree with its shard.
type Mismatch struct {
	Entry keyshard.ShardSummary

	// Rows is the number of rows found, valid when Err is nil.
	Rows uint64
	Err  error
}

func (m Mismatch) String() string {
	if m.Err != nil {
		return fmt.Sprintf("shard %d (key %q): %v", m.Entry.ShardID, m.Entry.Key, m.Err)
	}
	return fmt.Sprintf("shard %d (key %q): index says %d rows, shard has %d", m.Entry.ShardID, m.Entry.Key, m.Entry.RowCount, m.Rows)
}

// Verify checks that every shard of idx exists and holds as many rows as
// the index says. It returns the entries which don't; the error is only
// set when ctx is done.
func Verify(ctx context.Context, idx *Index, count RowCounter) ([]Mismatch, error) {
	var out []Mismatch
	for _, e := range idx.entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		n, err := count(ctx, e.ShardPath)
		if err != nil {
			out = append(out, Mismatch{Entry: e, Err: err})
		} else if n != e.RowCount {
			out = append(out, Mismatch{Entry: e, Rows: n})
		}
	}
	return out, nil
}
