// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package group

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
)

// KeyGroup is every record sharing one key, in the order the records were
// spilled.
type KeyGroup struct {
	Key     string
	Records []keyshard.Record
}

// KeyCounts returns the number of records of each key in partition i. Only
// the key of each spill line is decoded.
func (s *Spill) KeyCounts(ctx context.Context, i int) (map[string]uint64, error) {
	counts := make(map[string]uint64)
	err := s.scan(ctx, i, func(n int, line []byte) error {
		key, err := readKey(line)
		if err != nil {
			return errors.Wrapf(err, "partition %d line %d", i, n)
		}
		counts[key]++
		return nil
	})
	return counts, err
}

// Groups reads partition i back and returns its groups sorted by key.
func (s *Spill) Groups(ctx context.Context, i int) ([]KeyGroup, error) {
	byKey := make(map[string]*KeyGroup)
	err := s.scan(ctx, i, func(n int, line []byte) error {
		key, rec, err := s.decodeLine(line)
		if err != nil {
			return errors.Wrapf(err, "partition %d line %d", i, n)
		}
		g, ok := byKey[key]
		if !ok {
			g = &KeyGroup{Key: key}
			byKey[key] = g
		}
		g.Records = append(g.Records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	groups := make([]KeyGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].Key < groups[b].Key })
	return groups, nil
}

// scan calls fn for every line of partition i.
func (s *Spill) scan(ctx context.Context, i int, fn func(n int, line []byte) error) error {
	f, err := os.Open(s.Path(i))
	if err != nil {
		return errors.Wrap(err, "opening spill file")
	}
	defer f.Close()

	// Spill lines can be as long as the longest input record plus escaping,
	// so use ReadBytes rather than a Scanner with a fixed limit.
	r := bufio.NewReaderSize(f, 64*1024)
	for n := 1; ; n++ {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if cerr := ctxErr(ctx); cerr != nil {
				return cerr
			}
			if err := fn(n, bytes.TrimSuffix(line, []byte{'\n'})); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "reading spill file")
		}
	}
}

// readKey decodes just the leading key of a spill line.
func readKey(line []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('[') {
		return "", errors.Newf(errors.ErrSchemaMismatch, "spill line doesn't start with an array: %v", err)
	}
	tok, err := dec.Token()
	if err != nil {
		return "", errors.WithCode(err, errors.ErrSchemaMismatch, "reading key")
	}
	key, ok := tok.(string)
	if !ok {
		return "", errors.Newf(errors.ErrSchemaMismatch, "spill key is a %T", tok)
	}
	return key, nil
}

func (s *Spill) decodeLine(line []byte) (string, keyshard.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var row []interface{}
	if err := dec.Decode(&row); err != nil {
		return "", nil, errors.WithCode(err, errors.ErrSchemaMismatch, "decoding spill line")
	}
	if len(row) == 0 {
		return "", nil, errors.New(errors.ErrSchemaMismatch, "empty spill line")
	}
	key, ok := row[0].(string)
	if !ok {
		return "", nil, errors.Newf(errors.ErrSchemaMismatch, "spill key is a %T", row[0])
	}
	rec, err := s.Schema.DecodeValues(row[1:])
	return key, rec, err
}
