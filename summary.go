// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keyshard

import (
	"fmt"
	"strings"
	"time"
)

// ShardSummary describes one written shard. It is also one row of the
// lookup index.
type ShardSummary struct {
	Key       string
	RowCount  uint64
	ShardID   uint64
	ShardPath string
}

// ShardFailure is a key whose shard couldn't be written. Its key is not in
// the lookup index.
type ShardFailure struct {
	Key     string
	ShardID uint64
	Err     error
}

func (f ShardFailure) Error() string {
	return fmt.Sprintf("shard %d (key %q): %v", f.ShardID, f.Key, f.Err)
}

func (f ShardFailure) Unwrap() error { return f.Err }

// RunSummary reports the outcome of one pipeline run.
type RunSummary struct {
	RunID string

	RecordsRead     uint64
	RecordsRejected uint64

	KeysTotal   uint64
	KeysSharded uint64
	KeysFailed  uint64
	RowsWritten uint64

	// Failures holds one entry per key in KeysFailed, ordered by shard id.
	Failures []ShardFailure

	// IndexPath is empty when the index wasn't written.
	IndexPath string

	Duration time.Duration
}

// Complete reports whether every key made it into the index.
func (s *RunSummary) Complete() bool {
	return s.IndexPath != "" && s.KeysFailed == 0
}

// FailureError combines Failures into one error, or returns nil when there
// were none.
func (s *RunSummary) FailureError() error {
	if len(s.Failures) == 0 {
		return nil
	}
	return shardFailures(s.Failures)
}

type shardFailures []ShardFailure

func (fs shardFailures) Error() string {
	const max = 5
	var b strings.Builder
	fmt.Fprintf(&b, "%d shard(s) failed: ", len(fs))
	for i, f := range fs {
		if i == max {
			fmt.Fprintf(&b, "; and %d more", len(fs)-max)
			break
		}
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is and errors.As match any of the failures.
func (fs shardFailures) Unwrap() []error {
	errs := make([]error, len(fs))
	for i, f := range fs {
		errs[i] = f
	}
	return errs
}
