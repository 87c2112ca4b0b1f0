// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keyshard_test

import (
	"context"
	"strings"
	"testing"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
)

func TestRunSummaryFailureError(t *testing.T) {
	s := &keyshard.RunSummary{IndexPath: "index.csv"}
	if err := s.FailureError(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !s.Complete() {
		t.Fatal("expected a complete run")
	}

	s.Failures = []keyshard.ShardFailure{
		{Key: "a", ShardID: 0, Err: context.Canceled},
		{Key: "b", ShardID: 1, Err: errors.New(errors.ErrShardWriteFailed, "disk full")},
	}
	s.KeysFailed = 2
	err := s.FailureError()
	if !errors.Is(err, errors.ErrShardWriteFailed) {
		t.Fatalf("expected the shard failure code to match, got %v", err)
	}
	if errors.Is(err, errors.ErrIndexWriteFailed) {
		t.Fatalf("unexpected index failure code in %v", err)
	}
	var f keyshard.ShardFailure
	if !errors.As(err, &f) || f.Key != "a" {
		t.Fatalf("expected the first failure, got %+v", f)
	}
	if msg := err.Error(); !strings.HasPrefix(msg, "2 shard(s) failed") || !strings.Contains(msg, `key "b"`) {
		t.Fatalf("unexpected message %q", msg)
	}
	if s.Complete() {
		t.Fatal("a run with failures isn't complete")
	}
}
