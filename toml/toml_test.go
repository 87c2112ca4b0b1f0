// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package toml_test

import (
	"testing"
	"time"

	gotoml "github.com/pelletier/go-toml"

	"github.com/molecula/keyshard/toml"
)

func TestDurationRoundTrip(t *testing.T) {
	type conf struct {
		Interval toml.Duration `toml:"interval"`
	}

	var c conf
	if err := gotoml.Unmarshal([]byte(`interval = "1m30s"`), &c); err != nil {
		t.Fatalf("unmarshalling: %v", err)
	}
	if time.Duration(c.Interval) != 90*time.Second {
		t.Fatalf("unexpected interval %v", c.Interval)
	}

	var d toml.Duration
	if err := d.Set("250ms"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if d.String() != "250ms" {
		t.Errorf("unexpected string %q", d.String())
	}
	if err := d.Set("soon"); err == nil {
		t.Error("expected error parsing a bad duration")
	}
}
