// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/index"
	"github.com/molecula/keyshard/shard"
)

// CheckCommand verifies a lookup index against its shards.
type CheckCommand struct {
	*keyshard.CmdIO

	IndexPath  string
	SchemaPath string
}

// NewCheckCommand returns a new instance of CheckCommand.
func NewCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *CheckCommand {
	return &CheckCommand{
		CmdIO:     keyshard.NewCmdIO(stdin, stdout, stderr),
		IndexPath: "index.csv",
	}
}

// Run reads the index and checks every shard it lists. It fails when the
// index can't be read or any shard is missing or has the wrong row count.
func (cmd *CheckCommand) Run(ctx context.Context) error {
	schema, err := loadSchema(cmd.SchemaPath)
	if err != nil {
		return err
	}
	idx, err := index.Read(cmd.IndexPath)
	if err != nil {
		return err
	}

	mismatches, err := index.Verify(ctx, idx, func(ctx context.Context, path string) (uint64, error) {
		return shard.CountRows(ctx, path, schema.Table)
	})
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		fmt.Fprintf(cmd.Stdout, "%s: %d shards ok\n", cmd.IndexPath, idx.Len())
		return nil
	}

	rows := make([][]interface{}, len(mismatches))
	for i, m := range mismatches {
		found := interface{}(m.Rows)
		if m.Err != nil {
			found = m.Err.Error()
		}
		rows[i] = []interface{}{m.Entry.ShardID, m.Entry.Key, m.Entry.RowCount, found}
	}
	writeTable(cmd.Stdout, []interface{}{"shard_id", "key", "row_count", "found"}, rows)
	return errors.Newf(errors.ErrIndexCorrupt, "%d of %d shards don't match the index", len(mismatches), idx.Len())
}
