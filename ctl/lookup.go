// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/index"
	"github.com/molecula/keyshard/shard"
)

// LookupCommand finds the shard of a key.
type LookupCommand struct {
	*keyshard.CmdIO

	IndexPath  string
	SchemaPath string
	Key        string

	// Rows also prints the records stored in the key's shard.
	Rows bool
}

// NewLookupCommand returns a new instance of LookupCommand.
func NewLookupCommand(stdin io.Reader, stdout, stderr io.Writer) *LookupCommand {
	return &LookupCommand{
		CmdIO:     keyshard.NewCmdIO(stdin, stdout, stderr),
		IndexPath: "index.csv",
	}
}

// Run prints the index entry of Key.
func (cmd *LookupCommand) Run(ctx context.Context) error {
	if cmd.Key == "" {
		return errors.New(errors.ErrInvalidConfig, "a key is required")
	}
	idx, err := index.Read(cmd.IndexPath)
	if err != nil {
		return err
	}
	e, err := idx.Lookup(cmd.Key)
	if err != nil {
		return err
	}
	writeTable(cmd.Stdout, []interface{}{"key", "row_count", "shard_id", "shard_path"}, [][]interface{}{
		{e.Key, e.RowCount, e.ShardID, e.ShardPath},
	})
	if !cmd.Rows {
		return nil
	}

	schema, err := loadSchema(cmd.SchemaPath)
	if err != nil {
		return err
	}
	recs, err := shard.ReadRows(ctx, e.ShardPath, schema)
	if err != nil {
		return err
	}
	writeRecords(cmd.Stdout, schema, recs)
	return nil
}
