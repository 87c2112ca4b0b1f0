// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/molecula/keyshard/ctl"
)

// Shard is the command run by "keyshard shard". It is exported so tests
// can inspect the configuration the flags, environment and config file
// resolved to.
var Shard *ctl.ShardCommand

func newShardCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Shard = ctl.NewShardCommand(stdin, stdout, stderr)
	cfg := Shard.Config
	shardCmd := &cobra.Command{
		Use:   "shard",
		Short: "Split records into one SQLite database per key.",
		Long: `
Reads every record from the input files, groups the records by their key
and writes each group to its own SQLite shard. Shard ids are dense and
follow the lexical order of the keys. Once every shard has been
attempted, a CSV index of key, row_count, shard_id and shard_path is
written. Pass "-" as the only input to read from stdin.
`,
		RunE: usageErrorWrapper(Shard),
	}

	flags := shardCmd.Flags()
	flags.StringSliceVarP(&cfg.Input, "input", "i", cfg.Input, "Input files, directories or glob patterns of newline delimited JSON.")
	flags.StringVar(&cfg.ShardDir, "shard-dir", cfg.ShardDir, "Directory to write shard databases to.")
	flags.StringVar(&cfg.IndexPath, "index-path", cfg.IndexPath, "Path of the CSV lookup index.")
	flags.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "Directory for scratch files. Defaults to a new directory under the system temporary directory.")
	flags.BoolVar(&cfg.KeepWorkDir, "keep-work-dir", cfg.KeepWorkDir, "Keep scratch files after the run.")
	flags.StringVar(&cfg.SchemaPath, "schema-path", cfg.SchemaPath, "TOML record schema. Defaults to the reddit comment schema.")
	flags.StringVar(&cfg.KeyField, "key-field", cfg.KeyField, "Field to group records by. Overrides the schema's key field.")
	flags.IntVar(&cfg.PartitionN, "partition-n", cfg.PartitionN, "Number of spill partitions.")
	flags.IntVar(&cfg.JobSize, "job-size", cfg.JobSize, "Number of lines in each decode job (purely a performance tuning parameter).")
	flags.IntVar(&cfg.NumWorkers, "num-workers", cfg.NumWorkers, "Number of parallel workers.")
	flags.BoolVar(&cfg.Fsync, "fsync", cfg.Fsync, "Sync shards and scratch files to disk.")
	flags.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "Write Prometheus metrics in text format to this file after the run.")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "Log to this file instead of stderr. The file is reopened on SIGHUP.")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging.")
	flags.Var(&cfg.ProgressInterval, "progress-interval", "Interval between progress log lines. 0 disables them.")
	return shardCmd
}
