// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/logger"
	"github.com/molecula/keyshard/pipeline"
	"github.com/molecula/keyshard/source"
)

// maxListedFailures bounds the failure table printed after a run; the log
// has all of them.
const maxListedFailures = 20

// ShardCommand runs the sharding pipeline.
type ShardCommand struct {
	*keyshard.CmdIO

	Config *pipeline.Config

	// Summary is the outcome of the last Run.
	Summary *keyshard.RunSummary
}

// NewShardCommand returns a new instance of ShardCommand.
func NewShardCommand(stdin io.Reader, stdout, stderr io.Writer) *ShardCommand {
	return &ShardCommand{
		CmdIO:  keyshard.NewCmdIO(stdin, stdout, stderr),
		Config: pipeline.NewConfig(),
	}
}

// Run executes the pipeline and prints its summary. It fails when the run
// did not produce an index; keys whose shard failed are listed but don't
// fail the command.
func (cmd *ShardCommand) Run(ctx context.Context) error {
	cfg := cmd.Config

	if cfg.LogPath != "" {
		fw, err := logger.NewFileWriter(cfg.LogPath)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		defer fw.Close()
		fw.ReopenOnSignal(func(err error) {
			fmt.Fprintf(cmd.Stderr, "reopening log file: %v\n", err)
		}, syscall.SIGHUP)
		cmd.SetLogger(logger.NewLogger(fw, cfg.Verbose))
	} else if cfg.Verbose {
		cmd.SetLogger(logger.NewVerboseLogger(cmd.Stderr))
	}
	log := cmd.Logger()

	schema, err := cfg.Schema()
	if err != nil {
		return err
	}

	var src source.Source
	if len(cfg.Input) == 1 && cfg.Input[0] == "-" {
		src = &source.Reader{Name: "stdin", R: cmd.Stdin}
	}

	p, err := pipeline.New(cfg, schema, src, log)
	if err != nil {
		return err
	}
	summary, err := p.Run(ctx)
	cmd.Summary = summary
	if summary != nil {
		writeRunSummary(cmd.Stdout, summary)
	}
	if err != nil {
		return err
	}
	if summary.KeysFailed > 0 {
		log.Warnf("%d keys have no shard and are missing from the index", summary.KeysFailed)
	}
	return nil
}

func writeRunSummary(w io.Writer, s *keyshard.RunSummary) {
	index := s.IndexPath
	if index == "" {
		index = "(not written)"
	}
	writeTable(w, nil, [][]interface{}{
		{"run id", s.RunID},
		{"records read", s.RecordsRead},
		{"records rejected", s.RecordsRejected},
		{"keys", s.KeysTotal},
		{"shards written", s.KeysSharded},
		{"shards failed", s.KeysFailed},
		{"rows written", s.RowsWritten},
		{"index", index},
		{"duration", s.Duration.Round(time.Millisecond).String()},
	})
	if len(s.Failures) == 0 {
		return
	}

	rows := make([][]interface{}, 0, len(s.Failures))
	for i, f := range s.Failures {
		if i == maxListedFailures {
			rows = append(rows, []interface{}{"...", fmt.Sprintf("%d more", len(s.Failures)-i), ""})
			break
		}
		rows = append(rows, []interface{}{f.ShardID, f.Key, f.Err.Error()})
	}
	writeTable(w, []interface{}{"shard_id", "key", "error"}, rows)
}
