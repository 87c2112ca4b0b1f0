// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/pelletier/go-toml"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/pipeline"
)

// GenerateConfigCommand represents a command for printing a default config.
type GenerateConfigCommand struct {
	*keyshard.CmdIO

	// Schema prints the built-in record schema instead, as a starting
	// point for a custom schema file.
	Schema bool
}

// NewGenerateConfigCommand returns a new instance of GenerateConfigCommand.
func NewGenerateConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *GenerateConfigCommand {
	return &GenerateConfigCommand{
		CmdIO: keyshard.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints out the default config.
func (cmd *GenerateConfigCommand) Run(_ context.Context) error {
	var ret []byte
	var err error
	if cmd.Schema {
		ret, err = keyshard.RedditCommentSchema().TOML()
	} else {
		ret, err = toml.Marshal(*pipeline.NewConfig())
	}
	if err != nil {
		return errors.Wrap(err, "marshalling default config")
	}
	fmt.Fprintf(cmd.Stdout, "%s\n", ret)
	return nil
}
