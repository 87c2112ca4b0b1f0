// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/molecula/keyshard/ctl"
)

var generateConf *ctl.GenerateConfigCommand

func newGenerateConfigCommand(stdin io.Reader, stdout io.Writer, stderr io.Writer) *cobra.Command {
	generateConf = ctl.NewGenerateConfigCommand(stdin, stdout, stderr)
	confCmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration.",
		Long: `generate-config prints the default configuration of the shard command
to stdout. With --schema it prints the built-in record schema instead.
`,
		RunE: usageErrorWrapper(generateConf),
	}
	confCmd.Flags().BoolVar(&generateConf.Schema, "schema", false, "Print the built-in record schema.")

	return confCmd
}
