// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/molecula/keyshard/ctl"
)

func newLookupCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewLookupCommand(stdin, stdout, stderr)
	lookupCmd := &cobra.Command{
		Use:   "lookup <key>",
		Short: "Print the index entry of a key.",
		Long: `
Finds a key in the lookup index and prints its row count, shard id and
shard path. With --rows the records in the key's shard are printed too.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cmd.Key = args[0]
			return usageErrorWrapper(cmd)(c, args)
		},
	}

	flags := lookupCmd.Flags()
	flags.StringVar(&cmd.IndexPath, "index-path", cmd.IndexPath, "Path of the CSV lookup index.")
	flags.StringVar(&cmd.SchemaPath, "schema-path", cmd.SchemaPath, "TOML record schema the shards were written with.")
	flags.BoolVar(&cmd.Rows, "rows", cmd.Rows, "Also print the records in the key's shard.")
	return lookupCmd
}
