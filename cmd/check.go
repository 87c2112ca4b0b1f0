// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/molecula/keyshard/ctl"
)

func newCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewCheckCommand(stdin, stdout, stderr)
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify a lookup index against its shards.",
		Long: `
Reads the lookup index and checks that every shard it lists exists and
holds exactly the number of rows the index records for its key.
`,
		RunE: usageErrorWrapper(cmd),
	}

	flags := checkCmd.Flags()
	flags.StringVar(&cmd.IndexPath, "index-path", cmd.IndexPath, "Path of the CSV lookup index.")
	flags.StringVar(&cmd.SchemaPath, "schema-path", cmd.SchemaPath, "TOML record schema the shards were written with.")
	return checkCmd
}
