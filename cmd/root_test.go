// Copyright 2021 Molecula Corp. All rights reserved.
package cmd_test

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/molecula/keyshard/cmd"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/toml"
)

func failErr(t *testing.T, err error, context ...string) {
	ctx := strings.Join(context, "; ")
	if err != nil {
		t.Fatal(ctx, ": ", err)
	}
}

// tExec executes the given `cmd`, which will be writing its output to `w`, and
// can be read from `out`. It will fail the test if the command does not return
// within 10 seconds.
func tExec(t *testing.T, cmd *cobra.Command, out io.Reader, w io.WriteCloser) (output []byte) {
	done := make(chan struct{})
	var readErr error
	go func() {
		output, readErr = io.ReadAll(out)
		close(done)
	}()
	err := cmd.Execute()
	if cerr := w.Close(); cerr != nil {
		t.Fatalf("closing cmd's stdout: %v", cerr)
	}
	select {
	case <-done:
	case <-time.After(time.Second * 10):
		t.Fatal("Test failed due to command execution timeout")
	}
	if err != nil {
		t.Fatalf("executing: %v\n%s", err, output)
	}
	failErr(t, readErr, "reading output")
	return output
}

// ExecNewRootCommand executes the keyshard root command with the given
// arguments and returns its output.
func ExecNewRootCommand(t *testing.T, args ...string) string {
	out, w := io.Pipe()
	rc := cmd.NewRootCommand(os.Stdin, w, w)
	rc.SetArgs(args)
	output := tExec(t, rc, out, w)
	return string(output)
}

// commandTest runs a command with --dry-run after setting env and writing
// cfgFileContent to a file passed with --config. validation then inspects
// the configuration the command resolved.
type commandTest struct {
	args           []string
	env            map[string]string
	cfgFileContent string
	validation     func() error
}

func executeDry(t *testing.T, tests []commandTest) {
	t.Helper()
	for i, test := range tests {
		t.Run(fmt.Sprintf("test%d", i), func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			args := append([]string{}, test.args...)
			if test.cfgFileContent != "" {
				path := filepath.Join(t.TempDir(), "keyshard.toml")
				failErr(t, os.WriteFile(path, []byte(test.cfgFileContent), 0600), "writing config file")
				args = append(args, "--config", path)
			}
			args = append(args, "--dry-run")

			rc := cmd.NewRootCommand(strings.NewReader(""), io.Discard, io.Discard)
			rc.SetArgs(args)
			if err := rc.Execute(); err == nil || err.Error() != "dry run" {
				t.Fatalf("expected dry run error, got: %v", err)
			}
			if err := test.validation(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// validator collects the differences between resolved and expected
// configuration values.
type validator struct {
	errs []string
}

func (v *validator) Check(actual, expected interface{}) {
	if !reflect.DeepEqual(actual, expected) {
		v.errs = append(v.errs, fmt.Sprintf("expected %#v, got %#v", expected, actual))
	}
}

func (v *validator) Error() error {
	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(v.errs, "\n"))
}

func TestRootCommand(t *testing.T) {
	outStr := ExecNewRootCommand(t, "--help")
	if !strings.Contains(outStr, "Usage:") ||
		!strings.Contains(outStr, "Available Commands:") ||
		!strings.Contains(outStr, "--help") {
		t.Fatalf("Expected standard usage message from RootCommand, but got: %s", outStr)
	}
	for _, sub := range []string{"shard", "check", "lookup", "generate-config"} {
		if !strings.Contains(outStr, sub) {
			t.Errorf("expected %q in usage:\n%s", sub, outStr)
		}
	}
}

func TestShardConfig(t *testing.T) {
	tests := []commandTest{
		// flags win over env, env wins over the file
		{
			args: []string{"shard", "--shard-dir", "/flag/db", "-i", "x.json,y.json"},
			env:  map[string]string{"KEYSHARD_SHARD_DIR": "/env/db", "KEYSHARD_PARTITION_N": "16", "KEYSHARD_PROGRESS_INTERVAL": "1m30s"},
			cfgFileContent: `
	input = ["a.json", "b.json"]
	shard-dir = "/file/db"
	index-path = "/file/index.csv"
	partition-n = 8
	fsync = true
	progress-interval = "5s"
	`,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Shard.Config.ShardDir, "/flag/db")
				v.Check(cmd.Shard.Config.Input, []string{"x.json", "y.json"})
				v.Check(cmd.Shard.Config.PartitionN, 16)
				v.Check(cmd.Shard.Config.ProgressInterval, toml.Duration(90*time.Second))
				v.Check(cmd.Shard.Config.IndexPath, "/file/index.csv")
				v.Check(cmd.Shard.Config.Fsync, true)
				return v.Error()
			},
		},
		// file values fill in what isn't set elsewhere
		{
			args: []string{"shard"},
			env:  map[string]string{"KEYSHARD_INPUT": "env.json", "KEYSHARD_VERBOSE": "true"},
			cfgFileContent: `
	input = ["a.json", "b.json"]
	key-field = "subreddit"
	num-workers = 3
	`,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Shard.Config.Input, []string{"env.json"})
				v.Check(cmd.Shard.Config.Verbose, true)
				v.Check(cmd.Shard.Config.KeyField, "subreddit")
				v.Check(cmd.Shard.Config.NumWorkers, 3)
				v.Check(cmd.Shard.Config.ShardDir, "db")
				v.Check(cmd.Shard.Config.ProgressInterval, toml.Duration(30*time.Second))
				return v.Error()
			},
		},
		// no file
		{
			args: []string{"shard", "--input", "c.json", "--job-size", "10", "--keep-work-dir"},
			validation: func() error {
				v := validator{}
				v.Check(cmd.Shard.Config.Input, []string{"c.json"})
				v.Check(cmd.Shard.Config.JobSize, 10)
				v.Check(cmd.Shard.Config.KeepWorkDir, true)
				v.Check(cmd.Shard.Config.IndexPath, "index.csv")
				return v.Error()
			},
		},
	}
	executeDry(t, tests)
}

func TestConfigFileInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"unknown option": `shard-directory = "db"`,
		"bad duration":   `progress-interval = "soon"`,
		"syntax":         `partition-n = `,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "keyshard.toml")
			failErr(t, os.WriteFile(path, []byte(content), 0600), "writing config file")

			rc := cmd.NewRootCommand(strings.NewReader(""), io.Discard, io.Discard)
			rc.SetArgs([]string{"shard", "--config", path, "--dry-run"})
			if err := rc.Execute(); !errors.Is(err, errors.ErrInvalidConfig) {
				t.Fatalf("expected invalid config, got %v", err)
			}
		})
	}
}

func TestShardAndLookup(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "comments.json")
	failErr(t, os.WriteFile(input, []byte(`{"author":"bob","body":"b"}
{"author":"alice","body":"a"}
{"author":"bob","body":"c"}
`), 0600), "writing input")
	indexPath := filepath.Join(dir, "index.csv")

	out := ExecNewRootCommand(t, "shard",
		"--input", input,
		"--shard-dir", filepath.Join(dir, "db"),
		"--index-path", indexPath,
		"--work-dir", filepath.Join(dir, "work"),
		"--partition-n", "4",
	)
	if !strings.Contains(out, indexPath) {
		t.Fatalf("unexpected shard output:\n%s", out)
	}

	out = ExecNewRootCommand(t, "lookup", "bob", "--index-path", indexPath)
	if !strings.Contains(out, filepath.Join(dir, "db", "shard_1.db")) {
		t.Fatalf("unexpected lookup output:\n%s", out)
	}

	out = ExecNewRootCommand(t, "check", "--index-path", indexPath)
	if !strings.Contains(out, "2 shards ok") {
		t.Fatalf("unexpected check output:\n%s", out)
	}
}
