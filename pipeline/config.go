// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package pipeline

import (
	"time"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/group"
	"github.com/molecula/keyshard/toml"
)

// Config is the configuration of a sharding run. Field tags double as
// flag names and TOML keys.
type Config struct {
	// Input files, directories or glob patterns of newline delimited JSON.
	Input []string `toml:"input"`

	ShardDir  string `toml:"shard-dir"`
	IndexPath string `toml:"index-path"`

	// WorkDir holds the run's scratch files: spill partitions and the key
	// store. Defaults to the system temporary directory.
	WorkDir     string `toml:"work-dir"`
	KeepWorkDir bool   `toml:"keep-work-dir"`

	// SchemaPath is a TOML schema file. Without one the reddit comment
	// schema is used.
	SchemaPath string `toml:"schema-path"`
	// KeyField overrides the schema's key field.
	KeyField string `toml:"key-field"`

	PartitionN int  `toml:"partition-n"`
	JobSize    int  `toml:"job-size"`
	NumWorkers int  `toml:"num-workers"`
	Fsync      bool `toml:"fsync"`

	MetricsPath      string        `toml:"metrics-path"`
	LogPath          string        `toml:"log-path"`
	Verbose          bool          `toml:"verbose"`
	ProgressInterval toml.Duration `toml:"progress-interval"`
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		ShardDir:         "db",
		IndexPath:        "index.csv",
		PartitionN:       group.DefaultPartitionN,
		JobSize:          group.DefaultJobSize,
		NumWorkers:       group.DefaultNumWorkers,
		ProgressInterval: toml.Duration(30 * time.Second),
	}
}

// Validate checks that c describes a runnable pipeline.
func (c *Config) Validate() error {
	switch {
	case c.ShardDir == "":
		return errors.New(errors.ErrInvalidConfig, "shard-dir is required")
	case c.IndexPath == "":
		return errors.New(errors.ErrInvalidConfig, "index-path is required")
	case c.PartitionN <= 0:
		return errors.Newf(errors.ErrInvalidConfig, "partition-n must be positive, got %d", c.PartitionN)
	case c.JobSize <= 0:
		return errors.Newf(errors.ErrInvalidConfig, "job-size must be positive, got %d", c.JobSize)
	case c.NumWorkers <= 0:
		return errors.Newf(errors.ErrInvalidConfig, "num-workers must be positive, got %d", c.NumWorkers)
	case c.ProgressInterval < 0:
		return errors.New(errors.ErrInvalidConfig, "progress-interval can't be negative")
	}
	return nil
}

// Schema returns the record schema of the run: the one at SchemaPath, or
// the reddit comment schema, with KeyField applied.
func (c *Config) Schema() (*keyshard.Schema, error) {
	s := keyshard.RedditCommentSchema()
	if c.SchemaPath != "" {
		var err error
		if s, err = keyshard.LoadSchema(c.SchemaPath); err != nil {
			return nil, err
		}
	}
	if c.KeyField != "" {
		s.KeyField = c.KeyField
	}
	return s, s.Validate()
}
