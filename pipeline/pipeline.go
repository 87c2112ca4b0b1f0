// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package pipeline drives a sharding run: records are spilled into
// partitions by key, keys are ranked into shard ids, every key's records are
// written to its own shard in parallel and, once all shards are done, the
// lookup index is written.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/boltdb"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/group"
	"github.com/molecula/keyshard/index"
	"github.com/molecula/keyshard/logger"
	"github.com/molecula/keyshard/shard"
	"github.com/molecula/keyshard/source"
)

// ShardWriter writes the records of one key into the shard with the given
// id. *shard.Writer implements it.
type ShardWriter interface {
	Write(ctx context.Context, id uint64, key string, recs []keyshard.Record) (keyshard.ShardSummary, error)
}

var _ ShardWriter = (*shard.Writer)(nil)

// Pipeline is the execution context of one run. It is not reusable: create
// a new one with New for every run.
type Pipeline struct {
	cfg    *Config
	schema *keyshard.Schema
	src    source.Source
	logger logger.Logger

	// RunID identifies the run in logs, metrics and the work directory.
	RunID string

	// Writer writes shards. New sets it to a *shard.Writer on the
	// configured shard directory.
	Writer ShardWriter

	metrics *Metrics

	workDir     string
	partitioner *group.Partitioner
	keys        *boltdb.KeyStore

	shardsDone  uint64
	keysTotal   uint64
	mu          sync.Mutex
	summaries   []keyshard.ShardSummary
	failures    []keyshard.ShardFailure
	rowsWritten uint64

	ran bool
}

// New returns the execution context of a run over src. When src is nil the
// run reads cfg.Input.
func New(cfg *Config, schema *keyshard.Schema, src source.Source, log logger.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		if len(cfg.Input) == 0 {
			return nil, errors.New(errors.ErrInvalidConfig, "no input given")
		}
		src = source.NewFiles(cfg.Input...)
	}
	if log == nil {
		log = logger.NopLogger
	}

	runID := uuid.New().String()
	log = log.WithPrefix("[" + runID[:8] + "] ")
	w, err := shard.NewWriter(cfg.ShardDir, schema, cfg.Fsync, log)
	if err != nil {
		return nil, err
	}

	workRoot := cfg.WorkDir
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	workDir := filepath.Join(workRoot, "keyshard-"+runID)

	p := &Pipeline{
		cfg:     cfg,
		schema:  schema,
		src:     src,
		logger:  log,
		RunID:   runID,
		Writer:  w,
		metrics: newMetrics(runID),
		workDir: workDir,
	}
	p.partitioner = group.NewPartitioner(filepath.Join(workDir, "spill"), schema, log)
	p.partitioner.PartitionN = cfg.PartitionN
	p.partitioner.JobSize = cfg.JobSize
	p.partitioner.NumWorkers = cfg.NumWorkers
	return p, nil
}

// Metrics returns the metrics of the run.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// WorkDir is the run's scratch directory.
func (p *Pipeline) WorkDir() string { return p.workDir }

// Run executes the pipeline. Keys whose shard can't be written are left
// out of the index and reported in the summary; the run still succeeds.
// An error is returned when the run couldn't complete: the input couldn't
// be read, the index couldn't be written, or ctx was cancelled. In all
// those cases no index is written, and shards already written are left in
// place.
func (p *Pipeline) Run(ctx context.Context) (summary *keyshard.RunSummary, err error) {
	if p.ran {
		return nil, errors.New(errors.ErrInvalidConfig, "pipeline has already run")
	}
	p.ran = true

	start := time.Now()
	summary = &keyshard.RunSummary{RunID: p.RunID}
	defer func() {
		p.fillSummary(summary)
		summary.Duration = time.Since(start)
		if terr := p.teardown(); terr != nil {
			p.logger.Warnf("cleaning up: %v", terr)
		}
		if p.cfg.MetricsPath != "" {
			if merr := p.metrics.WriteTextfile(p.cfg.MetricsPath); merr != nil {
				p.logger.Warnf("%v", merr)
			}
		}
	}()

	if err := os.MkdirAll(p.workDir, 0750); err != nil {
		return summary, errors.Wrap(err, "creating work directory")
	}
	p.logger.Infof("starting run, work directory %s", p.workDir)

	stopProgress := p.logProgress()
	defer stopProgress()

	// Group: spill every record into its key's partition.
	spill, err := p.partitioner.Spill(ctx, p.src)
	if err != nil {
		return summary, errors.Wrap(err, "spilling records")
	}
	summary.RecordsRead, summary.RecordsRejected = spill.Read, spill.Rejected
	p.metrics.RecordsRead.Add(float64(spill.Read))
	p.metrics.RecordsRejected.Add(float64(spill.Rejected))
	p.logger.Infof("read %d records, rejected %d", spill.Read, spill.Rejected)

	// Rank: collect distinct keys and assign shard ids.
	if err := p.rank(ctx, spill); err != nil {
		return summary, errors.Wrap(err, "assigning shard ids")
	}
	p.logger.Infof("assigned shard ids to %d keys", atomic.LoadUint64(&p.keysTotal))

	// An index left by an earlier run would point at shards this run is
	// about to replace.
	if err := p.removeIndex(); err != nil {
		return summary, err
	}

	// Write: one shard per key, partitions in parallel.
	if err := p.writeShards(ctx, spill); err != nil {
		return summary, errors.Wrap(err, "writing shards")
	}
	if err := ctx.Err(); err != nil {
		return summary, errors.Wrap(err, "run cancelled before writing the index")
	}

	// Index: written once, after every shard is accounted for.
	if _, err := index.Write(p.cfg.IndexPath, p.summaries); err != nil {
		return summary, err
	}
	summary.IndexPath = p.cfg.IndexPath
	p.logger.Infof("wrote index %s: %d keys, %d failed", p.cfg.IndexPath, len(p.summaries), len(p.failures))
	return summary, nil
}

// removeIndex deletes the index file at the configured path, if any. A
// directory there is left alone; writing the index fails on it later.
func (p *Pipeline) removeIndex() error {
	info, err := os.Lstat(p.cfg.IndexPath)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.WithCode(err, errors.ErrIndexWriteFailed, "checking for an earlier index")
	}
	if info.IsDir() {
		return nil
	}
	if err := os.Remove(p.cfg.IndexPath); err != nil && !os.IsNotExist(err) {
		return errors.WithCode(err, errors.ErrIndexWriteFailed, "removing earlier index")
	}
	p.logger.Infof("removed earlier index %s", p.cfg.IndexPath)
	return nil
}

func (p *Pipeline) rank(ctx context.Context, spill *group.Spill) (err error) {
	if p.keys, err = boltdb.OpenKeyStore(filepath.Join(p.workDir, "keys.bolt"), false); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.NumWorkers)
	for i := 0; i < spill.PartitionN; i++ {
		i := i
		if spill.Counts[i] == 0 {
			continue
		}
		eg.Go(func() error {
			counts, err := spill.KeyCounts(ctx, i)
			if err != nil {
				return err
			}
			return p.keys.AddKeyCounts(counts)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	n, err := p.keys.AssignShardIDs()
	if err != nil {
		return err
	}
	atomic.StoreUint64(&p.keysTotal, n)
	p.metrics.Keys.Set(float64(n))
	return nil
}

func (p *Pipeline) writeShards(ctx context.Context, spill *group.Spill) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.NumWorkers)
	for i := 0; i < spill.PartitionN; i++ {
		i := i
		if spill.Counts[i] == 0 {
			continue
		}
		eg.Go(func() error {
			return p.writePartition(ctx, spill, i)
		})
	}
	return eg.Wait()
}

// writePartition writes the shards of every key of partition i. A failed
// shard is recorded and the partition carries on; only errors reading the
// partition itself, or cancellation, stop it.
func (p *Pipeline) writePartition(ctx context.Context, spill *group.Spill, i int) error {
	groups, err := spill.Groups(ctx, i)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := p.keys.ShardID(g.Key)
		if err != nil {
			return err
		}

		start := time.Now()
		sum, err := p.Writer.Write(ctx, id, g.Key, g.Records)
		p.metrics.ShardWriteTime.Observe(time.Since(start).Seconds())
		atomic.AddUint64(&p.shardsDone, 1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Errorf("%v", err)
			p.metrics.ShardsFailed.Inc()
			p.mu.Lock()
			p.failures = append(p.failures, keyshard.ShardFailure{Key: g.Key, ShardID: id, Err: err})
			p.mu.Unlock()
			continue
		}

		p.metrics.ShardsWritten.Inc()
		p.metrics.RowsWritten.Add(float64(sum.RowCount))
		p.mu.Lock()
		p.summaries = append(p.summaries, sum)
		p.rowsWritten += sum.RowCount
		p.mu.Unlock()
	}
	return nil
}

func (p *Pipeline) fillSummary(s *keyshard.RunSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sort.Slice(p.failures, func(i, j int) bool { return p.failures[i].ShardID < p.failures[j].ShardID })
	s.KeysTotal = atomic.LoadUint64(&p.keysTotal)
	s.KeysSharded = uint64(len(p.summaries))
	s.KeysFailed = uint64(len(p.failures))
	s.RowsWritten = p.rowsWritten
	s.Failures = append([]keyshard.ShardFailure(nil), p.failures...)
}

// logProgress logs progress every ProgressInterval until the returned
// function is called.
func (p *Pipeline) logProgress() (stop func()) {
	interval := time.Duration(p.cfg.ProgressInterval)
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				read, rejected := p.partitioner.Progress()
				keys := atomic.LoadUint64(&p.keysTotal)
				if keys == 0 {
					p.logger.Infof("progress: read %d records, rejected %d", read, rejected)
					continue
				}
				p.logger.Infof("progress: wrote %d of %d shards", atomic.LoadUint64(&p.shardsDone), keys)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pipeline) teardown() error {
	var first error
	if p.keys != nil {
		if err := p.keys.Close(); err != nil {
			first = errors.Wrap(err, "closing key store")
		}
	}
	if p.cfg.KeepWorkDir {
		p.logger.Infof("keeping work directory %s", p.workDir)
		return first
	}
	if err := os.RemoveAll(p.workDir); err != nil && first == nil {
		first = errors.Wrap(err, "removing work directory")
	}
	return first
}
