// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package group implements the grouping stage: records are hash-partitioned
// by key into spill files by parallel workers, then each partition is read
// back on its own and grouped in memory. Since a key always hashes to the
// same partition, every key ends up in exactly one group, whatever file or
// worker its records came from, and memory use is bounded by the largest
// partition rather than the whole input.
package group

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"golang.org/x/sync/errgroup"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/logger"
	"github.com/molecula/keyshard/source"
)

// A few hundred partitions keep each one small enough to group in memory
// for inputs of hundreds of millions of records.
const (
	DefaultPartitionN = 256
	DefaultJobSize    = 1000
	DefaultNumWorkers = 4

	// Only this many rejected records are logged at warn level; the rest
	// are logged at debug level and counted.
	maxLoggedRejections = 10
)

// PartitionOf returns the partition of key among n partitions.
func PartitionOf(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Partitioner spills records into per-partition files.
type Partitioner struct {
	// Dir is where spill files are written. It is created if missing.
	Dir string

	Schema *keyshard.Schema

	PartitionN int
	JobSize    int
	NumWorkers int

	Logger logger.Logger

	keys *keyshard.KeyExtractor

	read     uint64
	rejected uint64

	outputLocks []sync.Mutex
	outputFiles []*os.File
	outputBufs  []*bufio.Writer
	counts      []uint64
}

// NewPartitioner returns a Partitioner with default sizes.
func NewPartitioner(dir string, schema *keyshard.Schema, log logger.Logger) *Partitioner {
	if log == nil {
		log = logger.NopLogger
	}
	return &Partitioner{
		Dir:        dir,
		Schema:     schema,
		PartitionN: DefaultPartitionN,
		JobSize:    DefaultJobSize,
		NumWorkers: DefaultNumWorkers,
		Logger:     log,
	}
}

// Progress returns how many records have been read and rejected so far.
// It is safe to call while Spill runs.
func (p *Partitioner) Progress() (read, rejected uint64) {
	return atomic.LoadUint64(&p.read), atomic.LoadUint64(&p.rejected)
}

// Spill reads every record of src, drops records that can't be decoded or
// have no key, and appends the rest to their key's partition file.
func (p *Partitioner) Spill(ctx context.Context, src source.Source) (_ *Spill, err error) {
	if p.PartitionN <= 0 {
		return nil, errors.Newf(errors.ErrInvalidConfig, "partition count must be positive, got %d", p.PartitionN)
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 1
	}
	if p.keys, err = keyshard.NewKeyExtractor(p.Schema); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating spill directory: '%s'", p.Dir)
	}

	spill := &Spill{Dir: p.Dir, Schema: p.Schema, PartitionN: p.PartitionN}
	p.outputLocks = make([]sync.Mutex, p.PartitionN)
	p.outputFiles = make([]*os.File, p.PartitionN)
	p.outputBufs = make([]*bufio.Writer, p.PartitionN)
	p.counts = make([]uint64, p.PartitionN)
	defer func() {
		if cerr := p.closeOutputs(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	for i := 0; i < p.PartitionN; i++ {
		name := spill.Path(i)
		f, err := os.Create(name)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't open spill file %s", name)
		}
		p.outputFiles[i] = f
		p.outputBufs[i] = bufio.NewWriterSize(f, 32*1024)
	}

	eg, gctx := errgroup.WithContext(ctx)
	linech := make(chan source.Batch, 16)
	eg.Go(func() error {
		defer close(linech)
		return src.Batches(gctx, p.JobSize, linech)
	})
	for i := 0; i < p.NumWorkers; i++ {
		eg.Go(func() error {
			return p.worker(linech)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, bw := range p.outputBufs {
		if err := bw.Flush(); err != nil {
			return nil, errors.Wrap(err, "flushing spill file")
		}
	}
	spill.Counts = append([]uint64(nil), p.counts...)
	spill.Read, spill.Rejected = p.Progress()
	return spill, nil
}

// worker decodes lines and routes them to their partition. It returns on
// the first error that isn't a rejected record; that cancels the reader and
// the other workers drain linech until the reader closes it.
func (p *Partitioner) worker(linech <-chan source.Batch) error {
	for batch := range linech {
		for _, line := range batch {
			atomic.AddUint64(&p.read, 1)
			if line.Err != nil {
				p.reject(line, line.Err)
				continue
			}
			key, out, err := p.encode(line.Data)
			if errors.Is(err, errors.ErrRecordRejected) {
				p.reject(line, err)
				continue
			} else if err != nil {
				return errors.Wrapf(err, "%s:%d", line.File, line.N)
			}
			if err := p.output(PartitionOf(key, p.PartitionN), out); err != nil {
				return errors.Wrap(err, "writing spill file")
			}
		}
	}
	return nil
}

func (p *Partitioner) reject(line source.Line, err error) {
	n := atomic.AddUint64(&p.rejected, 1)
	if n <= maxLoggedRejections {
		p.Logger.Warnf("rejected record %s:%d: %v", line.File, line.N, err)
		if n == maxLoggedRejections {
			p.Logger.Warnf("further rejected records are only logged at debug level")
		}
		return
	}
	p.Logger.Debugf("rejected record %s:%d: %v", line.File, line.N, err)
}

// encode turns an input line into a spill line: a JSON array holding the
// key followed by the record's values, and a newline.
func (p *Partitioner) encode(data []byte) (string, []byte, error) {
	rec, err := p.Schema.DecodeJSON(data)
	if err != nil {
		return "", nil, err
	}
	key, err := p.keys.Extract(rec)
	if err != nil {
		return "", nil, err
	}
	row, err := p.Schema.EncodeRow(rec)
	if err != nil {
		return "", nil, err
	}
	kj, err := json.Marshal(key)
	if err != nil {
		return "", nil, errors.Wrap(err, "encoding key")
	}
	out := make([]byte, 0, len(kj)+len(row)+2)
	out = append(out, '[')
	out = append(out, kj...)
	out = append(out, ',')
	out = append(out, row[1:]...)
	out = append(out, '\n')
	return key, out, nil
}

func (p *Partitioner) output(partition int, line []byte) error {
	p.outputLocks[partition].Lock()
	defer p.outputLocks[partition].Unlock()
	p.counts[partition]++
	_, err := p.outputBufs[partition].Write(line)
	return err
}

func (p *Partitioner) closeOutputs() error {
	var first error
	for _, f := range p.outputFiles {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "closing %s", f.Name())
		}
	}
	return first
}

// Spill is the result of partitioning: one file per partition.
type Spill struct {
	Dir        string
	Schema     *keyshard.Schema
	PartitionN int

	// Counts holds the number of records in each partition.
	Counts []uint64

	Read     uint64
	Rejected uint64
}

// Path is the file holding partition i.
func (s *Spill) Path(i int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("partition_%04d.ndjson", i))
}

// Accepted is the number of records that made it into a partition.
func (s *Spill) Accepted() uint64 {
	var n uint64
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Remove deletes the spill files.
func (s *Spill) Remove() error {
	for i := 0; i < s.PartitionN; i++ {
		if err := os.Remove(s.Path(i)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing spill file")
		}
	}
	return nil
}

// ctxErr is checked between lines of long loops that have no other reason
// to look at ctx.
func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
