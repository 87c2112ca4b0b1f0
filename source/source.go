// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package source reads raw input records. A Source hands out batches of
// undecoded lines so that decoding can happen in parallel in the caller's
// workers. Sources are finite and restartable: every call to Batches reads
// the input again from the start.
package source

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/molecula/keyshard/errors"
)

// Line is one raw input record and where it came from.
type Line struct {
	File string
	N    int // 1-based line number within File
	Data []byte

	// Err is set, with code ErrRecordRejected, for a line that couldn't be
	// read whole. Data is nil then.
	Err error
}

// Batch is a group of lines read together.
type Batch []Line

// Source is implemented by anything that can produce input lines.
type Source interface {
	// Batches sends every line of the source to out, in batches of at most
	// size lines, and returns when the source is exhausted or ctx is done.
	// It does not close out.
	Batches(ctx context.Context, size int, out chan<- Batch) error
}

// DefaultMaxLineSize bounds a single record. Reddit comment dumps have
// multi-kilobyte bodies; a megabyte leaves plenty of room.
const DefaultMaxLineSize = 1 << 20

// Files reads newline delimited records from files. Each entry of Paths
// may be a file, a directory (read recursively) or a glob pattern.
type Files struct {
	Paths       []string
	MaxLineSize int
}

// NewFiles returns a Files source reading paths.
func NewFiles(paths ...string) *Files {
	return &Files{Paths: paths, MaxLineSize: DefaultMaxLineSize}
}

// Resolve expands Paths into a sorted, deduplicated list of files. Hidden
// files (names starting with ".") found while walking directories are
// skipped.
func (f *Files) Resolve() ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, p := range f.Paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, errors.WithCode(err, errors.ErrInvalidConfig, "bad input pattern "+p)
		}
		if len(matches) == 0 {
			return nil, errors.Newf(errors.ErrInvalidConfig, "no input files match %s", p)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, errors.Wrapf(err, "stat %s", m)
			}
			if !info.IsDir() {
				add(m)
				continue
			}
			walkfunc := func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if path != m && strings.HasPrefix(d.Name(), ".") {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				if !d.IsDir() {
					add(path)
				}
				return nil
			}
			if err := filepath.WalkDir(m, walkfunc); err != nil {
				return nil, errors.Wrapf(err, "walking %s", m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Batches implements Source.
func (f *Files) Batches(ctx context.Context, size int, out chan<- Batch) error {
	files, err := f.Resolve()
	if err != nil {
		return err
	}
	for _, fname := range files {
		if err := f.readFile(ctx, fname, size, out); err != nil {
			return err
		}
	}
	return nil
}

func (f *Files) readFile(ctx context.Context, fname string, size int, out chan<- Batch) error {
	fh, err := os.Open(fname)
	if err != nil {
		return errors.Wrapf(err, "opening %s", fname)
	}
	defer fh.Close()
	return errors.Wrapf(scanLines(ctx, fname, fh, size, f.MaxLineSize, out), "reading %s", fname)
}

// scanLines is the batching loop shared by all sources. Blank lines are
// skipped. A line longer than maxLine is discarded and sent with Err set,
// so that the caller can count it and carry on.
func scanLines(ctx context.Context, name string, r io.Reader, size, maxLine int, out chan<- Batch) error {
	if size <= 0 {
		size = 1
	}
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	initial := 64 * 1024
	if maxLine < initial {
		initial = maxLine
	}
	br := bufio.NewReaderSize(r, initial)

	send := func(b Batch) error {
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n := 0
	batch := make(Batch, 0, size)
	var buf []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// partial line; the rest follows in the next chunks
			if !tooLong {
				if len(buf)+len(chunk) > maxLine {
					tooLong, buf = true, nil
				} else {
					buf = append(buf, chunk...)
				}
			}
			continue
		} else if err != nil && err != io.EOF {
			return errors.Wrapf(err, "reading line %d", n+1)
		}

		if len(chunk) > 0 || len(buf) > 0 || tooLong {
			n++
			var line Line
			if !tooLong {
				// must copy, ReadSlice's result is only valid until the next read
				data := append(buf, chunk...)
				data = bytes.TrimSuffix(bytes.TrimSuffix(data, []byte("\n")), []byte("\r"))
				if len(data) > maxLine {
					tooLong = true
				} else {
					line = Line{File: name, N: n, Data: data}
				}
			}
			if tooLong {
				line = Line{File: name, N: n, Err: errors.Newf(errors.ErrRecordRejected, "line is longer than %d bytes", maxLine)}
			}
			buf, tooLong = nil, false

			if line.Err != nil || len(bytes.TrimSpace(line.Data)) > 0 {
				batch = append(batch, line)
				if len(batch) == size {
					if err := send(batch); err != nil {
						return err
					}
					batch = make(Batch, 0, size)
				}
			}
		}
		if err == io.EOF {
			break
		}
	}
	if len(batch) > 0 {
		return send(batch)
	}
	return nil
}

// Reader wraps a single io.Reader, e.g. stdin or an in-memory buffer. It
// can only be read once unless Open is set, in which case Open is called
// for every pass.
type Reader struct {
	Name        string
	R           io.Reader
	Open        func() (io.ReadCloser, error)
	MaxLineSize int
}

// Batches implements Source.
func (r *Reader) Batches(ctx context.Context, size int, out chan<- Batch) error {
	if r.Open == nil {
		if r.R == nil {
			return errors.New(errors.ErrInvalidConfig, "reader source has no input")
		}
		err := scanLines(ctx, r.Name, r.R, size, r.MaxLineSize, out)
		r.R = nil
		return err
	}
	rc, err := r.Open()
	if err != nil {
		return errors.Wrapf(err, "opening %s", r.Name)
	}
	defer rc.Close()
	return scanLines(ctx, r.Name, rc, size, r.MaxLineSize, out)
}

// Lines is an in-memory source, mostly for tests.
type Lines []string

// Batches implements Source.
func (l Lines) Batches(ctx context.Context, size int, out chan<- Batch) error {
	return scanLines(ctx, "lines", strings.NewReader(strings.Join(l, "\n")), size, DefaultMaxLineSize, out)
}
