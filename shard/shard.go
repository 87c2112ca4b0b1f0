// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package shard writes and reads shard stores: one SQLite database per key
// holding a single table with every record of that key.
package shard

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/errors"
	"github.com/molecula/keyshard/logger"
)

const driverName = "sqlite"

// sidecar files SQLite may leave next to a database.
var sidecars = []string{"-journal", "-wal", "-shm"}

// Path is where the shard with the given id lives in dir.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("shard_%d.db", id))
}

// Writer writes shards into Dir. A Writer is safe for concurrent use as
// long as no two callers write the same shard id.
type Writer struct {
	Dir    string
	Schema *keyshard.Schema

	// Fsync makes SQLite sync the shard to disk on commit. Without it
	// synchronous=OFF and an in-memory journal are used, which is much
	// faster for bulk loads.
	Fsync bool

	Logger logger.Logger

	createSQL string
	insertSQL string
}

// NewWriter returns a Writer for schema, creating dir if needed.
func NewWriter(dir string, schema *keyshard.Schema, fsync bool, log logger.Logger) (*Writer, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WithCode(err, errors.ErrInvalidConfig, "creating shard directory "+dir)
	}
	if log == nil {
		log = logger.NopLogger
	}
	return &Writer{
		Dir:       dir,
		Schema:    schema,
		Fsync:     fsync,
		Logger:    log,
		createSQL: CreateTableSQL(schema),
		insertSQL: InsertSQL(schema),
	}, nil
}

// CreateTableSQL is the statement creating schema's table.
func CreateTableSQL(s *keyshard.Schema) string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = fmt.Sprintf("%q %s", f.Name, f.Type.SQLType())
	}
	return fmt.Sprintf("CREATE TABLE %q (%s)", s.Table, strings.Join(cols, ", "))
}

// InsertSQL is the statement inserting one record into schema's table.
func InsertSQL(s *keyshard.Schema) string {
	return fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		s.Table,
		quotedNames(s),
		strings.TrimSuffix(strings.Repeat("?, ", len(s.Fields)), ", "))
}

func quotedNames(s *keyshard.Schema) string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = fmt.Sprintf("%q", f.Name)
	}
	return strings.Join(cols, ", ")
}

// Path is where the shard with the given id lives.
func (w *Writer) Path(id uint64) string {
	return Path(w.Dir, id)
}

// Write replaces the shard with the given id by a new store holding recs,
// all of which belong to key. Any store already at the shard's path is
// removed first, so on failure the shard is absent rather than stale. The
// returned error has code ErrShardWriteFailed.
func (w *Writer) Write(ctx context.Context, id uint64, key string, recs []keyshard.Record) (keyshard.ShardSummary, error) {
	path := w.Path(id)
	if err := w.write(ctx, path, recs); err != nil {
		return keyshard.ShardSummary{}, errors.WithCode(err, errors.ErrShardWriteFailed, fmt.Sprintf("writing shard %d for key %q", id, key))
	}
	w.Logger.Debugf("wrote shard %d for key %q: %d rows", id, key, len(recs))
	return keyshard.ShardSummary{
		Key:       key,
		RowCount:  uint64(len(recs)),
		ShardID:   id,
		ShardPath: path,
	}, nil
}

func (w *Writer) write(ctx context.Context, path string, recs []keyshard.Record) (err error) {
	if err := Remove(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := Remove(tmp); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := Remove(tmp); rerr != nil {
				w.Logger.Warnf("removing partial shard %s: %v", tmp, rerr)
			}
		}
	}()

	if err := w.build(ctx, tmp, recs); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "renaming shard into place")
	}
	return nil
}

// build creates a new database at path holding recs. The database is
// closed when build returns.
func (w *Writer) build(ctx context.Context, path string, recs []keyshard.Record) (err error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return errors.Wrap(err, "opening shard")
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing shard")
		}
	}()
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA synchronous=FULL", "PRAGMA journal_mode=DELETE"}
	if !w.Fsync {
		pragmas = []string{"PRAGMA synchronous=OFF", "PRAGMA journal_mode=MEMORY"}
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "executing %s", p)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, w.createSQL); err != nil {
		return errors.Wrap(err, "creating table")
	}
	stmt, err := tx.PrepareContext(ctx, w.insertSQL)
	if err != nil {
		return errors.Wrap(err, "preparing insert")
	}
	defer stmt.Close()
	for i, rec := range recs {
		if len(rec) != len(w.Schema.Fields) {
			return errors.Newf(errors.ErrSchemaMismatch, "record %d has %d values, schema has %d fields", i, len(rec), len(w.Schema.Fields))
		}
		if _, err := stmt.ExecContext(ctx, w.Schema.SQLArgs(rec)...); err != nil {
			return errors.Wrapf(err, "inserting record %d", i)
		}
	}

	var n uint64
	if err := tx.QueryRowContext(ctx, countSQL(w.Schema.Table)).Scan(&n); err != nil {
		return errors.Wrap(err, "counting rows")
	} else if n != uint64(len(recs)) {
		return errors.Errorf("shard holds %d rows, expected %d", n, len(recs))
	}
	return errors.Wrap(tx.Commit(), "committing")
}

// Remove deletes the store at path and any SQLite sidecar files. A missing
// store is not an error.
func Remove(path string) error {
	for _, p := range append([]string{path}, sidecarPaths(path)...) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %s", p)
		}
	}
	return nil
}

func sidecarPaths(path string) []string {
	paths := make([]string, len(sidecars))
	for i, s := range sidecars {
		paths[i] = path + s
	}
	return paths
}

func countSQL(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %q", table)
}

// openReadOnly opens an existing shard without creating it.
func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "opening shard")
	}
	db, err := sql.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrap(err, "opening shard")
	}
	return db, nil
}

// CountRows returns the number of rows in table of the shard at path.
func CountRows(ctx context.Context, path, table string) (n uint64, err error) {
	db, err := openReadOnly(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	err = db.QueryRowContext(ctx, countSQL(table)).Scan(&n)
	return n, errors.Wrapf(err, "counting rows of %s", path)
}

// ReadRows returns every record of the shard at path in insertion order.
func ReadRows(ctx context.Context, path string, schema *keyshard.Schema) ([]keyshard.Record, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %q ORDER BY rowid", quotedNames(schema), schema.Table))
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", path)
	}
	defer rows.Close()

	var recs []keyshard.Record
	vals := make([]interface{}, len(schema.Fields))
	ptrs := make([]interface{}, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}
		rec, err := schema.FromSQL(vals)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, errors.Wrap(rows.Err(), "reading rows")
}
