// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/molecula/keyshard"
)

// nullValue is shown in place of nil values; go-pretty doesn't expect nil
// in row data.
const nullValue = "null"

// writeTable renders header and rows as a table on w.
func writeTable(w io.Writer, header []interface{}, rows [][]interface{}) {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault

	if header != nil {
		t.AppendHeader(table.Row(header))
	}
	for _, row := range rows {
		for i := range row {
			if row[i] == nil {
				row[i] = nullValue
			}
		}
		t.AppendRow(table.Row(row))
	}
	t.Render()
}

// writeRecords renders recs as a table with one column per field.
func writeRecords(w io.Writer, schema *keyshard.Schema, recs []keyshard.Record) {
	header := make([]interface{}, len(schema.Fields))
	for i, f := range schema.Fields {
		header[i] = f.Name
	}
	rows := make([][]interface{}, len(recs))
	for i, rec := range recs {
		row := make([]interface{}, len(rec))
		for j, v := range rec {
			if v == nil {
				continue
			}
			if s, ok := keyshard.CanonicalString(v); ok {
				row[j] = s
			} else {
				row[j] = fmt.Sprint(v)
			}
		}
		rows[i] = row
	}
	writeTable(w, header, rows)
}

// loadSchema returns the schema at path, or the reddit comment schema when
// path is empty.
func loadSchema(path string) (*keyshard.Schema, error) {
	if path == "" {
		return keyshard.RedditCommentSchema(), nil
	}
	return keyshard.LoadSchema(path)
}
