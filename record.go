// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keyshard

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/molecula/keyshard/errors"
)

// Record is one row of input, aligned with the Fields of its Schema. Each
// value is nil or the Go type of its field: string, int64, float64, bool or
// time.Time (UTC).
type Record []interface{}

// DecodeJSON decodes one input line, a JSON object, into a Record.
//
// Decoding is permissive for individual values: a missing field, a JSON
// null or a value that can't be coerced to the field's type all become nil.
// A line which isn't a JSON object at all is rejected.
func (s *Schema) DecodeJSON(line []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.WithCode(err, errors.ErrRecordRejected, "decoding record")
	}
	if obj == nil {
		return nil, errors.New(errors.ErrRecordRejected, "record is null")
	}
	if dec.More() {
		return nil, errors.New(errors.ErrRecordRejected, "trailing data after record")
	}

	rec := make(Record, len(s.Fields))
	for i, f := range s.Fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			continue
		}
		if cv, ok := coerce(f.Type, v); ok {
			rec[i] = cv
		}
	}
	return rec, nil
}

// EncodeRow writes rec as a compact JSON array. Timestamps are written as
// RFC 3339 strings with nanoseconds, so DecodeRow gives back exactly rec.
func (s *Schema) EncodeRow(rec Record) ([]byte, error) {
	if len(rec) != len(s.Fields) {
		return nil, errors.Newf(errors.ErrSchemaMismatch, "record has %d values, schema has %d fields", len(rec), len(s.Fields))
	}
	row := make([]interface{}, len(rec))
	for i, v := range rec {
		if t, ok := v.(time.Time); ok {
			row[i] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		row[i] = v
	}
	b, err := json.Marshal(row)
	return b, errors.Wrap(err, "encoding row")
}

// DecodeRow is the inverse of EncodeRow. Unlike DecodeJSON it is strict:
// a value of the wrong type is an error, since it means the row wasn't
// written by EncodeRow with this schema.
func (s *Schema) DecodeRow(b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var row []interface{}
	if err := dec.Decode(&row); err != nil {
		return nil, errors.WithCode(err, errors.ErrSchemaMismatch, "decoding row")
	}
	return s.DecodeValues(row)
}

// DecodeValues converts values decoded from a row written by EncodeRow
// (with json.Number for numbers) into a Record.
func (s *Schema) DecodeValues(row []interface{}) (Record, error) {
	if len(row) != len(s.Fields) {
		return nil, errors.Newf(errors.ErrSchemaMismatch, "row has %d values, schema has %d fields", len(row), len(s.Fields))
	}
	rec := make(Record, len(row))
	for i, v := range row {
		if v == nil {
			continue
		}
		cv, ok := coerce(s.Fields[i].Type, v)
		if !ok {
			return nil, errors.Newf(errors.ErrSchemaMismatch, "value %v for field %s is not a %s", v, s.Fields[i].Name, s.Fields[i].Type)
		}
		rec[i] = cv
	}
	return rec, nil
}

// SQLArgs converts rec into arguments for an INSERT into a shard's table.
func (s *Schema) SQLArgs(rec Record) []interface{} {
	args := make([]interface{}, len(rec))
	for i, v := range rec {
		switch v := v.(type) {
		case bool:
			if v {
				args[i] = int64(1)
			} else {
				args[i] = int64(0)
			}
		case time.Time:
			args[i] = v.UTC().Format(time.RFC3339Nano)
		default:
			args[i] = v
		}
	}
	return args
}

// FromSQL converts values scanned out of a shard's table back into a
// Record.
func (s *Schema) FromSQL(vals []interface{}) (Record, error) {
	if len(vals) != len(s.Fields) {
		return nil, errors.Newf(errors.ErrSchemaMismatch, "row has %d columns, schema has %d fields", len(vals), len(s.Fields))
	}
	rec := make(Record, len(vals))
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if v == nil {
			continue
		}
		cv, ok := coerce(s.Fields[i].Type, v)
		if !ok {
			return nil, errors.Newf(errors.ErrSchemaMismatch, "column %s: can't read %T as %s", s.Fields[i].Name, v, s.Fields[i].Type)
		}
		rec[i] = cv
	}
	return rec, nil
}

// coerce converts a decoded JSON or SQL value to the Go type of ft.
func coerce(ft FieldType, v interface{}) (interface{}, bool) {
	switch ft {
	case FieldTypeString:
		switch v := v.(type) {
		case string:
			return v, true
		case json.Number:
			return v.String(), true
		case bool:
			return strconv.FormatBool(v), true
		case int64:
			return strconv.FormatInt(v, 10), true
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), true
		}
	case FieldTypeInt:
		switch v := v.(type) {
		case int64:
			return v, true
		case json.Number:
			return parseInt(v.String())
		case string:
			return parseInt(strings.TrimSpace(v))
		case float64:
			return floatToInt(v)
		}
	case FieldTypeFloat:
		switch v := v.(type) {
		case float64:
			return v, true
		case int64:
			return float64(v), true
		case json.Number:
			return parseFloat(v.String())
		case string:
			return parseFloat(strings.TrimSpace(v))
		}
	case FieldTypeBool:
		switch v := v.(type) {
		case bool:
			return v, true
		case int64:
			return v != 0, true
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			return b, err == nil
		}
	case FieldTypeTimestamp:
		switch v := v.(type) {
		case time.Time:
			return v.UTC(), true
		case json.Number:
			return parseEpoch(v.String())
		case int64:
			return time.Unix(v, 0).UTC(), true
		case string:
			s := strings.TrimSpace(v)
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UTC(), true
			}
			return parseEpoch(s)
		}
	}
	return nil, false
}

func parseInt(s string) (interface{}, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	// 1e3 and 12.0 are integral even though they don't look it.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return floatToInt(f)
}

func floatToInt(f float64) (interface{}, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, false
	}
	return int64(f), true
}

func parseFloat(s string) (interface{}, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

// parseEpoch reads seconds since the epoch, with an optional fraction.
func parseEpoch(s string) (interface{}, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
