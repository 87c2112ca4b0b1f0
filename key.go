// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keyshard

import (
	"strconv"
	"time"

	"github.com/molecula/keyshard/errors"
)

// MaxKeySize is the longest key, in bytes, that can be sharded. It is the
// key size limit of the store used to rank keys, which also can't hold
// zero-length keys.
const MaxKeySize = 32768

// KeyExtractor pulls the partition key out of records of one schema.
type KeyExtractor struct {
	field string
	pos   int
}

// NewKeyExtractor returns an extractor for s's key field.
func NewKeyExtractor(s *Schema) (*KeyExtractor, error) {
	pos := s.FieldIndex(s.KeyField)
	if pos < 0 {
		return nil, errors.Newf(errors.ErrInvalidConfig, "key field %q is not in the schema", s.KeyField)
	}
	return &KeyExtractor{field: s.KeyField, pos: pos}, nil
}

// Field is the name of the key field.
func (k *KeyExtractor) Field() string { return k.field }

// Extract returns the canonical string form of rec's key. Records whose key
// is missing, null, empty or too long are rejected with ErrRecordRejected.
func (k *KeyExtractor) Extract(rec Record) (string, error) {
	if k.pos >= len(rec) {
		return "", errors.Newf(errors.ErrRecordRejected, "record has no %s field", k.field)
	}
	v := rec[k.pos]
	if v == nil {
		return "", errors.Newf(errors.ErrRecordRejected, "%s is null", k.field)
	}
	key, ok := CanonicalString(v)
	if !ok {
		return "", errors.Newf(errors.ErrRecordRejected, "%s has unsupported type %T", k.field, v)
	}
	if key == "" {
		return "", errors.Newf(errors.ErrRecordRejected, "%s is empty, and the key store can't hold zero-length keys", k.field)
	}
	if len(key) > MaxKeySize {
		return "", errors.Newf(errors.ErrRecordRejected, "%s is %d bytes, longer than the key store limit of %d", k.field, len(key), MaxKeySize)
	}
	return key, nil
}

// CanonicalString is the string form of a key value. Keys are ordered by
// the byte order of this form.
func CanonicalString(v interface{}) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	}
	return "", false
}
