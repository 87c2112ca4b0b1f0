// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keyshard

import (
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml"

	"github.com/molecula/keyshard/errors"
)

// FieldType is the type of a single column of a record.
type FieldType int

const (
	FieldTypeString FieldType = iota
	FieldTypeInt
	FieldTypeFloat
	FieldTypeBool
	FieldTypeTimestamp
)

var fieldTypeNames = [...]string{
	FieldTypeString:    "string",
	FieldTypeInt:       "int",
	FieldTypeFloat:     "float",
	FieldTypeBool:      "bool",
	FieldTypeTimestamp: "timestamp",
}

func (t FieldType) String() string {
	if t < 0 || int(t) >= len(fieldTypeNames) {
		return "unknown"
	}
	return fieldTypeNames[t]
}

// MarshalText writes the type's name.
func (t FieldType) MarshalText() ([]byte, error) {
	if t.String() == "unknown" {
		return nil, errors.Newf(errors.ErrInvalidConfig, "unknown field type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name as written in a schema file.
func (t *FieldType) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	switch name {
	case "integer", "long":
		name = "int"
	case "text":
		name = "string"
	case "boolean":
		name = "bool"
	case "double", "real":
		name = "float"
	}
	for i, n := range fieldTypeNames {
		if n == name {
			*t = FieldType(i)
			return nil
		}
	}
	return errors.Newf(errors.ErrInvalidConfig, "unknown field type %q", text)
}

// SQLType is the column type used for the field in a shard's table.
// Booleans are stored as 0/1 and timestamps as RFC 3339 text, the usual
// SQLite conventions.
func (t FieldType) SQLType() string {
	switch t {
	case FieldTypeInt, FieldTypeBool:
		return "INTEGER"
	case FieldTypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Field is a named, typed column.
type Field struct {
	Name string    `toml:"name"`
	Type FieldType `toml:"type"`
}

// Schema describes every record of a run: the table the records are stored
// in, the ordered list of their fields, and which field is the partition
// key. It is shared by the key extractor, the shard writer and the table
// definition, and is checked once where records are first read.
type Schema struct {
	Table    string  `toml:"table"`
	KeyField string  `toml:"key-field"`
	Fields   []Field `toml:"fields"`
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that the schema can be turned into a table.
func (s *Schema) Validate() error {
	if !identRE.MatchString(s.Table) {
		return errors.Newf(errors.ErrInvalidConfig, "invalid table name %q", s.Table)
	}
	if len(s.Fields) == 0 {
		return errors.New(errors.ErrInvalidConfig, "schema has no fields")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if !identRE.MatchString(f.Name) {
			return errors.Newf(errors.ErrInvalidConfig, "invalid field name %q", f.Name)
		}
		lower := strings.ToLower(f.Name)
		if _, ok := seen[lower]; ok {
			return errors.Newf(errors.ErrInvalidConfig, "duplicate field %q", f.Name)
		}
		seen[lower] = struct{}{}
		if f.Type.String() == "unknown" {
			return errors.Newf(errors.ErrInvalidConfig, "field %q has unknown type %d", f.Name, int(f.Type))
		}
	}
	if s.FieldIndex(s.KeyField) < 0 {
		return errors.Newf(errors.ErrInvalidConfig, "key field %q is not in the schema", s.KeyField)
	}
	return nil
}

// FieldIndex returns the position of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Clone returns a deep copy, so callers can override the key field without
// touching a shared schema.
func (s *Schema) Clone() *Schema {
	other := *s
	other.Fields = append([]Field(nil), s.Fields...)
	return &other
}

// LoadSchema reads a schema from a TOML file:
//
//	table = "comments"
//	key-field = "author"
//
//	[[fields]]
//	name = "author"
//	type = "string"
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading schema file %s", path)
	}
	s := &Schema{}
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, errors.WithCode(err, errors.ErrInvalidConfig, "parsing schema file "+path)
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "schema file %s", path)
	}
	return s, nil
}

// TOML writes the schema in the format LoadSchema reads.
func (s *Schema) TOML() ([]byte, error) {
	b, err := toml.Marshal(*s)
	return b, errors.Wrap(err, "marshalling schema")
}

// RedditCommentSchema is the schema of a reddit comment dump, keyed by
// author. This is the default schema.
func RedditCommentSchema() *Schema {
	return &Schema{
		Table:    "comments",
		KeyField: "author",
		Fields: []Field{
			{"author", FieldTypeString},
			{"author_flair_css_class", FieldTypeString},
			{"author_flair_text", FieldTypeString},
			{"body", FieldTypeString},
			{"can_gild", FieldTypeString},
			{"controversiality", FieldTypeInt},
			{"created_utc", FieldTypeInt},
			{"distinguished", FieldTypeString},
			{"edited", FieldTypeBool},
			{"gilded", FieldTypeInt},
			{"id", FieldTypeString},
			{"is_submitter", FieldTypeBool},
			{"link_id", FieldTypeString},
			{"parent_id", FieldTypeString},
			{"permalink", FieldTypeString},
			{"retrieved_on", FieldTypeInt},
			{"score", FieldTypeInt},
			{"stickied", FieldTypeBool},
			{"subreddit", FieldTypeString},
			{"subreddit_id", FieldTypeString},
			{"subreddit_type", FieldTypeString},
		},
	}
}
