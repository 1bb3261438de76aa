package record

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// TimestampLayout is how event timestamps are stored as text in the sink
const TimestampLayout = "2006-01-02 15:04:05"

var (
	ErrMissingField   = errors.New("missing field")
	ErrTimestampParse = errors.New("timestamp parse failure")
)

// Schema describes one kind of canonical record
type Schema struct {
	Name        string
	Fields      []string // output column order
	TimeField   string   // event timestamp, used for ordering
	KeyField    string   // unique key, used for deduplication
	TimeLayouts []string // layouts accepted when a record is built from extracted text
	Optional    []string // fields that may be empty
}

// Record is a validated, field-complete canonical record
type Record struct {
	Fields map[string]string
	Time   time.Time
}

// Key returns the unique key value of the record
func (s Schema) Key(r Record) string {
	return r.Fields[s.KeyField]
}

// New validates extracted values and builds a Record.
// Every schema field must be present and non-empty, except optional ones,
// and the timestamp must parse.
func (s Schema) New(values map[string]string) (Record, error) {
	for _, f := range s.Fields {
		if strings.TrimSpace(values[f]) == "" && !s.optional(f) {
			return Record{}, fmt.Errorf("%w: %s", ErrMissingField, f)
		}
	}
	ts, err := s.ParseTime(values[s.TimeField])
	if err != nil {
		return Record{}, err
	}
	fields := make(map[string]string, len(values))
	for k, v := range values {
		fields[k] = strings.TrimSpace(v)
	}
	for _, f := range s.Optional {
		if _, ok := fields[f]; !ok {
			fields[f] = ""
		}
	}
	fields[s.TimeField] = ts.Format(TimestampLayout)
	return Record{Fields: fields, Time: ts}, nil
}

func (s Schema) optional(field string) bool {
	return field != s.TimeField && field != s.KeyField && slices.Contains(s.Optional, field)
}

// ParseTime parses an extracted timestamp with the schema's layouts
func (s Schema) ParseTime(v string) (time.Time, error) {
	v = strings.Join(strings.Fields(v), " ")
	for _, layout := range s.TimeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s=%q", ErrTimestampParse, s.TimeField, v)
}

// Valid reports whether r carries every schema field and a timestamp
func (s Schema) Valid(r Record) bool {
	if r.Time.IsZero() || r.Fields == nil {
		return false
	}
	for _, f := range s.Fields {
		if r.Fields[f] == "" && !s.optional(f) {
			return false
		}
	}
	return true
}

// Row renders r in column order for the sink
func (s Schema) Row(r Record) []string {
	row := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		if f == s.TimeField {
			row[i] = r.Time.Format(TimestampLayout)
			continue
		}
		row[i] = r.Fields[f]
	}
	return row
}

// FromRow parses a stored sink row back into a Record
func (s Schema) FromRow(header, row []string) (Record, error) {
	fields := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(row) {
			fields[h] = row[i]
		}
	}
	ts, err := time.Parse(TimestampLayout, strings.TrimSpace(fields[s.TimeField]))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s=%q", ErrTimestampParse, s.TimeField, fields[s.TimeField])
	}
	return Record{Fields: fields, Time: ts}, nil
}
