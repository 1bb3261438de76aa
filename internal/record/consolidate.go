package record

import "sort"

// Table is an ordered set of records: ascending by event timestamp, one per key
type Table struct {
	Schema  Schema
	Records []Record
}

// Len returns the number of records
func (t Table) Len() int { return len(t.Records) }

// Rows renders every record in column order
func (t Table) Rows() [][]string {
	rows := make([][]string, 0, len(t.Records))
	for _, r := range t.Records {
		rows = append(rows, t.Schema.Row(r))
	}
	return rows
}

// Consolidate merges a batch of records into one ordered table.
// Malformed records are dropped, the rest are stable-sorted by timestamp,
// the first record per unique key wins and extra fields are projected away.
func Consolidate(s Schema, records []Record) Table {
	valid := make([]Record, 0, len(records))
	for _, r := range records {
		if s.Valid(r) {
			valid = append(valid, r)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Time.Before(valid[j].Time)
	})

	seen := make(map[string]struct{}, len(valid))
	out := Table{Schema: s, Records: make([]Record, 0, len(valid))}
	for _, r := range valid {
		key := s.Key(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Records = append(out.Records, project(s, r))
	}
	return out
}

func project(s Schema, r Record) Record {
	fields := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		fields[f] = r.Fields[f]
	}
	return Record{Fields: fields, Time: r.Time}
}
