package extract

import (
	"fmt"
	"strings"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
	"github.com/Martian-dev/inbox-ledger/internal/record"
)

// LabelTable extracts a record from an HTML table whose first column holds
// a fixed set of labels and whose second column holds the values.
type LabelTable struct {
	Schema record.Schema
	Labels map[string]string // label -> field; every label is required
}

// Extract implements Extractor
func (x LabelTable) Extract(parts []mail.Part) (Result, error) {
	var found []map[string]string
	for _, body := range htmlFirst(parts) {
		blocks, err := Tables(strings.NewReader(body))
		if err != nil {
			continue
		}
		for _, b := range blocks {
			if values, ok := x.match(b); ok {
				found = append(found, values)
			}
		}
	}
	if len(found) == 0 {
		return Result{}, &Error{Reason: NoMatchingFormat}
	}

	rec, err := build(x.Schema, found[0])
	if err != nil {
		return Result{}, err
	}
	res := Result{Record: rec}
	if len(found) > 1 {
		res.Warnings = append(res.Warnings, &Error{
			Reason: MultipleCandidateBlocks,
			Err:    fmt.Errorf("%d qualifying tables, kept the first", len(found)),
		})
	}
	return res, nil
}

// match accepts a block only if its first column covers every label
func (x LabelTable) match(b Block) (map[string]string, bool) {
	values := make(map[string]string, len(x.Labels))
	for _, row := range b {
		if len(row) == 0 {
			continue
		}
		field, ok := x.Labels[row[0]]
		if !ok {
			continue
		}
		if _, dup := values[field]; dup {
			continue
		}
		var v string
		if len(row) > 1 {
			v = row[1]
		}
		values[field] = v
	}
	if len(values) < len(x.Labels) {
		return nil, false
	}
	return values, true
}

// htmlFirst orders bodies so text/html parts are tried before anything else
func htmlFirst(parts []mail.Part) []string {
	var first, rest []string
	for _, p := range parts {
		if strings.EqualFold(p.MediaType, mail.MediaTypeHTML) {
			first = append(first, p.Content)
		} else {
			rest = append(rest, p.Content)
		}
	}
	return append(first, rest...)
}
