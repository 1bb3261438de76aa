package extract

import (
	"strings"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
	"github.com/Martian-dev/inbox-ledger/internal/record"
)

// Marker locates one field in a plain-text body
type Marker struct {
	Text     string
	Field    string
	NextLine bool // value is the following line instead of the rest of this one
}

// Markers extracts a record from a plain-text body by scanning forward for
// an ordered list of markers. After the last marker an optional free-text
// section is collected between Separator and a line containing Terminator.
type Markers struct {
	Schema      record.Schema
	Markers     []Marker
	Separator   string
	Terminator  string
	Description string // field receiving the free-text section; empty disables it
}

// Extract implements Extractor
func (x Markers) Extract(parts []mail.Part) (Result, error) {
	body, ok := plainFirst(parts)
	if !ok {
		return Result{}, &Error{Reason: NoMatchingFormat}
	}
	values, err := x.scan(body)
	if err != nil {
		return Result{}, err
	}
	rec, err := build(x.Schema, values)
	if err != nil {
		return Result{}, err
	}
	return Result{Record: rec}, nil
}

func (x Markers) scan(body string) (map[string]string, error) {
	cur := newCursor(body)
	values := make(map[string]string, len(x.Markers)+1)
	missing := func(field string) error {
		return &Error{Reason: MissingField, Field: field, Partial: values}
	}

	for _, m := range x.Markers {
		line, ok := cur.seek(m.Text)
		if !ok {
			return nil, missing(m.Field)
		}
		if m.NextLine {
			next, ok := cur.advance()
			if !ok {
				return nil, missing(m.Field)
			}
			values[m.Field] = strings.TrimSpace(next)
			continue
		}
		values[m.Field] = strings.TrimSpace(line[strings.LastIndex(line, m.Text)+len(m.Text):])
	}

	if x.Description == "" {
		return values, nil
	}
	if _, ok := cur.seek(x.Separator); !ok {
		return nil, missing(x.Description)
	}
	var descr []string
	for {
		line, ok := cur.advance()
		if !ok {
			return nil, missing(x.Description)
		}
		if strings.Contains(line, x.Separator) {
			continue
		}
		if strings.Contains(line, x.Terminator) {
			break
		}
		if t := strings.TrimSpace(line); t != "" {
			descr = append(descr, t)
		}
	}
	values[x.Description] = strings.Join(descr, "\n")
	return values, nil
}

// cursor walks lines forward only; it never revisits a line before pos
type cursor struct {
	lines []string
	pos   int
}

func newCursor(body string) *cursor {
	return &cursor{lines: strings.Split(body, "\n")}
}

// seek moves to the first line at or after the current one containing s
func (c *cursor) seek(s string) (string, bool) {
	for ; c.pos < len(c.lines); c.pos++ {
		if strings.Contains(c.lines[c.pos], s) {
			return c.lines[c.pos], true
		}
	}
	return "", false
}

// advance moves to the next line
func (c *cursor) advance() (string, bool) {
	if c.pos+1 >= len(c.lines) {
		c.pos = len(c.lines)
		return "", false
	}
	c.pos++
	return c.lines[c.pos], true
}

func plainFirst(parts []mail.Part) (string, bool) {
	for _, p := range parts {
		if strings.EqualFold(p.MediaType, mail.MediaTypePlain) {
			return p.Content, true
		}
	}
	return "", false
}
