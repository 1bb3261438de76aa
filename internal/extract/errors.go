package extract

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Reason classifies why a message produced no record
type Reason string

const (
	NoMatchingFormat        Reason = "no_matching_format"
	MissingField            Reason = "missing_field"
	TimestampParseFailure   Reason = "timestamp_parse_failure"
	MultipleCandidateBlocks Reason = "multiple_candidate_blocks"
)

// Error is an extraction failure local to one message.
// Partial holds whatever fields were matched before the failure.
type Error struct {
	Reason  Reason
	Field   string
	Partial map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("extract: ")
	b.WriteString(string(e.Reason))
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Partial) > 0 {
		keys := make([]string, 0, len(e.Partial))
		for k := range e.Partial {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "; matched %s", strings.Join(keys, ","))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf returns the extraction reason carried by err, if any
func ReasonOf(err error) (Reason, bool) {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Reason, true
	}
	return "", false
}
