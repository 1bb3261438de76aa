package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSourceUnavailable wraps every transport or auth failure of a Source
var ErrSourceUnavailable = errors.New("message source unavailable")

// DateLayout is the day-granular layout used in provider queries
const DateLayout = "2006/01/02"

// Media types the extractors look for
const (
	MediaTypeHTML  = "text/html"
	MediaTypePlain = "text/plain"
)

// Part is one decoded content part of a message body
type Part struct {
	MediaType string
	Content   string
}

// RawMessage is a message as fetched from a provider, normalized across providers
type RawMessage struct {
	ID         string // provider ID (Gmail: Id, Outlook: id, IMAP: UID)
	Sender     string
	Subject    string
	Parts      []Part
	ReceivedAt time.Time
}

// Body returns the first part of the given media type
func (m RawMessage) Body(mediaType string) (string, bool) {
	for _, p := range m.Parts {
		if strings.EqualFold(p.MediaType, mediaType) {
			return p.Content, true
		}
	}
	return "", false
}

// Filter bounds a fetch. Zero values mean "no bound"; MaxCount 0 is unbounded.
type Filter struct {
	Sender   string
	Subject  string
	After    time.Time
	Before   time.Time
	MaxCount int
}

// Query renders the filter as a Gmail-style search string
func (f Filter) Query() string {
	var parts []string
	if f.Sender != "" {
		parts = append(parts, "from:"+f.Sender)
	}
	if !f.Before.IsZero() {
		parts = append(parts, "before:"+f.Before.Format(DateLayout))
	}
	if !f.After.IsZero() {
		parts = append(parts, "after:"+f.After.Format(DateLayout))
	}
	if f.Subject != "" {
		parts = append(parts, "subject:"+quoteTerm(f.Subject))
	}
	return strings.Join(parts, " ")
}

func quoteTerm(s string) string {
	if !strings.ContainsAny(s, " \t") || strings.HasPrefix(s, `"`) {
		return s
	}
	return `"` + s + `"`
}

// Unbounded returns a copy of the filter without date bounds or limit
func (f Filter) Unbounded() Filter {
	return Filter{Sender: f.Sender, Subject: f.Subject}
}

// Source fetches raw messages from a mail provider.
// Returned order is provider-native and must not be relied upon.
type Source interface {
	Fetch(ctx context.Context, f Filter) ([]RawMessage, error)
}

// Unavailable classifies err as a source failure
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, op, err)
}
