package extract

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
	"github.com/Martian-dev/inbox-ledger/internal/record"
)

var ErrUnknownKind = errors.New("unknown source kind")

// Result is a successful extraction plus any non-fatal diagnostics
type Result struct {
	Record   record.Record
	Warnings []*Error
}

// Extractor turns one message body into a canonical record
type Extractor interface {
	Extract(parts []mail.Part) (Result, error)
}

// Profile binds a source kind to its mail filter, record schema and extraction strategy
type Profile struct {
	Kind      string
	Filter    mail.Filter
	Schema    record.Schema
	Extractor Extractor
}

// Registry is the lookup table of profiles keyed by kind
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry returns a registry holding the given profiles
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a profile. Kinds are unique.
func (r *Registry) Register(p Profile) error {
	if p.Kind == "" || p.Extractor == nil {
		return fmt.Errorf("register profile %q: kind and extractor are required", p.Kind)
	}
	if _, exists := r.profiles[p.Kind]; exists {
		return fmt.Errorf("register profile %q: already registered", p.Kind)
	}
	r.profiles[p.Kind] = p
	return nil
}

// Lookup returns the profile registered for kind
func (r *Registry) Lookup(kind string) (Profile, error) {
	p, ok := r.profiles[kind]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return p, nil
}

// FilterFor returns the sender/subject filter of kind
func (r *Registry) FilterFor(kind string) (mail.Filter, error) {
	p, err := r.Lookup(kind)
	if err != nil {
		return mail.Filter{}, err
	}
	return p.Filter, nil
}

// Override replaces the filter of an already registered kind
func (r *Registry) Override(kind string, f mail.Filter) error {
	p, err := r.Lookup(kind)
	if err != nil {
		return err
	}
	p.Filter = f
	r.profiles[kind] = p
	return nil
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.profiles))
	for k := range r.profiles {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// build validates values against schema and maps record errors to extraction reasons
func build(s record.Schema, values map[string]string) (record.Record, error) {
	rec, err := s.New(values)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, record.ErrTimestampParse):
		return record.Record{}, &Error{Reason: TimestampParseFailure, Field: s.TimeField, Partial: values, Err: err}
	default:
		return record.Record{}, &Error{Reason: MissingField, Partial: values, Err: err}
	}
}
