package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-ledger/internal/rate"
	"github.com/Martian-dev/inbox-ledger/internal/record"
)

var (
	ErrEmptySink      = errors.New("sink has no rows")
	ErrMalformedTable = errors.New("sink table malformed")
	ErrSinkWrite      = errors.New("sink write failed")
)

// Sheet is the storage primitive behind a sink: a single worksheet addressed
// in A1 notation. Row 1 is the header, rows 2+ are data.
type Sheet interface {
	Name() string
	Values(ctx context.Context) ([][]string, error)
	Update(ctx context.Context, rng string, rows [][]string) error
	Clear(ctx context.Context) error
}

// Table is the persisted table as read back from a Sheet
type Table struct {
	Header  []string
	Records []record.Record
}

// Len returns the number of data rows
func (t Table) Len() int { return len(t.Records) }

// Adapter implements read, checkpoint, append and overwrite over a Sheet
type Adapter struct {
	Sheet   Sheet
	Schema  record.Schema
	Limiter rate.Limiter // optional
	Log     logrus.FieldLogger
}

// NewAdapter creates an adapter for schema-shaped rows on sheet
func NewAdapter(sheet Sheet, schema record.Schema, limiter rate.Limiter, log logrus.FieldLogger) *Adapter {
	return &Adapter{Sheet: sheet, Schema: schema, Limiter: limiter, Log: log}
}

// ReadAll returns the full persisted table with timestamps parsed.
// An empty worksheet yields an empty Table.
func (a *Adapter) ReadAll(ctx context.Context) (Table, error) {
	values, err := a.Sheet.Values(ctx)
	if err != nil {
		return Table{}, fmt.Errorf("read %s: %w", a.Sheet.Name(), err)
	}
	if len(values) == 0 {
		return Table{}, nil
	}
	header := values[0]
	if err := a.checkHeader(header); err != nil {
		return Table{}, err
	}
	t := Table{Header: header, Records: make([]record.Record, 0, len(values)-1)}
	for i, row := range values[1:] {
		rec, err := a.Schema.FromRow(header, row)
		if err != nil {
			return Table{}, fmt.Errorf("%w: %s row %d: %w", ErrMalformedTable, a.Sheet.Name(), i+2, err)
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

// checkHeader requires the schema columns first and in schema order, since
// appended rows are written in that order. Extra trailing columns are kept.
func (a *Adapter) checkHeader(header []string) error {
	fields := a.Schema.Fields
	if len(header) < len(fields) {
		return fmt.Errorf("%w: %s: header has %d columns, want %d", ErrMalformedTable, a.Sheet.Name(), len(header), len(fields))
	}
	for i, f := range fields {
		if header[i] != f {
			return fmt.Errorf("%w: %s: column %d is %q, want %q", ErrMalformedTable, a.Sheet.Name(), i+1, header[i], f)
		}
	}
	return nil
}

// LastCheckpoint returns the timestamp of the table's last row in stored order
func (a *Adapter) LastCheckpoint(t Table) (time.Time, error) {
	if t.Len() == 0 {
		return time.Time{}, ErrEmptySink
	}
	return t.Records[t.Len()-1].Time, nil
}

// AppendIfAbsent appends every row whose key is not in existing, one row per
// write, at the next free row position. rows must already be in ascending
// timestamp order. It returns how many rows were written.
func (a *Adapter) AppendIfAbsent(ctx context.Context, rows []record.Record, existing Table) (int, error) {
	keys := make(map[string]struct{}, existing.Len())
	for _, r := range existing.Records {
		keys[a.Schema.Key(r)] = struct{}{}
	}

	next := existing.Len() + 2
	appended := 0
	for _, r := range rows {
		key := a.Schema.Key(r)
		if _, dup := keys[key]; dup {
			continue
		}
		rng := fmt.Sprintf("A%d", next)
		if err := a.write(ctx, rng, [][]string{a.Schema.Row(r)}); err != nil {
			return appended, err
		}
		keys[key] = struct{}{}
		next++
		appended++
		a.Log.WithFields(logrus.Fields{"worksheet": a.Sheet.Name(), "range": rng, "key": key}).Info("appended row")
	}
	a.Log.WithFields(logrus.Fields{"worksheet": a.Sheet.Name(), "appended": appended}).Info("append complete")
	return appended, nil
}

// OverwriteAll clears the worksheet and writes header and rows from scratch
func (a *Adapter) OverwriteAll(ctx context.Context, rows []record.Record) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	if err := a.Sheet.Clear(ctx); err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrSinkWrite, a.Sheet.Name(), err)
	}
	header := slices.Clone(a.Schema.Fields)
	if err := a.write(ctx, "A1", [][]string{header}); err != nil {
		return err
	}
	if len(rows) > 0 {
		table := record.Table{Schema: a.Schema, Records: rows}
		if err := a.write(ctx, "A2", table.Rows()); err != nil {
			return err
		}
	}
	a.Log.WithFields(logrus.Fields{"worksheet": a.Sheet.Name(), "rows": len(rows)}).Info("overwrite complete")
	return nil
}

func (a *Adapter) write(ctx context.Context, rng string, rows [][]string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	if err := a.Sheet.Update(ctx, rng, rows); err != nil {
		return fmt.Errorf("%w: update %s!%s: %w", ErrSinkWrite, a.Sheet.Name(), rng, err)
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.Limiter == nil {
		return nil
	}
	return a.Limiter.Wait(ctx)
}
