package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/inbox-ledger/internal/record"
)

var testSchema = record.Schema{
	Name:        "visits",
	Fields:      []string{"at", "ref", "who"},
	TimeField:   "at",
	KeyField:    "ref",
	TimeLayouts: []string{record.TimestampLayout},
}

var header = []string{"at", "ref", "who"}

func rec(t *testing.T, at, ref, who string) record.Record {
	t.Helper()
	r, err := testSchema.New(map[string]string{"at": at, "ref": ref, "who": who})
	require.NoError(t, err)
	return r
}

func newAdapter(sheet Sheet) *Adapter {
	log, _ := test.NewNullLogger()
	return NewAdapter(sheet, testSchema, nil, log)
}

func TestReadAllEmptySheet(t *testing.T) {
	a := newAdapter(NewMemorySheet("data"))
	tbl, err := a.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len())

	_, err = a.LastCheckpoint(tbl)
	assert.ErrorIs(t, err, ErrEmptySink)
}

func TestReadAllHeaderOnlyIsEmpty(t *testing.T) {
	a := newAdapter(NewMemorySheet("data", header))
	tbl, err := a.ReadAll(context.Background())
	require.NoError(t, err)
	_, err = a.LastCheckpoint(tbl)
	assert.ErrorIs(t, err, ErrEmptySink)
}

func TestLastCheckpointUsesStoredOrder(t *testing.T) {
	sheet := NewMemorySheet("data", header,
		[]string{"2024-01-05 10:00:00", "r2", "b"},
		[]string{"2024-01-01 09:00:00", "r1", "a"},
	)
	a := newAdapter(sheet)
	tbl, err := a.ReadAll(context.Background())
	require.NoError(t, err)

	cp, err := a.LastCheckpoint(tbl)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), cp)
}

func TestReadAllMalformed(t *testing.T) {
	cases := map[string]*MemorySheet{
		"missing key column": NewMemorySheet("data", []string{"at", "who"}, []string{"2024-01-01 00:00:00", "a"}),
		"bad timestamp":      NewMemorySheet("data", header, []string{"yesterday", "r1", "a"}),
		"reordered columns":  NewMemorySheet("data", []string{"at", "who", "ref"}, []string{"2024-01-01 00:00:00", "a", "r1"}),
		"renamed column":     NewMemorySheet("data", []string{"at", "ref", "name"}, []string{"2024-01-01 00:00:00", "r1", "a"}),
	}
	for name, sheet := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newAdapter(sheet).ReadAll(context.Background())
			assert.ErrorIs(t, err, ErrMalformedTable)
		})
	}
}

func TestReadAllAcceptsTrailingColumns(t *testing.T) {
	sheet := NewMemorySheet("data", append(header, "notes"), []string{"2024-01-01 09:00:00", "r1", "a", "paid"})
	tbl, err := newAdapter(sheet).ReadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, "r1", testSchema.Key(tbl.Records[0]))
}

func TestReadAllPropagatesSourceError(t *testing.T) {
	sheet := NewMemorySheet("data")
	boom := errors.New("quota")
	sheet.FailValues = boom
	_, err := newAdapter(sheet).ReadAll(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestAppendIfAbsentSkipsKnownKeys(t *testing.T) {
	sheet := NewMemorySheet("data", header,
		[]string{"2024-01-01 09:00:00", "r1", "a"},
		[]string{"2024-01-02 09:00:00", "r2", "b"},
	)
	a := newAdapter(sheet)
	ctx := context.Background()
	existing, err := a.ReadAll(ctx)
	require.NoError(t, err)

	rows := []record.Record{
		rec(t, "2024-01-02 09:00:00", "r2", "b"),
		rec(t, "2024-01-03 09:00:00", "r3", "c"),
		rec(t, "2024-01-04 09:00:00", "r4", "d"),
	}
	n, err := a.AppendIfAbsent(ctx, rows, existing)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A4", "A5"}, sheet.Writes())
	assert.Equal(t, []string{"2024-01-04 09:00:00", "r4", "d"}, sheet.Rows()[4])

	again, err := a.ReadAll(ctx)
	require.NoError(t, err)
	n, err = a.AppendIfAbsent(ctx, rows, again)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendIfAbsentPartialFailure(t *testing.T) {
	sheet := NewMemorySheet("data", header)
	sheet.FailUpdate = errors.New("rate limited")
	sheet.FailUpdateAfter = 1
	a := newAdapter(sheet)

	rows := []record.Record{
		rec(t, "2024-01-01 09:00:00", "r1", "a"),
		rec(t, "2024-01-02 09:00:00", "r2", "b"),
	}
	n, err := a.AppendIfAbsent(context.Background(), rows, Table{Header: header})
	assert.ErrorIs(t, err, ErrSinkWrite)
	assert.Equal(t, 1, n)
}

func TestOverwriteAll(t *testing.T) {
	sheet := NewMemorySheet("data", header, []string{"2020-01-01 00:00:00", "old", "x"})
	a := newAdapter(sheet)
	rows := []record.Record{
		rec(t, "2024-01-01 09:00:00", "r1", "a"),
		rec(t, "2024-01-02 09:00:00", "r2", "b"),
	}
	require.NoError(t, a.OverwriteAll(context.Background(), rows))

	assert.Equal(t, [][]string{
		header,
		{"2024-01-01 09:00:00", "r1", "a"},
		{"2024-01-02 09:00:00", "r2", "b"},
	}, sheet.Rows())
	assert.Equal(t, []string{"clear", "A1", "A2"}, sheet.Writes())
}

func TestOverwriteAllEmptyWritesHeader(t *testing.T) {
	sheet := NewMemorySheet("data")
	require.NoError(t, newAdapter(sheet).OverwriteAll(context.Background(), nil))
	assert.Equal(t, [][]string{header}, sheet.Rows())
}
