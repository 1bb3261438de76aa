package sink

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// MemorySheet is an in-process Sheet. It backs tests and dry runs.
type MemorySheet struct {
	mu     sync.Mutex
	name   string
	rows   [][]string
	writes []string

	// FailValues and FailUpdate, when set, are returned by the matching call.
	// FailUpdateAfter lets that many updates succeed before FailUpdate applies.
	FailValues      error
	FailUpdate      error
	FailUpdateAfter int
}

// NewMemorySheet returns a sheet preloaded with rows (header first)
func NewMemorySheet(name string, rows ...[]string) *MemorySheet {
	m := &MemorySheet{name: name}
	for _, r := range rows {
		m.rows = append(m.rows, slices.Clone(r))
	}
	return m
}

func (m *MemorySheet) Name() string { return m.name }

func (m *MemorySheet) Values(ctx context.Context) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailValues != nil {
		return nil, m.FailValues
	}
	out := make([][]string, len(m.rows))
	for i, r := range m.rows {
		out[i] = slices.Clone(r)
	}
	return out, nil
}

func (m *MemorySheet) Update(ctx context.Context, rng string, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate != nil {
		if m.FailUpdateAfter <= 0 {
			return m.FailUpdate
		}
		m.FailUpdateAfter--
	}
	start, err := rowOf(rng)
	if err != nil {
		return err
	}
	for i, r := range rows {
		idx := start - 1 + i
		for len(m.rows) <= idx {
			m.rows = append(m.rows, nil)
		}
		m.rows[idx] = slices.Clone(r)
	}
	m.writes = append(m.writes, rng)
	return nil
}

func (m *MemorySheet) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
	m.writes = append(m.writes, "clear")
	return nil
}

// Writes lists the ranges written so far, "clear" marking a Clear call
func (m *MemorySheet) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.writes)
}

// Rows returns a copy of the stored rows including the header
func (m *MemorySheet) Rows() [][]string {
	rows, _ := m.Values(context.Background())
	return rows
}

// rowOf returns the 1-based row number of an A1 reference anchored at column A
func rowOf(rng string) (int, error) {
	if !strings.HasPrefix(rng, "A") {
		return 0, fmt.Errorf("unsupported range %q", rng)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(rng, "A"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("unsupported range %q", rng)
	}
	return n, nil
}

var _ Sheet = (*MemorySheet)(nil)
