package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/Martian-dev/inbox-ledger/internal/eventstore/sqlite"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func status(s string) string {
	if s == "ok" {
		return okStyle.Render(s)
	}
	return failStyle.Render(s)
}

func renderReports(w io.Writer, reports []sync.Report) {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			r.Source,
			string(r.Mode),
			status(r.Status()),
			formatTime(r.Checkpoint),
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Extracted),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Ambiguous),
			strconv.Itoa(r.Appended),
			r.Duration().Round(time.Millisecond).String(),
			firstNonEmpty(r.ErrorText(), r.FallbackReason),
		})
	}
	renderTable(w, []string{"source", "mode", "status", "checkpoint", "fetched", "extracted", "failed", "ambiguous", "appended", "took", "note"}, rows)
}

func renderRuns(w io.Writer, runs []sqlite.RunRow) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			formatTime(r.Started()),
			r.Source,
			r.Mode,
			status(r.Status),
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Appended),
			r.Took().String(),
			firstNonEmpty(r.Error, r.FallbackReason),
		})
	}
	renderTable(w, []string{"run", "started", "source", "mode", "status", "fetched", "failed", "appended", "took", "note"}, rows)
}

func renderFailures(w io.Writer, failures []sync.Failure) {
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []string{f.MessageID, f.Subject, f.Reason, f.Field, f.Error})
	}
	renderTable(w, []string{"message", "subject", "reason", "field", "error"}, rows)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
