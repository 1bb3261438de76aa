package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-ledger/internal/extract"
	"github.com/Martian-dev/inbox-ledger/internal/mail"
)

type fetchFlags struct {
	after    string
	before   string
	maxCount int
}

func newFetchCommand(a *app) *cobra.Command {
	flags := &fetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch kind",
		Short: "Show matching messages and how each one extracts",
		Long:  "Fetches messages for kind without touching the ledger and reports the extraction outcome of each.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := a.selectKinds(args)
			if err != nil {
				return err
			}
			kind := kinds[0]
			profile, err := a.registry.Lookup(kind)
			if err != nil {
				return err
			}
			f, err := flags.filter(profile.Filter)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			src, err := a.source(ctx, a.cfg.Sources[kind].Provider)
			if err != nil {
				return err
			}
			msgs, err := src.Fetch(ctx, f)
			if err != nil {
				return err
			}
			sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })

			rows := make([][]string, 0, len(msgs))
			for _, msg := range msgs {
				rows = append(rows, extractionRow(profile, msg))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d message(s) for %q\n", kind, len(msgs), f.Query())
			renderTable(cmd.OutOrStdout(), []string{"message", "received", "status", profile.Schema.KeyField, profile.Schema.TimeField, "detail"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.after, "after", "", "only messages after this day ("+mail.DateLayout+")")
	cmd.Flags().StringVar(&flags.before, "before", "", "only messages before this day ("+mail.DateLayout+")")
	cmd.Flags().IntVar(&flags.maxCount, "max", 20, "maximum number of messages, 0 for all")
	return cmd
}

func (f *fetchFlags) filter(base mail.Filter) (mail.Filter, error) {
	out := base
	out.MaxCount = f.maxCount
	for _, b := range []struct {
		name string
		val  string
		dst  *time.Time
	}{
		{"after", f.after, &out.After},
		{"before", f.before, &out.Before},
	} {
		if b.val == "" {
			continue
		}
		t, err := time.Parse(mail.DateLayout, b.val)
		if err != nil {
			return mail.Filter{}, fmt.Errorf("--%s: want %s: %w", b.name, mail.DateLayout, err)
		}
		*b.dst = t
	}
	return out, nil
}

func extractionRow(p extract.Profile, msg mail.RawMessage) []string {
	row := []string{msg.ID, formatTime(msg.ReceivedAt)}
	res, err := p.Extractor.Extract(msg.Parts)
	if err != nil {
		detail := err.Error()
		var xerr *extract.Error
		if errors.As(err, &xerr) {
			detail = string(xerr.Reason)
			if xerr.Field != "" {
				detail += " (" + xerr.Field + ")"
			}
		}
		return append(row, status("failed"), "", "", detail)
	}
	var warnings []string
	for _, w := range res.Warnings {
		warnings = append(warnings, string(w.Reason))
	}
	return append(row,
		status("ok"),
		p.Schema.Key(res.Record),
		res.Record.Fields[p.Schema.TimeField],
		strings.Join(warnings, ", "),
	)
}
