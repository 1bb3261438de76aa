package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-ledger/internal/sink"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

func newSyncCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sync [kind...]",
		Short: "Append new records from mail to each ledger",
		Long: "Reads the last checkpoint of each ledger, fetches newer mail and appends\n" +
			"records whose key is not stored yet. Without arguments every enabled kind is synced.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := a.selectKinds(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, dry, err := a.manager(ctx, kinds, runnerOptions{dryRun: dryRun})
			if err != nil {
				return err
			}
			reports := m.RunAll(ctx)
			renderReports(cmd.OutOrStdout(), reports)
			if dryRun {
				renderDryRun(cmd, dry)
			} else {
				a.publishPending(ctx)
			}
			return failedRuns(reports)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run against an in-memory copy of each worksheet")
	return cmd
}

func newResetCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset kind...",
		Short: "Rebuild ledgers from the full mail history",
		Long:  "Clears each worksheet and rewrites it from every matching message.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset clears %s, pass --yes to continue", strings.Join(args, ", "))
			}
			kinds, err := a.selectKinds(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, _, err := a.manager(ctx, kinds, runnerOptions{})
			if err != nil {
				return err
			}
			var reports []sync.Report
			for _, kind := range kinds {
				rep, err := m.Resync(ctx, kind)
				if err != nil && rep.RunID == "" {
					return err
				}
				reports = append(reports, rep)
			}
			renderReports(cmd.OutOrStdout(), reports)
			a.publishPending(ctx)
			return failedRuns(reports)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm clearing the worksheets")
	return cmd
}

func renderDryRun(cmd *cobra.Command, dry map[string]*sink.MemorySheet) {
	out := cmd.OutOrStdout()
	kinds := make([]string, 0, len(dry))
	for kind := range dry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		writes := dry[kind].Writes()
		fmt.Fprintf(out, "\n%s: %d write(s) not applied\n", kind, len(writes))
		for _, w := range writes {
			fmt.Fprintf(out, "  %s\n", w)
		}
	}
}

// publishPending pushes queued run events when NATS is configured
func (a *app) publishPending(ctx context.Context) {
	if a.cfg.NATS.URL == "" || a.ledger == nil {
		return
	}
	d, closeFn, err := a.dispatcher(ctx)
	if err != nil {
		a.log.WithError(err).Warn("run events not published")
		return
	}
	defer closeFn()
	n, err := d.Drain(ctx)
	if err != nil {
		a.log.WithError(err).Warn("run events not published")
		return
	}
	a.log.WithField("events", n).Debug("run events published")
}

func failedRuns(reports []sync.Report) error {
	var failed []string
	for _, r := range reports {
		if !r.OK() {
			failed = append(failed, r.Source)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d syncs failed: %s", len(failed), len(reports), strings.Join(failed, ", "))
	}
	return nil
}
