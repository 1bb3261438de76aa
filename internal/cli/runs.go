package cli

import (
	"github.com/spf13/cobra"
)

func newRunsCommand(a *app) *cobra.Command {
	var (
		source string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openLedger()
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(cmd.Context(), source, limit)
			if err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "only runs of this kind")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	cmd.AddCommand(&cobra.Command{
		Use:   "failures run-id",
		Short: "List the messages a run could not extract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openLedger()
			if err != nil {
				return err
			}
			failures, err := store.Failures(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderFailures(cmd.OutOrStdout(), failures)
			return nil
		},
	})
	return cmd
}
