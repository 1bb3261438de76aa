package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-ledger/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand(a *app) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "Keep spreadsheet ledgers in step with transactional emails",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(flags)
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath(), "path to config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override log format (text, json)")

	root.AddCommand(
		newSyncCommand(a),
		newResetCommand(a),
		newFetchCommand(a),
		newRunsCommand(a),
		newServeCommand(a),
		newAuthCommand(a),
	)
	return root
}

// Execute runs the root command with ctx and returns the process exit code
func Execute(ctx context.Context) int {
	a := &app{}
	defer a.close()

	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", config.AppName, err)
		return 1
	}
	return 0
}
