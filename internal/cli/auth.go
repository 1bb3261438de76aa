package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
	}

	google := &cobra.Command{
		Use:   "google",
		Short: "Authorize Gmail and Sheets access for google.account",
	}
	google.AddCommand(
		&cobra.Command{
			Use:   "login",
			Short: "Run the browser consent flow and store the token in the keyring",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				g, err := a.googleAuth()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				err = g.Login(cmd.Context(), func(url string) error {
					_, err := fmt.Fprintf(out, "Open this URL in a browser to authorize access:\n\n  %s\n\n", url)
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "Token stored.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Remove the stored token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				g, err := a.googleAuth()
				if err != nil {
					return err
				}
				return g.Logout()
			},
		},
	)
	cmd.AddCommand(google)
	return cmd
}
