package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chmlfrp/frplauncher/internal/prompt"
)

// EnvPassword supplies the login password without a prompt.
const EnvPassword = "FRPL_PASSWORD"

func newLoginCmd(flags *globalFlags) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to ChmlFrp",
		Long: `Log in to ChmlFrp through the running launcher. The password is read
from FRPL_PASSWORD or asked for interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := prompt.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			user, pass, err := prompt.Credentials(p, username, os.Getenv(EnvPassword))
			if err != nil {
				return err
			}

			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			sess, err := client.Login(ctx, user, pass)
			if err != nil {
				return err
			}
			if sess.User != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s), %d/%d tunnels\n",
					sess.User.Username, sess.User.UserGroup, sess.User.TunnelCount, sess.User.TunnelQuota)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged in")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "ChmlFrp username")
	return cmd
}

func newLogoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and stop API tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := client.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}
