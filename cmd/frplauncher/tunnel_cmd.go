package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show launcher status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			rows := [][]string{
				{"version", st.Version},
				{"listen", st.Listen},
				{"frpc", fmt.Sprintf("%s (found: %t)", st.FrpcPath, st.FrpcFound)},
				{"logged in", fmt.Sprintf("%t", st.Authenticated)},
				{"tunnels", fmt.Sprintf("%d running / %d known", st.Running, st.Known)},
				{"guard", onOff(st.GuardEnabled)},
			}
			if st.StartingKey != "" {
				rows = append(rows, []string{"starting", st.StartingKey})
			}
			return render(cmd.OutOrStdout(), flags, st, []string{"FIELD", "VALUE"}, rows)
		},
	}
}

func newTunnelsCmd(flags *globalFlags) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "tunnels",
		Aliases: []string{"list", "ls"},
		Short:   "List tunnels with their state and start progress",
		Long: `List API and custom tunnels.

Examples:
  frplauncher tunnels
  frplauncher tunnels --refresh
  frplauncher tunnels -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			resp, err := client.Tunnels(ctx, refresh)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), flags, resp, tunnelHeaders, tunnelRows(resp.Tunnels)); err != nil {
				return err
			}
			if resp.RefreshError != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: tunnel list refresh failed: %s\n", resp.RefreshError)
			} else if !resp.Authenticated {
				fmt.Fprintln(cmd.ErrOrStderr(), "Not logged in, only custom tunnels are listed. Run `frplauncher login`.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Reload the tunnel list from the ChmlFrp API")
	return cmd
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <tunnel>",
		Short: "Start a tunnel",
		Long: `Start a tunnel by id ("7") or key ("api_7", "custom_1").
Only one tunnel starts at a time; the launcher answers 409 while another is starting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToggle(cmd, flags, args[0], true)
		},
	}
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <tunnel>",
		Short: "Stop a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToggle(cmd, flags, args[0], false)
		},
	}
}

func runToggle(cmd *cobra.Command, flags *globalFlags, arg string, start bool) error {
	key, err := parseTunnelArg(arg)
	if err != nil {
		return err
	}
	client, err := clientFor(flags)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if start {
		err = client.Start(ctx, key)
	} else {
		err = client.Stop(ctx, key)
	}
	if err != nil {
		return err
	}
	verb := "Stopped"
	if start {
		verb = "Started"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, key)
	return nil
}

func newAutoStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "autostart <tunnel> <on|off>",
		Short: "Start a tunnel automatically when the launcher starts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseTunnelArg(args[0])
			if err != nil {
				return err
			}
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := client.SetAutoStart(ctx, key, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Auto-start for %s: %s\n", key, onOff(enabled))
			return nil
		},
	}
}

func newGuardCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "guard <on|off>",
		Short: "Switch the process guard that restarts crashed tunnels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := client.SetGuard(ctx, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Process guard: %s\n", onOff(enabled))
			return nil
		},
	}
}
