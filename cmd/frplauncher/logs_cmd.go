package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chmlfrp/frplauncher/internal/prompt"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

func newLogsCmd(flags *globalFlags) *cobra.Command {
	var (
		tail     int
		fromFile bool
	)
	cmd := &cobra.Command{
		Use:   "logs [tunnel]",
		Short: "Show frpc output",
		Long: `Show the frpc output kept by the launcher, optionally for one tunnel.

Examples:
  frplauncher logs
  frplauncher logs 7 --tail 20
  frplauncher logs custom_1 --file`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key *tunnel.Key
			if len(args) == 1 {
				k, err := parseTunnelArg(args[0])
				if err != nil {
					return err
				}
				key = &k
			}
			if fromFile && key == nil {
				return fmt.Errorf("--file needs a tunnel")
			}

			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if fromFile {
				lines, err := client.TunnelLogFile(ctx, *key, tail)
				if err != nil {
					return err
				}
				if len(lines) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
				}
				return nil
			}

			resp, err := client.Logs(ctx, key, tail)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(resp.Logs))
			for _, e := range resp.Logs {
				rows = append(rows, []string{e.Timestamp, e.Tunnel, e.Message})
			}
			return render(cmd.OutOrStdout(), flags, resp, []string{"TIME", "TUNNEL", "MESSAGE"}, rows)
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "Show only the last N lines")
	cmd.Flags().BoolVar(&fromFile, "file", false, "Read the tunnel's log file instead of the in-memory buffer")

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the in-memory log buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				ok, err := prompt.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout()).PromptConfirm("Clear all tunnel logs?")
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			client, err := clientFor(flags)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := client.ClearLogs(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logs cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.AddCommand(clearCmd)
	return cmd
}
