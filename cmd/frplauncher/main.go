package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/cli/output"
	"github.com/chmlfrp/frplauncher/internal/config"
	"github.com/chmlfrp/frplauncher/internal/launcher"
	"github.com/chmlfrp/frplauncher/internal/logs"
)

var version = "v0.1.0" // This will be injected by -ldflags during build

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	dataDir    string
	listen     string
	logLevel   string
	logToFile  bool
	logDir     string
	output     string
	jsonOutput bool
}

func main() {
	flags := &globalFlags{}
	rootCmd := newRootCmd(flags)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		printError(flags, err)
		code := exitCodeFor(err)
		if code != ExitCodeGeneralError {
			fmt.Fprintf(os.Stderr, "exit %d: %s\n", code, exitCodeDescription(code))
		}
		os.Exit(code)
	}
}

func newRootCmd(flags *globalFlags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "frplauncher",
		Short: "ChmlFrp tunnel launcher - runs and supervises frpc tunnels",
		Long: `frplauncher runs frpc for your ChmlFrp tunnels, tracks each start attempt
from spawn to "映射成功", recovers remote duplicate sessions and serves a local
HTTP API. Without a subcommand it starts the launcher (same as "serve").`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Configuration file path")
	pf.StringVarP(&flags.dataDir, "data-dir", "d", "", "Data directory path (default: ~/.frplauncher)")
	pf.StringVarP(&flags.listen, "listen", "l", "", "HTTP API address of the launcher")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&flags.logToFile, "log-to-file", true, "Enable logging to file in standard OS location")
	pf.StringVar(&flags.logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")
	pf.StringVarP(&flags.output, "output", "o", "", "Output format: table, json, yaml")
	pf.BoolVar(&flags.jsonOutput, "json", false, "Shorthand for --output=json")

	for _, name := range []string{"config", "data-dir", "listen", "log-level", "log-to-file"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	serveCmd := newServeCmd(flags)
	rootCmd.RunE = serveCmd.RunE
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	rootCmd.AddCommand(
		serveCmd,
		newStatusCmd(flags),
		newTunnelsCmd(flags),
		newStartCmd(flags),
		newStopCmd(flags),
		newAutoStartCmd(flags),
		newGuardCmd(flags),
		newLogsCmd(flags),
		newLoginCmd(flags),
		newLogoutCmd(flags),
	)
	return rootCmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the launcher and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	f := cmd.Flags()
	f.String("frpc-path", "", "frpc executable (default: frpc in the data directory)")
	f.String("api-url", "", "ChmlFrp API base URL")
	f.Bool("guard", false, "Restart tunnels whose frpc exits unexpectedly")
	for _, name := range []string{"frpc-path", "api-url", "guard"} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &exitError{code: ExitCodeConfigError, err: err}
	}
	if flags.logDir != "" {
		cfg.Logging.LogDir = flags.logDir
	}
	return cfg, nil
}

func runServe(ctx context.Context, flags *globalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, sanitizer, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting frplauncher",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("listen", cfg.Listen),
		zap.String("log_level", cfg.Logging.Level),
		zap.Bool("log_to_file", cfg.Logging.EnableFile))

	l, err := launcher.New(cfg, logger, sanitizer, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Run(ctx); err != nil {
		return err
	}
	logger.Info("frplauncher stopped")
	return nil
}

// printError writes err to stderr in the selected output format.
func printError(flags *globalFlags, err error) {
	f, ferr := output.NewFormatter(output.ResolveFormat(flags.output, flags.jsonOutput))
	if ferr != nil {
		f = &output.TableFormatter{}
	}
	text, ferr := f.FormatError(output.FromError(err))
	if ferr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, text)
}
