package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chmlfrp/frplauncher/internal/cli/output"
	"github.com/chmlfrp/frplauncher/internal/cliclient"
	"github.com/chmlfrp/frplauncher/internal/contracts"
	"github.com/chmlfrp/frplauncher/internal/logs"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

const clientTimeout = 90 * time.Second

// parseTunnelArg accepts "api_7", "custom_3" or a bare API tunnel id.
func parseTunnelArg(arg string) (tunnel.Key, error) {
	if id, err := strconv.Atoi(arg); err == nil {
		if id <= 0 {
			return tunnel.Key{}, output.StructuredError{Code: output.ErrCodeInvalidInput, Message: fmt.Sprintf("invalid tunnel id %d", id)}
		}
		return tunnel.APIKey(id), nil
	}
	key, err := tunnel.ParseKey(arg)
	if err != nil {
		return tunnel.Key{}, output.StructuredError{
			Code:     output.ErrCodeInvalidInput,
			Message:  err.Error(),
			Guidance: `Use a tunnel id such as "7" or a key such as "api_7" or "custom_1".`,
		}
	}
	return key, nil
}

// parseSwitch accepts on/off style arguments.
func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "enable", "enabled", "1", "yes":
		return true, nil
	case "off", "false", "disable", "disabled", "0", "no":
		return false, nil
	}
	return false, output.StructuredError{Code: output.ErrCodeInvalidInput, Message: fmt.Sprintf("expected on or off, got %q", arg)}
}

// clientFor loads the configuration to find the launcher's address.
func clientFor(flags *globalFlags) (*cliclient.Client, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, err := logs.SetupCommandLogger(false, flags.logLevel, false, "")
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cliclient.NewClient(cfg.Listen, logger.Sugar()), nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, clientTimeout)
}

func formatterFor(flags *globalFlags) (output.Formatter, string, error) {
	format := output.ResolveFormat(flags.output, flags.jsonOutput)
	f, err := output.NewFormatter(format)
	if err != nil {
		return nil, "", output.StructuredError{Code: output.ErrCodeInvalidInput, Message: err.Error()}
	}
	return f, strings.ToLower(format), nil
}

// render prints data as-is for json/yaml and as a table otherwise.
func render(w io.Writer, flags *globalFlags, data interface{}, headers []string, rows [][]string) error {
	f, format, err := formatterFor(flags)
	if err != nil {
		return err
	}
	var text string
	if format == "json" || format == "yaml" || headers == nil {
		text, err = f.Format(data)
	} else {
		text, err = f.FormatTable(headers, rows)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, strings.TrimRight(text, "\n"))
	return err
}

// tunnelState is the one-word state shown in tables.
func tunnelState(t contracts.Tunnel) string {
	if t.Phase != "" && t.Phase != "idle" {
		return t.Phase
	}
	if t.Running {
		return "running"
	}
	return "stopped"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

var tunnelHeaders = []string{"KEY", "NAME", "TYPE", "LOCAL", "NODE", "STATE", "PROGRESS", "AUTO", "PID"}

func tunnelRows(tunnels []contracts.Tunnel) [][]string {
	rows := make([][]string, 0, len(tunnels))
	for _, t := range tunnels {
		local := ""
		if t.LocalPort > 0 {
			local = fmt.Sprintf("%s:%d", t.LocalIP, t.LocalPort)
		}
		bar := ""
		if t.Progress.Percent > 0 {
			bar = output.ProgressBar(t.Progress.Percent, t.Progress.IsError, t.Progress.IsSuccess, 10)
		}
		pid := ""
		if t.PID > 0 {
			pid = strconv.Itoa(t.PID)
		}
		rows = append(rows, []string{t.Key, t.Name, t.Type, local, t.Node, tunnelState(t), bar, onOff(t.AutoStart), pid})
	}
	return rows
}
