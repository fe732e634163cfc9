package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zeroflash/internal/history"
	"zeroflash/internal/ipc"
	"zeroflash/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, device, and history status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := buildStatus(cmd, ctx)
			if err != nil {
				return err
			}
			checks, err := runChecks(cmd, ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, statusReport{StatusResponse: status, Checks: checks})
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			writeSection(out, "Daemon", true, colorize)
			if !status.Running {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusInfo, "not running (commands drive the device directly)", colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK,
					fmt.Sprintf("running (pid %d, since %s)", status.PID, humanize.Time(status.Since)), colorize))
				fmt.Fprintln(out, renderStatusLine("Socket", statusInfo, ctx.socketPath(), colorize))
			}

			if status.Running {
				switch {
				case status.DeviceOpen:
					renderDevice(out, status.Device, false, colorize)
				case status.OpenError != "":
					writeSection(out, "Device", false, colorize)
					fmt.Fprintln(out, renderStatusLine("Device", statusWarn, status.OpenError, colorize))
				}
				if status.Active != "" {
					writeSection(out, "Running Operation", false, colorize)
					fmt.Fprintln(out, renderStatusLine("ID", statusInfo, status.Active, colorize))
					fmt.Fprintln(out, renderStatusLine("Stage", statusInfo, stageLabel(status.Stage), colorize))
					if status.Device.Operation != "" {
						fmt.Fprintln(out, renderStatusLine("Progress", statusInfo,
							fmt.Sprintf("%s %.0f%%", stageLabel(status.Device.Operation), status.Device.Progress), colorize))
					}
				}
			}

			writeSection(out, "Checks", false, colorize)
			for _, check := range checks {
				fmt.Fprintln(out, renderStatusLine(check.Name, checkKind(check), check.Detail, colorize))
			}

			writeSection(out, "History", false, colorize)
			rows := historyStatusRows(status.History)
			if len(rows) == 0 {
				fmt.Fprintln(out, "No operations recorded")
				return nil
			}
			fmt.Fprint(out, renderTable([]column{{title: "Status"}, {title: "Count", right: true}}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

type statusReport struct {
	*ipc.StatusResponse
	Checks []preflight.Result `json:"checks"`
}

// runChecks evaluates directory and device readiness from this process. The
// bus listing works while the daemon holds the device lock.
func runChecks(cmd *cobra.Command, ctx *commandContext) ([]preflight.Result, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := ctx.commandLogger()
	link := ctx.deps.linkOptions(cfg, logger)
	return preflight.RunAll(cmd.Context(), cfg, preflight.Options{
		Bus:      ctx.deps.bus(cfg, logger),
		FindPort: link.FindPort,
	}), nil
}

// buildStatus asks the daemon and falls back to the history store when no
// daemon is listening.
func buildStatus(cmd *cobra.Command, ctx *commandContext) (*ipc.StatusResponse, error) {
	client, err := ctx.daemonClient()
	if err != nil {
		return nil, err
	}
	if client != nil {
		defer client.Close()
		return client.Status()
	}

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	status := &ipc.StatusResponse{HistoryPath: cfg.HistoryPath(), LockFilePath: cfg.LockPath()}
	store, err := history.Open(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return nil, err
	}
	status.History = make(map[string]int, len(stats))
	for k, v := range stats {
		status.History[string(k)] = v
	}
	return status, nil
}

func historyStatusRows(stats map[string]int) [][]string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{stageLabel(k), strconv.Itoa(stats[k])})
	}
	return rows
}
