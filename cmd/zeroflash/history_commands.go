package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zeroflash/internal/history"
	"zeroflash/internal/ipc"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		jsonOutput bool
		limit      int
		statuses   []string
		serial     string
	)
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List past operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.HistoryRequest{DeviceSerial: serial, Statuses: statuses, Limit: limit}
			records, err := listHistory(cmd.Context(), ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSONList(cmd, records)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No operations recorded")
				return nil
			}
			fmt.Fprint(out, renderTable(historyColumns, historyRows(records)))
			return nil
		},
	}
	historyCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records")
	historyCmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show these statuses (running, succeeded, failed, aborted, interrupted)")
	historyCmd.Flags().StringVar(&serial, "device", "", "Only show operations on this device serial")

	historyCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove finished operations from the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := clearHistory(cmd.Context(), ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d history records\n", removed)
			return nil
		},
	})
	return historyCmd
}

// listHistory asks the daemon when it runs and reads the store directly
// otherwise.
func listHistory(ctx context.Context, c *commandContext, req ipc.HistoryRequest) ([]history.Record, error) {
	client, err := c.daemonClient()
	if err != nil {
		return nil, err
	}
	if client != nil {
		defer client.Close()
		resp, err := client.History(req)
		if err != nil {
			return nil, err
		}
		return resp.Records, nil
	}

	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := history.Open(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	filter := history.Filter{DeviceSerial: req.DeviceSerial, Limit: req.Limit}
	for _, status := range req.Statuses {
		filter.Statuses = append(filter.Statuses, history.Status(strings.ToLower(strings.TrimSpace(status))))
	}
	return store.List(ctx, filter)
}

func clearHistory(ctx context.Context, c *commandContext) (int64, error) {
	client, err := c.daemonClient()
	if err != nil {
		return 0, err
	}
	if client != nil {
		defer client.Close()
		resp, err := client.HistoryClear()
		if err != nil {
			return 0, err
		}
		return resp.Removed, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return 0, err
	}
	store, err := history.Open(cfg)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.Clear(ctx)
}

var historyColumns = []column{
	{title: "ID", max: 8},
	{title: "Started"},
	{title: "Operation"},
	{title: "Device", max: 16},
	{title: "Status"},
	{title: "Stage", max: 28},
	{title: "Duration", right: true},
}

func historyRows(records []history.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		device := rec.DeviceName
		if device == "" {
			device = rec.DeviceSerial
		}
		status := string(rec.Status)
		if rec.ErrorKind != "" {
			status += " (" + rec.ErrorKind + ")"
		}
		rows = append(rows, []string{
			rec.CorrelationID,
			humanize.Time(rec.StartedAt),
			stageLabel(rec.Operation),
			device,
			status,
			rec.Stage,
			rec.Duration().Round(time.Second).String(),
		})
	}
	return rows
}
