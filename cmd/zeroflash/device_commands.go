package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zeroflash/internal/device"
)

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices in normal and recovery mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			devices, err := ctx.deps.bus(cfg, ctx.commandLogger()).Devices(cmd.Context())
			if err != nil {
				return fmt.Errorf("list usb devices: %w", err)
			}
			if jsonOutput {
				return writeJSONList(cmd, devices)
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No devices attached")
				return nil
			}
			rows := make([][]string, 0, len(devices))
			for _, d := range devices {
				rows = append(rows, []string{d.SerialNumber, d.Mode().String(), d.Product, d.DevNode})
			}
			fmt.Fprint(out, renderTable([]column{{title: "Serial"}, {title: "Mode"}, {title: "Product", max: 24}, {title: "Node"}}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newInfoCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Probe the device and show its identity, versions, and storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := ctx.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()
			snap, err := b.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, snap)
			}
			out := cmd.OutOrStdout()
			renderDevice(out, snap, true, shouldColorize(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func renderDevice(out io.Writer, snap device.Snapshot, first, colorize bool) {
	info := snap.Info
	writeSection(out, "Device", first, colorize)
	fmt.Fprintln(out, renderStatusLine("Name", statusInfo, info.Name, colorize))
	fmt.Fprintln(out, renderStatusLine("Serial", statusInfo, info.USB.SerialNumber, colorize))
	fmt.Fprintln(out, renderStatusLine("Mode", modeKind(info), info.Mode().String(), colorize))
	if info.Port != "" {
		fmt.Fprintln(out, renderStatusLine("Port", statusInfo, info.Port, colorize))
	}
	hardware := strings.TrimSpace(fmt.Sprintf("%s rev %s %s", info.Hardware.Target, info.Hardware.Version, info.Hardware.Region))
	fmt.Fprintln(out, renderStatusLine("Hardware", statusInfo, hardware, colorize))
	if snap.HasError {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError,
			fmt.Sprintf("%s (%s)", snap.ErrorMessage, snap.ErrorKind), colorize))
	}
	if info.Recovery() {
		return
	}

	writeSection(out, "Software", false, colorize)
	firmware := info.Firmware.Identity()
	if info.Firmware.Channel.String() != "unknown" {
		firmware += " (" + info.Firmware.Channel.String() + ")"
	}
	if !info.Firmware.Date.IsZero() {
		firmware += ", built " + humanize.Time(info.Firmware.Date)
	}
	fmt.Fprintln(out, renderStatusLine("Firmware", statusInfo, firmware, colorize))
	radioKind, radio := statusOK, info.Radio.Version
	if !info.Radio.Alive {
		radioKind = statusWarn
		radio = strings.TrimSpace(radio + " (not running)")
	}
	fmt.Fprintln(out, renderStatusLine("Radio stack", radioKind, radio, colorize))

	writeSection(out, "Storage", false, colorize)
	if !info.Storage.ExternalPresent {
		fmt.Fprintln(out, renderStatusLine("SD card", statusWarn, "not present", colorize))
		return
	}
	fmt.Fprintln(out, renderStatusLine("SD card", statusOK, strconv.Itoa(info.Storage.ExternalFree)+"% free", colorize))
	assetsKind, assets := statusOK, "installed"
	if !info.Storage.AssetsInstalled {
		assetsKind, assets = statusWarn, "missing"
	}
	fmt.Fprintln(out, renderStatusLine("Assets", assetsKind, assets, colorize))
}
