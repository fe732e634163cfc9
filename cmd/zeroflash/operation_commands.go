package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zeroflash/internal/config"
	"zeroflash/internal/controller"
	"zeroflash/internal/toplevel"
)

func newOperationCommands(ctx *commandContext) []*cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup [dir]",
		Short: "Save the device settings to a tar archive",
		Long:  "Save the internal storage of the device to a timestamped tar archive in dir, or in the configured backup directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := optionalPath(ctx, args)
			if err != nil {
				return err
			}
			if err := runOperation(cmd, ctx, controller.Request{Kind: controller.KindSettingsBackup, Argument: dir}); err != nil {
				return err
			}
			reportBackup(cmd, dir)
			return nil
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore [dir|archive]",
		Short: "Restore device settings from a backup",
		Long:  "Restore the device settings from an archive, or from the newest archive in a directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := optionalPath(ctx, args)
			if err != nil {
				return err
			}
			return runOperation(cmd, ctx, controller.Request{Kind: controller.KindSettingsRestore, Argument: source})
		},
	}

	var resetConfirmed bool
	resetCmd := &cobra.Command{
		Use:   "factory-reset",
		Short: "Erase all settings and user data on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !resetConfirmed {
				return errors.New("factory reset erases all settings; rerun with --yes to confirm")
			}
			return runOperation(cmd, ctx, controller.Request{Kind: controller.KindFactoryReset})
		},
	}
	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "Confirm the factory reset")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install a single firmware component",
	}
	installCmd.AddCommand(&cobra.Command{
		Use:   "firmware <file.dfu>",
		Short: "Flash a firmware image through recovery mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requiredPath(args[0])
			if err != nil {
				return err
			}
			return runOperation(cmd, ctx, controller.Request{Kind: controller.KindFirmwareInstall, Argument: path})
		},
	})
	installCmd.AddCommand(&cobra.Command{
		Use:   "radio <bundle-dir>",
		Short: "Install the radio stack from an update bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requiredPath(args[0])
			if err != nil {
				return err
			}
			return runOperation(cmd, ctx, controller.Request{Kind: controller.KindRadioUpdate, Argument: path})
		},
	})

	var force bool
	updateCmd := &cobra.Command{
		Use:   "update <bundle-dir>",
		Short: "Back up settings, update firmware, radio, and assets, then restore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requiredPath(args[0])
			if err != nil {
				return err
			}
			return runOperation(cmd, ctx, controller.Request{Kind: controller.KindFullUpdate, Argument: path, Force: force})
		},
	}
	updateCmd.Flags().BoolVar(&force, "force", false, "Install even if the bundle is not newer than the device firmware")

	repairCmd := &cobra.Command{
		Use:   "repair <bundle-dir>",
		Short: "Reinstall firmware on a device stuck in recovery mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requiredPath(args[0])
			if err != nil {
				return err
			}
			return runOperation(cmd, ctx, controller.Request{Kind: controller.KindFullRepair, Argument: path})
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Reboot the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, ctx, controller.Request{Kind: controller.KindRestart})
		},
	}

	return []*cobra.Command{backupCmd, restoreCmd, resetCmd, installCmd, updateCmd, repairCmd, restartCmd}
}

// runOperation runs one top-level operation with live stage output. Paths
// in req must already be absolute because the daemon may resolve them.
func runOperation(cmd *cobra.Command, ctx *commandContext, req controller.Request) error {
	b, err := ctx.openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer b.Close()

	out := cmd.OutOrStdout()
	rep := newReporter(out)
	res, err := b.Run(cmd.Context(), req, rep)
	rep.Done()
	label := stageLabel(string(req.Kind))
	if err != nil {
		if res.Stage != "" {
			return fmt.Errorf("%s failed while %s: %w", label, res.Stage, err)
		}
		return fmt.Errorf("%s failed: %w", label, err)
	}
	fmt.Fprintf(out, "%s finished in %s\n", label, res.Elapsed.Round(100*time.Millisecond))
	return nil
}

func reportBackup(cmd *cobra.Command, dir string) {
	path, err := toplevel.ResolveBackup(dir)
	if err != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup saved to %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
}

func optionalPath(ctx *commandContext, args []string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		cfg, err := ctx.ensureConfig()
		if err != nil {
			return "", err
		}
		return cfg.Paths.BackupDir, nil
	}
	return requiredPath(args[0])
}

func requiredPath(arg string) (string, error) {
	path, err := config.ExpandPath(strings.TrimSpace(arg))
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", arg, err)
	}
	return path, nil
}
