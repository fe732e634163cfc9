package toplevel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"zeroflash/internal/device"
	"zeroflash/internal/dfu"
	"zeroflash/internal/logging"
	"zeroflash/internal/manifest"
	"zeroflash/internal/operation"
	"zeroflash/internal/services"
	"zeroflash/internal/updates"
)

// Stage names shared by the top-level operations.
const (
	StageLoading            = "loading files"
	StageSavingBackup       = "saving backup"
	StageStartingRecovery   = "starting recovery"
	StageInstallingFirmware = "installing firmware"
	StageExitingRecovery    = "exiting recovery"
	StageInstallingAssets   = "installing assets"
	StageRestoringBackup    = "restoring backup"
	StageRestartingDevice   = "restarting device"
	StageCleaningUp         = "cleaning up"
	StageWaiting            = "waiting"
	StageStartingFUS        = "starting FUS"
	StageCheckingFUS        = "checking FUS"
	StageErasingRadio       = "erasing wireless stack"
	StageInstallingRadio    = "installing wireless stack"
)

// BackupExt is the extension of settings backups.
const BackupExt = ".tar"

const component = "toplevel"

func (l *Link) progress(operation string) func(done, total int) {
	return func(done, total int) {
		if total > 0 {
			l.state.SetProgress(operation, 100*float64(done)/float64(total))
		}
	}
}

func (l *Link) flashFirmware(image **dfu.File) func() (operation.Operation, error) {
	return func() (operation.Operation, error) {
		progress := l.progress(StageInstallingFirmware)
		return dfu.NewOperation(l.Loop(), l.Driver(), "flash firmware", func(ctx context.Context, d *dfu.Driver) error {
			return d.Flash(ctx, *image, progress)
		}), nil
	}
}

func checkTarget(info device.Info, target int) error {
	if target == 0 || info.Hardware.Target == "" {
		return nil
	}
	if want := fmt.Sprintf("f%d", target); want != info.Hardware.Target {
		return services.Wrap(services.ErrInvalidDevice, component, "check target",
			fmt.Sprintf("bundle is built for %s, device is %s", want, info.Hardware.Target), nil)
	}
	return nil
}

func requireNormal(l *Link, op string) error {
	if l.Recovery() {
		return services.Wrap(services.ErrInvalidDevice, component, op, "device is in recovery mode", nil)
	}
	return nil
}

// temporaryBackup names the scratch archive used to carry user data across a
// reflash.
func (l *Link) temporaryBackup() string {
	dir := l.WorkDir()
	if dir == "" {
		dir = os.TempDir()
	}
	serial := l.state.Info().USB.SerialNumber
	if serial == "" {
		serial = "device"
	}
	return filepath.Join(dir, "backup-"+sanitize(serial)+BackupExt)
}

// FirmwareInstall flashes a DfuSe image. User data is carried across the
// reflash unless the device was already in recovery mode, in which case there
// is nothing to preserve and the device is left running the new firmware.
func FirmwareInstall(l *Link, imagePath string) *Sequence {
	var image *dfu.File
	startedInRecovery := l.Recovery()
	inRecovery := func() bool { return startedInRecovery }
	backup := l.temporaryBackup()

	seq := NewSequence(l.Loop(), "firmware install", l.Logger())
	seq.Append(
		Stage{Name: StageLoading, Action: func() (operation.Operation, error) {
			return operation.NewFunc(l.Loop(), "load firmware", func(context.Context) error {
				var err error
				image, err = updates.LoadFirmware(imagePath)
				return err
			}), nil
		}},
		Stage{Name: StageSavingBackup, Skip: inRecovery, Action: func() (operation.Operation, error) {
			return UserBackup(l, backup), nil
		}},
		Stage{Name: StageStartingRecovery, Skip: inRecovery, Action: func() (operation.Operation, error) {
			return StartRecovery(l), nil
		}},
		Stage{Name: StageInstallingFirmware, Action: l.flashFirmware(&image)},
		Stage{Name: StageExitingRecovery, Action: func() (operation.Operation, error) {
			return ExitRecovery(l), nil
		}},
		Stage{Name: StageRestoringBackup, Skip: inRecovery, Action: func() (operation.Operation, error) {
			return UserRestore(l, backup), nil
		}},
		Stage{Name: StageRestartingDevice, Skip: inRecovery, Action: func() (operation.Operation, error) {
			return Restart(l), nil
		}},
		cleanup(l, backup, inRecovery),
	)
	return seq
}

// FullUpdate installs everything a bundle carries: firmware, then assets on
// external storage. User data is saved before and restored after the reflash.
func FullUpdate(l *Link, bundle *updates.Bundle) *Sequence {
	var image *dfu.File
	startedInRecovery := l.Recovery()
	inRecovery := func() bool { return startedInRecovery }
	backup := l.temporaryBackup()

	seq := NewSequence(l.Loop(), "full update", l.Logger())
	seq.Append(
		Stage{Name: StageLoading, Action: func() (operation.Operation, error) {
			if err := checkTarget(l.state.Info(), bundle.Target); err != nil {
				return nil, err
			}
			return operation.NewFunc(l.Loop(), "load firmware", func(context.Context) error {
				var err error
				image, err = bundle.Firmware()
				return err
			}), nil
		}},
		Stage{Name: StageSavingBackup, Skip: inRecovery, Action: func() (operation.Operation, error) {
			return UserBackup(l, backup), nil
		}},
		Stage{Name: StageStartingRecovery, Skip: inRecovery, Action: func() (operation.Operation, error) {
			return StartRecovery(l), nil
		}},
		Stage{Name: StageInstallingFirmware, Action: l.flashFirmware(&image)},
		Stage{Name: StageExitingRecovery, Action: func() (operation.Operation, error) {
			return ExitRecovery(l), nil
		}},
		Stage{
			Name:   StageInstallingAssets,
			Skip:   func() bool { return !bundle.HasResources() },
			Action: func() (operation.Operation, error) { return AssetsDownload(l, bundle), nil },
		},
		Stage{Name: StageRestoringBackup, Skip: inRecovery, Action: func() (operation.Operation, error) {
			return UserRestore(l, backup), nil
		}},
		Stage{Name: StageRestartingDevice, Action: func() (operation.Operation, error) {
			return Restart(l), nil
		}},
		cleanup(l, backup, inRecovery),
	)
	return seq
}

// FullRepair reinstalls a bundle on a device stuck in recovery mode. There is
// no user data to save.
func FullRepair(l *Link, bundle *updates.Bundle) *Sequence {
	var image *dfu.File
	seq := NewSequence(l.Loop(), "full repair", l.Logger())
	seq.Append(
		Stage{Name: StageLoading, Action: func() (operation.Operation, error) {
			if !l.Recovery() {
				return nil, services.Wrap(services.ErrInvalidDevice, component, "repair", "device is not in recovery mode", nil)
			}
			if err := checkTarget(l.state.Info(), bundle.Target); err != nil {
				return nil, err
			}
			return operation.NewFunc(l.Loop(), "load firmware", func(context.Context) error {
				var err error
				image, err = bundle.Firmware()
				return err
			}), nil
		}},
		Stage{Name: StageInstallingFirmware, Action: l.flashFirmware(&image)},
		Stage{Name: StageExitingRecovery, Action: func() (operation.Operation, error) {
			return ExitRecovery(l), nil
		}},
		Stage{
			Name:   StageInstallingAssets,
			Skip:   func() bool { return !bundle.HasResources() },
			Action: func() (operation.Operation, error) { return AssetsDownload(l, bundle), nil },
		},
		Stage{Name: StageRestartingDevice, Action: func() (operation.Operation, error) {
			return Restart(l), nil
		}},
	)
	return seq
}

type radioImage struct {
	file manifest.File
	data []byte
}

// selectRadioImages picks the FUS images whose condition matches the
// installed FUS, followed by the radio stack unless it is already current.
func selectRadioImages(bundle *updates.Bundle, radio device.Radio) ([]radioImage, error) {
	m, err := bundle.RadioManifest()
	if err != nil {
		return nil, err
	}
	files := m.FUS.Select(radio.FUSVersion)
	if !radio.Alive || radio.Version != m.Radio.Version {
		files = append(files, m.Radio.Select(radio.Version)...)
	}
	images := make([]radioImage, 0, len(files))
	for _, f := range files {
		if f.Address == 0 {
			return nil, services.Wrap(services.ErrData, component, "select radio images", f.Name+" has no flash address", nil)
		}
		data, err := bundle.RadioImage(f)
		if err != nil {
			return nil, err
		}
		images = append(images, radioImage{file: f, data: data})
	}
	return images, nil
}

// installRadioImages downloads each image to its flash address and has FUS
// install it before the next one is written.
func installRadioImages(l *Link, images []radioImage) *Sequence {
	progress := l.progress(StageInstallingRadio)
	total := 0
	for _, img := range images {
		total += len(img.data)
	}
	seq := NewSequence(l.Loop(), "radio images", l.Logger())
	written := 0
	for _, img := range images {
		base := written
		written += len(img.data)
		seq.Append(
			Stage{Name: "downloading " + img.file.Name, Action: func() (operation.Operation, error) {
				return dfu.NewOperation(l.Loop(), l.Driver(), "download "+img.file.Name, func(ctx context.Context, d *dfu.Driver) error {
					if err := d.Erase(ctx, img.file.Address, len(img.data)); err != nil {
						return err
					}
					return d.Write(ctx, img.file.Address, img.data, func(done, _ int) {
						progress(base+done, total)
					})
				}), nil
			}},
			Stage{Name: "upgrading " + img.file.Name, Action: l.fusStep("upgrade wireless stack", (*dfu.Driver).UpgradeWirelessStack)},
		)
	}
	return seq
}

func (l *Link) fusStep(description string, fn func(*dfu.Driver, context.Context) error) func() (operation.Operation, error) {
	return func() (operation.Operation, error) {
		return dfu.NewOperation(l.Loop(), l.Driver(), description, func(ctx context.Context, d *dfu.Driver) error {
			return fn(d, ctx)
		}), nil
	}
}

// WirelessStackUpdate installs the FUS and radio stack images of a bundle.
// The device boots into DFU only while FUS is running: FUS is started and
// checked, erases the old stack, and installs each image once it has been
// downloaded to flash.
func WirelessStackUpdate(l *Link, bundle *updates.Bundle) *Sequence {
	var images []radioImage
	radio := l.state.Info().Radio
	nothingToDo := func() bool { return len(images) == 0 }

	seq := NewSequence(l.Loop(), "wireless stack update", l.Logger())
	seq.Append(
		Stage{Name: StageLoading, Action: func() (operation.Operation, error) {
			return operation.NewFunc(l.Loop(), "load radio images", func(context.Context) error {
				var err error
				images, err = selectRadioImages(bundle, radio)
				return err
			}), nil
		}},
		Stage{
			Name: StageStartingRecovery,
			Skip: func() bool { return nothingToDo() || l.Recovery() },
			Action: func() (operation.Operation, error) {
				return StartRecovery(l), nil
			},
		},
		Stage{Name: "setting boot mode", Skip: nothingToDo, Action: func() (operation.Operation, error) {
			return dfu.NewOperation(l.Loop(), l.Driver(), "boot to dfu", func(ctx context.Context, d *dfu.Driver) error {
				return d.SetBootMode(ctx, dfu.BootDFUOnly)
			}), nil
		}},
		Stage{Name: StageStartingFUS, Skip: nothingToDo, Action: l.fusStep("start fus", (*dfu.Driver).StartFUS)},
		Stage{Name: StageCheckingFUS, Skip: nothingToDo, Action: l.fusStep("check fus", (*dfu.Driver).CheckFUS)},
		Stage{Name: StageErasingRadio, Skip: nothingToDo, Action: l.fusStep("delete wireless stack", (*dfu.Driver).DeleteWirelessStack)},
		Stage{Name: StageInstallingRadio, Skip: nothingToDo, Action: func() (operation.Operation, error) {
			return installRadioImages(l, images), nil
		}},
		Stage{Name: "restoring boot mode", Skip: nothingToDo, Action: func() (operation.Operation, error) {
			return dfu.NewOperation(l.Loop(), l.Driver(), "boot normally", func(ctx context.Context, d *dfu.Driver) error {
				return d.SetBootMode(ctx, dfu.BootNormal)
			}), nil
		}},
		Stage{
			Name: StageExitingRecovery,
			Skip: func() bool { return !l.Recovery() },
			Action: func() (operation.Operation, error) {
				return ExitRecovery(l), nil
			},
		},
	)
	return seq
}

// SettingsBackup saves internal storage into a new archive under dir. It
// takes at least the configured minimum time.
func SettingsBackup(l *Link, dir string) *Sequence {
	seq := NewSequence(l.Loop(), "settings backup", l.Logger())
	seq.Append(
		Stage{Name: StageSavingBackup, Action: func() (operation.Operation, error) {
			if err := requireNormal(l, "backup"); err != nil {
				return nil, err
			}
			return UserBackup(l, BackupPath(dir, l.state.Info().Name, time.Now())), nil
		}},
	)
	seq.Append(MinDuration(seq, StageWaiting, l.Timing().MinBackup))
	return seq
}

// SettingsRestore writes a backup archive back to internal storage and
// restarts the device. source is an archive or a directory, in which case the
// newest archive in it is used.
func SettingsRestore(l *Link, source string) *Sequence {
	var archivePath string
	seq := NewSequence(l.Loop(), "settings restore", l.Logger())
	seq.Append(
		Stage{Name: StageLoading, Action: func() (operation.Operation, error) {
			if err := requireNormal(l, "restore"); err != nil {
				return nil, err
			}
			return operation.NewFunc(l.Loop(), "find backup", func(context.Context) error {
				var err error
				archivePath, err = ResolveBackup(source)
				return err
			}), nil
		}},
		Stage{Name: StageRestoringBackup, Action: func() (operation.Operation, error) {
			l.logger.Info("restoring backup",
				logging.String(logging.FieldOperation, seq.Description()),
				logging.String("path", archivePath))
			return UserRestore(l, archivePath), nil
		}},
		Stage{Name: StageRestartingDevice, Action: func() (operation.Operation, error) {
			return Restart(l), nil
		}},
	)
	return seq
}

// FactoryReset wipes the device settings and reconnects after the reboot.
func FactoryReset(l *Link) *Sequence {
	seq := NewSequence(l.Loop(), "factory reset", l.Logger())
	seq.Append(
		Stage{Name: "resetting", Action: func() (operation.Operation, error) {
			if err := requireNormal(l, "factory reset"); err != nil {
				return nil, err
			}
			return reconnectAfter(l, "factory reset device", "requesting reset", func() operation.Operation {
				return l.Client().FactoryReset()
			}), nil
		}},
	)
	return seq
}

func cleanup(l *Link, backup string, skip func() bool) Stage {
	return Stage{Name: StageCleaningUp, Skip: skip, Action: Sync(func() error {
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("failed to remove temporary backup",
				logging.String("path", backup),
				logging.Error(err),
				logging.String(logging.FieldEventType, "backup_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "remove the file by hand"),
				logging.String(logging.FieldImpact, "disk space is not reclaimed"),
			)
		}
		return nil
	})}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(name string) string {
	name = unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	if name == "" {
		return "device"
	}
	return name
}

// BackupPath names a new settings backup of the named device.
func BackupPath(dir, name string, at time.Time) string {
	return filepath.Join(dir, sanitize(name)+"_"+at.Format("20060102-150405")+BackupExt)
}

// ResolveBackup returns source if it is a file, or the newest backup archive
// inside it if it is a directory.
func ResolveBackup(source string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", services.Wrap(services.ErrDisk, component, "find backup", source, err)
	}
	if !info.IsDir() {
		return source, nil
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return "", services.Wrap(services.ErrDisk, component, "find backup", source, err)
	}
	type candidate struct {
		path    string
		modTime time.Time
	}
	var found []candidate
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != BackupExt {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{path: filepath.Join(source, entry.Name()), modTime: fi.ModTime()})
	}
	if len(found) == 0 {
		return "", services.Wrap(services.ErrDisk, component, "find backup", "no "+BackupExt+" archive in "+source, nil)
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.After(found[j].modTime)
		}
		return found[i].path > found[j].path
	})
	return found[0].path, nil
}
