package toplevel

import (
	"context"
	"os"
	"path"
	"sort"

	"zeroflash/internal/archive"
	"zeroflash/internal/device"
	"zeroflash/internal/deviceops"
	"zeroflash/internal/dfu"
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/rpc"
	"zeroflash/internal/services"
	"zeroflash/internal/updates"
)

// Storage roots on the device.
const (
	InternalRoot = "/int"
	ExternalRoot = "/ext"
	// AssetsManifest marks a complete resources install on external storage.
	AssetsManifest = "/ext/Manifest"
)

// StartRecovery switches a normal-mode device into its DFU bootloader and
// waits for it to enumerate in recovery mode.
func StartRecovery(l *Link) *Sequence {
	client := l.Client()
	seq := NewSequence(l.Loop(), "start recovery", l.Logger())
	seq.Append(
		Stage{Name: "marking persistent", Action: Sync(func() error {
			l.State().SetPersistent(true)
			return nil
		})},
		Stage{
			Name:   "stopping session",
			Skip:   func() bool { return !l.SessionUp() },
			Action: func() (operation.Operation, error) { return client.StopSession(), nil },
		},
		Stage{Name: "entering bootloader", Action: func() (operation.Operation, error) {
			return client.EnterBootloader(), nil
		}},
		Stage{Name: "closing serial port", Action: Sync(func() error {
			l.Detach()
			return nil
		})},
		Stage{Name: "waiting for recovery device", Action: func() (operation.Operation, error) {
			return l.WaitFor(device.ModeRecovery), nil
		}},
	)
	return seq
}

// ExitRecovery leaves the bootloader, waits for the serial device, and brings
// an RPC session up on it.
func ExitRecovery(l *Link) *Sequence {
	seq := NewSequence(l.Loop(), "exit recovery", l.Logger())
	seq.Append(
		Stage{Name: "marking persistent", Action: Sync(func() error {
			l.State().SetPersistent(true)
			return nil
		})},
		Stage{Name: "leaving bootloader", Action: func() (operation.Operation, error) {
			return dfu.NewOperation(l.Loop(), l.Driver(), "leave bootloader", func(ctx context.Context, d *dfu.Driver) error {
				return d.Leave(ctx)
			}), nil
		}},
		Stage{Name: "waiting for serial device", Action: func() (operation.Operation, error) {
			return l.WaitFor(device.ModeNormal), nil
		}},
		Stage{Name: "connecting", Action: func() (operation.Operation, error) {
			return l.Connect(), nil
		}},
	)
	return seq
}

// Restart reboots a normal-mode device and reconnects once it is back.
func Restart(l *Link) *Sequence {
	return reconnectAfter(l, "restart device", "rebooting", func() operation.Operation {
		return l.Client().Reboot(rpc.RebootOS)
	})
}

// reconnectAfter runs a request after which the device reboots, then waits
// for it to come back and reconnects.
func reconnectAfter(l *Link, description, name string, request func() operation.Operation) *Sequence {
	seq := NewSequence(l.Loop(), description, l.Logger())
	seq.Append(
		Stage{Name: "marking persistent", Action: Sync(func() error {
			l.State().SetPersistent(true)
			return nil
		})},
		Stage{Name: name, Action: func() (operation.Operation, error) { return request(), nil }},
		Stage{Name: "closing serial port", Action: Sync(func() error {
			l.Detach()
			return nil
		})},
		Stage{Name: "waiting for reboot", Action: func() (operation.Operation, error) {
			return operation.Delay(l.Loop(), "wait for reboot", l.Timing().Settle), nil
		}},
		Stage{Name: "waiting for serial device", Action: func() (operation.Operation, error) {
			return l.WaitFor(device.ModeNormal), nil
		}},
		Stage{Name: "connecting", Action: func() (operation.Operation, error) {
			return l.Connect(), nil
		}},
	)
	return seq
}

// UserBackup copies the internal storage tree into a tar archive at target.
// Archive paths are relative to the storage root. The archive replaces target
// atomically once complete.
func UserBackup(l *Link, target string) *Sequence {
	var (
		walk  *treeWalk
		reads []*deviceops.StorageRead
	)
	seq := NewSequence(l.Loop(), "backup internal storage", l.Logger())
	seq.Append(
		Stage{Name: "listing files", Action: func() (operation.Operation, error) {
			walk = newTreeWalk(l.Client(), InternalRoot)
			return walk, nil
		}},
		Stage{Name: "reading files", Action: func() (operation.Operation, error) {
			files := NewSequence(l.Loop(), "read files", l.Logger())
			for _, name := range walk.Files() {
				read := l.Client().StorageRead(path.Join(InternalRoot, name))
				reads = append(reads, read)
				files.Append(Stage{Name: "reading " + name, Action: func() (operation.Operation, error) {
					return read, nil
				}})
			}
			return files, nil
		}},
		Stage{Name: "writing archive", Action: func() (operation.Operation, error) {
			dirs, names := walk.Dirs(), walk.Files()
			contents := make([][]byte, len(reads))
			for i, read := range reads {
				contents[i] = read.Data()
			}
			return operation.NewFunc(l.Loop(), "write backup archive", func(context.Context) error {
				return writeArchive(target, dirs, names, contents)
			}), nil
		}},
	)
	return seq
}

// UserRestore writes every entry of the archive at source back into internal
// storage. Directories are created before their contents.
func UserRestore(l *Link, source string) *Sequence {
	var loaded *loadedArchive
	seq := NewSequence(l.Loop(), "restore internal storage", l.Logger())
	seq.Append(
		Stage{Name: "reading archive", Action: func() (operation.Operation, error) {
			return operation.NewFunc(l.Loop(), "read backup archive", func(context.Context) error {
				var err error
				loaded, err = loadArchive(source)
				return err
			}), nil
		}},
		Stage{Name: "writing files", Action: func() (operation.Operation, error) {
			return uploadTree(l, InternalRoot, loaded, ""), nil
		}},
	)
	return seq
}

// AssetsDownload installs the resources tarball of a bundle onto external
// storage. The manifest is removed first and written last, so an interrupted
// install reads as "assets not installed". Without a card every stage after
// the storage check is skipped.
func AssetsDownload(l *Link, bundle *updates.Bundle) *Sequence {
	var (
		present bool
		loaded  *loadedArchive
		stat    *deviceops.StorageStat
	)
	noStorage := func() bool { return !present }
	seq := NewSequence(l.Loop(), "download assets", l.Logger())
	seq.Append(
		Stage{Name: "checking storage", Action: func() (operation.Operation, error) {
			info := l.Client().StorageInfo(ExternalRoot)
			return Optional(l.Loop(), info, func(err error) {
				present = err == nil
				if !present {
					l.logger.Info("no external storage; skipping assets",
						logging.String(logging.FieldOperation, seq.Description()),
						logging.Error(err))
				}
				snapshot := l.State().Info()
				snapshot.Storage.ExternalPresent = present
				if present && info.TotalSpace() > 0 {
					snapshot.Storage.ExternalFree = int(info.FreeSpace() * 100 / info.TotalSpace())
				}
				l.State().SetInfo(snapshot)
			}), nil
		}},
		Stage{Name: "reading resources", Skip: noStorage, Action: func() (operation.Operation, error) {
			return operation.NewFunc(l.Loop(), "read resources", func(context.Context) error {
				reader, err := bundle.Resources()
				if err != nil {
					return err
				}
				loaded, err = indexArchive(reader)
				return err
			}), nil
		}},
		Stage{Name: "checking manifest", Skip: noStorage, Action: func() (operation.Operation, error) {
			stat = l.Client().StorageStat(AssetsManifest)
			return stat, nil
		}},
		Stage{
			Name: "removing manifest",
			Skip: func() bool { return noStorage() || !stat.Exists() },
			Action: func() (operation.Operation, error) {
				return l.Client().StorageRemove(AssetsManifest, false), nil
			},
		},
		Stage{Name: "writing resources", Skip: noStorage, Action: func() (operation.Operation, error) {
			return uploadTree(l, ExternalRoot, loaded, path.Base(AssetsManifest)), nil
		}},
		Stage{Name: "updating storage status", Skip: noStorage, Action: Sync(func() error {
			info := l.State().Info()
			info.Storage.AssetsInstalled = loaded.has(path.Base(AssetsManifest))
			l.State().SetInfo(info)
			return nil
		})},
	)
	return seq
}

// uploadTree creates every directory of a loaded archive under root, then
// writes its files. last, when present in the archive, is written after
// everything else.
func uploadTree(l *Link, root string, loaded *loadedArchive, last string) *Sequence {
	client := l.Client()
	seq := NewSequence(l.Loop(), "upload to "+root, l.Logger())
	for _, dir := range loaded.dirs {
		target := path.Join(root, dir)
		seq.Append(Stage{Name: "creating " + target, Action: func() (operation.Operation, error) {
			return client.StorageMkdir(target), nil
		}})
	}
	names := make([]string, 0, len(loaded.files))
	for name := range loaded.files {
		if name != last {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if loaded.has(last) {
		names = append(names, last)
	}
	for _, name := range names {
		target := path.Join(root, name)
		data := loaded.files[name]
		seq.Append(Stage{Name: "writing " + target, Action: func() (operation.Operation, error) {
			return client.StorageWrite(target, data), nil
		}})
	}
	return seq
}

type loadedArchive struct {
	dirs  []string
	files map[string][]byte
}

func (a *loadedArchive) has(name string) bool {
	if a == nil || name == "" {
		return false
	}
	_, ok := a.files[name]
	return ok
}

func loadArchive(source string) (*loadedArchive, error) {
	file, err := os.Open(source)
	if err != nil {
		return nil, services.Wrap(services.ErrDisk, "toplevel", "open backup", source, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, services.Wrap(services.ErrDisk, "toplevel", "open backup", source, err)
	}
	reader, err := archive.Open(file, info.Size())
	if err != nil {
		return nil, err
	}
	return indexArchive(reader)
}

func indexArchive(reader *archive.Reader) (*loadedArchive, error) {
	loaded := &loadedArchive{dirs: reader.Dirs(), files: make(map[string][]byte)}
	for _, entry := range reader.Entries() {
		if entry.IsDir() {
			continue
		}
		data, err := reader.ReadFile(entry.Name)
		if err != nil {
			return nil, err
		}
		loaded.files[entry.Name] = data
	}
	return loaded, nil
}
