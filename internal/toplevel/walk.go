package toplevel

import (
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"zeroflash/internal/archive"
	"zeroflash/internal/deviceops"
	"zeroflash/internal/operation"
	"zeroflash/internal/services"
)

// treeWalk lists a device directory tree breadth first. Names are relative to
// the root.
type treeWalk struct {
	operation.Base
	client  *deviceops.Client
	root    string
	pending []string
	list    *deviceops.StorageList
	halted  bool
	dirs    []string
	files   []string
}

func newTreeWalk(client *deviceops.Client, root string) *treeWalk {
	w := &treeWalk{client: client, root: root, pending: []string{""}}
	w.Init(client.Loop(), "walk "+root, w.next)
	w.OnCancel(func() {
		w.halted = true
		if w.list != nil {
			w.list.Abort("walk aborted")
		}
	})
	return w
}

// Dirs returns every directory below the root, parents first.
func (w *treeWalk) Dirs() []string { return w.dirs }

// Files returns every regular file below the root.
func (w *treeWalk) Files() []string { return w.files }

func (w *treeWalk) next() {
	if w.Terminal() || w.halted {
		return
	}
	if len(w.pending) == 0 {
		w.list = nil
		w.Finish()
		return
	}
	dir := w.pending[0]
	w.pending = w.pending[1:]

	list := w.client.StorageList(path.Join(w.root, dir))
	w.list = list
	list.OnFinished(func(err error) {
		if w.Terminal() || w.halted {
			return
		}
		if err != nil {
			w.FinishWithError(err)
			return
		}
		for _, file := range list.Files() {
			name := path.Join(dir, file.Name)
			if file.IsDir() {
				w.dirs = append(w.dirs, name)
				w.pending = append(w.pending, name)
			} else {
				w.files = append(w.files, name)
			}
		}
		w.Loop().Post(w.next)
	})
	if err := list.Start(); err != nil {
		w.FinishWithError(err)
	}
}

// writeArchive stores a walked tree as a tar file at target. The file only
// appears once fully written.
func writeArchive(target string, dirs, names []string, contents [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return services.Wrap(services.ErrDisk, "toplevel", "write backup", target, err)
	}
	pending, err := renameio.NewPendingFile(target, renameio.WithPermissions(0o644))
	if err != nil {
		return services.Wrap(services.ErrDisk, "toplevel", "write backup", target, err)
	}
	defer func() { _ = pending.Cleanup() }()

	w := archive.NewWriter(pending, time.Now())
	for _, dir := range dirs {
		if err := w.Mkdir(dir); err != nil {
			return err
		}
	}
	for i, name := range names {
		if err := w.WriteFile(name, contents[i]); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return services.Wrap(services.ErrDisk, "toplevel", "write backup", target, err)
	}
	return nil
}
