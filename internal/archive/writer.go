package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"strings"
	"time"

	"zeroflash/internal/services"
)

// Writer emits a ustar archive. Close writes the two terminating zero blocks.
type Writer struct {
	tw      *tar.Writer
	modTime time.Time
	dirs    map[string]bool
}

// NewWriter starts an archive on w. Every entry is stamped with modTime.
func NewWriter(w io.Writer, modTime time.Time) *Writer {
	if modTime.IsZero() {
		modTime = time.Unix(0, 0)
	}
	return &Writer{
		tw:      tar.NewWriter(w),
		modTime: modTime.Truncate(time.Second),
		dirs:    make(map[string]bool),
	}
}

func writeFailed(name string, err error) error {
	return services.Wrap(services.ErrDisk, "archive", "write", name, err)
}

// Mkdir adds a directory entry. Repeated names are written once.
func (w *Writer) Mkdir(name string) error {
	name = strings.Trim(name, "/")
	if name == "" {
		return services.Wrap(services.ErrData, "archive", "write", "empty directory name", nil)
	}
	if w.dirs[name] {
		return nil
	}
	err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0o755,
		ModTime:  w.modTime,
		Format:   tar.FormatUSTAR,
	})
	if err != nil {
		return writeFailed(name, err)
	}
	w.dirs[name] = true
	return nil
}

// WriteFile adds a regular file with the given contents.
func (w *Writer) WriteFile(name string, data []byte) error {
	name = strings.Trim(name, "/")
	if name == "" {
		return services.Wrap(services.ErrData, "archive", "write", "empty file name", nil)
	}
	err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o644,
		ModTime:  w.modTime,
		Format:   tar.FormatUSTAR,
	})
	if err != nil {
		return writeFailed(name, err)
	}
	n, err := w.tw.Write(data)
	if err != nil {
		return writeFailed(name, err)
	}
	if n != len(data) {
		return writeFailed(name, fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), io.ErrShortWrite))
	}
	return nil
}

// Close pads the last payload and terminates the archive.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return writeFailed("trailer", err)
	}
	return nil
}
