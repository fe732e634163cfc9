package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"zeroflash/internal/services"
)

// BlockSize is the archive alignment.
const BlockSize = 512

// EntryType distinguishes files from directories.
type EntryType byte

const (
	TypeFile EntryType = '0'
	TypeDir  EntryType = '5'
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return fmt.Sprintf("type(%q)", byte(t))
	}
}

// Entry is one indexed member. Offset is the payload position within the
// archive and is meaningful for files only.
type Entry struct {
	Name   string
	Type   EntryType
	Size   int64
	Offset int64
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Type == TypeDir }

// Header field offsets.
const (
	nameOff     = 0
	nameLen     = 100
	sizeOff     = 124
	sizeLen     = 12
	typeflagOff = 156
	magicOff    = 257
	prefixOff   = 345
	prefixLen   = 155
)

var magic = []byte("ustar")

// ErrNotFound reports a lookup of a name that is not in the index.
var ErrNotFound = errors.New("entry not found")

// Reader serves entries of an indexed archive.
type Reader struct {
	r       io.ReaderAt
	size    int64
	entries []Entry
	index   map[string]int
}

func malformed(offset int64, message string) error {
	return services.Wrap(services.ErrData, "archive", "read index", fmt.Sprintf("block at %d: %s", offset, message), nil)
}

// Open scans the headers of the archive held in r. Reading stops at two
// consecutive zero blocks or at the end of data on a block boundary.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	ar := &Reader{r: r, size: size, index: make(map[string]int)}
	header := make([]byte, BlockSize)
	zeros := 0
	for off := int64(0); off < size; {
		if size-off < BlockSize {
			return nil, malformed(off, "truncated header")
		}
		if _, err := r.ReadAt(header, off); err != nil {
			return nil, services.Wrap(services.ErrDisk, "archive", "read index", fmt.Sprintf("block at %d", off), err)
		}
		off += BlockSize
		if isZero(header) {
			zeros++
			if zeros == 2 {
				break
			}
			continue
		}
		zeros = 0
		if !bytes.HasPrefix(header[magicOff:], magic) {
			return nil, malformed(off-BlockSize, "tar magic not found")
		}
		entrySize, err := parseOctal(header[sizeOff : sizeOff+sizeLen])
		if err != nil {
			return nil, malformed(off-BlockSize, err.Error())
		}
		name := joinName(cString(header[prefixOff:prefixOff+prefixLen]), cString(header[nameOff:nameOff+nameLen]))
		entry := Entry{Type: EntryType(header[typeflagOff]), Size: entrySize, Offset: off}
		switch entry.Type {
		case TypeFile:
			entry.Name = strings.TrimPrefix(name, "./")
		case TypeDir:
			entry.Name = strings.TrimSuffix(strings.TrimPrefix(name, "./"), "/")
			entry.Offset = 0
		default:
			return nil, malformed(off-BlockSize, fmt.Sprintf("%q: only regular files and directories are supported", name))
		}
		if entry.Name == "" {
			return nil, malformed(off-BlockSize, "empty name")
		}
		padded := entrySize + Padding(entrySize)
		if entry.Type == TypeFile && padded > size-off {
			return nil, malformed(off-BlockSize, fmt.Sprintf("%q: payload truncated", entry.Name))
		}
		ar.index[entry.Name] = len(ar.entries)
		ar.entries = append(ar.entries, entry)
		if entry.Type == TypeFile {
			off += padded
		}
	}
	return ar, nil
}

// Padding returns the zero bytes that follow a payload of size bytes.
func Padding(size int64) int64 {
	if rem := size % BlockSize; rem != 0 {
		return BlockSize - rem
	}
	return 0
}

// Entries returns the members in archive order.
func (ar *Reader) Entries() []Entry { return ar.entries }

// Lookup finds an entry by name.
func (ar *Reader) Lookup(name string) (Entry, bool) {
	i, ok := ar.index[strings.Trim(name, "/")]
	if !ok {
		return Entry{}, false
	}
	return ar.entries[i], true
}

// Dirs returns every directory, implied parents included, sorted so parents
// come first.
func (ar *Reader) Dirs() []string {
	seen := make(map[string]bool)
	for _, entry := range ar.entries {
		dir := entry.Name
		if !entry.IsDir() {
			dir = path.Dir(dir)
		}
		for dir != "." && dir != "/" && !seen[dir] {
			seen[dir] = true
			dir = path.Dir(dir)
		}
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/"); di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})
	return dirs
}

// Open returns a reader over the payload of the named file.
func (ar *Reader) Open(name string) (io.Reader, error) {
	entry, ok := ar.Lookup(name)
	if !ok {
		return nil, services.Wrap(services.ErrData, "archive", "open", name, ErrNotFound)
	}
	if entry.IsDir() {
		return nil, services.Wrap(services.ErrData, "archive", "open", name+" is a directory", nil)
	}
	return io.NewSectionReader(ar.r, entry.Offset, entry.Size), nil
}

// ReadFile returns the payload of the named file.
func (ar *Reader) ReadFile(name string) ([]byte, error) {
	src, err := ar.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, services.Wrap(services.ErrDisk, "archive", "read", name, err)
	}
	return data, nil
}

func isZero(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func parseOctal(field []byte) (int64, error) {
	text := strings.TrimRight(cString(field), " ")
	text = strings.TrimLeft(text, " ")
	if text == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(text, 8, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("bad size field %q", text)
	}
	return v, nil
}
