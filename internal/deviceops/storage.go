package deviceops

import (
	"path"

	"zeroflash/internal/rpc"
)

// WriteChunk is the payload size of one storage write frame.
const WriteChunk = 512

// StorageInfo reads the capacity of a storage root such as /ext.
type StorageInfo struct {
	call
	total uint64
	free  uint64
}

// StorageInfo returns an operation that reads the capacity of root.
func (c *Client) StorageInfo(root string) *StorageInfo {
	op := &StorageInfo{}
	op.init(c, "storage info "+root, single(rpc.StorageInfoRequest{Path: root}), op.parse)
	return op
}

func (s *StorageInfo) parse(frames []*rpc.Message) error {
	if err := expect(frames, s.Description(), rpc.KindStorageInfoResponse, false); err != nil {
		return err
	}
	if len(frames) != 1 {
		return invalid(s.Description(), "expected one frame, got %d", len(frames))
	}
	info := frames[0].Content.(rpc.StorageInfoResponse)
	if info.FreeSpace > info.TotalSpace {
		return invalid(s.Description(), "free space %d exceeds total %d", info.FreeSpace, info.TotalSpace)
	}
	s.total = info.TotalSpace
	s.free = info.FreeSpace
	return nil
}

// TotalSpace returns the capacity in bytes.
func (s *StorageInfo) TotalSpace() uint64 { return s.total }

// FreeSpace returns the free bytes.
func (s *StorageInfo) FreeSpace() uint64 { return s.free }

// StorageStat describes one path. A missing path is a successful result with
// Exists false.
type StorageStat struct {
	call
	file *rpc.File
}

// StorageStat returns an operation that stats p.
func (c *Client) StorageStat(p string) *StorageStat {
	op := &StorageStat{}
	op.init(c, "stat "+p, single(rpc.StorageStatRequest{Path: p}), op.parse)
	return op
}

func (s *StorageStat) parse(frames []*rpc.Message) error {
	if statusOf(frames) == rpc.StatusStorageNotExist {
		return nil
	}
	if err := expect(frames, s.Description(), rpc.KindStorageStatResponse, false); err != nil {
		return err
	}
	resp := frames[len(frames)-1].Content.(rpc.StorageStatResponse)
	if resp.File == nil {
		return invalid(s.Description(), "response carries no entry")
	}
	file := *resp.File
	s.file = &file
	return nil
}

// Exists reports whether the path was found.
func (s *StorageStat) Exists() bool { return s.file != nil }

// File returns the entry, or nil when the path does not exist.
func (s *StorageStat) File() *rpc.File { return s.file }

// StorageList reads the entries of one directory.
type StorageList struct {
	call
	files []rpc.File
}

// StorageList returns an operation that lists dir.
func (c *Client) StorageList(dir string) *StorageList {
	op := &StorageList{}
	op.init(c, "list "+dir, single(rpc.StorageListRequest{Path: dir}), op.parse)
	return op
}

func (s *StorageList) parse(frames []*rpc.Message) error {
	if err := expect(frames, s.Description(), rpc.KindStorageListResponse, true); err != nil {
		return err
	}
	var files []rpc.File
	for i, frame := range frames {
		page, ok := frame.Content.(rpc.StorageListResponse)
		if !ok {
			continue
		}
		for _, file := range page.Files {
			if file.Name == "" || file.Name == "." || file.Name == ".." || path.Base(file.Name) != file.Name {
				return invalid(s.Description(), "frame %d: bad entry name %q", i, file.Name)
			}
			files = append(files, file)
		}
	}
	s.files = files
	return nil
}

// Files returns the directory entries in device order.
func (s *StorageList) Files() []rpc.File { return s.files }

// StorageRead downloads one file.
type StorageRead struct {
	call
	data []byte
}

// StorageRead returns an operation that reads the file at p.
func (c *Client) StorageRead(p string) *StorageRead {
	op := &StorageRead{}
	op.init(c, "read "+p, single(rpc.StorageReadRequest{Path: p}), op.parse)
	return op
}

func (s *StorageRead) parse(frames []*rpc.Message) error {
	if err := expect(frames, s.Description(), rpc.KindStorageReadResponse, true); err != nil {
		return err
	}
	var data []byte
	for _, frame := range frames {
		if chunk, ok := frame.Content.(rpc.StorageReadResponse); ok {
			data = append(data, chunk.File.Data...)
		}
	}
	s.data = data
	return nil
}

// Data returns the file contents.
func (s *StorageRead) Data() []byte { return s.data }

// StorageWrite uploads one file, split into WriteChunk-sized frames of a
// single request.
type StorageWrite struct {
	call
}

// StorageWrite returns an operation that writes data to p, replacing any
// existing file.
func (c *Client) StorageWrite(p string, data []byte) *StorageWrite {
	op := &StorageWrite{}
	op.init(c, "write "+p, func() []*rpc.Message { return writeFrames(p, data) }, func(frames []*rpc.Message) error {
		return expectEmpty(frames, op.Description())
	})
	return op
}

func writeFrames(p string, data []byte) []*rpc.Message {
	if len(data) == 0 {
		return []*rpc.Message{{Content: rpc.StorageWriteRequest{Path: p}}}
	}
	frames := make([]*rpc.Message, 0, (len(data)+WriteChunk-1)/WriteChunk)
	for off := 0; off < len(data); off += WriteChunk {
		end := min(off+WriteChunk, len(data))
		frames = append(frames, &rpc.Message{Content: rpc.StorageWriteRequest{
			Path: p,
			File: rpc.File{Data: data[off:end]},
		}})
	}
	return frames
}

// StorageMkdir creates one directory. An existing directory is accepted.
type StorageMkdir struct {
	call
}

// StorageMkdir returns an operation that creates dir.
func (c *Client) StorageMkdir(dir string) *StorageMkdir {
	op := &StorageMkdir{}
	op.init(c, "mkdir "+dir, single(rpc.StorageMkdirRequest{Path: dir}), func(frames []*rpc.Message) error {
		if statusOf(frames) == rpc.StatusStorageExist {
			return nil
		}
		return expectEmpty(frames, op.Description())
	})
	return op
}

// StorageRemove deletes a file or directory.
type StorageRemove struct {
	call
}

// StorageRemove returns an operation that deletes p. Non-empty directories
// require recursive.
func (c *Client) StorageRemove(p string, recursive bool) *StorageRemove {
	op := &StorageRemove{}
	op.init(c, "remove "+p, single(rpc.StorageDeleteRequest{Path: p, Recursive: recursive}), func(frames []*rpc.Message) error {
		return expectEmpty(frames, op.Description())
	})
	return op
}
