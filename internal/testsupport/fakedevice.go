package testsupport

import (
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"zeroflash/internal/rpc"
)

// ErrPortClosed is returned by FakeDevice reads and writes after Close.
var ErrPortClosed = errors.New("fake port closed")

// InfoPair is one device-info key/value in the order the device streams it.
type InfoPair struct {
	Key   string
	Value string
}

// FakeDevice emulates the device end of the serial link: the command line,
// the RPC session, and a small in-memory storage tree. It implements
// rpc.Port.
type FakeDevice struct {
	mu      sync.Mutex
	cond    *sync.Cond
	out     []byte
	closed  bool
	rpcMode bool
	line    []byte
	decoder rpc.Decoder
	partial map[uint32][]*rpc.Message

	// Device model. Tests may mutate these before the device is used or
	// through Lock/Unlock.
	Info        []InfoPair
	Files       map[string][]byte
	Dirs        map[string]bool
	Storage     map[string][2]uint64
	Clock       time.Time
	Streaming   bool
	DTR         bool
	CLI         []string
	Requests    []rpc.Kind
	Reboots     []rpc.RebootMode
	Resets      int
	ReadChunk   int
	ListPage    int
	FailStatus  map[rpc.Kind]rpc.Status
	Silent      map[rpc.Kind]bool
	SilentStart bool
	// OnReboot and OnCLI run with the device lock held and must only touch
	// fields directly.
	OnReboot func(mode rpc.RebootMode)
	OnCLI    func(cmd string)
	ShortWrite bool
	DrainErr   error
}

// NewFakeDevice returns a device with /int and /ext roots and a default
// device-info set.
func NewFakeDevice() *FakeDevice {
	d := &FakeDevice{
		partial:    make(map[uint32][]*rpc.Message),
		Files:      make(map[string][]byte),
		Dirs:       map[string]bool{"/": true, "/int": true, "/ext": true},
		Storage:    map[string][2]uint64{"/int": {1 << 20, 1 << 19}, "/ext": {1 << 30, 1 << 29}},
		Clock:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local),
		ReadChunk:  512,
		ListPage:   8,
		FailStatus: make(map[rpc.Kind]rpc.Status),
		Silent:     make(map[rpc.Kind]bool),
		Info: []InfoPair{
			{"hardware_name", RigName},
			{"hardware_ver", "12"},
			{"hardware_target", "7"},
			{"hardware_body", "9"},
			{"hardware_connect", "6"},
			{"hardware_color", "1"},
			{"firmware_version", "0.98.3"},
			{"firmware_commit", "a1b2c3d4"},
			{"firmware_branch", "0.98.3"},
			{"firmware_build_date", "15-02-2024"},
			{"bootloader_version", "0.98.3"},
			{"bootloader_commit", "a1b2c3d4"},
			{"bootloader_branch", "0.98.3"},
			{"bootloader_build_date", "15-02-2024"},
			{"radio_alive", "true"},
			{"radio_fus_major", "1"},
			{"radio_fus_minor", "2"},
			{"radio_fus_sub", "0"},
			{"radio_stack_major", "1"},
			{"radio_stack_minor", "17"},
			{"radio_stack_sub", "3"},
			{"radio_stack_type", "3"},
		},
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Lock guards direct access to the device model while the session runs.
func (d *FakeDevice) Lock() { d.mu.Lock() }

// Unlock releases Lock.
func (d *FakeDevice) Unlock() { d.mu.Unlock() }

// PutFile stores a file, creating parent directories.
func (d *FakeDevice) PutFile(p string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mkdirAll(path.Dir(p))
	d.Files[p] = append([]byte(nil), data...)
}

// File returns a stored file.
func (d *FakeDevice) File(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.Files[p]
	return data, ok
}

// HasDir reports whether a directory exists.
func (d *FakeDevice) HasDir(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Dirs[p]
}

// SetInfo replaces or appends a device-info key.
func (d *FakeDevice) SetInfo(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.Info {
		if d.Info[i].Key == key {
			d.Info[i].Value = value
			return
		}
	}
	d.Info = append(d.Info, InfoPair{key, value})
}

// RequestKinds returns a copy of every request kind handled so far.
func (d *FakeDevice) RequestKinds() []rpc.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]rpc.Kind(nil), d.Requests...)
}

// CLICommands returns a copy of the raw command lines received.
func (d *FakeDevice) CLICommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.CLI...)
}

// InRPC reports whether the device is currently serving RPC.
func (d *FakeDevice) InRPC() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rpcMode
}

// Inject pushes raw frames to the host as if the device sent them.
func (d *FakeDevice) Inject(msgs ...*rpc.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		d.out = append(d.out, rpc.EncodeFrame(m)...)
	}
	d.cond.Broadcast()
}

// InjectBytes pushes raw bytes to the host.
func (d *FakeDevice) InjectBytes(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, b...)
	d.cond.Broadcast()
}

// Read implements rpc.Port.
func (d *FakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.out) == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.closed {
		return 0, ErrPortClosed
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

// Write implements rpc.Port.
func (d *FakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrPortClosed
	}
	n := len(p)
	if d.ShortWrite && n > 1 {
		n--
	}
	if d.rpcMode {
		d.handleBytes(p[:n])
	} else {
		d.handleCLI(p[:n])
	}
	d.cond.Broadcast()
	return n, nil
}

// SetDTR implements rpc.Port.
func (d *FakeDevice) SetDTR(dtr bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DTR = dtr
	return nil
}

// Drain implements rpc.Port.
func (d *FakeDevice) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DrainErr
}

// Close implements rpc.Port.
func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Broadcast()
	return nil
}

// Reopen clears the closed flag so a new session can use the device, as
// after a reconnect.
func (d *FakeDevice) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.rpcMode = false
	d.out = nil
	d.line = nil
	d.decoder.Reset()
}

func (d *FakeDevice) handleCLI(p []byte) {
	for _, c := range p {
		if c != '\r' {
			d.line = append(d.line, c)
			continue
		}
		cmd := string(d.line)
		d.line = nil
		d.CLI = append(d.CLI, cmd)
		if d.OnCLI != nil {
			d.OnCLI(cmd)
		}
		if cmd == "start_rpc_session" && !d.SilentStart {
			d.out = append(d.out, []byte("start_rpc_session\r\n")...)
			d.rpcMode = true
			d.decoder.Reset()
			return
		}
	}
}

func (d *FakeDevice) handleBytes(p []byte) {
	msgs, err := d.decoder.Feed(p)
	if err != nil {
		return
	}
	for _, m := range msgs {
		frames := append(d.partial[m.CommandID], m)
		if m.HasNext {
			d.partial[m.CommandID] = frames
			continue
		}
		delete(d.partial, m.CommandID)
		d.handleRequest(m.CommandID, frames)
	}
}

func (d *FakeDevice) reply(id uint32, status rpc.Status, contents ...rpc.Content) {
	if len(contents) == 0 {
		contents = []rpc.Content{rpc.Empty{}}
	}
	for i, c := range contents {
		m := &rpc.Message{CommandID: id, Status: status, HasNext: i < len(contents)-1, Content: c}
		d.out = append(d.out, rpc.EncodeFrame(m)...)
	}
}

func (d *FakeDevice) handleRequest(id uint32, frames []*rpc.Message) {
	kind := frames[0].Kind()
	d.Requests = append(d.Requests, kind)
	if d.Silent[kind] {
		return
	}
	if status, ok := d.FailStatus[kind]; ok {
		d.reply(id, status)
		return
	}
	switch c := frames[0].Content.(type) {
	case rpc.PingRequest:
		d.reply(id, rpc.StatusOK, rpc.PingResponse{Data: c.Data})
	case rpc.StopSession:
		d.reply(id, rpc.StatusOK)
		d.rpcMode = false
	case rpc.DeviceInfoRequest:
		contents := make([]rpc.Content, 0, len(d.Info))
		for _, pair := range d.Info {
			contents = append(contents, rpc.DeviceInfoResponse{Key: pair.Key, Value: pair.Value})
		}
		d.reply(id, rpc.StatusOK, contents...)
	case rpc.GetDateTimeRequest:
		d.reply(id, rpc.StatusOK, rpc.GetDateTimeResponse{DateTime: rpc.DateTimeOf(d.Clock)})
	case rpc.SetDateTimeRequest:
		d.Clock = c.DateTime.Time(time.Local)
		d.reply(id, rpc.StatusOK)
	case rpc.GuiStartScreenStreamRequest:
		d.Streaming = true
		d.reply(id, rpc.StatusOK)
	case rpc.GuiStopScreenStreamRequest:
		d.Streaming = false
		d.reply(id, rpc.StatusOK)
	case rpc.RebootRequest:
		d.Reboots = append(d.Reboots, c.Mode)
		d.rpcMode = false
		if d.OnReboot != nil {
			d.OnReboot(c.Mode)
		}
	case rpc.FactoryResetRequest:
		d.Resets++
		d.rpcMode = false
		d.Files = make(map[string][]byte)
		if d.OnReboot != nil {
			d.OnReboot(rpc.RebootOS)
		}
	case rpc.StorageInfoRequest:
		info, ok := d.Storage[c.Path]
		if !ok {
			d.reply(id, rpc.StatusStorageNotReady)
			return
		}
		d.reply(id, rpc.StatusOK, rpc.StorageInfoResponse{TotalSpace: info[0], FreeSpace: info[1]})
	case rpc.StorageStatRequest:
		if data, ok := d.Files[c.Path]; ok {
			d.reply(id, rpc.StatusOK, rpc.StorageStatResponse{File: &rpc.File{Type: rpc.FileTypeFile, Name: path.Base(c.Path), Size: uint32(len(data))}})
			return
		}
		if d.Dirs[c.Path] {
			d.reply(id, rpc.StatusOK, rpc.StorageStatResponse{File: &rpc.File{Type: rpc.FileTypeDir, Name: path.Base(c.Path)}})
			return
		}
		d.reply(id, rpc.StatusStorageNotExist)
	case rpc.StorageListRequest:
		d.handleList(id, c.Path)
	case rpc.StorageReadRequest:
		data, ok := d.Files[c.Path]
		if !ok {
			d.reply(id, rpc.StatusStorageNotExist)
			return
		}
		var contents []rpc.Content
		for off := 0; off < len(data) || off == 0; off += d.ReadChunk {
			end := min(off+d.ReadChunk, len(data))
			contents = append(contents, rpc.StorageReadResponse{File: rpc.File{Data: append([]byte(nil), data[off:end]...)}})
			if end == len(data) {
				break
			}
		}
		d.reply(id, rpc.StatusOK, contents...)
	case rpc.StorageWriteRequest:
		if !d.Dirs[path.Dir(c.Path)] {
			d.reply(id, rpc.StatusStorageNotExist)
			return
		}
		var data []byte
		for _, f := range frames {
			if w, ok := f.Content.(rpc.StorageWriteRequest); ok {
				data = append(data, w.File.Data...)
			}
		}
		d.Files[c.Path] = data
		d.reply(id, rpc.StatusOK)
	case rpc.StorageMkdirRequest:
		if d.Dirs[c.Path] {
			d.reply(id, rpc.StatusStorageExist)
			return
		}
		if !d.Dirs[path.Dir(c.Path)] {
			d.reply(id, rpc.StatusStorageNotExist)
			return
		}
		d.Dirs[c.Path] = true
		d.reply(id, rpc.StatusOK)
	case rpc.StorageDeleteRequest:
		d.handleDelete(id, c)
	default:
		d.reply(id, rpc.StatusErrorNotImplemented)
	}
}

func (d *FakeDevice) handleList(id uint32, dir string) {
	if !d.Dirs[dir] {
		d.reply(id, rpc.StatusStorageNotExist)
		return
	}
	var entries []rpc.File
	for p := range d.Dirs {
		if p != dir && path.Dir(p) == dir {
			entries = append(entries, rpc.File{Type: rpc.FileTypeDir, Name: path.Base(p)})
		}
	}
	for p, data := range d.Files {
		if path.Dir(p) == dir {
			entries = append(entries, rpc.File{Type: rpc.FileTypeFile, Name: path.Base(p), Size: uint32(len(data))})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	var contents []rpc.Content
	for start := 0; start < len(entries); start += d.ListPage {
		end := min(start+d.ListPage, len(entries))
		contents = append(contents, rpc.StorageListResponse{Files: entries[start:end]})
	}
	if len(contents) == 0 {
		contents = []rpc.Content{rpc.StorageListResponse{}}
	}
	d.reply(id, rpc.StatusOK, contents...)
}

func (d *FakeDevice) handleDelete(id uint32, req rpc.StorageDeleteRequest) {
	if _, ok := d.Files[req.Path]; ok {
		delete(d.Files, req.Path)
		d.reply(id, rpc.StatusOK)
		return
	}
	if !d.Dirs[req.Path] {
		d.reply(id, rpc.StatusStorageNotExist)
		return
	}
	prefix := strings.TrimSuffix(req.Path, "/") + "/"
	var children []string
	for p := range d.Files {
		if strings.HasPrefix(p, prefix) {
			children = append(children, p)
		}
	}
	for p := range d.Dirs {
		if strings.HasPrefix(p, prefix) {
			children = append(children, p)
		}
	}
	if len(children) > 0 && !req.Recursive {
		d.reply(id, rpc.StatusStorageDirNotEmpty)
		return
	}
	for _, p := range children {
		delete(d.Files, p)
		delete(d.Dirs, p)
	}
	delete(d.Dirs, req.Path)
	d.reply(id, rpc.StatusOK)
}

func (d *FakeDevice) mkdirAll(dir string) {
	for dir != "/" && dir != "." && !d.Dirs[dir] {
		d.Dirs[dir] = true
		dir = path.Dir(dir)
	}
}
