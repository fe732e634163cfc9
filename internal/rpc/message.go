package rpc

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Status is the command status carried by every response frame.
type Status int32

const (
	StatusOK                      Status = 0
	StatusErrorGeneric            Status = 1
	StatusErrorDecode             Status = 2
	StatusErrorNotImplemented     Status = 3
	StatusErrorBusy               Status = 4
	StatusErrorContinuousMismatch Status = 14
	StatusErrorInvalidParameters  Status = 15
	StatusStorageNotReady         Status = 5
	StatusStorageExist            Status = 6
	StatusStorageNotExist         Status = 7
	StatusStorageInvalidParameter Status = 8
	StatusStorageDenied           Status = 9
	StatusStorageInvalidName      Status = 10
	StatusStorageInternal         Status = 11
	StatusStorageNotImplemented   Status = 12
	StatusStorageAlreadyOpen      Status = 13
	StatusStorageDirNotEmpty      Status = 18
)

var statusNames = map[Status]string{
	StatusOK:                      "ok",
	StatusErrorGeneric:            "error",
	StatusErrorDecode:             "decode error",
	StatusErrorNotImplemented:     "not implemented",
	StatusErrorBusy:               "busy",
	StatusErrorContinuousMismatch: "continuous command interrupted",
	StatusErrorInvalidParameters:  "invalid parameters",
	StatusStorageNotReady:         "storage not ready",
	StatusStorageExist:            "file exists",
	StatusStorageNotExist:         "file does not exist",
	StatusStorageInvalidParameter: "invalid storage parameter",
	StatusStorageDenied:           "access denied",
	StatusStorageInvalidName:      "invalid name",
	StatusStorageInternal:         "internal storage error",
	StatusStorageNotImplemented:   "storage command not implemented",
	StatusStorageAlreadyOpen:      "file already open",
	StatusStorageDirNotEmpty:      "directory not empty",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Kind names a content variant for logging and subscriptions.
type Kind string

const (
	KindEmpty               Kind = "empty"
	KindStopSession         Kind = "stop_session"
	KindPingRequest         Kind = "system_ping_request"
	KindPingResponse        Kind = "system_ping_response"
	KindRebootRequest       Kind = "system_reboot_request"
	KindDeviceInfoRequest   Kind = "system_device_info_request"
	KindDeviceInfoResponse  Kind = "system_device_info_response"
	KindFactoryResetRequest Kind = "system_factory_reset_request"
	KindGetDateTimeRequest  Kind = "system_get_datetime_request"
	KindGetDateTimeResponse Kind = "system_get_datetime_response"
	KindSetDateTimeRequest  Kind = "system_set_datetime_request"
	KindStorageInfoRequest  Kind = "storage_info_request"
	KindStorageInfoResponse Kind = "storage_info_response"
	KindStorageStatRequest  Kind = "storage_stat_request"
	KindStorageStatResponse Kind = "storage_stat_response"
	KindStorageListRequest  Kind = "storage_list_request"
	KindStorageListResponse Kind = "storage_list_response"
	KindStorageReadRequest  Kind = "storage_read_request"
	KindStorageReadResponse Kind = "storage_read_response"
	KindStorageWriteRequest Kind = "storage_write_request"
	KindStorageDelete       Kind = "storage_delete_request"
	KindStorageMkdir        Kind = "storage_mkdir_request"
	KindGuiStartStream      Kind = "gui_start_screen_stream_request"
	KindGuiStopStream       Kind = "gui_stop_screen_stream_request"
	KindGuiScreenFrame      Kind = "gui_screen_frame"
)

// Main message field numbers.
const (
	fieldCommandID     protowire.Number = 1
	fieldCommandStatus protowire.Number = 2
	fieldHasNext       protowire.Number = 3
)

// Message is one frame on the wire. A logical response may span several
// frames sharing a CommandID; all but the last carry HasNext.
type Message struct {
	CommandID uint32
	Status    Status
	HasNext   bool
	Content   Content
}

// Kind returns the content variant, or an empty string when absent.
func (m *Message) Kind() Kind {
	if m == nil || m.Content == nil {
		return ""
	}
	return m.Content.Kind()
}

// Content is one variant of the message payload.
type Content interface {
	Kind() Kind
	field() protowire.Number
	marshal(b []byte) []byte
}

type contentDecoder func(b []byte) (Content, error)

var contentDecoders = map[protowire.Number]contentDecoder{}

func register(num protowire.Number, dec contentDecoder) {
	contentDecoders[num] = dec
}

// Empty is the generic acknowledgement payload.
type Empty struct{}

func (Empty) Kind() Kind { return KindEmpty }
func (Empty) field() protowire.Number { return 4 }
func (Empty) marshal(b []byte) []byte { return b }
func decodeEmpty([]byte) (Content, error) { return Empty{}, nil }

// StopSession ends RPC mode and returns the port to the command line.
type StopSession struct{}

func (StopSession) Kind() Kind { return KindStopSession }
func (StopSession) field() protowire.Number { return 19 }
func (StopSession) marshal(b []byte) []byte { return b }

// PingRequest asks the device to echo Data.
type PingRequest struct{ Data []byte }

func (PingRequest) Kind() Kind { return KindPingRequest }
func (PingRequest) field() protowire.Number { return 5 }
func (p PingRequest) marshal(b []byte) []byte { return appendBytesField(b, 1, p.Data) }

// PingResponse echoes a ping payload.
type PingResponse struct{ Data []byte }

func (PingResponse) Kind() Kind { return KindPingResponse }
func (PingResponse) field() protowire.Number { return 6 }
func (p PingResponse) marshal(b []byte) []byte { return appendBytesField(b, 1, p.Data) }

// RebootMode selects what the device boots into.
type RebootMode int32

const (
	RebootOS     RebootMode = 0
	RebootDFU    RebootMode = 1
	RebootUpdate RebootMode = 2
)

func (m RebootMode) String() string {
	switch m {
	case RebootOS:
		return "os"
	case RebootDFU:
		return "dfu"
	case RebootUpdate:
		return "update"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// RebootRequest restarts the device. No response follows.
type RebootRequest struct{ Mode RebootMode }

func (RebootRequest) Kind() Kind { return KindRebootRequest }
func (RebootRequest) field() protowire.Number { return 31 }
func (r RebootRequest) marshal(b []byte) []byte {
	return appendVarintField(b, 1, uint64(r.Mode))
}

// DeviceInfoRequest asks for the streamed key/value device description.
type DeviceInfoRequest struct{}

func (DeviceInfoRequest) Kind() Kind { return KindDeviceInfoRequest }
func (DeviceInfoRequest) field() protowire.Number { return 32 }
func (DeviceInfoRequest) marshal(b []byte) []byte { return b }

// DeviceInfoResponse carries one key/value pair.
type DeviceInfoResponse struct {
	Key   string
	Value string
}

func (DeviceInfoResponse) Kind() Kind { return KindDeviceInfoResponse }
func (DeviceInfoResponse) field() protowire.Number { return 33 }
func (d DeviceInfoResponse) marshal(b []byte) []byte {
	b = appendStringField(b, 1, d.Key)
	return appendStringField(b, 2, d.Value)
}

// FactoryResetRequest wipes internal storage and reboots. No response follows.
type FactoryResetRequest struct{}

func (FactoryResetRequest) Kind() Kind { return KindFactoryResetRequest }
func (FactoryResetRequest) field() protowire.Number { return 34 }
func (FactoryResetRequest) marshal(b []byte) []byte { return b }

// DateTime is the device wall clock. Weekday is 1 (Monday) through 7.
type DateTime struct {
	Hour, Minute, Second uint32
	Day, Month, Year     uint32
	Weekday              uint32
}

// DateTimeOf converts t, already in the desired zone, to device representation.
func DateTimeOf(t time.Time) DateTime {
	weekday := uint32(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return DateTime{
		Hour:    uint32(t.Hour()),
		Minute:  uint32(t.Minute()),
		Second:  uint32(t.Second()),
		Day:     uint32(t.Day()),
		Month:   uint32(t.Month()),
		Year:    uint32(t.Year()),
		Weekday: weekday,
	}
}

// Time interprets the device clock in loc.
func (d DateTime) Time(loc *time.Location) time.Time {
	return time.Date(int(d.Year), time.Month(d.Month), int(d.Day), int(d.Hour), int(d.Minute), int(d.Second), 0, loc)
}

func (d DateTime) marshal(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(d.Hour))
	b = appendVarintField(b, 2, uint64(d.Minute))
	b = appendVarintField(b, 3, uint64(d.Second))
	b = appendVarintField(b, 4, uint64(d.Day))
	b = appendVarintField(b, 5, uint64(d.Month))
	b = appendVarintField(b, 6, uint64(d.Year))
	return appendVarintField(b, 7, uint64(d.Weekday))
}

// GetDateTimeRequest reads the device clock.
type GetDateTimeRequest struct{}

func (GetDateTimeRequest) Kind() Kind { return KindGetDateTimeRequest }
func (GetDateTimeRequest) field() protowire.Number { return 35 }
func (GetDateTimeRequest) marshal(b []byte) []byte { return b }

// GetDateTimeResponse carries the device clock.
type GetDateTimeResponse struct{ DateTime DateTime }

func (GetDateTimeResponse) Kind() Kind { return KindGetDateTimeResponse }
func (GetDateTimeResponse) field() protowire.Number { return 36 }
func (g GetDateTimeResponse) marshal(b []byte) []byte {
	return appendMessageField(b, 1, g.DateTime.marshal(nil))
}

// SetDateTimeRequest sets the device clock.
type SetDateTimeRequest struct{ DateTime DateTime }

func (SetDateTimeRequest) Kind() Kind { return KindSetDateTimeRequest }
func (SetDateTimeRequest) field() protowire.Number { return 37 }
func (s SetDateTimeRequest) marshal(b []byte) []byte {
	return appendMessageField(b, 1, s.DateTime.marshal(nil))
}

// FileType distinguishes regular files from directories in storage listings.
type FileType int32

const (
	FileTypeFile FileType = 0
	FileTypeDir  FileType = 1
)

// File is a storage entry. Data is set only for reads and writes.
type File struct {
	Type FileType
	Name string
	Size uint32
	Data []byte
}

// IsDir reports whether the entry is a directory.
func (f File) IsDir() bool { return f.Type == FileTypeDir }

func (f File) marshal(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(f.Type))
	b = appendStringField(b, 2, f.Name)
	b = appendVarintField(b, 3, uint64(f.Size))
	return appendBytesField(b, 4, f.Data)
}

// StorageInfoRequest asks for the capacity of a storage root.
type StorageInfoRequest struct{ Path string }

func (StorageInfoRequest) Kind() Kind { return KindStorageInfoRequest }
func (StorageInfoRequest) field() protowire.Number { return 28 }
func (s StorageInfoRequest) marshal(b []byte) []byte { return appendStringField(b, 1, s.Path) }

// StorageInfoResponse reports total and free bytes.
type StorageInfoResponse struct {
	TotalSpace uint64
	FreeSpace  uint64
}

func (StorageInfoResponse) Kind() Kind { return KindStorageInfoResponse }
func (StorageInfoResponse) field() protowire.Number { return 29 }
func (s StorageInfoResponse) marshal(b []byte) []byte {
	b = appendVarintField(b, 1, s.TotalSpace)
	return appendVarintField(b, 2, s.FreeSpace)
}

// StorageStatRequest asks for one entry.
type StorageStatRequest struct{ Path string }

func (StorageStatRequest) Kind() Kind { return KindStorageStatRequest }
func (StorageStatRequest) field() protowire.Number { return 24 }
func (s StorageStatRequest) marshal(b []byte) []byte { return appendStringField(b, 1, s.Path) }

// StorageStatResponse describes one entry. File is nil when the device sent
// no entry.
type StorageStatResponse struct{ File *File }

func (StorageStatResponse) Kind() Kind { return KindStorageStatResponse }
func (StorageStatResponse) field() protowire.Number { return 25 }
func (s StorageStatResponse) marshal(b []byte) []byte {
	if s.File == nil {
		return b
	}
	return appendMessageField(b, 1, s.File.marshal(nil))
}

// StorageListRequest lists a directory.
type StorageListRequest struct{ Path string }

func (StorageListRequest) Kind() Kind { return KindStorageListRequest }
func (StorageListRequest) field() protowire.Number { return 7 }
func (s StorageListRequest) marshal(b []byte) []byte { return appendStringField(b, 1, s.Path) }

// StorageListResponse carries one page of directory entries.
type StorageListResponse struct{ Files []File }

func (StorageListResponse) Kind() Kind { return KindStorageListResponse }
func (StorageListResponse) field() protowire.Number { return 8 }
func (s StorageListResponse) marshal(b []byte) []byte {
	for _, f := range s.Files {
		b = appendMessageField(b, 1, f.marshal(nil))
	}
	return b
}

// StorageReadRequest reads a file.
type StorageReadRequest struct{ Path string }

func (StorageReadRequest) Kind() Kind { return KindStorageReadRequest }
func (StorageReadRequest) field() protowire.Number { return 9 }
func (s StorageReadRequest) marshal(b []byte) []byte { return appendStringField(b, 1, s.Path) }

// StorageReadResponse carries one chunk of file data.
type StorageReadResponse struct{ File File }

func (StorageReadResponse) Kind() Kind { return KindStorageReadResponse }
func (StorageReadResponse) field() protowire.Number { return 10 }
func (s StorageReadResponse) marshal(b []byte) []byte {
	return appendMessageField(b, 1, s.File.marshal(nil))
}

// StorageWriteRequest carries one chunk of a file upload. Large files are
// split across frames of the same command.
type StorageWriteRequest struct {
	Path string
	File File
}

func (StorageWriteRequest) Kind() Kind { return KindStorageWriteRequest }
func (StorageWriteRequest) field() protowire.Number { return 11 }
func (s StorageWriteRequest) marshal(b []byte) []byte {
	b = appendStringField(b, 1, s.Path)
	return appendMessageField(b, 2, s.File.marshal(nil))
}

// StorageDeleteRequest removes a file or directory.
type StorageDeleteRequest struct {
	Path      string
	Recursive bool
}

func (StorageDeleteRequest) Kind() Kind { return KindStorageDelete }
func (StorageDeleteRequest) field() protowire.Number { return 12 }
func (s StorageDeleteRequest) marshal(b []byte) []byte {
	b = appendStringField(b, 1, s.Path)
	return appendBoolField(b, 2, s.Recursive)
}

// StorageMkdirRequest creates a directory.
type StorageMkdirRequest struct{ Path string }

func (StorageMkdirRequest) Kind() Kind { return KindStorageMkdir }
func (StorageMkdirRequest) field() protowire.Number { return 13 }
func (s StorageMkdirRequest) marshal(b []byte) []byte { return appendStringField(b, 1, s.Path) }

// GuiStartScreenStreamRequest enables periodic screen frames.
type GuiStartScreenStreamRequest struct{}

func (GuiStartScreenStreamRequest) Kind() Kind { return KindGuiStartStream }
func (GuiStartScreenStreamRequest) field() protowire.Number { return 20 }
func (GuiStartScreenStreamRequest) marshal(b []byte) []byte { return b }

// GuiStopScreenStreamRequest disables periodic screen frames.
type GuiStopScreenStreamRequest struct{}

func (GuiStopScreenStreamRequest) Kind() Kind { return KindGuiStopStream }
func (GuiStopScreenStreamRequest) field() protowire.Number { return 21 }
func (GuiStopScreenStreamRequest) marshal(b []byte) []byte { return b }

// GuiScreenFrame is an unsolicited framebuffer broadcast.
type GuiScreenFrame struct {
	Data        []byte
	Orientation int32
}

func (GuiScreenFrame) Kind() Kind { return KindGuiScreenFrame }
func (GuiScreenFrame) field() protowire.Number { return 22 }
func (g GuiScreenFrame) marshal(b []byte) []byte {
	b = appendBytesField(b, 1, g.Data)
	return appendVarintField(b, 2, uint64(g.Orientation))
}

func init() {
	register(Empty{}.field(), decodeEmpty)
	register(StopSession{}.field(), func([]byte) (Content, error) { return StopSession{}, nil })
	register(PingRequest{}.field(), func(b []byte) (Content, error) {
		var p PingRequest
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				p.Data = f.bytesCopy()
			}
			return nil
		})
		return p, err
	})
	register(PingResponse{}.field(), func(b []byte) (Content, error) {
		var p PingResponse
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				p.Data = f.bytesCopy()
			}
			return nil
		})
		return p, err
	})
	register(RebootRequest{}.field(), func(b []byte) (Content, error) {
		var r RebootRequest
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				r.Mode = RebootMode(f.varint)
			}
			return nil
		})
		return r, err
	})
	register(DeviceInfoRequest{}.field(), func([]byte) (Content, error) { return DeviceInfoRequest{}, nil })
	register(DeviceInfoResponse{}.field(), func(b []byte) (Content, error) {
		var d DeviceInfoResponse
		err := parseFields(b, func(f field) error {
			switch f.num {
			case 1:
				d.Key = string(f.raw)
			case 2:
				d.Value = string(f.raw)
			}
			return nil
		})
		return d, err
	})
	register(FactoryResetRequest{}.field(), func([]byte) (Content, error) { return FactoryResetRequest{}, nil })
	register(GetDateTimeRequest{}.field(), func([]byte) (Content, error) { return GetDateTimeRequest{}, nil })
	register(GetDateTimeResponse{}.field(), func(b []byte) (Content, error) {
		var g GetDateTimeResponse
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				dt, err := decodeDateTime(f.raw)
				g.DateTime = dt
				return err
			}
			return nil
		})
		return g, err
	})
	register(SetDateTimeRequest{}.field(), func(b []byte) (Content, error) {
		var s SetDateTimeRequest
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				dt, err := decodeDateTime(f.raw)
				s.DateTime = dt
				return err
			}
			return nil
		})
		return s, err
	})
	register(StorageInfoRequest{}.field(), pathDecoder(func(p string) Content { return StorageInfoRequest{Path: p} }))
	register(StorageInfoResponse{}.field(), func(b []byte) (Content, error) {
		var s StorageInfoResponse
		err := parseFields(b, func(f field) error {
			switch f.num {
			case 1:
				s.TotalSpace = f.varint
			case 2:
				s.FreeSpace = f.varint
			}
			return nil
		})
		return s, err
	})
	register(StorageStatRequest{}.field(), pathDecoder(func(p string) Content { return StorageStatRequest{Path: p} }))
	register(StorageStatResponse{}.field(), func(b []byte) (Content, error) {
		var s StorageStatResponse
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				file, err := decodeFile(f.raw)
				s.File = &file
				return err
			}
			return nil
		})
		return s, err
	})
	register(StorageListRequest{}.field(), pathDecoder(func(p string) Content { return StorageListRequest{Path: p} }))
	register(StorageListResponse{}.field(), func(b []byte) (Content, error) {
		var s StorageListResponse
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				file, err := decodeFile(f.raw)
				if err != nil {
					return err
				}
				s.Files = append(s.Files, file)
			}
			return nil
		})
		return s, err
	})
	register(StorageReadRequest{}.field(), pathDecoder(func(p string) Content { return StorageReadRequest{Path: p} }))
	register(StorageReadResponse{}.field(), func(b []byte) (Content, error) {
		var s StorageReadResponse
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				file, err := decodeFile(f.raw)
				s.File = file
				return err
			}
			return nil
		})
		return s, err
	})
	register(StorageWriteRequest{}.field(), func(b []byte) (Content, error) {
		var s StorageWriteRequest
		err := parseFields(b, func(f field) error {
			switch f.num {
			case 1:
				s.Path = string(f.raw)
			case 2:
				file, err := decodeFile(f.raw)
				s.File = file
				return err
			}
			return nil
		})
		return s, err
	})
	register(StorageDeleteRequest{}.field(), func(b []byte) (Content, error) {
		var s StorageDeleteRequest
		err := parseFields(b, func(f field) error {
			switch f.num {
			case 1:
				s.Path = string(f.raw)
			case 2:
				s.Recursive = f.varint != 0
			}
			return nil
		})
		return s, err
	})
	register(StorageMkdirRequest{}.field(), pathDecoder(func(p string) Content { return StorageMkdirRequest{Path: p} }))
	register(GuiStartScreenStreamRequest{}.field(), func([]byte) (Content, error) { return GuiStartScreenStreamRequest{}, nil })
	register(GuiStopScreenStreamRequest{}.field(), func([]byte) (Content, error) { return GuiStopScreenStreamRequest{}, nil })
	register(GuiScreenFrame{}.field(), func(b []byte) (Content, error) {
		var g GuiScreenFrame
		err := parseFields(b, func(f field) error {
			switch f.num {
			case 1:
				g.Data = f.bytesCopy()
			case 2:
				g.Orientation = int32(f.varint)
			}
			return nil
		})
		return g, err
	})
}

func pathDecoder(build func(string) Content) contentDecoder {
	return func(b []byte) (Content, error) {
		var path string
		err := parseFields(b, func(f field) error {
			if f.num == 1 {
				path = string(f.raw)
			}
			return nil
		})
		return build(path), err
	}
}

func decodeFile(b []byte) (File, error) {
	var file File
	err := parseFields(b, func(f field) error {
		switch f.num {
		case 1:
			file.Type = FileType(f.varint)
		case 2:
			file.Name = string(f.raw)
		case 3:
			file.Size = uint32(f.varint)
		case 4:
			file.Data = f.bytesCopy()
		}
		return nil
	})
	return file, err
}

func decodeDateTime(b []byte) (DateTime, error) {
	var dt DateTime
	err := parseFields(b, func(f field) error {
		v := uint32(f.varint)
		switch f.num {
		case 1:
			dt.Hour = v
		case 2:
			dt.Minute = v
		case 3:
			dt.Second = v
		case 4:
			dt.Day = v
		case 5:
			dt.Month = v
		case 6:
			dt.Year = v
		case 7:
			dt.Weekday = v
		}
		return nil
	})
	return dt, err
}
