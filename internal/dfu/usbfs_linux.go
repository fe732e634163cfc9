//go:build linux

package dfu

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const defaultControlTimeout = 5 * time.Second

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        unsafe.Pointer
}

// setInterface mirrors struct usbdevfs_setinterface.
type setInterface struct {
	iface uint32
	alt   uint32
}

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('U')<<8 | nr
}

var (
	ioctlControl          = ioc(3, 0, unsafe.Sizeof(ctrlTransfer{}))
	ioctlSetInterface     = ioc(2, 4, unsafe.Sizeof(setInterface{}))
	ioctlClaimInterface   = ioc(2, 15, unsafe.Sizeof(uint32(0)))
	ioctlReleaseInterface = ioc(2, 16, unsafe.Sizeof(uint32(0)))
)

type usbfs struct {
	mu   sync.Mutex
	fd   int
	path string
}

// OpenUSBFS opens a device node such as /dev/bus/usb/001/004 for control
// transfers through the kernel usbfs interface.
func OpenUSBFS(devnode string) (Transport, error) {
	devnode = strings.TrimSpace(devnode)
	if devnode == "" {
		return nil, fmt.Errorf("empty device node")
	}
	fd, err := unix.Open(devnode, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devnode, err)
	}
	return &usbfs{fd: fd, path: devnode}, nil
}

func (u *usbfs) ioctl(op string, request uintptr, arg unsafe.Pointer) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fd < 0 {
		return 0, fmt.Errorf("%s on %s: %w", op, u.path, unix.EBADF)
	}
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.fd), request, uintptr(arg))
	if errno != 0 {
		return 0, fmt.Errorf("%s on %s: %w", op, u.path, errno)
	}
	return int(r1), nil
}

func (u *usbfs) Claim(iface uint8) error {
	value := uint32(iface)
	_, err := u.ioctl("claim interface", ioctlClaimInterface, unsafe.Pointer(&value))
	return err
}

func (u *usbfs) Release(iface uint8) error {
	value := uint32(iface)
	_, err := u.ioctl("release interface", ioctlReleaseInterface, unsafe.Pointer(&value))
	return err
}

func (u *usbfs) SetAltSetting(iface, alt uint8) error {
	arg := setInterface{iface: uint32(iface), alt: uint32(alt)}
	_, err := u.ioctl("set interface", ioctlSetInterface, unsafe.Pointer(&arg))
	return err
}

func (u *usbfs) Control(ctx context.Context, setup Setup, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(data) > 0xFFFF {
		return 0, fmt.Errorf("control transfer of %d bytes exceeds 65535", len(data))
	}
	timeout := defaultControlTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), time.Millisecond)
	}
	ctrl := ctrlTransfer{
		requestType: setup.RequestType,
		request:     setup.Request,
		value:       setup.Value,
		index:       setup.Index,
		length:      uint16(len(data)),
		timeout:     uint32(timeout / time.Millisecond),
	}
	if len(data) > 0 {
		ctrl.data = unsafe.Pointer(&data[0])
	}
	n, err := u.ioctl(fmt.Sprintf("control request %d", setup.Request), ioctlControl, unsafe.Pointer(&ctrl))
	runtime.KeepAlive(data)
	return n, err
}

func (u *usbfs) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fd < 0 {
		return nil
	}
	err := unix.Close(u.fd)
	u.fd = -1
	return err
}
