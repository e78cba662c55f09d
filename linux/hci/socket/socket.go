//go:build linux
// +build linux

package socket

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"golang.org/x/sys/unix"
)

// ioctl request numbers of the kernel HCI driver, _IOW('H', nr, int) and
// _IOR('H', nr, int).
const (
	iocWrite = 1
	iocRead  = 2
	typHCI   = 'H'
	intSize  = 4
)

func ioc(dir, nr uintptr) uintptr {
	return dir<<30 | intSize<<16 | typHCI<<8 | nr
}

var (
	hciDevDown    = ioc(iocWrite, 202)
	hciGetDevList = ioc(iocRead, 210)
)

const (
	maxDevices = 16

	// Read waits this long for a frame before reporting a timeout.
	pollTimeout = time.Second
	// How long NewSocket keeps retrying a busy device.
	bindRetry = 60 * time.Second

	pollIn  = int16(unix.POLLIN)
	pollErr = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
)

type devListReq struct {
	num  uint16
	devs [maxDevices]struct {
		id  uint16
		opt uint32
	}
}

func ioctl(fd int, req, arg uintptr) error {
	if _, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg); e != 0 {
		return e
	}
	return nil
}

// Socket is a kernel HCI user channel. Reads return one frame each.
type Socket struct {
	fd     int
	id     int
	rmu    sync.Mutex
	wmu    sync.Mutex
	closed atomic.Bool
}

// NewSocket binds the user channel of controller id, retrying while the
// device is busy. An id of -1 takes the first controller that can be bound.
func NewSocket(id int) (*Socket, error) {
	if id < 0 {
		return first()
	}

	deadline := time.Now().Add(bindRetry)
	for {
		s, err := bind(id)
		if err == nil {
			return s, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		hcicore.GetLogger().Debugf("hci%d: %v, retrying", id, err)
		time.Sleep(time.Second)
	}
}

// devices lists the controller ids known to the kernel.
func devices() ([]int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	defer unix.Close(fd)

	req := devListReq{num: maxDevices}
	if err := ioctl(fd, hciGetDevList, uintptr(unsafe.Pointer(&req))); err != nil {
		return nil, errors.Wrap(err, "can't get device list")
	}
	ids := make([]int, 0, req.num)
	for i := 0; i < int(req.num); i++ {
		ids = append(ids, int(req.devs[i].id))
	}
	return ids, nil
}

func first() (*Socket, error) {
	ids, err := devices()
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, id := range ids {
		s, err := bind(id)
		if err == nil {
			return s, nil
		}
		failed = append(failed, err.Error())
	}
	return nil, errors.Errorf("no devices available: %s", strings.Join(failed, "; "))
}

// bind takes the controller down, which the user channel requires, and binds
// a new socket to it.
func bind(id int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	s := &Socket{fd: fd, id: id}

	if err := ioctl(fd, hciDevDown, uintptr(id)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "hci%d: can't take device down", id)
	}
	sa := unix.SockaddrHCI{Dev: uint16(id), Channel: unix.HCI_CHANNEL_USER}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "hci%d: can't bind user channel", id)
	}

	// whatever the kernel left queued belongs to the previous owner
	ready, err := s.poll(20 * time.Millisecond)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if ready {
		b := make([]byte, 2048)
		_, _ = unix.Read(fd, b)
	}
	return s, nil
}

// poll waits up to d for the socket to become readable.
func (s *Socket) poll(d time.Duration) (bool, error) {
	pfds := []unix.PollFd{{Fd: int32(s.fd), Events: pollIn}}
	if _, err := unix.Poll(pfds, int(d/time.Millisecond)); err != nil && err != unix.EINTR {
		return false, errors.Wrap(err, "can't poll hci socket")
	}
	ev := pfds[0].Revents
	if ev&pollErr != 0 {
		hcicore.GetLogger().Errorf("hci%d: socket error, poll events 0x%04x", s.id, ev)
		return false, io.EOF
	}
	return ev&pollIn != 0, nil
}

// Read returns 0, nil when no frame arrived within the poll timeout.
func (s *Socket) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.EOF
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()
	ready, err := s.poll(pollTimeout)
	if err != nil || !ready {
		return 0, err
	}
	n, err := unix.Read(s.fd, p)
	if s.closed.Load() {
		return 0, io.EOF
	}
	if err != nil {
		return 0, errors.Wrap(err, "can't read hci socket")
	}
	return n, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.EOF
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, errors.Wrap(err, "can't write hci socket")
	}
	return n, nil
}

func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	hcicore.GetLogger().Debugf("hci%d: closing socket", s.id)

	// a pending Read returns within the poll timeout
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return errors.Wrap(unix.Close(s.fd), "can't close hci socket")
}
