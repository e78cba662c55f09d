package hci

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/h4"
	"github.com/rigado/hcicore/linux/hci/socket"
)

// Driver moves complete HCI frames, packet type octet first, between the
// engine and a controller. Inbound frames are handed to Device.RecvFrame.
type Driver interface {
	Open() error
	Close() error
	Send(frame []byte) error
}

// Optional driver capabilities.
type (
	Flusher interface {
		Flush() error
	}

	DiagSetter interface {
		SetDiag(enable bool) error
	}

	// Shutdowner runs vendor commands before an up device is closed.
	Shutdowner interface {
		Shutdown(d *Device) error
	}

	// Setupper runs once, on the first open after registration, unless the
	// device has QuirkNonPersistentSetup.
	Setupper interface {
		Setup(d *Device) error
	}

	PostIniter interface {
		PostInit(d *Device) error
	}

	CmdTimeouter interface {
		CmdTimeout(d *Device)
	}

	HwErrorer interface {
		HwError(d *Device, code uint8)
	}

	AddrSetter interface {
		SetBDAddr(d *Device, a hcicore.BDAddr) error
	}

	// Binder is implemented by drivers that need to know their device
	// before they are opened.
	Binder interface {
		Bind(d *Device)
	}
)

// Opener returns a freshly opened byte transport. Reads must return whole
// frames; a read returning 0, nil is a read timeout and io.EOF ends the
// stream.
type Opener func() (io.ReadWriteCloser, error)

// StreamDriver adapts a frame oriented io.ReadWriteCloser, such as the HCI
// user channel socket or an H4 UART, into a Driver.
type StreamDriver struct {
	open Opener
	d    *Device

	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	done   chan struct{}
	exited chan struct{}

	wmu sync.Mutex
}

func NewStreamDriver(open Opener) *StreamDriver {
	return &StreamDriver{open: open}
}

func (s *StreamDriver) Bind(d *Device) { s.d = d }

func (s *StreamDriver) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rwc != nil {
		return errors.New("transport already open")
	}
	if s.d == nil {
		return errors.New("transport not bound to a device")
	}

	rwc, err := s.open()
	if err != nil {
		return errors.Wrap(err, "can't open transport")
	}

	s.rwc = rwc
	s.done = make(chan struct{})
	s.exited = make(chan struct{})
	go s.readLoop(rwc, s.done, s.exited)
	return nil
}

func (s *StreamDriver) readLoop(rwc io.ReadWriteCloser, done, exited chan struct{}) {
	var rerr error
	defer func() {
		close(exited)
		select {
		case <-done:
		default:
			s.d.dispatchError(rerr)
		}
	}()

	b := make([]byte, 4096)
	for {
		n, err := rwc.Read(b)

		switch {
		case n == 0 && err == nil:
			// read timeout
			select {
			case <-done:
				return
			default:
				continue
			}

		//callers depend on detecting io.EOF, don't wrap it.
		case err == io.EOF:
			rerr = err
			return

		case err != nil:
			rerr = fmt.Errorf("transport read error: %v", err)
			return

		default:
			p := make([]byte, n)
			copy(p, b)
			if err := s.d.RecvFrame(p); err != nil {
				s.d.logger.Debugf("rx % X dropped: %v", p, err)
			}
		}
	}
}

func (s *StreamDriver) Send(frame []byte) error {
	s.mu.Lock()
	rwc := s.rwc
	s.mu.Unlock()
	if rwc == nil {
		return errors.New("transport not open")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := rwc.Write(frame)
	switch {
	case err != nil:
		return errors.Wrap(err, "can't write transport")
	case n != len(frame):
		return errors.Errorf("short write, %d of %d", n, len(frame))
	}
	return nil
}

// Close stops the read loop and closes the transport. Closing a closed
// driver is a no-op.
func (s *StreamDriver) Close() error {
	s.mu.Lock()
	rwc, done, exited := s.rwc, s.done, s.exited
	s.rwc = nil
	s.mu.Unlock()
	if rwc == nil {
		return nil
	}

	close(done)
	err := rwc.Close()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		s.d.logger.Warn("transport read loop did not exit")
	}
	return errors.Wrap(err, "can't close transport")
}

type transportHci struct {
	id int
}

type transportH4Socket struct {
	addr    string
	timeout time.Duration
}

type transportH4Uart struct {
	path string
	baud uint
}

type transport struct {
	hci      *transportHci
	h4uart   *transportH4Uart
	h4socket *transportH4Socket
}

func getTransport(t transport) (io.ReadWriteCloser, error) {
	switch {
	case t.hci != nil:
		s, err := socket.NewSocket(t.hci.id)
		if err != nil {
			return nil, err
		}
		return s, nil

	case t.h4socket != nil:
		return h4.NewSocket(t.h4socket.addr, t.h4socket.timeout)

	case t.h4uart != nil:
		so := h4.DefaultSerialOptions()
		so.PortName = t.h4uart.path
		if t.h4uart.baud != 0 {
			so.BaudRate = t.h4uart.baud
		}
		return h4.NewSerial(so)

	default:
		return nil, fmt.Errorf("no valid transport found")
	}
}

func (d *Device) setTransport(t transport) {
	d.drv = NewStreamDriver(func() (io.ReadWriteCloser, error) { return getTransport(t) })
}
