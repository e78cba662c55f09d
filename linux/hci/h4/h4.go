package h4

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
)

const (
	rxQueueSize = 64
	readTimeout = time.Second
)

type h4 struct {
	rwc io.ReadWriteCloser
	wmu sync.Mutex

	fr      *frame
	rxQueue chan []byte

	// eofIsTimeout is set for serial ports, where an expired
	// inter-character timer surfaces as io.EOF.
	eofIsTimeout bool

	done   chan struct{}
	rxDone chan struct{}
	cmu    sync.Mutex

	logger hcicore.Logger
}

// DefaultSerialOptions returns 1Mbaud 8N1 with hardware flow control.
func DefaultSerialOptions() serial.OpenOptions {
	return serial.OpenOptions{
		BaudRate:              1000000,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		RTSCTSFlowControl:     true,
		InterCharacterTimeout: 100,
		MinimumReadSize:       0,
	}
}

// NewSerial opens an H4 UART.
func NewSerial(opts serial.OpenOptions) (io.ReadWriteCloser, error) {
	// force these
	opts.MinimumReadSize = 0
	if opts.InterCharacterTimeout == 0 {
		opts.InterCharacterTimeout = 100
	}

	logger := hcicore.GetLogger().ChildLogger(map[string]interface{}{"h4": opts.PortName})
	logger.Debugf("opening %s at %d baud", opts.PortName, opts.BaudRate)
	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", opts.PortName)
	}

	// drop whatever the controller had queued before we got here
	b := make([]byte, 2048)
	<-time.After(time.Millisecond * 250)
	if n, _ := sp.Read(b); n > 0 {
		logger.Debugf("flushed %d stale bytes", n)
	}

	return newH4(sp, true, logger), nil
}

// NewSocket dials an H4 stream carried over TCP, as exposed by emulators and
// serial bridges. timeout bounds each read and write.
func NewSocket(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	if timeout <= 0 {
		timeout = readTimeout
	}
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "can't dial %s", addr)
	}

	logger := hcicore.GetLogger().ChildLogger(map[string]interface{}{"h4": addr})
	return newH4(&deadlineConn{Conn: c, timeout: timeout}, false, logger), nil
}

func newH4(rwc io.ReadWriteCloser, eofIsTimeout bool, logger hcicore.Logger) *h4 {
	h := &h4{
		rwc:          rwc,
		eofIsTimeout: eofIsTimeout,
		done:         make(chan struct{}),
		rxDone:       make(chan struct{}),
		rxQueue:      make(chan []byte, rxQueueSize),
		logger:       logger,
	}
	h.fr = newFrame(h.put, logger)

	go h.rxLoop()
	return h
}

// Read returns one complete frame. It returns 0, nil when no frame arrived
// within the read timeout.
func (h *h4) Read(p []byte) (int, error) {
	select {
	case t := <-h.rxQueue:
		if len(p) < len(t) {
			return 0, io.ErrShortBuffer
		}
		return copy(p, t), nil

	case <-h.done:
		return 0, io.EOF

	case <-h.rxDone:
		return 0, io.EOF

	case <-time.After(readTimeout):
		return 0, nil
	}
}

func (h *h4) Write(p []byte) (int, error) {
	if !h.isOpen() {
		return 0, io.EOF
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	n, err := h.rwc.Write(p)
	return n, errors.Wrap(err, "can't write h4")
}

func (h *h4) Close() error {
	h.cmu.Lock()
	defer h.cmu.Unlock()

	select {
	case <-h.done:
		return nil

	default:
		close(h.done)
		h.logger.Debug("closing h4")
		return errors.Wrap(h.rwc.Close(), "can't close h4")
	}
}

func (h *h4) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *h4) put(b []byte) {
	select {
	case h.rxQueue <- b:
	case <-h.done:
	}
}

func (h *h4) rxLoop() {
	defer close(h.rxDone)

	tmp := make([]byte, 512)
	for h.isOpen() {
		n, err := h.rwc.Read(tmp)
		if n > 0 {
			h.fr.Assemble(tmp[:n])
		}

		switch {
		case err == nil:
		case err == io.EOF && h.eofIsTimeout:
		case isTimeout(err):
		default:
			if h.isOpen() {
				h.logger.Errorf("rx loop: %v", err)
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := errors.Cause(err).(net.Error)
	return ok && ne.Timeout()
}
