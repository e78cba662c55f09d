package hci

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/rigado/hcicore/linux/hci/evt"
	"github.com/stretchr/testify/require"
)

var testAddr = hcicore.BDAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

// fakeCtrl is a scripted controller. Every command is answered with a
// successful Command Complete unless the test holds or silences its opcode.
type fakeCtrl struct {
	d *Device

	mu      sync.Mutex
	frames  [][]byte
	replies map[uint16][]byte
	status  map[uint16]bool
	hold    map[uint16]bool
	silent  map[uint16]bool
	sendErr map[uint16]error
	ncmd    uint8
	opened  int
	closed  int
	openErr error
}

func newFakeCtrl() *fakeCtrl {
	f := &fakeCtrl{
		replies: make(map[uint16][]byte),
		status:  map[uint16]bool{cmd.OpInquiry: true, cmd.OpRemoteNameReq: true, cmd.OpDisconnect: true},
		hold:    make(map[uint16]bool),
		silent:  make(map[uint16]bool),
		sendErr: make(map[uint16]error),
		ncmd:    1,
	}

	// BR/EDR and LE capable, HCI 5.0
	f.replies[cmd.OpReadLocalVersion] = []byte{0x00, 0x09, 0x00, 0x00, 0x09, 0x0f, 0x00, 0x00, 0x00}
	f.replies[cmd.OpReadLocalFeatures] = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00}
	f.replies[cmd.OpReadBDAddr] = append([]byte{0x00}, testAddr[:]...)
	// ACL MTU 64, 8 ACL and 8 SCO buffers
	f.replies[cmd.OpReadBufferSize] = []byte{0x00, 0x40, 0x00, 0x40, 0x08, 0x00, 0x08, 0x00}
	f.replies[cmd.OpReadDataBlockSize] = []byte{0x00, 0x20, 0x00, 0x10, 0x00, 0x04, 0x00}
	f.replies[cmd.OpReadFlowControlMode] = []byte{0x00, FlowCtlBlockBased}
	return f
}

func (f *fakeCtrl) Bind(d *Device) { f.d = d }

func (f *fakeCtrl) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened++
	return nil
}

func (f *fakeCtrl) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeCtrl) Send(b []byte) error {
	frame := append([]byte(nil), b...)

	f.mu.Lock()
	f.frames = append(f.frames, frame)
	if frame[0] != PktTypeCommand {
		f.mu.Unlock()
		return nil
	}
	op := binary.LittleEndian.Uint16(frame[1:])
	if err := f.sendErr[op]; err != nil {
		f.mu.Unlock()
		return err
	}
	if f.hold[op] || f.silent[op] {
		f.mu.Unlock()
		return nil
	}
	var reply []byte
	if f.status[op] {
		reply = statusFrame(op, f.ncmd, 0x00)
	} else {
		reply = completeFrame(op, f.ncmd, f.returnParams(op)...)
	}
	f.mu.Unlock()

	_ = f.d.RecvFrame(reply)
	return nil
}

// returnParams pads the canned reply to what the handler of op reads.
// Callers hold mu.
func (f *fakeCtrl) returnParams(op uint16) []byte {
	rp := f.replies[op]
	if rp == nil {
		rp = []byte{0x00}
	}
	if h, ok := ccHandlers[op]; ok && len(rp) < h.n {
		rp = append(append([]byte(nil), rp...), make([]byte, h.n-len(rp))...)
	}
	return rp
}

func (f *fakeCtrl) setReply(op uint16, rp ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[op] = rp
}

func (f *fakeCtrl) setHold(op uint16, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold[op] = v
}

func (f *fakeCtrl) setSilent(op uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[op] = true
}

func (f *fakeCtrl) setNcmd(n uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ncmd = n
}

// sent returns the opcodes of the commands sent so far.
func (f *fakeCtrl) sent() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []uint16
	for _, b := range f.frames {
		if b[0] == PktTypeCommand {
			ops = append(ops, binary.LittleEndian.Uint16(b[1:]))
		}
	}
	return ops
}

func (f *fakeCtrl) count(op uint16) int {
	n := 0
	for _, o := range f.sent() {
		if o == op {
			n++
		}
	}
	return n
}

// params returns the parameters of the last command sent with op.
func (f *fakeCtrl) params(op uint16) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		b := f.frames[i]
		if b[0] == PktTypeCommand && binary.LittleEndian.Uint16(b[1:]) == op {
			return b[4:]
		}
	}
	return nil
}

// data returns the data frames sent so far.
func (f *fakeCtrl) data() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dd [][]byte
	for _, b := range f.frames {
		if b[0] != PktTypeCommand {
			dd = append(dd, b)
		}
	}
	return dd
}

func (f *fakeCtrl) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeCtrl) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeCtrl) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func completeFrame(op uint16, ncmd uint8, rp ...byte) []byte {
	b := []byte{PktTypeEvent, evt.CommandCompleteCode, byte(3 + len(rp)), ncmd, byte(op), byte(op >> 8)}
	return append(b, rp...)
}

func statusFrame(op uint16, ncmd, status uint8) []byte {
	return []byte{PktTypeEvent, evt.CommandStatusCode, 4, status, ncmd, byte(op), byte(op >> 8)}
}

func eventFrame(code uint8, params ...byte) []byte {
	return append([]byte{PktTypeEvent, code, byte(len(params))}, params...)
}

func connCompleteFrame(handle uint16, a hcicore.BDAddr, linkType uint8) []byte {
	p := []byte{0x00, byte(handle), byte(handle >> 8)}
	p = append(p, a[:]...)
	p = append(p, linkType, 0x00)
	return eventFrame(evt.ConnectionCompleteCode, p...)
}

func testConfig() hcicore.Config {
	cfg := hcicore.DefaultConfig()
	cfg.CmdTimeout = 200 * time.Millisecond
	cfg.InitTimeout = time.Second
	cfg.AutoOffTimeout = time.Minute
	return cfg
}

func newTestDevice(t *testing.T, f *fakeCtrl, opts ...hcicore.Option) *Device {
	t.Helper()
	opts = append([]hcicore.Option{hcicore.OptConfig(testConfig()), OptDriver(f)}, opts...)
	d, err := NewDevice(opts...)
	require.NoError(t, err)
	require.Same(t, d, f.d)
	return d
}

// openTestDevice registers a device, waits for power-on and claims it.
func openTestDevice(t *testing.T, f *fakeCtrl, opts ...hcicore.Option) (*Device, *Registry) {
	t.Helper()
	d := newTestDevice(t, f, opts...)
	reg := NewRegistry()
	_, err := reg.Register(d)
	require.NoError(t, err)
	require.NoError(t, d.Open())
	require.True(t, d.IsUp())
	t.Cleanup(func() { _ = reg.Shutdown() })
	return d, reg
}

// runEngine starts the workers of a device that is not opened, as an
// initializing device.
func runEngine(t *testing.T, d *Device) {
	t.Helper()
	d.startWorkers()
	d.flags.set(FlagRunning | FlagInit)
	t.Cleanup(func() {
		_ = d.stopWorkers()
		d.cmdPurge(ErrDeviceDown, true)
	})
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
