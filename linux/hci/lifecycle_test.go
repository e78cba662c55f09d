package hci

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/rigado/hcicore/linux/hci/evt"
	"github.com/stretchr/testify/require"
)

// hookCtrl adds the optional driver hooks to fakeCtrl.
type hookCtrl struct {
	*fakeCtrl

	hmu      sync.Mutex
	addrs    []hcicore.BDAddr
	diag     []bool
	shutdown int
}

func newHookCtrl() *hookCtrl {
	return &hookCtrl{fakeCtrl: newFakeCtrl()}
}

func (h *hookCtrl) SetBDAddr(d *Device, a hcicore.BDAddr) error {
	// vendor command programming the address
	if _, err := d.CmdSync(context.Background(), vendorOp(0x06), a[:], 0); err != nil {
		return err
	}
	h.setReply(cmd.OpReadBDAddr, append([]byte{0x00}, a[:]...)...)

	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.addrs = append(h.addrs, a)
	return nil
}

func (h *hookCtrl) SetDiag(enable bool) error {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.diag = append(h.diag, enable)
	return nil
}

func (h *hookCtrl) Shutdown(d *Device) error {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.shutdown++
	return nil
}

func (h *hookCtrl) diagCalls() []bool {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	return append([]bool(nil), h.diag...)
}

func TestPowerOnAndClaim(t *testing.T) {
	f := newFakeCtrl()
	d := newTestDevice(t, f)
	reg := NewRegistry()
	defer reg.Shutdown()

	id, err := reg.Register(d)
	require.NoError(t, err)
	require.Equal(t, 0, id)
	require.Equal(t, "hci0", d.Name())

	d.powerOn.Wait()
	require.True(t, d.IsUp())
	require.True(t, d.flags.test(FlagAutoOff))
	require.False(t, d.flags.test(FlagSetup))
	require.Equal(t, 1, f.count(cmd.OpReset))

	// claiming does not initialize again
	require.NoError(t, d.Open())
	require.False(t, d.flags.test(FlagAutoOff))
	require.Equal(t, 1, f.count(cmd.OpReset))
	require.Equal(t, 1, f.openCount())

	require.Equal(t, ErrAlreadyUp, d.Open())

	require.NoError(t, d.Close())
	require.False(t, d.IsUp())
	require.Equal(t, 1, f.closeCount())
	require.True(t, d.work.idle())

	// closing twice is harmless
	require.NoError(t, d.Close())
	require.Equal(t, 1, f.closeCount())
}

func TestAutoOff(t *testing.T) {
	f := newFakeCtrl()
	cfg := testConfig()
	cfg.AutoOffTimeout = 50 * time.Millisecond
	d := newTestDevice(t, f, hcicore.OptConfig(cfg))
	reg := NewRegistry()
	defer reg.Shutdown()

	_, err := reg.Register(d)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.closeCount() == 1 }, waitFor, tick)
	require.False(t, d.IsUp())
	require.Zero(t, d.Flags()&(openFlags|FlagAutoOff))

	// a closed device opens the usual way
	require.NoError(t, d.Open())
	require.Equal(t, 2, f.openCount())
}

func TestCloseTeardown(t *testing.T) {
	f := newFakeCtrl()
	var mu sync.Mutex
	var reasons []uint8
	d, _ := openTestDevice(t, f, OptDisconnHandler(func(c *Conn, reason uint8) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}))

	require.NoError(t, d.RecvFrame(connCompleteFrame(0x40, testAddr, 0x01)))
	require.Eventually(t, func() bool { return d.Conn(0x40) != nil }, waitFor, tick)
	c := d.Conn(0x40)
	require.Equal(t, ACLLink, c.Type)
	require.Equal(t, testAddr, c.Addr)

	op := vendorOp(1)
	f.setHold(op, true)
	results := make(chan Result, 1)
	require.NoError(t, d.Submit(op, nil, 5*time.Second, Notify(results)))
	require.Eventually(t, func() bool { return d.inFlight() == 1 }, waitFor, tick)

	// queued behind the one in flight
	errc := make(chan error, 1)
	go func() {
		_, err := d.SubmitSync(context.Background(), vendorOp(2), nil, 5*time.Second)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		d.cmdMu.Lock()
		defer d.cmdMu.Unlock()
		return len(d.cmdQ) == 1
	}, waitFor, tick)

	require.NoError(t, d.Close())

	r := recvResult(t, results)
	require.Equal(t, ErrDeviceDown, r.Err)
	select {
	case err := <-errc:
		require.Equal(t, ErrDeviceDown, errors.Cause(err))
	case <-time.After(waitFor):
		t.Fatal("waiter not woken")
	}

	require.Nil(t, d.Conn(0x40))
	require.Empty(t, d.Conns())
	mu.Lock()
	require.Equal(t, []uint8{uint8(ErrLocalHost)}, reasons)
	mu.Unlock()

	require.True(t, d.work.idle())
	require.Zero(t, d.inFlight())
	require.Zero(t, d.Flags()&openFlags)
	require.Equal(t, ErrNotUp, d.RecvFrame(eventFrame(evt.HardwareErrorCode, 0x00)))
	require.Equal(t, ErrNotRunning, d.Submit(op, nil, 0, Completion{}))
}

func TestResetRestoresCredits(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	require.NoError(t, d.RecvFrame(connCompleteFrame(0x40, testAddr, 0x01)))
	require.Eventually(t, func() bool { return d.Conn(0x40) != nil }, waitFor, tick)
	d.inq.Update(InquiryData{Addr: addrX}, false)

	d.sched.mu.Lock()
	d.sched.aclCnt = 0
	d.sched.mu.Unlock()

	require.NoError(t, d.Reset(context.Background()))
	require.Equal(t, 2, f.count(cmd.OpReset))
	require.Nil(t, d.Conn(0x40))
	require.Zero(t, d.inq.Len())
	require.True(t, d.IsUp())

	d.sched.mu.Lock()
	require.Equal(t, 8, d.sched.aclCnt)
	d.sched.mu.Unlock()

	require.Equal(t, ErrNotUp, newTestDevice(t, newFakeCtrl()).Reset(context.Background()))
}

func TestHardwareErrorReopens(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	require.NoError(t, d.RecvFrame(eventFrame(evt.HardwareErrorCode, 0x05)))
	require.Eventually(t, func() bool { return f.openCount() == 2 && d.IsUp() }, waitFor, tick)
	require.Equal(t, 1, f.closeCount())
	require.Equal(t, 2, f.count(cmd.OpReset))
	require.Eventually(t, func() bool { return !d.errResetting.Load() }, waitFor, tick)

	require.NoError(t, d.ResetDev())
	require.Eventually(t, func() bool { return f.openCount() == 3 && d.IsUp() }, waitFor, tick)
}

func TestSuspendResume(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	require.NoError(t, d.RecvFrame(connCompleteFrame(0x40, testAddr, 0x01)))
	require.Eventually(t, func() bool { return d.Conn(0x40) != nil }, waitFor, tick)

	require.NoError(t, d.Suspend())
	require.NoError(t, d.Conn(0x40).Chan().Send([]byte{1, 2, 3}, PrioDefault))
	require.Never(t, func() bool { return len(f.data()) > 0 }, 50*time.Millisecond, tick)

	// commands still flow
	_, err := d.SubmitSync(context.Background(), vendorOp(1), nil, 0)
	require.NoError(t, err)

	require.NoError(t, d.Resume())
	require.Eventually(t, func() bool { return len(f.data()) == 1 }, waitFor, tick)
	require.Equal(t, uint64(1), d.Stats().ACLTx)

	require.NoError(t, d.Close())
	require.Equal(t, ErrNotUp, d.Suspend())
	require.Equal(t, ErrNotUp, d.Resume())
}

func TestRFKill(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	d.SetRFKilled(true)
	require.False(t, d.IsUp())
	require.Equal(t, ErrRFKilled, d.Open())

	// an exclusive owner is not stopped by the kill switch
	require.NoError(t, d.OpenExclusive())
	require.True(t, d.IsUp())
	require.True(t, d.flags.test(FlagUserChannel))
	require.NoError(t, d.Close())
	require.Equal(t, ErrRFKilled, d.Open())

	d.SetRFKilled(false)
	require.NoError(t, d.Open())
}

func TestShutdownHook(t *testing.T) {
	h := newHookCtrl()
	d, _ := openTestDevice(t, h.fakeCtrl, OptDriver(h))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	h.hmu.Lock()
	require.Equal(t, 1, h.shutdown)
	h.hmu.Unlock()
}

func TestSetPublicAddress(t *testing.T) {
	h := newHookCtrl()
	d := newTestDevice(t, h.fakeCtrl, OptDriver(h), OptQuirks(QuirkInvalidBDAddr))
	reg := NewRegistry()
	defer reg.Shutdown()

	_, err := reg.Register(d)
	require.NoError(t, err)
	d.powerOn.Wait()

	// no usable address: raw access only
	require.False(t, d.IsUp())
	require.Equal(t, FlagUnconfigured|FlagRaw, d.Flags()&(FlagUnconfigured|FlagRaw))
	require.Error(t, d.Open())
	_, err = d.Inquiry(context.Background(), InquiryParams{Length: 1})
	require.Error(t, err)

	h.reset()
	a := hcicore.MustParseBDAddr("00:11:22:33:44:55")
	require.Equal(t, ErrAddrNotAvail, d.SetPublicAddress(hcicore.BDAddr{}))
	require.NoError(t, d.SetPublicAddress(a))
	d.powerOn.Wait()

	require.True(t, d.IsUp())
	require.Equal(t, a, d.Info().BDAddr)
	require.Zero(t, d.Flags()&(FlagUnconfigured|FlagRaw|FlagConfig))
	require.Equal(t, vendorOp(0x06), h.sent()[0])
	require.Equal(t, a[:], h.params(vendorOp(0x06)))

	require.Equal(t, ErrNotSupported, newTestDevice(t, newFakeCtrl()).SetPublicAddress(a))
}

func TestSetDiag(t *testing.T) {
	require.Equal(t, ErrNotSupported, newTestDevice(t, newFakeCtrl()).SetDiag(true))

	h := newHookCtrl()
	d, _ := openTestDevice(t, h.fakeCtrl, OptDriver(h), OptQuirks(QuirkNonPersistentDiag))

	require.NoError(t, d.SetDiag(true))
	require.True(t, d.flags.test(FlagVendorDiag))
	require.Equal(t, []bool{true}, h.diagCalls())

	// the controller forgot it over the reset
	require.NoError(t, d.Close())
	require.NoError(t, d.Open())
	require.Equal(t, []bool{true, true}, h.diagCalls())

	require.NoError(t, d.SetDiag(false))
	require.False(t, d.flags.test(FlagVendorDiag))

	diag := make(chan []byte, 1)
	require.NoError(t, d.Option(OptDiagHandler(func(b []byte) { diag <- b })))
	require.NoError(t, d.RecvDiag([]byte{0x07, 0x08}))
	select {
	case b := <-diag:
		require.Equal(t, []byte{0x07, 0x08}, b)
	case <-time.After(waitFor):
		t.Fatal("no diagnostic frame")
	}
}

func TestOpenExclusive(t *testing.T) {
	f := newFakeCtrl()
	raw := make(chan []byte, 64)
	d := newTestDevice(t, f, OptRawHandler(func(b []byte) {
		// handlers run on the rx worker and must not block it
		select {
		case raw <- b:
		default:
		}
	}))
	reg := NewRegistry()
	defer reg.Shutdown()

	_, err := reg.Register(d)
	require.NoError(t, err)
	d.powerOn.Wait()
	require.True(t, d.flags.test(FlagAutoOff))
	for len(raw) > 0 {
		<-raw
	}
	f.reset()

	require.NoError(t, d.OpenExclusive())
	require.True(t, d.IsUp())
	require.True(t, d.flags.test(FlagUserChannel))
	require.Equal(t, 2, f.openCount())
	require.Empty(t, f.sent())
	require.Equal(t, ErrBusy, d.OpenExclusive())

	// the owner talks to the controller directly
	require.NoError(t, d.SendRaw([]byte{PktTypeCommand, 0x03, 0x0c, 0x00}))
	select {
	case b := <-raw:
		require.Equal(t, completeFrame(cmd.OpReset, 1, 0x00), b)
	case <-time.After(waitFor):
		t.Fatal("no raw frame")
	}
	// nothing was matched against a request
	require.Zero(t, d.inFlight())

	require.NoError(t, d.Close())
	require.False(t, d.flags.test(FlagUserChannel))
	require.False(t, d.IsUp())
}
