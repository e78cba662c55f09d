package hci

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/rigado/hcicore/linux/hci/evt"
	"github.com/stretchr/testify/require"
)

func vendorOp(ocf uint16) uint16 { return cmd.Op(cmd.OGFVendorSpecific, ocf) }

func recvResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("no result")
	}
	return Result{}
}

func TestCommandsCompleteInOrder(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	ops := []uint16{vendorOp(1), vendorOp(2), vendorOp(3)}
	for _, op := range ops {
		f.setHold(op, true)
	}
	f.reset()

	results := make(chan Result, len(ops))
	for _, op := range ops {
		require.NoError(t, d.Submit(op, []byte{byte(op)}, 5*time.Second, Notify(results)))
	}

	for i, op := range ops {
		n := i + 1
		require.Eventually(t, func() bool { return len(f.sent()) == n }, waitFor, tick)
		require.Equal(t, op, f.sent()[i])
		// one credit, one command in flight
		require.Never(t, func() bool { return len(f.sent()) > n }, 50*time.Millisecond, tick)
		require.NoError(t, d.RecvFrame(completeFrame(op, 1, 0x00, byte(i))))
	}

	for i, op := range ops {
		r := recvResult(t, results)
		require.NoError(t, r.Err)
		require.Equal(t, op, r.Opcode)
		require.Equal(t, uint8(0), r.Status)
		require.Equal(t, []byte{0x00, byte(i)}, r.Params)
	}
}

func TestCommandCreditsCapped(t *testing.T) {
	f := newFakeCtrl()
	f.setNcmd(5)
	cfg := testConfig()
	cfg.MaxCmdCredits = 2
	d, _ := openTestDevice(t, f, hcicore.OptConfig(cfg))

	ops := []uint16{vendorOp(1), vendorOp(2), vendorOp(3)}
	for _, op := range ops {
		f.setHold(op, true)
	}
	f.reset()

	results := make(chan Result, len(ops))
	for _, op := range ops {
		require.NoError(t, d.Submit(op, nil, 5*time.Second, Notify(results)))
	}

	require.Eventually(t, func() bool { return len(f.sent()) == 2 }, waitFor, tick)
	require.Never(t, func() bool { return len(f.sent()) > 2 }, 50*time.Millisecond, tick)
	require.Equal(t, 2, d.inFlight())

	require.NoError(t, d.RecvFrame(completeFrame(ops[0], 5, 0x00)))
	require.Eventually(t, func() bool { return len(f.sent()) == 3 }, waitFor, tick)
	require.Equal(t, ops[0], recvResult(t, results).Opcode)
}

func TestZeroCreditsStopCommands(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	f.setNcmd(0)
	_, err := d.SubmitSync(context.Background(), vendorOp(1), nil, 0)
	require.NoError(t, err)

	f.setNcmd(1)
	f.reset()
	results := make(chan Result, 1)
	require.NoError(t, d.Submit(vendorOp(2), nil, 0, Notify(results)))
	require.Never(t, func() bool { return len(f.sent()) > 0 }, 50*time.Millisecond, tick)

	// a NOP hands out credits without completing anything
	require.NoError(t, d.RecvFrame(completeFrame(cmd.OpNop, 1)))
	r := recvResult(t, results)
	require.NoError(t, r.Err)
	require.Equal(t, vendorOp(2), r.Opcode)
}

func TestResendAfterSpontaneousReset(t *testing.T) {
	f := newFakeCtrl()
	d := newTestDevice(t, f)
	runEngine(t, d)

	op := vendorOp(1)
	f.setHold(op, true)

	results := make(chan Result, 1)
	require.NoError(t, d.Submit(op, []byte{0xaa}, 5*time.Second, Notify(results)))
	require.Eventually(t, func() bool { return f.count(op) == 1 }, waitFor, tick)

	require.NoError(t, d.RecvFrame(completeFrame(cmd.OpReset, 1, 0x00)))
	require.Eventually(t, func() bool { return f.count(op) == 2 }, waitFor, tick)

	// a frame is resent once
	require.NoError(t, d.RecvFrame(completeFrame(cmd.OpReset, 1, 0x00)))
	require.Never(t, func() bool { return f.count(op) > 2 }, 50*time.Millisecond, tick)

	require.NoError(t, d.RecvFrame(completeFrame(op, 1, 0x00)))
	r := recvResult(t, results)
	require.NoError(t, r.Err)
	require.Equal(t, op, r.Opcode)
}

func TestUnexpectedCompletionDropped(t *testing.T) {
	f := newFakeCtrl()
	d := newTestDevice(t, f)
	runEngine(t, d)

	op := vendorOp(1)
	f.setHold(op, true)
	results := make(chan Result, 1)
	require.NoError(t, d.Submit(op, nil, 5*time.Second, Notify(results)))
	require.Eventually(t, func() bool { return d.inFlight() == 1 }, waitFor, tick)

	require.NoError(t, d.RecvFrame(completeFrame(vendorOp(9), 1, 0x00)))
	require.Never(t, func() bool { return len(results) > 0 }, 50*time.Millisecond, tick)
	require.Equal(t, 1, d.inFlight())
}

func TestCommandTimeout(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	op := vendorOp(1)
	f.setSilent(op)

	start := time.Now()
	_, err := d.SubmitSync(context.Background(), op, nil, 100*time.Millisecond)
	require.Equal(t, ErrCommandTimeout, errors.Cause(err))
	require.True(t, time.Since(start) < waitFor)
	require.Eventually(t, func() bool { return d.inFlight() == 0 }, waitFor, tick)

	// the credit is back
	res, err := d.SubmitSync(context.Background(), vendorOp(2), nil, 0)
	require.NoError(t, err)
	require.Equal(t, vendorOp(2), res.Opcode)
}

func TestRequestStopsAtFailure(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)
	f.setReply(vendorOp(2), uint8(ErrDisallowed))
	f.reset()

	r := d.NewRequest().Add(vendorOp(1), nil).Add(vendorOp(2), nil).Add(vendorOp(3), nil)
	res, err := d.runSync(context.Background(), r, time.Second)
	require.Equal(t, ErrDisallowed, err)
	require.Equal(t, vendorOp(2), res.Opcode)
	require.Equal(t, uint8(ErrDisallowed), res.Status)
	require.Equal(t, []uint16{vendorOp(1), vendorOp(2)}, f.sent())

	// optional commands may fail
	r = d.NewRequest().Add(vendorOp(1), nil).AddOptional(vendorOp(2), nil).Add(vendorOp(3), []byte{0x01})
	res, err = d.runSync(context.Background(), r, time.Second)
	require.NoError(t, err)
	require.Equal(t, vendorOp(3), res.Opcode)
}

func TestRequestValidation(t *testing.T) {
	f := newFakeCtrl()
	d := newTestDevice(t, f)

	_, err := d.runSync(context.Background(), d.NewRequest(), time.Second)
	require.NoError(t, err)

	r := d.NewRequest().Add(vendorOp(1), make([]byte, maxHciPayload+1))
	require.Error(t, r.Err())
	require.Error(t, d.run(r, Completion{}))

	require.Equal(t, ErrNotRunning, d.Submit(vendorOp(1), nil, 0, Completion{}))
	_, err = d.SubmitSync(context.Background(), vendorOp(1), nil, 0)
	require.Equal(t, ErrNotUp, err)
}

func TestConnRequestFailsOnDisconnect(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	require.NoError(t, d.RecvFrame(connCompleteFrame(0x40, testAddr, 0x01)))
	require.Eventually(t, func() bool { return d.Conn(0x40) != nil }, waitFor, tick)

	op := vendorOp(1)
	f.setHold(op, true)
	errc := make(chan error, 1)
	go func() {
		_, err := d.SubmitSync(context.Background(), op, nil, 5*time.Second, ForConn(0x40))
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.count(op) == 1 }, waitFor, tick)

	require.NoError(t, d.RecvFrame(eventFrame(evt.DisconnectionCompleteCode, 0x00, 0x40, 0x00, 0x13)))
	select {
	case err := <-errc:
		require.Equal(t, ErrDisconnected, err)
	case <-time.After(waitFor):
		t.Fatal("request not failed")
	}
	require.Nil(t, d.Conn(0x40))
}

func TestCallbackCompletion(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	done := make(chan Result, 1)
	require.NoError(t, d.Submit(vendorOp(1), nil, 0, Callback(func(r Result) { done <- r })))
	require.Equal(t, vendorOp(1), recvResult(t, done).Opcode)
}

func TestSendVendorCommand(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)
	f.setReply(vendorOp(0x10), 0x00, 0x2a)

	res, err := d.SendVendorCommand(context.Background(), 0x10, struct {
		A uint8
		B uint16
	}{1, 0x0302})
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x2a}, res.Params)

	f.mu.Lock()
	last := f.frames[len(f.frames)-1]
	f.mu.Unlock()
	require.Equal(t, []byte{PktTypeCommand, 0x10, 0xfc, 0x03, 0x01, 0x02, 0x03}, last)

	// no fixed size
	_, err = NewCustomCommand(0x10, struct{ S string }{"x"})
	require.Error(t, err)
	_, err = NewCustomCommand(0x10, make([]byte, maxHciPayload+1))
	require.Error(t, err)
}

func TestSendFailureDisarmsTimeout(t *testing.T) {
	f := newFakeCtrl()
	d, _ := openTestDevice(t, f)

	op := vendorOp(0x20)
	f.mu.Lock()
	f.sendErr[op] = errors.New("link gone")
	f.mu.Unlock()

	results := make(chan Result, 1)
	r := d.NewRequest()
	r.add(op, nil, 10*time.Second, false)
	require.NoError(t, d.run(r, Notify(results)))

	res := recvResult(t, results)
	require.Error(t, res.Err)
	require.NotEqual(t, ErrCommandTimeout, errors.Cause(res.Err))
	require.Zero(t, d.inFlight())

	// the timer was stopped with the failed send, not left to fire
	require.Len(t, r.frames, 1)
	require.False(t, r.frames[0].timer.Stop())
	require.Equal(t, uint64(1), d.Stats().ErrTx)

	// the queue keeps going
	_, err := d.SubmitSync(context.Background(), vendorOp(0x21), nil, 0)
	require.NoError(t, err)
}
