package hci

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore/linux/hci/cmd"
)

// Result is the outcome of a command, or of the request it belongs to.
type Result struct {
	Opcode uint16
	Status uint8

	// Params holds the return parameters of the completing event, status
	// octet first. A Command Status event yields the status octet alone.
	Params []byte
	Err    error
}

// Completion says how a request reports back. The zero value reports nothing.
type Completion struct {
	fn func(Result)
	ch chan<- Result
}

// Callback runs fn with the result, from the device's inbound worker or from
// the command timer. fn must not block.
func Callback(fn func(Result)) Completion { return Completion{fn: fn} }

// Notify hands the result to ch, which must have room for it.
func Notify(ch chan<- Result) Completion { return Completion{ch: ch} }

func (c Completion) deliver(r Result) bool {
	switch {
	case c.fn != nil:
		c.fn(r)
	case c.ch != nil:
		select {
		case c.ch <- r:
		default:
			return false
		}
	}
	return true
}

// cmdFrame is one command of a request, kept as the exact bytes sent so it can
// be resent unmodified.
type cmdFrame struct {
	req      *Request
	opcode   uint16
	frame    []byte
	timeout  time.Duration
	optional bool
	resent   bool
	timer    *time.Timer
}

func (f *cmdFrame) params() []byte { return f.frame[1+cmdHdrSize:] }

// Request is a batch of commands that completes as one unit: after its last
// command succeeds, or as soon as a mandatory one fails.
type Request struct {
	d       *Device
	frames  []*cmdFrame
	handle  uint16
	forConn bool
	err     error

	comp      Completion
	remaining int
	once      sync.Once
	finished  atomic.Bool
}

type ReqOption func(*Request)

// ForConn binds a request to a connection. If the connection goes away first,
// the request fails with ErrDisconnected.
func ForConn(handle uint16) ReqOption {
	return func(r *Request) {
		r.handle = handle
		r.forConn = true
	}
}

func (d *Device) NewRequest(opts ...ReqOption) *Request {
	r := &Request{d: d}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Request) Add(opcode uint16, params []byte) *Request {
	return r.add(opcode, params, 0, false)
}

// AddOptional adds a command whose failure does not fail the request.
func (r *Request) AddOptional(opcode uint16, params []byte) *Request {
	return r.add(opcode, params, 0, true)
}

func (r *Request) AddCmd(c Command) *Request {
	b, err := marshalCmd(c)
	if err != nil {
		r.err = err
		return r
	}
	return r.add(uint16(c.OpCode()), b, 0, false)
}

func (r *Request) add(opcode uint16, params []byte, timeout time.Duration, optional bool) *Request {
	if len(params) > maxHciPayload {
		r.err = errors.Errorf("%s: %d parameter octets, max %d", cmd.Name(opcode), len(params), maxHciPayload)
		return r
	}
	if timeout <= 0 {
		timeout = r.d.cfg.CmdTimeout
	}

	b := make([]byte, 1+cmdHdrSize+len(params))
	b[0] = PktTypeCommand
	binary.LittleEndian.PutUint16(b[1:], opcode)
	b[3] = byte(len(params))
	copy(b[4:], params)

	r.frames = append(r.frames, &cmdFrame{
		req:      r,
		opcode:   opcode,
		frame:    b,
		timeout:  timeout,
		optional: optional,
	})
	return r
}

func (r *Request) Len() int   { return len(r.frames) }
func (r *Request) Err() error { return r.err }

func (r *Request) finish(res Result) {
	r.once.Do(func() {
		r.finished.Store(true)
		if !r.comp.deliver(res) {
			r.d.logger.Warnf("completion of %s dropped, receiver not ready", cmd.Name(res.Opcode))
		}
	})
}

func marshalCmd(c Command) ([]byte, error) {
	b := make([]byte, c.Len())
	if err := c.Marshal(b); err != nil {
		return nil, errors.Wrapf(err, "can't marshal opcode 0x%04X", c.OpCode())
	}
	return b, nil
}

// run queues the request's commands behind anything already queued.
func (d *Device) run(r *Request, c Completion) error {
	r.comp = c
	return d.enqueue(r)
}

func (d *Device) enqueue(r *Request) error {
	if r.err != nil {
		return r.err
	}
	if len(r.frames) == 0 {
		return errors.New("hci: empty request")
	}

	d.cmdMu.Lock()
	if r.finished.Load() {
		// cancelled before it was queued
		d.cmdMu.Unlock()
		return nil
	}
	r.remaining = len(r.frames)
	d.cmdQ = append(d.cmdQ, r.frames...)
	d.cmdMu.Unlock()

	d.kickCmd()
	return nil
}

// runSync runs r and waits for it. An empty request succeeds at once.
// Callers hold reqLock, or run inside a transition that holds it.
func (d *Device) runSync(ctx context.Context, r *Request, timeout time.Duration) (Result, error) {
	if r.err == nil && len(r.frames) == 0 {
		return Result{}, nil
	}

	ch := make(chan Result, 1)
	r.comp = Notify(ch)
	d.waitMu.Lock()
	d.waiters[r] = struct{}{}
	d.waitMu.Unlock()
	defer func() {
		d.waitMu.Lock()
		delete(d.waiters, r)
		d.waitMu.Unlock()
	}()

	if err := d.enqueue(r); err != nil {
		return Result{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case res := <-ch:
		return res, res.Err
	case <-t.C:
		d.cancelRequest(r, ErrCommandTimeout)
	case <-ctx.Done():
		d.cancelRequest(r, ctx.Err())
	}

	// finish runs once; whichever result won is waiting in ch.
	res := <-ch
	return res, res.Err
}

// cancelRequest drops the queued commands of r and fails it with err.
// Commands already sent still hold their credit until answered or timed out.
func (d *Device) cancelRequest(r *Request, err error) {
	d.cmdMu.Lock()
	d.purgeReq(r)
	d.cmdMu.Unlock()
	r.finish(Result{Err: err})
}

// cancelWaiters wakes every synchronous caller with err.
func (d *Device) cancelWaiters(err error) {
	for _, r := range d.waitersMatching(func(*Request) bool { return true }) {
		d.cancelRequest(r, err)
	}
}

// failConnRequests fails synchronous requests bound to handle.
func (d *Device) failConnRequests(handle uint16) {
	for _, r := range d.waitersMatching(func(r *Request) bool { return r.forConn && r.handle == handle }) {
		d.cancelRequest(r, ErrDisconnected)
	}
}

func (d *Device) waitersMatching(fn func(*Request) bool) []*Request {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	var rr []*Request
	for r := range d.waiters {
		if fn(r) {
			rr = append(rr, r)
		}
	}
	return rr
}

// Submit queues one command and returns without waiting for it.
func (d *Device) Submit(opcode uint16, params []byte, timeout time.Duration, c Completion) error {
	if !d.flags.test(FlagRunning) {
		return ErrNotRunning
	}
	r := d.NewRequest()
	r.add(opcode, params, timeout, false)
	return d.run(r, c)
}

// SubmitSync sends one command and waits for its completion, a failure status
// or the timeout. A zero timeout uses the configured command timeout.
func (d *Device) SubmitSync(ctx context.Context, opcode uint16, params []byte, timeout time.Duration, opts ...ReqOption) (Result, error) {
	d.reqLock.Lock()
	defer d.reqLock.Unlock()

	if !d.flags.test(FlagUp) {
		return Result{}, ErrNotUp
	}
	if timeout <= 0 {
		timeout = d.cfg.CmdTimeout
	}

	r := d.NewRequest(opts...)
	r.add(opcode, params, timeout, false)
	return d.runSync(ctx, r, timeout)
}

// Send issues c and waits for it. A non-zero status is returned as an
// ErrCommand; otherwise the return parameters are unmarshalled into rp.
func (d *Device) Send(c Command, rp CommandRP) error {
	b, err := marshalCmd(c)
	if err != nil {
		return err
	}
	res, err := d.SubmitSync(context.Background(), uint16(c.OpCode()), b, 0)
	if err != nil {
		return err
	}
	if rp != nil {
		return rp.Unmarshal(res.Params)
	}
	return nil
}
