package hci

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore/linux/hci/cmd"
)

// Time the controller may keep reporting zero command credits before it is
// considered wedged.
const ncmdTimeout = 4 * time.Second

// cmdWork sends queued commands while credits allow.
func (d *Device) cmdWork() {
	for {
		d.cmdMu.Lock()
		if len(d.cmdQ) == 0 || d.cmdCnt-len(d.inflight) <= 0 {
			d.cmdMu.Unlock()
			return
		}

		f := d.cmdQ[0]
		d.cmdQ[0] = nil
		d.cmdQ = d.cmdQ[1:]
		d.inflight = append(d.inflight, f)

		timeout := f.timeout
		if f.opcode == cmd.OpReset {
			d.flags.set(FlagReset)
			if timeout < d.cfg.InitTimeout {
				timeout = d.cfg.InitTimeout
			}
		}
		f.timer = time.AfterFunc(timeout, func() { d.cmdTimeout(f) })
		d.cmdMu.Unlock()

		d.logger.Debugf("cmd tx: %s % X", cmd.Name(f.opcode), f.params())
		if err := d.drv.Send(f.frame); err != nil {
			d.stats.errTx.Add(1)
			f.timer.Stop()
			d.cmdMu.Lock()
			ok := d.dropInflight(f)
			d.purgeReq(f.req)
			d.cmdMu.Unlock()
			if ok {
				f.req.finish(Result{Opcode: f.opcode, Err: errors.Wrapf(err, "can't send %s", cmd.Name(f.opcode))})
			}
			continue
		}
		d.stats.cmdTx.Add(1)
		d.stats.byteTx.Add(uint64(len(f.frame)))
	}
}

// cmdComplete matches a Command Complete or Command Status event against the
// command in flight and advances its request.
func (d *Device) cmdComplete(opcode uint16, ncmd uint8, status uint8, params []byte) {
	d.cmdMu.Lock()
	d.updateCredits(opcode, ncmd)

	// NOP command, used for flow control purpose [Vol 2, Part E, 4.4]
	if opcode == cmd.OpNop {
		d.cmdMu.Unlock()
		d.kickCmd()
		return
	}

	if len(d.inflight) == 0 || d.inflight[0].opcode != opcode {
		resent := d.resendLast(opcode)
		d.cmdMu.Unlock()
		if resent {
			d.logger.Warn("spontaneous reset while initializing, resending last command")
		} else {
			d.logger.Warnf("unexpected completion for %s, dropped", cmd.Name(opcode))
		}
		d.kickCmd()
		return
	}

	f := d.inflight[0]
	d.inflight[0] = nil
	d.inflight = d.inflight[1:]
	f.timer.Stop()

	r := f.req
	res := Result{Opcode: opcode, Status: status, Params: params}
	done := false
	if status != 0 && !f.optional {
		// the rest of the request is pointless now
		d.purgeReq(r)
		res.Err = ErrCommand(status)
		done = true
	} else {
		r.remaining--
		done = r.remaining <= 0
	}
	d.cmdMu.Unlock()

	if done {
		r.finish(res)
	}
	d.kickCmd()
}

// updateCredits applies Num_HCI_Command_Packets. Callers hold cmdMu.
func (d *Device) updateCredits(opcode uint16, ncmd uint8) {
	if opcode == cmd.OpReset {
		d.flags.clear(FlagReset)
	}
	// While a reset is outstanding only its own completion counts.
	if d.flags.test(FlagReset) {
		return
	}

	if ncmd == 0 {
		d.cmdCnt = 0
		if d.ncmdTimer == nil {
			d.ncmdTimer = time.AfterFunc(ncmdTimeout, d.ncmdStalled)
		} else {
			d.ncmdTimer.Reset(ncmdTimeout)
		}
		return
	}
	if d.ncmdTimer != nil {
		d.ncmdTimer.Stop()
	}

	n := int(ncmd)
	if n > d.cfg.MaxCmdCredits {
		n = d.cfg.MaxCmdCredits
	}
	d.cmdCnt = n
}

// resendLast requeues the most recently sent command after a spontaneous
// Reset completion during initialization. Each frame is resent at most once.
// Callers hold cmdMu.
func (d *Device) resendLast(opcode uint16) bool {
	if opcode != cmd.OpReset || !d.flags.test(FlagInit) || len(d.inflight) == 0 {
		return false
	}
	f := d.inflight[len(d.inflight)-1]
	if f.opcode == cmd.OpReset || f.resent {
		return false
	}

	f.timer.Stop()
	f.resent = true
	d.inflight = d.inflight[:len(d.inflight)-1]
	d.cmdQ = append([]*cmdFrame{f}, d.cmdQ...)
	return true
}

func (d *Device) cmdTimeout(f *cmdFrame) {
	d.cmdMu.Lock()
	if !d.dropInflight(f) {
		// answered in the meantime
		d.cmdMu.Unlock()
		return
	}
	d.cmdCnt = 1
	if f.opcode == cmd.OpReset {
		d.flags.clear(FlagReset)
	}
	d.purgeReq(f.req)
	d.cmdMu.Unlock()

	d.logger.Errorf("command %s (0x%04X) tx timeout", cmd.Name(f.opcode), f.opcode)
	d.stats.errTx.Add(1)
	if h, ok := d.drv.(CmdTimeouter); ok {
		h.CmdTimeout(d)
	}

	f.req.finish(Result{Opcode: f.opcode, Err: ErrCommandTimeout})
	d.kickCmd()
}

func (d *Device) ncmdStalled() {
	d.cmdMu.Lock()
	stalled := d.cmdCnt-len(d.inflight) <= 0
	d.cmdMu.Unlock()
	if !stalled {
		return
	}

	d.logger.Error("controller not accepting commands anymore: ncmd = 0")
	// Initialization has its own timeouts.
	if d.flags.test(FlagInit) || !d.flags.test(FlagUp) {
		return
	}
	d.ResetDev()
}

// dropInflight removes f from the in-flight list. Callers hold cmdMu.
func (d *Device) dropInflight(f *cmdFrame) bool {
	for i, p := range d.inflight {
		if p == f {
			d.inflight = append(d.inflight[:i], d.inflight[i+1:]...)
			return true
		}
	}
	return false
}

// purgeReq removes the still queued commands of r. Callers hold cmdMu.
func (d *Device) purgeReq(r *Request) {
	q := d.cmdQ[:0]
	for _, f := range d.cmdQ {
		if f.req != r {
			q = append(q, f)
		}
	}
	for i := len(q); i < len(d.cmdQ); i++ {
		d.cmdQ[i] = nil
	}
	d.cmdQ = q
}

// cmdPurge fails every queued command, and the in-flight ones as well when
// inflight is set, then restores the initial single credit.
func (d *Device) cmdPurge(err error, inflight bool) {
	d.cmdMu.Lock()
	frames := d.cmdQ
	d.cmdQ = nil
	if inflight {
		frames = append(frames, d.inflight...)
		d.inflight = nil
	}
	d.cmdCnt = 1
	if d.ncmdTimer != nil {
		d.ncmdTimer.Stop()
	}
	d.cmdMu.Unlock()

	for _, f := range frames {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.req.finish(Result{Opcode: f.opcode, Err: err})
	}
}

// sentParams returns the parameters of the in-flight command with opcode,
// if any.
func (d *Device) sentParams(opcode uint16) []byte {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	for _, f := range d.inflight {
		if f.opcode == opcode {
			return f.params()
		}
	}
	return nil
}

// inFlight returns the number of commands sent and not yet answered.
func (d *Device) inFlight() int {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return len(d.inflight)
}
