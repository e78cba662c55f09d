package hci

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/rigado/hcicore/linux/hci/evt"
	"go.uber.org/multierr"
)

// Open brings the device up. A device left up by the power-on sequence and
// waiting for auto-off is claimed instead.
func (d *Device) Open() error {
	claimed := d.flags.testAndClear(FlagAutoOff)

	// rfkill and address checks only hold once setup is over
	d.powerOn.Wait()
	if claimed {
		d.stopAutoOff()
	}

	if d.flags.test(FlagUnconfigured) && !d.flags.test(FlagUserChannel) {
		return errors.Wrap(ErrNotSupported, "device is unconfigured")
	}
	if claimed && d.flags.test(FlagUp) {
		return nil
	}
	return d.doOpen()
}

// OpenExclusive opens the device for a single owner. The owner sees every
// inbound frame through the raw handler and sends through SendRaw; the
// initialization stages, kill switch and address checks are skipped.
func (d *Device) OpenExclusive() error {
	if d.flags.test(FlagInit|FlagSetup|FlagConfig) ||
		(!d.flags.test(FlagAutoOff) && d.flags.test(FlagUp)) {
		return ErrBusy
	}
	if d.flags.testAndSet(FlagUserChannel) {
		return ErrBusy
	}

	if d.flags.testAndClear(FlagAutoOff) {
		d.stopAutoOff()
		if err := d.doClose(); err != nil {
			d.logger.Warnf("closing before exclusive open: %v", err)
		}
	}

	if err := d.doOpen(); err != nil {
		d.flags.clear(FlagUserChannel)
		return err
	}
	return nil
}

func (d *Device) doOpen() (err error) {
	d.reqLock.Lock()
	defer d.reqLock.Unlock()

	if d.flags.test(FlagUnregister) {
		return ErrNoDevice
	}

	// Setup and config may run without RF or address, that is what they
	// are for. An exclusive owner takes the controller as it is.
	if !d.flags.test(FlagSetup) && !d.flags.test(FlagConfig) && !d.flags.test(FlagUserChannel) {
		if d.flags.test(FlagRFKilled) {
			return ErrRFKilled
		}
		if d.typ == DevPrimary && d.Info().BDAddr.IsZero() {
			return ErrAddrNotAvail
		}
	}

	if d.flags.test(FlagUp) {
		return ErrAlreadyUp
	}

	d.startWorkers()
	if err := d.drv.Open(); err != nil {
		_ = d.stopWorkers()
		return errors.Wrap(err, "can't open driver")
	}
	d.flags.set(FlagRunning)

	d.cmdMu.Lock()
	d.cmdCnt = 1
	d.cmdMu.Unlock()
	d.flags.set(FlagInit)

	ctx := context.Background()
	if d.flags.test(FlagSetup) || d.quirks.Has(QuirkNonPersistentSetup) {
		err = d.setup(ctx)
	}

	if err == nil && d.flags.test(FlagConfig) {
		// the address is the configuration being applied
		if as, ok := d.drv.(AddrSetter); ok && !d.publicAddr.IsZero() {
			err = as.SetBDAddr(d, d.publicAddr)
		} else {
			err = ErrAddrNotAvail
		}
	}

	if err == nil && !d.flags.test(FlagUnconfigured) && !d.flags.test(FlagUserChannel) {
		err = d.fullInit(ctx)
		if pi, ok := d.drv.(PostIniter); ok && err == nil {
			err = errors.Wrap(pi.PostInit(d), "post init")
		}
	}

	// Reset may have cleared the diagnostic settings.
	if err == nil && d.quirks.Has(QuirkNonPersistentDiag) &&
		!d.flags.test(FlagUserChannel) && d.flags.test(FlagVendorDiag) {
		if ds, ok := d.drv.(DiagSetter); ok {
			err = errors.Wrap(ds.SetDiag(true), "diag")
		}
	}

	d.flags.clear(FlagInit)

	if err == nil {
		d.flags.set(FlagUp)
		d.logger.Infof("up: %s", d.Info().BDAddr)
		return nil
	}

	// Init failed, cleanup
	d.logger.Errorf("open failed: %v", err)
	_ = d.stopWorkers()
	d.purgeRx()
	d.cmdPurge(ErrDeviceDown, true)
	if f, ok := d.drv.(Flusher); ok {
		if ferr := f.Flush(); ferr != nil {
			d.logger.Warnf("flush: %v", ferr)
		}
	}
	d.flags.clear(FlagRunning)
	if cerr := d.drv.Close(); cerr != nil {
		d.logger.Warnf("close: %v", cerr)
	}
	d.sched.reset()
	d.flags.clear(openFlags &^ FlagRaw)
	return err
}

// setup runs the driver setup hook and decides whether the device comes up
// unconfigured. Callers hold reqLock.
func (d *Device) setup(ctx context.Context) error {
	var err error
	if s, ok := d.drv.(Setupper); ok {
		err = errors.Wrap(s.Setup(d), "setup")
	}

	invalidAddr := d.quirks.Has(QuirkInvalidBDAddr)
	if err == nil && !d.publicAddr.IsZero() {
		if as, ok := d.drv.(AddrSetter); ok {
			if as.SetBDAddr(d, d.publicAddr) == nil {
				invalidAddr = false
			}
		}
	}

	if d.quirks.Has(QuirkExternalConfig) || invalidAddr {
		d.flags.set(FlagUnconfigured)
	}
	if err != nil {
		return err
	}

	if d.flags.test(FlagUnconfigured) {
		return d.unconfInit(ctx)
	}
	return nil
}

// Close takes the device down. Closing a device that is not up only stops
// its auto-off timer.
func (d *Device) Close() error {
	err := d.doClose()
	// exclusive access ends here
	d.flags.clear(FlagUserChannel)
	return err
}

func (d *Device) doClose() error {
	var err error

	if !d.flags.test(FlagUnregister) && !d.flags.test(FlagUserChannel) && d.flags.test(FlagUp) {
		if s, ok := d.drv.(Shutdowner); ok {
			err = multierr.Append(err, errors.Wrap(s.Shutdown(d), "shutdown"))
		}
	}

	d.stopAutoOff()
	d.cancelWaiters(ErrDeviceDown)

	d.reqLock.Lock()
	defer d.reqLock.Unlock()

	if !d.flags.testAndClear(FlagUp) {
		return err
	}

	d.inquiryStop()
	autoOff := d.flags.testAndClear(FlagAutoOff)

	d.purgeRx()
	d.inq.Flush()
	d.connHashFlush()

	if f, ok := d.drv.(Flusher); ok {
		err = multierr.Append(err, errors.Wrap(f.Flush(), "flush"))
	}

	d.cmdPurge(ErrDeviceDown, false)
	if d.quirks.Has(QuirkResetOnClose) && !autoOff && !d.flags.test(FlagUnconfigured) {
		d.flags.set(FlagInit)
		r := d.NewRequest().Add(cmd.OpReset, nil)
		if _, rerr := d.runSync(context.Background(), r, d.cfg.CmdTimeout); rerr != nil {
			d.logger.Warnf("reset on close: %v", rerr)
		}
		d.flags.clear(FlagInit)
	}

	err = multierr.Append(err, d.stopWorkers())

	// Drop queues
	d.purgeRx()
	d.rawMu.Lock()
	d.rawQ = nil
	d.rawMu.Unlock()
	d.cmdPurge(ErrDeviceDown, true)

	// late arrivals from the last rx pass
	d.inq.Flush()
	d.connHashFlush()

	d.flags.clear(FlagRunning)
	d.sched.reset()

	// After this point our queues are empty and no tasks are scheduled.
	err = multierr.Append(err, errors.Wrap(d.drv.Close(), "close driver"))

	d.flags.clear(openFlags &^ FlagRaw)
	d.flags.clear(volatileFlags)
	d.logger.Info("down")
	return err
}

func (d *Device) purgeRx() {
	d.rxMu.Lock()
	d.rxQ = nil
	d.rxMu.Unlock()
}

// Reset resets the controller without taking the device down. Connections
// and cached inquiry results are dropped and the data credits restored.
func (d *Device) Reset(ctx context.Context) error {
	switch {
	case !d.flags.test(FlagUp):
		return ErrNotUp
	case d.flags.test(FlagUserChannel):
		return ErrBusy
	case d.flags.test(FlagUnconfigured):
		return errors.Wrap(ErrNotSupported, "device is unconfigured")
	}

	d.reqLock.Lock()
	defer d.reqLock.Unlock()

	d.purgeRx()
	d.cmdPurge(ErrDeviceDown, false)

	d.inq.Flush()
	d.connHashFlush()

	if f, ok := d.drv.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, "flush")
		}
	}

	r := d.NewRequest().Add(cmd.OpReset, nil)
	if _, err := d.runSync(ctx, r, d.cfg.InitTimeout); err != nil {
		return errors.Wrap(err, "reset")
	}
	d.sched.restore()
	d.kickTx()
	return nil
}

// ErrorReset closes and reopens the device regardless of power policy.
func (d *Device) ErrorReset() error {
	if err := d.doClose(); err != nil {
		d.logger.Warnf("error reset: %v", err)
	}
	return d.doOpen()
}

// errorReset runs for a Hardware Error event. Reports arriving while one
// is being handled are dropped.
func (d *Device) errorReset(code uint8) {
	if d.errResetting.Swap(true) {
		return
	}
	defer d.errResetting.Store(false)

	if h, ok := d.drv.(HwErrorer); ok {
		h.HwError(d, code)
	} else {
		d.logger.Errorf("hardware error 0x%2.2x", code)
	}

	if err := d.ErrorReset(); err != nil {
		d.logger.Errorf("error reset failed: %v", err)
	}
}

// ResetDev makes the device go through an error reset by injecting a
// Hardware Error event, as if the controller had reported one.
func (d *Device) ResetDev() error {
	return d.RecvFrame([]byte{PktTypeEvent, evt.HardwareErrorCode, 0x01, 0x00})
}

// Suspend stops data transmission. Commands still flow.
func (d *Device) Suspend() error {
	d.reqLock.Lock()
	defer d.reqLock.Unlock()
	if !d.flags.test(FlagUp) {
		return ErrNotUp
	}
	d.flags.set(FlagSuspended)
	return nil
}

func (d *Device) Resume() error {
	d.reqLock.Lock()
	defer d.reqLock.Unlock()
	if !d.flags.test(FlagUp) {
		return ErrNotUp
	}
	if d.flags.testAndClear(FlagSuspended) {
		d.kickTx()
	}
	return nil
}

// CmdSync sends one command and waits for it without taking the request
// lock. It is for driver hooks (Setup, PostInit, Shutdown), which run inside
// lifecycle transitions. Everyone else uses SubmitSync.
func (d *Device) CmdSync(ctx context.Context, opcode uint16, params []byte, timeout time.Duration) (Result, error) {
	if !d.flags.test(FlagRunning) {
		return Result{}, ErrNotRunning
	}
	if timeout <= 0 {
		timeout = d.cfg.CmdTimeout
	}
	r := d.NewRequest()
	r.add(opcode, params, timeout, false)
	return d.runSync(ctx, r, timeout)
}

// SetDiag switches the vendor diagnostic channel. The setting is applied
// now if the device is up and again after every open when the controller
// forgets it on reset.
func (d *Device) SetDiag(enable bool) error {
	ds, ok := d.drv.(DiagSetter)
	if !ok {
		return ErrNotSupported
	}

	d.reqLock.Lock()
	defer d.reqLock.Unlock()
	if d.flags.test(FlagUp) && !d.flags.test(FlagUserChannel) {
		if err := ds.SetDiag(enable); err != nil {
			return errors.Wrap(err, "diag")
		}
	}
	if enable {
		d.flags.set(FlagVendorDiag)
	} else {
		d.flags.clear(FlagVendorDiag)
	}
	return nil
}

// SetPublicAddress sets the address programmed through the driver. On an
// unconfigured device this completes the configuration and powers it on.
func (d *Device) SetPublicAddress(a hcicore.BDAddr) error {
	if _, ok := d.drv.(AddrSetter); !ok {
		return ErrNotSupported
	}
	if a.IsZero() {
		return ErrAddrNotAvail
	}

	d.reqLock.Lock()
	d.publicAddr = a
	d.reqLock.Unlock()

	if !d.flags.test(FlagUnconfigured) || d.quirks.Has(QuirkExternalConfig) {
		return nil
	}
	d.flags.clear(FlagUnconfigured)
	d.flags.set(FlagConfig)
	d.startPowerOn()
	return nil
}

func (d *Device) armAutoOff() {
	d.autoOffMu.Lock()
	defer d.autoOffMu.Unlock()
	if d.autoOff != nil {
		d.autoOff.Stop()
	}
	d.autoOff = time.AfterFunc(d.cfg.AutoOffTimeout, d.powerOff)
}

func (d *Device) stopAutoOff() {
	d.autoOffMu.Lock()
	defer d.autoOffMu.Unlock()
	if d.autoOff != nil {
		d.autoOff.Stop()
		d.autoOff = nil
	}
}

func (d *Device) powerOff() {
	if err := d.doClose(); err != nil {
		d.logger.Warnf("auto off: %v", err)
	}
}

func (d *Device) startPowerOn() {
	d.powerOn.Add(1)
	go d.powerOnWork()
}

// powerOnWork is the asynchronous power-on that follows registration or
// configuration.
func (d *Device) powerOnWork() {
	defer d.powerOn.Done()

	if d.flags.test(FlagUp) && d.flags.testAndClear(FlagAutoOff) {
		d.stopAutoOff()
		return
	}

	if err := d.doOpen(); err != nil {
		d.logger.Errorf("power on: %v", err)
		return
	}

	// Setup lets these slide, now they count.
	if d.flags.test(FlagRFKilled) || d.flags.test(FlagUnconfigured) ||
		(d.typ == DevPrimary && d.Info().BDAddr.IsZero()) {
		d.flags.clear(FlagAutoOff)
		if err := d.doClose(); err != nil {
			d.logger.Warnf("power on: %v", err)
		}
	} else if d.flags.test(FlagAutoOff) {
		d.armAutoOff()
	}

	if d.flags.testAndClear(FlagSetup) {
		// unconfigured devices are only good for raw access
		if d.flags.test(FlagUnconfigured) {
			d.flags.set(FlagRaw)
		}
	} else if d.flags.testAndClear(FlagConfig) {
		if !d.flags.test(FlagUnconfigured) {
			d.flags.clear(FlagRaw)
		}
	}
}
