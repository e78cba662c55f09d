package hci

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore/linux/hci/cmd"
)

// Link policy settings [Vol 2, Part E, 7.2.12].
const (
	linkPolicyRoleSwitch = 0x0001
	linkPolicyHold       = 0x0002
	linkPolicySniff      = 0x0004
	linkPolicyPark       = 0x0008
)

// Connection accept timeout, 0x7d00 * 0.625 ms = 20 s.
const defaultCATimeout = 0x7d00

// initStage adds the commands of one initialization stage to r, based on what
// the earlier stages learned.
type initStage func(d *Device, r *Request, i *Info)

// runStages runs each stage as one request and stops at the first failure.
// Callers hold reqLock.
func (d *Device) runStages(ctx context.Context, first int, stages ...initStage) error {
	for n, s := range stages {
		info := d.Info()
		r := d.NewRequest()
		s(d, r, &info)
		if _, err := d.runSync(ctx, r, d.cfg.InitTimeout); err != nil {
			return errors.Wrapf(err, "init stage %d", first+n)
		}
	}
	return nil
}

// unconfInit brings up a device that still needs configuration.
func (d *Device) unconfInit(ctx context.Context) error {
	return d.runStages(ctx, 0, initStage0)
}

// fullInit runs stages 1 to 4. AMP controllers stop after stage 2.
func (d *Device) fullInit(ctx context.Context) error {
	if err := d.runStages(ctx, 1, initStage1, initStage2); err != nil {
		return err
	}
	if d.typ != DevPrimary {
		return nil
	}
	return d.runStages(ctx, 3, initStage3, initStage4)
}

func (d *Device) addReset(r *Request) {
	if !d.quirks.Has(QuirkResetOnClose) {
		r.Add(cmd.OpReset, nil)
	}
}

func initStage0(d *Device, r *Request, i *Info) {
	d.addReset(r)
	r.Add(cmd.OpReadLocalVersion, nil)
	if _, ok := d.drv.(AddrSetter); ok {
		r.Add(cmd.OpReadBDAddr, nil)
	}
}

func initStage1(d *Device, r *Request, i *Info) {
	d.addReset(r)
	switch d.typ {
	case DevPrimary:
		r.Add(cmd.OpReadLocalFeatures, nil)
		r.Add(cmd.OpReadLocalVersion, nil)
		r.Add(cmd.OpReadBDAddr, nil)
	case DevAMP:
		r.Add(cmd.OpReadLocalVersion, nil)
		r.Add(cmd.OpReadLocalCommands, nil)
		r.Add(cmd.OpReadLocalAMPInfo, nil)
		r.Add(cmd.OpReadDataBlockSize, nil)
		r.Add(cmd.OpReadFlowControlMode, nil)
		r.Add(cmd.OpReadLocationData, nil)
	}
}

func initStage2(d *Device, r *Request, i *Info) {
	if d.typ == DevAMP {
		if i.HasCommand(14, 0x20) {
			r.Add(cmd.OpReadLocalFeatures, nil)
		}
		return
	}

	if i.BREDRCapable() {
		bredrSetup(r)
	} else {
		d.flags.clear(FlagBREDREnabled)
	}
	if i.LECapable() {
		leSetup(d, r, i)
	}

	// Every 1.2 and later controller can list its supported commands.
	if i.HCIVersion > btVer11 && !d.quirks.Has(QuirkBrokenLocalCommands) {
		r.Add(cmd.OpReadLocalCommands, nil)
	}

	if i.SSPCapable() {
		if d.flags.test(FlagSSPEnabled) {
			r.AddCmd(&cmd.WriteUint8{Op: cmd.OpWriteSSPMode, Value: 0x01})
		} else {
			// stale EIR data must not outlive SSP
			r.AddCmd(&cmd.WriteExtendedInquiryResponse{})
		}
	}

	if i.inqRSSICapable() || d.quirks.Has(QuirkFixupInquiryMode) {
		r.AddCmd(&cmd.WriteUint8{Op: cmd.OpWriteInquiryMode, Value: inquiryMode(i, d.quirks)})
	}
	if i.inqTxPwrCapable() {
		r.Add(cmd.OpReadInqRspTxPower, nil)
	}
	if i.extFeatCapable() {
		r.AddCmd(&cmd.ReadLocalExtendedFeatures{PageNumber: 0x01})
	}
	if d.flags.test(FlagLinkSecurity) {
		r.AddCmd(&cmd.WriteUint8{Op: cmd.OpWriteAuthEnable, Value: 0x01})
	}
}

func bredrSetup(r *Request) {
	r.Add(cmd.OpReadBufferSize, nil)
	r.Add(cmd.OpReadClassOfDev, nil)
	r.Add(cmd.OpReadLocalName, nil)
	r.Add(cmd.OpReadVoiceSetting, nil)
	r.Add(cmd.OpReadNumSupportedIAC, nil)
	r.Add(cmd.OpReadCurrentIACLAP, nil)

	// Clear Event Filters
	r.AddCmd(&cmd.SetEventFilter{FilterType: 0x00})
	r.AddCmd(&cmd.WriteConnectionAcceptTimeout{Timeout: defaultCATimeout})
}

func leSetup(d *Device, r *Request, i *Info) {
	r.Add(cmd.OpLEReadBufferSize, nil)
	r.Add(cmd.OpLEReadLocalFeatures, nil)
	r.Add(cmd.OpLEReadSupportedStates, nil)

	// LE-only controllers have LE implicitly enabled.
	if !i.BREDRCapable() {
		d.flags.set(FlagLEEnabled)
	}
}

// inquiryMode picks the richest inquiry result format the controller has:
// 0x02 extended, 0x01 with RSSI, 0x00 standard.
func inquiryMode(i *Info, q Quirks) uint8 {
	switch {
	case i.extInqCapable():
		return 0x02
	case i.inqRSSICapable(), q.Has(QuirkFixupInquiryMode):
		return 0x01
	}
	return 0x00
}

func initStage3(d *Device, r *Request, i *Info) {
	env := &maskEnv{info: i, quirks: d.quirks}
	if m, ok := d.masks.EventMask.build(env); ok {
		r.AddCmd(&cmd.SetEventMask{EventMask: m})
	}

	if i.HasCommand(6, 0x20) && !d.quirks.Has(QuirkBrokenStoredLinkKey) {
		r.AddCmd(&cmd.StoredLinkKey{All: true})
	}
	if i.HasCommand(5, 0x10) {
		r.AddCmd(&cmd.WriteDefaultLinkPolicySettings{Policy: linkPolicy(i)})
	}
	if i.HasCommand(8, 0x01) {
		r.Add(cmd.OpReadPageScanActivity, nil)
	}
	if i.HasCommand(18, 0x04) && !d.quirks.Has(QuirkBrokenErrDataReporting) {
		r.Add(cmd.OpReadDefErrDataReport, nil)
	}
	if i.HasCommand(13, 0x01) {
		r.Add(cmd.OpReadPageScanType, nil)
	}

	if i.LECapable() {
		if m, ok := d.masks.LEEventMask.build(env); ok {
			r.AddCmd(&cmd.LESetEventMask{LEEventMask: m})
		}
		if i.HasCommand(25, 0x40) && !i.extAdvCapable() {
			r.Add(cmd.OpLEReadAdvTxPower, nil)
		}
		if i.HasCommand(38, 0x80) {
			r.Add(cmd.OpLEReadTransmitPower, nil)
		}
		if i.HasCommand(26, 0x40) {
			r.Add(cmd.OpLEReadAcceptListSize, nil)
		}
		if i.HasCommand(26, 0x80) {
			r.Add(cmd.OpLEClearAcceptList, nil)
		}
		if i.HasCommand(34, 0x40) {
			r.Add(cmd.OpLEClearResolvList, nil)
		}
		if i.HasCommand(34, 0x80) {
			r.Add(cmd.OpLEReadResolvListSize, nil)
		}
		if i.leFeature(0, leDataLenExt) {
			r.Add(cmd.OpLEReadMaxDataLen, nil)
		}
		if i.extAdvCapable() {
			r.Add(cmd.OpLEReadNumAdvSets, nil)
		}
		setLESupport(d, r, i)
	}

	// Feature pages beyond page 1.
	for p := 2; p < MaxPages && p <= int(i.MaxPage); p++ {
		r.AddCmd(&cmd.ReadLocalExtendedFeatures{PageNumber: uint8(p)})
	}
}

func linkPolicy(i *Info) uint16 {
	var p uint16
	if i.rswitchCapable() {
		p |= linkPolicyRoleSwitch
	}
	if i.holdCapable() {
		p |= linkPolicyHold
	}
	if i.sniffCapable() {
		p |= linkPolicySniff
	}
	if i.parkCapable() {
		p |= linkPolicyPark
	}
	return p
}

// setLESupport tells a dual mode controller whether the host does LE.
func setLESupport(d *Device, r *Request, i *Info) {
	// LE-only devices do not support explicit enablement
	if !i.BREDRCapable() {
		return
	}
	le := d.flags.test(FlagLEEnabled)
	if le == i.hostLECapable() {
		return
	}
	c := &cmd.WriteLEHostSupport{}
	if le {
		c.LESupportedHost = 0x01
	}
	r.AddCmd(c)
}

func initStage4(d *Device, r *Request, i *Info) {
	// Link keys live on the host; drop the controller's copies.
	if i.HasCommand(6, 0x80) && !d.quirks.Has(QuirkBrokenStoredLinkKey) {
		r.AddCmd(&cmd.StoredLinkKey{All: true, Delete: true})
	}

	env := &maskEnv{info: i, quirks: d.quirks}
	if m, ok := d.masks.Page2.build(env); ok {
		r.AddCmd(&cmd.SetEventMask{EventMask: m, Page2: true})
	}

	if i.HasCommand(29, 0x20) {
		r.Add(cmd.OpReadLocalCodecs, nil)
	}
	if i.HasCommand(45, 0x04) {
		r.Add(cmd.OpReadLocalPairingOpts, nil)
	}
	if i.HasCommand(30, 0x08) {
		r.Add(cmd.OpGetMWSTransportConfig, nil)
	}
	if i.syncTrainCapable() {
		r.Add(cmd.OpReadSyncTrainParams, nil)
	}

	if d.flags.test(FlagSSPEnabled) && i.SCCapable() && d.cfg.SecureConnections {
		r.AddCmd(&cmd.WriteUint8{Op: cmd.OpWriteSCSupport, Value: 0x01})
	}

	if i.HasCommand(18, 0x08) && !d.quirks.Has(QuirkBrokenErrDataReporting) {
		var mode uint8
		if d.cfg.WidebandSpeech {
			mode = 0x01
		}
		if mode != i.ErrDataReporting {
			r.AddCmd(&cmd.WriteUint8{Op: cmd.OpWriteDefErrDataReport, Value: mode})
		}
	}

	if i.leFeature(0, leDataLenExt) {
		r.AddCmd(&cmd.LEWriteSuggestedDefaultDataLength{
			SuggestedMaxTxOctets: i.LEMaxTxLen,
			SuggestedMaxTxTime:   i.LEMaxTxTime,
		})
	}
	if i.HasCommand(35, 0x20) {
		r.AddCmd(&cmd.LESetDefaultPHY{TxPHYs: lePHY1M, RxPHYs: lePHY1M})
	}
}
