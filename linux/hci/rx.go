package hci

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/rigado/hcicore/linux/hci/evt"
)

type handlerFn func(b []byte) error

// aclPacket implements HCI ACL Data Packet [Vol 2, Part E, 5.4.2]
// Packet boundary flags , bit[5:6] of handle field's MSB
// Broadcast flags. bit[7:8] of handle field's MSB
type aclPacket []byte

func (a aclPacket) handle() uint16 { return uint16(a[0]) | (uint16(a[1]&0x0f) << 8) }
func (a aclPacket) pbf() int       { return (int(a[1]) >> 4) & 0x3 }
func (a aclPacket) dlen() int      { return int(a[2]) | (int(a[3]) << 8) }
func (a aclPacket) data() []byte   { return a[4:] }

// scoPacket implements HCI Synchronous Data Packet [Vol 2, Part E, 5.4.3]
type scoPacket []byte

func (s scoPacket) handle() uint16 { return uint16(s[0]) | (uint16(s[1]&0x0f) << 8) }
func (s scoPacket) dlen() int      { return int(s[2]) }
func (s scoPacket) data() []byte   { return s[3:] }

func (d *Device) initHandlers() {
	d.evth = map[int]handlerFn{
		evt.CommandCompleteCode:               d.handleCommandComplete,
		evt.CommandStatusCode:                 d.handleCommandStatus,
		evt.HardwareErrorCode:                 d.handleHardwareError,
		evt.NumberOfCompletedPacketsCode:      d.handleNumberOfCompletedPackets,
		evt.NumberOfCompletedDataBlocksCode:   d.handleNumberOfCompletedDataBlocks,
		evt.ConnectionCompleteCode:            d.handleConnectionComplete,
		evt.SynchronousConnectionCompleteCode: d.handleSynchronousConnectionComplete,
		evt.DisconnectionCompleteCode:         d.handleDisconnectionComplete,
		evt.InquiryCompleteCode:               d.handleInquiryComplete,
		evt.InquiryResultCode:                 d.handleInquiryResult,
		evt.InquiryResultWithRSSICode:         d.handleInquiryResultWithRSSI,
		evt.ExtendedInquiryResultCode:         d.handleExtendedInquiryResult,
		evt.RemoteNameRequestCompleteCode:     d.handleRemoteNameRequestComplete,
		evt.LinkKeyRequestCode:                d.handleLinkKeyRequest,
		evt.LinkKeyNotificationCode:           d.handleLinkKeyNotification,
		evt.ReturnLinkKeysCode:                d.handleReturnLinkKeys,
		evt.DataBufferOverflowCode:            d.handleDataBufferOverflow,
		evt.LEMetaCode:                        d.handleLEMeta,
	}
	d.subh = map[int]handlerFn{
		evt.LEConnectionCompleteSubCode:         d.handleLEConnectionComplete,
		evt.LEEnhancedConnectionCompleteSubCode: d.handleLEConnectionComplete,
	}
}

// RecvFrame takes one complete frame from the driver, packet type first.
// It returns once the frame is queued for the inbound worker.
func (d *Device) RecvFrame(b []byte) error {
	if !d.flags.test(FlagUp) && !d.flags.test(FlagInit) {
		return ErrNotUp
	}
	if len(b) == 0 {
		d.stats.errRx.Add(1)
		return ErrInvalidFrame
	}
	switch b[0] {
	case PktTypeEvent, PktTypeACLData, PktTypeSCOData, PktTypeISOData:
	default:
		d.stats.errRx.Add(1)
		return errors.Wrapf(ErrInvalidFrame, "packet type 0x%02X", b[0])
	}
	d.queueRx(b)
	return nil
}

// RecvDiag takes one diagnostic frame from the driver, without packet type.
func (d *Device) RecvDiag(b []byte) error {
	f := make([]byte, 1+len(b))
	f[0] = PktTypeDiag
	copy(f[1:], b)
	d.queueRx(f)
	return nil
}

func (d *Device) queueRx(b []byte) {
	f := make([]byte, len(b))
	copy(f, b)
	d.stats.byteRx.Add(uint64(len(f)))

	d.rxMu.Lock()
	d.rxQ = append(d.rxQ, f)
	d.rxMu.Unlock()
	d.kickRx()
}

// rxWork handles queued inbound frames in arrival order.
func (d *Device) rxWork() {
	for {
		d.rxMu.Lock()
		if len(d.rxQ) == 0 {
			d.rxMu.Unlock()
			return
		}
		b := d.rxQ[0]
		d.rxQ[0] = nil
		d.rxQ = d.rxQ[1:]
		d.rxMu.Unlock()

		// monitor copy
		if d.h.raw != nil {
			d.h.raw(b)
		}
		// exclusive access: the owner handles everything
		if d.flags.test(FlagUserChannel) {
			continue
		}
		if err := d.handlePkt(b); err != nil {
			d.stats.errRx.Add(1)
			d.dispatchError(err)
		}
	}
}

func (d *Device) handlePkt(b []byte) error {
	// Strip the 1-byte HCI header and pass down the rest of the packet.
	t, b := b[0], b[1:]

	// No data while initializing.
	if d.flags.test(FlagInit) && t != PktTypeEvent && t != PktTypeDiag {
		return nil
	}

	switch t {
	case PktTypeEvent:
		d.stats.evtRx.Add(1)
		return d.handleEvt(b)
	case PktTypeACLData:
		d.stats.aclRx.Add(1)
		return d.handleACL(b)
	case PktTypeSCOData:
		d.stats.scoRx.Add(1)
		return d.handleSCO(b)
	case PktTypeDiag:
		if d.h.diag != nil {
			d.h.diag(b)
		}
		return nil
	case PktTypeISOData:
		d.logger.Debugf("iso packet dropped: % X", b)
		return nil
	default:
		return fmt.Errorf("invalid packet: 0x%02X % X", t, b)
	}
}

func (d *Device) handleACL(b []byte) error {
	if len(b) < aclHdrSize || aclPacket(b).dlen() != len(aclPacket(b).data()) {
		return errors.Wrapf(ErrInvalidFrame, "acl packet: % X", b)
	}
	handle := aclPacket(b).handle()
	c := d.Conn(handle)
	if c == nil {
		d.logger.Warnf("ACL packet for unknown connection handle 0x%03X", handle)
		return nil
	}
	if d.h.acl != nil {
		d.h.acl(c, aclPacket(b).data())
	}
	return nil
}

func (d *Device) handleSCO(b []byte) error {
	if len(b) < scoHdrSize || scoPacket(b).dlen() != len(scoPacket(b).data()) {
		return errors.Wrapf(ErrInvalidFrame, "sco packet: % X", b)
	}
	handle := scoPacket(b).handle()
	c := d.Conn(handle)
	if c == nil {
		d.logger.Warnf("SCO packet for unknown connection handle 0x%03X", handle)
		return nil
	}
	if d.h.sco != nil {
		d.h.sco(c, scoPacket(b).data())
	}
	return nil
}

func (d *Device) handleEvt(b []byte) error {
	if len(b) < evtHdrSize {
		return errors.Wrapf(ErrInvalidFrame, "event packet: % X", b)
	}
	code, plen := int(b[0]), int(b[1])
	if plen != len(b[2:]) {
		return fmt.Errorf("invalid event packet: % X", b)
	}

	if f := d.evth[code]; f != nil {
		return f(b[2:])
	}
	if code == evt.VendorCode { // Ignore vendor events
		return nil
	}
	d.logger.Debugf("unhandled event: % X", b)
	return nil
}

func (d *Device) handleLEMeta(b []byte) error {
	if len(b) == 0 {
		return errors.Wrap(ErrInvalidFrame, "empty LE meta event")
	}
	subcode := int(b[0])
	if f := d.subh[subcode]; f != nil {
		return f(b)
	}
	return nil
}

func (d *Device) handleCommandComplete(b []byte) error {
	e := evt.CommandComplete(b)
	ncmd, err := e.NumHCICommandPacketsWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "command complete")
	}
	opcode, err := e.CommandOpcodeWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "command complete")
	}
	rp, err := e.ReturnParametersWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "command complete")
	}

	var status uint8
	if len(rp) > 0 {
		status = rp[0]
	}
	params := make([]byte, len(rp))
	copy(params, rp)

	d.handleCC(opcode, params)
	d.cmdComplete(opcode, ncmd, status, params)
	return nil
}

func (d *Device) handleCommandStatus(b []byte) error {
	e := evt.CommandStatus(b)
	if !e.Valid() {
		return errors.Wrap(ErrInvalidFrame, "command status")
	}
	status, ncmd, opcode := e.Status(), e.NumHCICommandPackets(), e.CommandOpcode()

	var failedName []byte
	switch {
	case opcode == cmd.OpInquiry && status == 0:
		d.flags.set(FlagInquiry)
	case opcode == cmd.OpRemoteNameReq && status != 0:
		failedName = d.sentParams(opcode)
	}

	d.cmdComplete(opcode, ncmd, status, []byte{status})

	if len(failedName) >= 6 {
		var a hcicore.BDAddr
		copy(a[:], failedName)
		d.remoteName(a, "", false)
	}
	return nil
}

func (d *Device) handleHardwareError(b []byte) error {
	code := evt.HardwareError(b).HardwareCode()
	d.logger.Errorf("hardware error 0x%2.2x", code)
	go d.errorReset(code)
	return nil
}

func (d *Device) handleNumberOfCompletedPackets(b []byte) error {
	if m := d.sched.flowMode(); m != FlowCtlPacketBased {
		d.logger.Errorf("wrong event for flow control mode %d", m)
		return nil
	}
	e := evt.NumberOfCompletedPackets(b)
	n, err := e.NumberOfHandlesWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "number of completed packets")
	}
	for i := 0; i < int(n); i++ {
		h, err := e.ConnectionHandleWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "number of completed packets")
		}
		cnt, err := e.HCNumOfCompletedPacketsWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "number of completed packets")
		}
		if c := d.Conn(h); c != nil {
			d.sched.packetsDone(c, int(cnt))
		}
	}
	d.kickTx()
	return nil
}

func (d *Device) handleNumberOfCompletedDataBlocks(b []byte) error {
	if m := d.sched.flowMode(); m != FlowCtlBlockBased {
		d.logger.Errorf("wrong event for flow control mode %d", m)
		return nil
	}
	e := evt.NumberOfCompletedDataBlocks(b)
	n, err := e.NumberOfHandlesWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "number of completed data blocks")
	}
	for i := 0; i < int(n); i++ {
		h, err := e.ConnectionHandleWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "number of completed data blocks")
		}
		blocks, err := e.NumCompletedBlocksWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "number of completed data blocks")
		}
		if c := d.Conn(h); c != nil {
			d.sched.packetsDone(c, int(blocks))
		}
	}
	d.kickTx()
	return nil
}

// addConn registers a link reported by the controller and tells the upper
// layer about it.
func (d *Device) addConn(handle uint16, t LinkType, a hcicore.BDAddr, role uint8) error {
	c, err := d.connAdd(handle, t, a, role)
	if err != nil {
		return err
	}
	d.logger.Debugf("%s connection to %s, handle 0x%03X", t, a, c.Handle)
	if d.h.conn != nil {
		d.h.conn(c)
	}
	d.kickTx()
	return nil
}

func (d *Device) handleConnectionComplete(b []byte) error {
	e := evt.ConnectionComplete(b)
	status, err := e.StatusWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "connection complete")
	}
	a, err := e.BDADDRWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "connection complete")
	}
	if status != 0 {
		d.logger.Debugf("connection to %s failed: %v", hcicore.BDAddr(a), ErrCommand(status))
		return nil
	}
	h, _ := e.ConnectionHandleWErr()
	lt, err := e.LinkTypeWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "connection complete")
	}
	t := ACLLink
	if lt == 0x00 {
		t = SCOLink
	}
	return d.addConn(h, t, a, RoleMaster)
}

func (d *Device) handleSynchronousConnectionComplete(b []byte) error {
	e := evt.SynchronousConnectionComplete(b)
	status, err := e.StatusWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "synchronous connection complete")
	}
	if status != 0 {
		return nil
	}
	h, _ := e.ConnectionHandleWErr()
	a, err := e.BDADDRWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "synchronous connection complete")
	}
	lt, err := e.LinkTypeWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "synchronous connection complete")
	}
	t := ESCOLink
	if lt == 0x00 {
		t = SCOLink
	}
	return d.addConn(h, t, a, RoleMaster)
}

func (d *Device) handleLEConnectionComplete(b []byte) error {
	e := evt.LEConnectionComplete(b)
	status, err := e.StatusWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "le connection complete")
	}
	if status != 0 {
		return nil
	}
	h, _ := e.ConnectionHandleWErr()
	role, _ := e.RoleWErr()
	a, err := e.PeerAddressWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "le connection complete")
	}
	return d.addConn(h, LELink, a, role)
}

func (d *Device) handleDisconnectionComplete(b []byte) error {
	e := evt.DisconnectionComplete(b)
	if !e.Valid() {
		return errors.Wrap(ErrInvalidFrame, "disconnection complete")
	}
	if e.Status() != 0 {
		return nil
	}
	c := d.Conn(e.ConnectionHandle())
	if c == nil {
		d.logger.Debugf("disconnection of unknown handle 0x%03X", e.ConnectionHandle())
		return nil
	}
	d.connDel(c, e.Reason())
	return nil
}

func (d *Device) handleInquiryComplete(b []byte) error {
	d.inquiryComplete()
	return nil
}

// foundDevice records one inquiry response.
func (d *Device) foundDevice(r evt.InquiryResponse, ssp uint8, nameKnown bool) {
	data := InquiryData{
		Addr:            r.BDADDR,
		PscanRepMode:    r.PageScanRepetitionMode,
		PscanPeriodMode: r.PageScanPeriodMode,
		PscanMode:       r.PageScanMode,
		Class:           r.ClassOfDevice,
		ClockOffset:     r.ClockOffset,
		RSSI:            r.RSSI,
		SSPMode:         ssp,
	}
	flags := d.inq.Update(data, nameKnown)
	if d.h.found == nil {
		return
	}
	if e, ok := d.inq.Lookup(data.Addr); ok {
		d.h.found(e, flags)
	}
}

func (d *Device) handleInquiryResult(b []byte) error {
	e := evt.InquiryResult(b)
	n, err := e.NumResponsesWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "inquiry result")
	}
	for i := 0; i < int(n); i++ {
		r, err := e.ResponseWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "inquiry result")
		}
		d.foundDevice(r, 0x00, false)
	}
	return nil
}

func (d *Device) handleInquiryResultWithRSSI(b []byte) error {
	e := evt.InquiryResultWithRSSI(b)
	n, err := e.NumResponsesWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "inquiry result with rssi")
	}
	for i := 0; i < int(n); i++ {
		r, err := e.ResponseWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "inquiry result with rssi")
		}
		d.foundDevice(r, 0x00, false)
	}
	return nil
}

func (d *Device) handleExtendedInquiryResult(b []byte) error {
	e := evt.ExtendedInquiryResult(b)
	n, err := e.NumResponsesWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "extended inquiry result")
	}
	for i := 0; i < int(n); i++ {
		r, err := e.ResponseWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "extended inquiry result")
		}
		name, complete := r.Name()
		d.foundDevice(r, 0x01, complete)
		if complete && d.h.name != nil {
			d.h.name(r.BDADDR, name)
		}
	}
	return nil
}

func (d *Device) handleRemoteNameRequestComplete(b []byte) error {
	e := evt.RemoteNameRequestComplete(b)
	status, err := e.StatusWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "remote name request complete")
	}
	a, err := e.BDADDRWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "remote name request complete")
	}
	name, _ := e.RemoteNameWErr()
	d.remoteName(a, name, status == 0)
	return nil
}

func (d *Device) handleLinkKeyRequest(b []byte) error {
	a, err := evt.LinkKeyRequest(b).BDADDRWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "link key request")
	}

	var c Command = &cmd.LinkKeyRequestNegativeReply{BDADDR: a}
	if d.keys != nil {
		if k, err := d.keys.Find(keyAddr(a)); err == nil {
			c = &cmd.LinkKeyRequestReply{BDADDR: a, LinkKey: k.Key()}
		} else {
			d.logger.Debugf("no link key for %s: %v", hcicore.BDAddr(a), err)
		}
	}

	p, err := marshalCmd(c)
	if err != nil {
		return err
	}
	return d.Submit(uint16(c.OpCode()), p, 0, Completion{})
}

func (d *Device) handleLinkKeyNotification(b []byte) error {
	e := evt.LinkKeyNotification(b)
	a, err := e.BDADDRWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "link key notification")
	}
	k, err := e.LinkKeyWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "link key notification")
	}
	t, err := e.KeyTypeWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "link key notification")
	}
	if d.keys == nil {
		return nil
	}
	return errors.Wrap(d.keys.Save(keyAddr(a), NewLinkKey(k, t)), "can't save link key")
}

// handleReturnLinkKeys moves keys read from the controller into the host
// store. Keys the store already holds win.
func (d *Device) handleReturnLinkKeys(b []byte) error {
	e := evt.ReturnLinkKeys(b)
	n, err := e.NumKeysWErr()
	if err != nil {
		return errors.Wrap(ErrInvalidFrame, "return link keys")
	}
	if d.keys == nil {
		return nil
	}
	for i := 0; i < int(n); i++ {
		a, err := e.BDADDRWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "return link keys")
		}
		k, err := e.LinkKeyWErr(i)
		if err != nil {
			return errors.Wrap(ErrInvalidFrame, "return link keys")
		}
		addr := keyAddr(a)
		if d.keys.Exists(addr) {
			continue
		}
		if err := d.keys.Save(addr, NewLinkKey(k, LinkKeyCombination)); err != nil {
			return errors.Wrap(err, "can't save link key")
		}
	}
	return nil
}

func (d *Device) handleDataBufferOverflow(b []byte) error {
	d.logger.Warnf("%s data buffer overflow", LinkType(evt.DataBufferOverflow(b).LinkType()))
	return nil
}
