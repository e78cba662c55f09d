package hci

import (
	"encoding/binary"

	"github.com/rigado/hcicore/linux/hci/cmd"
)

// ccHandler records the return parameters of a successful command. rp starts
// with the status octet; sent holds the parameters of the matching command,
// nil if it is no longer in flight.
type ccHandler func(d *Device, rp []byte, sent []byte)

// ccHandlers run before the correlator advances the request, so each
// initialization stage sees what the previous one learned.
var ccHandlers = map[uint16]struct {
	n  int // minimum return parameter length
	fn ccHandler
}{
	cmd.OpReset:                 {1, ccReset},
	cmd.OpReadLocalVersion:      {9, ccReadLocalVersion},
	cmd.OpReadLocalCommands:     {65, ccReadLocalCommands},
	cmd.OpReadLocalFeatures:     {9, ccReadLocalFeatures},
	cmd.OpReadLocalExtFeatures:  {11, ccReadLocalExtFeatures},
	cmd.OpReadBufferSize:        {8, ccReadBufferSize},
	cmd.OpReadBDAddr:            {7, ccReadBDAddr},
	cmd.OpReadClassOfDev:        {4, ccReadClassOfDev},
	cmd.OpReadLocalName:         {2, ccReadLocalName},
	cmd.OpReadVoiceSetting:      {3, ccReadVoiceSetting},
	cmd.OpReadNumSupportedIAC:   {2, ccReadNumSupportedIAC},
	cmd.OpReadPageScanActivity:  {5, ccReadPageScanActivity},
	cmd.OpReadPageScanType:      {2, ccReadPageScanType},
	cmd.OpReadInqRspTxPower:     {2, ccReadInqRspTxPower},
	cmd.OpReadDefErrDataReport:  {2, ccReadDefErrDataReport},
	cmd.OpWriteDefErrDataReport: {1, ccWriteDefErrDataReport},
	cmd.OpReadStoredLinkKey:     {5, ccReadStoredLinkKey},
	cmd.OpDeleteStoredLinkKey:   {3, ccDeleteStoredLinkKey},
	cmd.OpWriteLEHostSupported:  {1, ccWriteLEHostSupported},
	cmd.OpWriteSSPMode:          {1, ccWriteSSPMode},
	cmd.OpWriteSCSupport:        {1, ccWriteSCSupport},
	cmd.OpReadFlowControlMode:   {2, ccReadFlowControlMode},
	cmd.OpReadDataBlockSize:     {7, ccReadDataBlockSize},
	cmd.OpReadLocalAMPInfo:      {19, ccReadLocalAMPInfo},
	cmd.OpLEReadBufferSize:      {4, ccLEReadBufferSize},
	cmd.OpLEReadLocalFeatures:   {9, ccLEReadLocalFeatures},
	cmd.OpLEReadAdvTxPower:      {2, ccLEReadAdvTxPower},
	cmd.OpLEReadTransmitPower:   {3, ccLEReadTransmitPower},
	cmd.OpLEReadAcceptListSize:  {2, ccLEReadAcceptListSize},
	cmd.OpLEReadSupportedStates: {9, ccLEReadSupportedStates},
	cmd.OpLEReadResolvListSize:  {2, ccLEReadResolvListSize},
	cmd.OpLEReadMaxDataLen:      {9, ccLEReadMaxDataLen},
	cmd.OpLEReadDefDataLen:      {5, ccLEReadDefDataLen},
	cmd.OpLEWriteDefDataLen:     {1, ccLEWriteDefDataLen},
	cmd.OpLEReadNumAdvSets:      {2, ccLEReadNumAdvSets},
}

func (d *Device) handleCC(opcode uint16, rp []byte) {
	h, ok := ccHandlers[opcode]
	if !ok || len(rp) == 0 || rp[0] != 0 {
		return
	}
	if len(rp) < h.n {
		d.logger.Warnf("%s: short return parameters % X", cmd.Name(opcode), rp)
		return
	}
	sent := d.sentParams(opcode)
	d.infoMu.Lock()
	h.fn(d, rp, sent)
	d.infoMu.Unlock()
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

func ccReset(d *Device, rp, sent []byte) {
	d.info.AdvTxPower = invalidTxPower
	d.info.InqTxPower = invalidTxPower
	d.info.LEMinTxPower = invalidTxPower
	d.info.LEMaxTxPower = invalidTxPower
	d.inq.Flush()
}

func ccReadLocalVersion(d *Device, rp, sent []byte) {
	i := &d.info
	i.HCIVersion = rp[1]
	i.HCIRevision = le16(rp[2:])
	i.LMPVersion = rp[4]
	i.Manufacturer = le16(rp[5:])
	i.LMPSubver = le16(rp[7:])
}

func ccReadLocalCommands(d *Device, rp, sent []byte) {
	if d.flags.test(FlagSetup) || d.flags.test(FlagConfig) || d.flags.test(FlagInit) {
		copy(d.info.Commands[:], rp[1:65])
	}
}

func ccReadLocalFeatures(d *Device, rp, sent []byte) {
	copy(d.info.Features[0][:], rp[1:9])
}

func ccReadLocalExtFeatures(d *Device, rp, sent []byte) {
	page, maxPage := rp[1], rp[2]
	if d.info.MaxPage < maxPage {
		d.info.MaxPage = maxPage
	}
	if int(page) < MaxPages {
		copy(d.info.Features[page][:], rp[3:11])
	}
}

func ccReadBufferSize(d *Device, rp, sent []byte) {
	i := &d.info
	i.ACLMTU = le16(rp[1:])
	i.SCOMTU = rp[3]
	i.ACLPkts = le16(rp[4:])
	i.SCOPkts = le16(rp[6:])
	d.sched.setPacketCredits(int(i.ACLPkts), int(i.SCOPkts))
}

func ccReadBDAddr(d *Device, rp, sent []byte) {
	copy(d.info.BDAddr[:], rp[1:7])
}

func ccReadClassOfDev(d *Device, rp, sent []byte) {
	copy(d.info.Class[:], rp[1:4])
}

func ccReadLocalName(d *Device, rp, sent []byte) {
	if d.flags.test(FlagSetup) || d.flags.test(FlagConfig) || d.flags.test(FlagInit) {
		d.info.Name = cmd.CString(rp[1:])
	}
}

func ccReadVoiceSetting(d *Device, rp, sent []byte) {
	d.info.VoiceSetting = le16(rp[1:])
}

func ccReadNumSupportedIAC(d *Device, rp, sent []byte) {
	d.info.NumIAC = rp[1]
}

func ccReadPageScanActivity(d *Device, rp, sent []byte) {
	d.info.PageScanInterval = le16(rp[1:])
	d.info.PageScanWindow = le16(rp[3:])
}

func ccReadPageScanType(d *Device, rp, sent []byte) {
	d.info.PageScanType = rp[1]
}

func ccReadInqRspTxPower(d *Device, rp, sent []byte) {
	d.info.InqTxPower = int8(rp[1])
}

func ccReadDefErrDataReport(d *Device, rp, sent []byte) {
	d.info.ErrDataReporting = rp[1]
}

func ccWriteDefErrDataReport(d *Device, rp, sent []byte) {
	if len(sent) > 0 {
		d.info.ErrDataReporting = sent[0]
	}
}

func ccReadStoredLinkKey(d *Device, rp, sent []byte) {
	// only a read-all reply describes the whole store
	if len(sent) > 6 && sent[6] == 0x01 {
		d.info.StoredMaxKeys = le16(rp[1:])
		d.info.StoredNumKeys = le16(rp[3:])
	}
}

func ccDeleteStoredLinkKey(d *Device, rp, sent []byte) {
	n := le16(rp[1:])
	if n > d.info.StoredNumKeys {
		n = d.info.StoredNumKeys
	}
	d.info.StoredNumKeys -= n
}

func ccWriteLEHostSupported(d *Device, rp, sent []byte) {
	if len(sent) < 1 {
		return
	}
	if sent[0] != 0 {
		d.info.Features[1][0] |= 0x02
		d.flags.set(FlagLEEnabled)
	} else {
		d.info.Features[1][0] &^= 0x02
		d.flags.clear(FlagLEEnabled)
	}
}

func ccWriteSSPMode(d *Device, rp, sent []byte) {
	if len(sent) < 1 {
		return
	}
	if sent[0] != 0 {
		d.info.Features[1][0] |= 0x01
	} else {
		d.info.Features[1][0] &^= 0x01
	}
}

func ccWriteSCSupport(d *Device, rp, sent []byte) {
	if len(sent) < 1 {
		return
	}
	if sent[0] != 0 {
		d.info.Features[1][0] |= 0x08
	} else {
		d.info.Features[1][0] &^= 0x08
	}
}

func ccReadFlowControlMode(d *Device, rp, sent []byte) {
	d.info.FlowCtlMode = rp[1]
	d.sched.setFlowMode(rp[1])
}

func ccReadDataBlockSize(d *Device, rp, sent []byte) {
	i := &d.info
	i.BlockMTU = le16(rp[1:])
	i.BlockLen = le16(rp[3:])
	i.NumBlocks = le16(rp[5:])
	d.sched.setBlockCredits(int(i.NumBlocks), int(i.BlockLen))
}

func ccReadLocalAMPInfo(d *Device, rp, sent []byte) {
	i := &d.info
	i.AMPStatus = rp[1]
	i.AMPTotalBW = binary.LittleEndian.Uint32(rp[2:])
	i.AMPMaxPDU = binary.LittleEndian.Uint32(rp[14:])
	i.AMPType = rp[18]
}

func ccLEReadBufferSize(d *Device, rp, sent []byte) {
	d.info.LEMTU = le16(rp[1:])
	d.info.LEPkts = rp[3]
	d.sched.setLECredits(int(d.info.LEMTU), int(d.info.LEPkts))
}

func ccLEReadLocalFeatures(d *Device, rp, sent []byte) {
	copy(d.info.LEFeatures[:], rp[1:9])
}

func ccLEReadAdvTxPower(d *Device, rp, sent []byte) {
	d.info.AdvTxPower = int8(rp[1])
}

func ccLEReadTransmitPower(d *Device, rp, sent []byte) {
	d.info.LEMinTxPower = int8(rp[1])
	d.info.LEMaxTxPower = int8(rp[2])
}

func ccLEReadAcceptListSize(d *Device, rp, sent []byte) {
	d.info.AcceptListSize = rp[1]
}

func ccLEReadSupportedStates(d *Device, rp, sent []byte) {
	copy(d.info.LEStates[:], rp[1:9])
}

func ccLEReadResolvListSize(d *Device, rp, sent []byte) {
	d.info.ResolvListSize = rp[1]
}

func ccLEReadMaxDataLen(d *Device, rp, sent []byte) {
	i := &d.info
	i.LEMaxTxLen = le16(rp[1:])
	i.LEMaxTxTime = le16(rp[3:])
	i.LEMaxRxLen = le16(rp[5:])
	i.LEMaxRxTime = le16(rp[7:])
}

func ccLEReadDefDataLen(d *Device, rp, sent []byte) {
	d.info.LEDefTxLen = le16(rp[1:])
	d.info.LEDefTxTime = le16(rp[3:])
}

func ccLEWriteDefDataLen(d *Device, rp, sent []byte) {
	if len(sent) < 4 {
		return
	}
	d.info.LEDefTxLen = le16(sent)
	d.info.LEDefTxTime = le16(sent[2:])
}

func ccLEReadNumAdvSets(d *Device, rp, sent []byte) {
	d.info.NumAdvSets = rp[1]
}
