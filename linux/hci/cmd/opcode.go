package cmd

import "fmt"

// Opcode group fields [Vol 2, Part E, 5.4.1].
const (
	OGFLinkCtl        = 0x01
	OGFLinkPolicy     = 0x02
	OGFHostCtl        = 0x03
	OGFInfoParam      = 0x04
	OGFStatusParam    = 0x05
	OGFLE             = 0x08
	OGFVendorSpecific = 0x3f

	ogfBitShift = 10
)

// Op builds an opcode from its group and command fields.
func Op(ogf, ocf uint16) uint16 {
	return ogf<<ogfBitShift | ocf&0x03ff
}

// OGF returns the group field of op.
func OGF(op uint16) uint16 { return op >> ogfBitShift }

// OCF returns the command field of op.
func OCF(op uint16) uint16 { return op & 0x03ff }

// Opcodes issued by the engine.
const (
	OpNop = 0x0000

	OpInquiry             = 0x0401
	OpInquiryCancel       = 0x0402
	OpCreateConn          = 0x0405
	OpDisconnect          = 0x0406
	OpLinkKeyReply        = 0x040b
	OpLinkKeyNegReply     = 0x040c
	OpRemoteNameReq       = 0x0419
	OpRemoteNameReqCancel = 0x041a

	OpReadDefLinkPolicy  = 0x080e
	OpWriteDefLinkPolicy = 0x080f

	OpSetEventMask          = 0x0c01
	OpReset                 = 0x0c03
	OpSetEventFilter        = 0x0c05
	OpReadStoredLinkKey     = 0x0c0d
	OpDeleteStoredLinkKey   = 0x0c12
	OpWriteLocalName        = 0x0c13
	OpReadLocalName         = 0x0c14
	OpWriteCATimeout        = 0x0c16
	OpWriteScanEnable       = 0x0c1a
	OpReadPageScanActivity  = 0x0c1b
	OpWriteAuthEnable       = 0x0c20
	OpReadClassOfDev        = 0x0c23
	OpReadVoiceSetting      = 0x0c25
	OpReadNumSupportedIAC   = 0x0c38
	OpReadCurrentIACLAP     = 0x0c39
	OpWriteInquiryMode      = 0x0c45
	OpReadPageScanType      = 0x0c46
	OpWriteEIR              = 0x0c52
	OpWriteSSPMode          = 0x0c56
	OpReadInqRspTxPower     = 0x0c58
	OpReadDefErrDataReport  = 0x0c5a
	OpWriteDefErrDataReport = 0x0c5b
	OpSetEventMaskPage2     = 0x0c63
	OpReadLocationData      = 0x0c64
	OpReadFlowControlMode   = 0x0c66
	OpWriteLEHostSupported  = 0x0c6d
	OpReadSyncTrainParams   = 0x0c77
	OpWriteSCSupport        = 0x0c7a

	OpReadLocalVersion     = 0x1001
	OpReadLocalCommands    = 0x1002
	OpReadLocalFeatures    = 0x1003
	OpReadLocalExtFeatures = 0x1004
	OpReadBufferSize       = 0x1005
	OpReadBDAddr           = 0x1009
	OpReadDataBlockSize    = 0x100a
	OpReadLocalCodecs      = 0x100b
	OpReadLocalPairingOpts = 0x100c

	OpReadLocalAMPInfo      = 0x1409
	OpGetMWSTransportConfig = 0x140c

	OpLESetEventMask        = 0x2001
	OpLEReadBufferSize      = 0x2002
	OpLEReadLocalFeatures   = 0x2003
	OpLEReadAdvTxPower      = 0x2007
	OpLEReadAcceptListSize  = 0x200f
	OpLEClearAcceptList     = 0x2010
	OpLEReadSupportedStates = 0x201c
	OpLEReadDefDataLen      = 0x2023
	OpLEWriteDefDataLen     = 0x2024
	OpLEClearResolvList     = 0x2029
	OpLEReadResolvListSize  = 0x202a
	OpLEReadMaxDataLen      = 0x202f
	OpLESetDefaultPHY       = 0x2031
	OpLEReadNumAdvSets      = 0x203b
	OpLEReadTransmitPower   = 0x204b
)

var names = map[uint16]string{
	OpNop:                   "NOP",
	OpInquiry:               "Inquiry",
	OpInquiryCancel:         "Inquiry Cancel",
	OpCreateConn:            "Create Connection",
	OpDisconnect:            "Disconnect",
	OpLinkKeyReply:          "Link Key Request Reply",
	OpLinkKeyNegReply:       "Link Key Request Negative Reply",
	OpRemoteNameReq:         "Remote Name Request",
	OpRemoteNameReqCancel:   "Remote Name Request Cancel",
	OpReadDefLinkPolicy:     "Read Default Link Policy Settings",
	OpWriteDefLinkPolicy:    "Write Default Link Policy Settings",
	OpSetEventMask:          "Set Event Mask",
	OpReset:                 "Reset",
	OpSetEventFilter:        "Set Event Filter",
	OpReadStoredLinkKey:     "Read Stored Link Key",
	OpDeleteStoredLinkKey:   "Delete Stored Link Key",
	OpWriteLocalName:        "Write Local Name",
	OpReadLocalName:         "Read Local Name",
	OpWriteCATimeout:        "Write Connection Accept Timeout",
	OpWriteScanEnable:       "Write Scan Enable",
	OpReadPageScanActivity:  "Read Page Scan Activity",
	OpWriteAuthEnable:       "Write Authentication Enable",
	OpReadClassOfDev:        "Read Class of Device",
	OpReadVoiceSetting:      "Read Voice Setting",
	OpReadNumSupportedIAC:   "Read Number of Supported IAC",
	OpReadCurrentIACLAP:     "Read Current IAC LAP",
	OpWriteInquiryMode:      "Write Inquiry Mode",
	OpReadPageScanType:      "Read Page Scan Type",
	OpWriteEIR:              "Write Extended Inquiry Response",
	OpWriteSSPMode:          "Write Simple Pairing Mode",
	OpReadInqRspTxPower:     "Read Inquiry Response TX Power Level",
	OpReadDefErrDataReport:  "Read Default Erroneous Data Reporting",
	OpWriteDefErrDataReport: "Write Default Erroneous Data Reporting",
	OpSetEventMaskPage2:     "Set Event Mask Page 2",
	OpReadLocationData:      "Read Location Data",
	OpReadFlowControlMode:   "Read Flow Control Mode",
	OpWriteLEHostSupported:  "Write LE Host Supported",
	OpReadSyncTrainParams:   "Read Synchronization Train Parameters",
	OpWriteSCSupport:        "Write Secure Connections Host Support",
	OpReadLocalVersion:      "Read Local Version Information",
	OpReadLocalCommands:     "Read Local Supported Commands",
	OpReadLocalFeatures:     "Read Local Supported Features",
	OpReadLocalExtFeatures:  "Read Local Extended Features",
	OpReadBufferSize:        "Read Buffer Size",
	OpReadBDAddr:            "Read BD_ADDR",
	OpReadDataBlockSize:     "Read Data Block Size",
	OpReadLocalCodecs:       "Read Local Supported Codecs",
	OpReadLocalPairingOpts:  "Read Local Simple Pairing Options",
	OpReadLocalAMPInfo:      "Read Local AMP Info",
	OpGetMWSTransportConfig: "Get MWS Transport Layer Configuration",
	OpLESetEventMask:        "LE Set Event Mask",
	OpLEReadBufferSize:      "LE Read Buffer Size",
	OpLEReadLocalFeatures:   "LE Read Local Supported Features",
	OpLEReadAdvTxPower:      "LE Read Advertising Channel TX Power",
	OpLEReadAcceptListSize:  "LE Read Filter Accept List Size",
	OpLEClearAcceptList:     "LE Clear Filter Accept List",
	OpLEReadSupportedStates: "LE Read Supported States",
	OpLEReadDefDataLen:      "LE Read Suggested Default Data Length",
	OpLEWriteDefDataLen:     "LE Write Suggested Default Data Length",
	OpLEClearResolvList:     "LE Clear Resolving List",
	OpLEReadResolvListSize:  "LE Read Resolving List Size",
	OpLEReadMaxDataLen:      "LE Read Maximum Data Length",
	OpLESetDefaultPHY:       "LE Set Default PHY",
	OpLEReadNumAdvSets:      "LE Read Number of Supported Advertising Sets",
	OpLEReadTransmitPower:   "LE Read Transmit Power",
}

// Name returns a readable name for op, falling back to its group/command fields.
func Name(op uint16) string {
	if n, ok := names[op]; ok {
		return n
	}
	if OGF(op) == OGFVendorSpecific {
		return fmt.Sprintf("Vendor Command (0x%04x)", OCF(op))
	}
	return fmt.Sprintf("Unknown (0x%02x|0x%04x)", OGF(op), OCF(op))
}
