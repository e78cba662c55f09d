package hci

// HCI Packet types
const (
	PktTypeCommand uint8 = 0x01
	PktTypeACLData uint8 = 0x02
	PktTypeSCOData uint8 = 0x03
	PktTypeEvent   uint8 = 0x04
	PktTypeISOData uint8 = 0x05
	PktTypeDiag    uint8 = 0xf0
	PktTypeVendor  uint8 = 0xff
)

// Packet boundary flags of HCI ACL Data Packet [Vol 2, Part E, 5.4.2].
const (
	PbfHostToControllerStart = 0x00 // Start of a non-automatically-flushable from host to controller.
	PbfContinuing            = 0x01 // Continuing fragment.
	PbfFlushableStart        = 0x02 // Start of an automatically flushable PDU (BR/EDR only).
)

// Header sizes, not counting the packet type octet.
const (
	cmdHdrSize = 3
	evtHdrSize = 2
	aclHdrSize = 4
	scoHdrSize = 3

	maxHciPayload = 255
)

const (
	RoleMaster = 0x00
	RoleSlave  = 0x01
)

// LinkType is the transport class of a connection.
type LinkType uint8

const (
	SCOLink  LinkType = 0x00
	ACLLink  LinkType = 0x01
	ESCOLink LinkType = 0x02
	LELink   LinkType = 0x80
	AMPLink  LinkType = 0x81
)

func (t LinkType) String() string {
	switch t {
	case SCOLink:
		return "SCO"
	case ACLLink:
		return "ACL"
	case ESCOLink:
		return "eSCO"
	case LELink:
		return "LE"
	case AMPLink:
		return "AMP"
	default:
		return "unknown"
	}
}

// DevType distinguishes primary controllers from AMP controllers.
type DevType uint8

const (
	DevPrimary DevType = 0x00
	DevAMP     DevType = 0x01
)

// Flow control modes reported by Read Flow Control Mode.
const (
	FlowCtlPacketBased = 0x00
	FlowCtlBlockBased  = 0x01
)

// Outbound unit priorities. PrioMax-1 is the ceiling for starvation promotion.
const (
	PrioDefault uint8 = 0
	PrioMax     uint8 = 8
)

// Marks a TX power level as not read from the controller.
const invalidTxPower int8 = 127

// Disconnect reasons used locally.
const (
	reasonRemoteUserTerm = 0x13
)

// LE PHY bits for LE Set Default PHY.
const (
	lePHY1M = 0x01
)

// Bluetooth core versions as reported in HCI_Version.
const (
	btVer11 = 1
	btVer12 = 2
)
