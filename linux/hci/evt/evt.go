package evt

// Event parameter views. Each type wraps the parameter bytes of one event,
// without the event code and length octets.
type (
	CommandComplete               []byte
	CommandStatus                 []byte
	NumberOfCompletedPackets      []byte
	NumberOfCompletedDataBlocks   []byte
	HardwareError                 []byte
	DataBufferOverflow            []byte
	ConnectionComplete            []byte
	SynchronousConnectionComplete []byte
	DisconnectionComplete         []byte
	RemoteNameRequestComplete     []byte
	InquiryComplete               []byte
	InquiryResult                 []byte
	InquiryResultWithRSSI         []byte
	ExtendedInquiryResult         []byte
	LinkKeyRequest                []byte
	ReturnLinkKeys                []byte
	LinkKeyNotification           []byte
	LEMeta                        []byte
	LEConnectionComplete          []byte
)

func (e CommandComplete) NumHCICommandPackets() uint8 {
	v, _ := e.NumHCICommandPacketsWErr()
	return v
}

func (e CommandComplete) CommandOpcode() uint16 {
	v, _ := e.CommandOpcodeWErr()
	return v
}

func (e CommandComplete) ReturnParameters() []byte {
	v, _ := e.ReturnParametersWErr()
	return v
}

func (e CommandStatus) Status() uint8 {
	v, _ := e.StatusWErr()
	return v
}

func (e CommandStatus) NumHCICommandPackets() uint8 {
	v, _ := e.NumHCICommandPacketsWErr()
	return v
}

func (e CommandStatus) CommandOpcode() uint16 {
	v, _ := e.CommandOpcodeWErr()
	return v
}

// Valid reports whether e is long enough to carry all of its fields.
func (e CommandStatus) Valid() bool {
	return len(e) >= 4
}

// Per Core [Vol 2, Part E, 7.7.19], the packet structure should be:
//
//     NumOfHandle, HandleA, HandleB, CompPktNumA, CompPktNumB
//
// But we got the actual packet from BCM20702A1 with the following structure instead.
//
//     NumOfHandle, HandleA, CompPktNumA, HandleB, CompPktNumB
//              02,   40 00,       01 00,   41 00,       01 00

func (e NumberOfCompletedPackets) NumberOfHandles() uint8 {
	v, _ := e.NumberOfHandlesWErr()
	return v
}

func (e NumberOfCompletedPackets) ConnectionHandle(i int) uint16 {
	v, _ := e.ConnectionHandleWErr(i)
	return v
}

func (e NumberOfCompletedPackets) HCNumOfCompletedPackets(i int) uint16 {
	v, _ := e.HCNumOfCompletedPacketsWErr(i)
	return v
}

func (e HardwareError) HardwareCode() uint8 {
	v, _ := getByte(e, 0, 0)
	return v
}

func (e DataBufferOverflow) LinkType() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e DisconnectionComplete) Status() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e DisconnectionComplete) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 1, 0xffff)
	return v
}

func (e DisconnectionComplete) Reason() uint8 {
	v, _ := getByte(e, 3, 0)
	return v
}

func (e InquiryComplete) Status() uint8 {
	v, _ := getByte(e, 0, 0)
	return v
}

func (e LEMeta) SubeventCode() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

// InquiryResponse is one device reported by any of the inquiry result events.
type InquiryResponse struct {
	BDADDR                 [6]byte
	PageScanRepetitionMode uint8
	PageScanPeriodMode     uint8
	PageScanMode           uint8
	ClassOfDevice          [3]byte
	ClockOffset            uint16
	RSSI                   int8
	EIR                    []byte
}

// EIR data types carrying the remote name [Core Spec Supplement, Part A, 1.2].
const (
	eirNameShort    = 0x08
	eirNameComplete = 0x09
)

// Name returns the local name carried in the EIR data, and whether it is complete.
func (r InquiryResponse) Name() (string, bool) {
	b := r.EIR
	for len(b) > 1 {
		l := int(b[0])
		if l == 0 || l+1 > len(b) {
			break
		}
		switch b[1] {
		case eirNameComplete:
			return string(b[2 : l+1]), true
		case eirNameShort:
			return string(b[2 : l+1]), false
		}
		b = b[l+1:]
	}
	return "", false
}
