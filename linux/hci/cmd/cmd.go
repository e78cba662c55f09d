package cmd

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

func checkLen(b []byte, n int) error {
	if len(b) < n {
		return io.ErrShortBuffer
	}
	return nil
}

// Reset implements Reset (0x03|0x0003) [Vol 2, Part E, 7.3.2]
type Reset struct{}

func (c *Reset) String() string         { return "Reset (0x03|0x0003)" }
func (c *Reset) OpCode() int            { return OpReset }
func (c *Reset) Len() int               { return 0 }
func (c *Reset) Marshal(b []byte) error { return nil }

// Disconnect implements Disconnect (0x01|0x0006) [Vol 2, Part E, 7.1.6]
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c *Disconnect) String() string { return "Disconnect (0x01|0x0006)" }
func (c *Disconnect) OpCode() int    { return OpDisconnect }
func (c *Disconnect) Len() int       { return 3 }
func (c *Disconnect) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, c.ConnectionHandle)
	b[2] = c.Reason
	return nil
}

// Inquiry implements Inquiry (0x01|0x0001) [Vol 2, Part E, 7.1.1]
type Inquiry struct {
	LAP           [3]byte
	InquiryLength uint8
	NumResponses  uint8
}

// GIAC is the General Inquiry Access Code.
var GIAC = [3]byte{0x33, 0x8b, 0x9e}

func (c *Inquiry) String() string { return "Inquiry (0x01|0x0001)" }
func (c *Inquiry) OpCode() int    { return OpInquiry }
func (c *Inquiry) Len() int       { return 5 }
func (c *Inquiry) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	copy(b, c.LAP[:])
	b[3] = c.InquiryLength
	b[4] = c.NumResponses
	return nil
}

// InquiryCancel implements Inquiry Cancel (0x01|0x0002) [Vol 2, Part E, 7.1.2]
type InquiryCancel struct{}

func (c *InquiryCancel) String() string         { return "Inquiry Cancel (0x01|0x0002)" }
func (c *InquiryCancel) OpCode() int            { return OpInquiryCancel }
func (c *InquiryCancel) Len() int               { return 0 }
func (c *InquiryCancel) Marshal(b []byte) error { return nil }

// RemoteNameRequest implements Remote Name Request (0x01|0x0019) [Vol 2, Part E, 7.1.19]
type RemoteNameRequest struct {
	BDADDR                 [6]byte
	PageScanRepetitionMode uint8
	ClockOffset            uint16
}

func (c *RemoteNameRequest) String() string { return "Remote Name Request (0x01|0x0019)" }
func (c *RemoteNameRequest) OpCode() int    { return OpRemoteNameReq }
func (c *RemoteNameRequest) Len() int       { return 10 }
func (c *RemoteNameRequest) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	copy(b, c.BDADDR[:])
	b[6] = c.PageScanRepetitionMode
	b[7] = 0 // reserved
	binary.LittleEndian.PutUint16(b[8:], c.ClockOffset)
	return nil
}

// LinkKeyRequestReply implements Link Key Request Reply (0x01|0x000B) [Vol 2, Part E, 7.1.10]
type LinkKeyRequestReply struct {
	BDADDR  [6]byte
	LinkKey [16]byte
}

func (c *LinkKeyRequestReply) String() string { return "Link Key Request Reply (0x01|0x000B)" }
func (c *LinkKeyRequestReply) OpCode() int    { return OpLinkKeyReply }
func (c *LinkKeyRequestReply) Len() int       { return 22 }
func (c *LinkKeyRequestReply) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	copy(b, c.BDADDR[:])
	copy(b[6:], c.LinkKey[:])
	return nil
}

// LinkKeyRequestNegativeReply implements Link Key Request Negative Reply (0x01|0x000C) [Vol 2, Part E, 7.1.11]
type LinkKeyRequestNegativeReply struct {
	BDADDR [6]byte
}

func (c *LinkKeyRequestNegativeReply) String() string {
	return "Link Key Request Negative Reply (0x01|0x000C)"
}
func (c *LinkKeyRequestNegativeReply) OpCode() int { return OpLinkKeyNegReply }
func (c *LinkKeyRequestNegativeReply) Len() int    { return 6 }
func (c *LinkKeyRequestNegativeReply) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	copy(b, c.BDADDR[:])
	return nil
}

// WriteDefaultLinkPolicySettings implements (0x02|0x000F) [Vol 2, Part E, 7.2.12]
type WriteDefaultLinkPolicySettings struct {
	Policy uint16
}

func (c *WriteDefaultLinkPolicySettings) String() string {
	return "Write Default Link Policy Settings (0x02|0x000F)"
}
func (c *WriteDefaultLinkPolicySettings) OpCode() int { return OpWriteDefLinkPolicy }
func (c *WriteDefaultLinkPolicySettings) Len() int    { return 2 }
func (c *WriteDefaultLinkPolicySettings) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, c.Policy)
	return nil
}

// SetEventMask implements Set Event Mask (0x03|0x0001) [Vol 2, Part E, 7.3.1]
// and, with Page2 set, Set Event Mask Page 2 (0x03|0x0063).
type SetEventMask struct {
	EventMask [8]byte
	Page2     bool
}

func (c *SetEventMask) String() string {
	if c.Page2 {
		return "Set Event Mask Page 2 (0x03|0x0063)"
	}
	return "Set Event Mask (0x03|0x0001)"
}

func (c *SetEventMask) OpCode() int {
	if c.Page2 {
		return OpSetEventMaskPage2
	}
	return OpSetEventMask
}

func (c *SetEventMask) Len() int { return 8 }
func (c *SetEventMask) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	copy(b, c.EventMask[:])
	return nil
}

// LESetEventMask implements LE Set Event Mask (0x08|0x0001) [Vol 2, Part E, 7.8.1]
type LESetEventMask struct {
	LEEventMask [8]byte
}

func (c *LESetEventMask) String() string { return "LE Set Event Mask (0x08|0x0001)" }
func (c *LESetEventMask) OpCode() int    { return OpLESetEventMask }
func (c *LESetEventMask) Len() int       { return 8 }
func (c *LESetEventMask) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	copy(b, c.LEEventMask[:])
	return nil
}

// SetEventFilter implements Set Event Filter (0x03|0x0005) with a bare filter type,
// which is all that "clear all filters" needs.
type SetEventFilter struct {
	FilterType uint8
}

func (c *SetEventFilter) String() string { return "Set Event Filter (0x03|0x0005)" }
func (c *SetEventFilter) OpCode() int    { return OpSetEventFilter }
func (c *SetEventFilter) Len() int       { return 1 }
func (c *SetEventFilter) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.FilterType
	return nil
}

// StoredLinkKey implements Read Stored Link Key (0x03|0x000D) and, with Delete
// set, Delete Stored Link Key (0x03|0x0012). Both share the same layout.
type StoredLinkKey struct {
	BDADDR [6]byte
	All    bool
	Delete bool
}

func (c *StoredLinkKey) String() string {
	if c.Delete {
		return "Delete Stored Link Key (0x03|0x0012)"
	}
	return "Read Stored Link Key (0x03|0x000D)"
}

func (c *StoredLinkKey) OpCode() int {
	if c.Delete {
		return OpDeleteStoredLinkKey
	}
	return OpReadStoredLinkKey
}

func (c *StoredLinkKey) Len() int { return 7 }
func (c *StoredLinkKey) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	copy(b, c.BDADDR[:])
	b[6] = 0
	if c.All {
		b[6] = 1
	}
	return nil
}

// WriteUint8 covers the host controller commands whose only parameter is one
// octet: Write Scan Enable, Write Authentication Enable, Write Inquiry Mode,
// Write Simple Pairing Mode, Write Secure Connections Host Support and
// Write Default Erroneous Data Reporting.
type WriteUint8 struct {
	Op    uint16
	Value uint8
}

func (c *WriteUint8) String() string { return Name(c.Op) }
func (c *WriteUint8) OpCode() int    { return int(c.Op) }
func (c *WriteUint8) Len() int       { return 1 }
func (c *WriteUint8) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.Value
	return nil
}

// WriteConnectionAcceptTimeout implements (0x03|0x0016) [Vol 2, Part E, 7.3.14]
type WriteConnectionAcceptTimeout struct {
	Timeout uint16
}

func (c *WriteConnectionAcceptTimeout) String() string {
	return "Write Connection Accept Timeout (0x03|0x0016)"
}
func (c *WriteConnectionAcceptTimeout) OpCode() int { return OpWriteCATimeout }
func (c *WriteConnectionAcceptTimeout) Len() int    { return 2 }
func (c *WriteConnectionAcceptTimeout) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, c.Timeout)
	return nil
}

// WriteExtendedInquiryResponse implements (0x03|0x0052) [Vol 2, Part E, 7.3.56]
type WriteExtendedInquiryResponse struct {
	FECRequired uint8
	Data        [240]byte
}

func (c *WriteExtendedInquiryResponse) String() string {
	return "Write Extended Inquiry Response (0x03|0x0052)"
}
func (c *WriteExtendedInquiryResponse) OpCode() int { return OpWriteEIR }
func (c *WriteExtendedInquiryResponse) Len() int    { return 241 }
func (c *WriteExtendedInquiryResponse) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.FECRequired
	copy(b[1:], c.Data[:])
	return nil
}

// WriteLEHostSupport implements (0x03|0x006D) [Vol 2, Part E, 7.3.79]
type WriteLEHostSupport struct {
	LESupportedHost    uint8
	SimultaneousLEHost uint8
}

func (c *WriteLEHostSupport) String() string { return "Write LE Host Support (0x03|0x006D)" }
func (c *WriteLEHostSupport) OpCode() int    { return OpWriteLEHostSupported }
func (c *WriteLEHostSupport) Len() int       { return 2 }
func (c *WriteLEHostSupport) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.LESupportedHost
	b[1] = c.SimultaneousLEHost
	return nil
}

// ReadLocalExtendedFeatures implements (0x04|0x0004) [Vol 2, Part E, 7.4.4]
type ReadLocalExtendedFeatures struct {
	PageNumber uint8
}

func (c *ReadLocalExtendedFeatures) String() string {
	return "Read Local Extended Features (0x04|0x0004)"
}
func (c *ReadLocalExtendedFeatures) OpCode() int { return OpReadLocalExtFeatures }
func (c *ReadLocalExtendedFeatures) Len() int    { return 1 }
func (c *ReadLocalExtendedFeatures) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.PageNumber
	return nil
}

// LEWriteSuggestedDefaultDataLength implements (0x08|0x0024) [Vol 2, Part E, 7.8.35]
type LEWriteSuggestedDefaultDataLength struct {
	SuggestedMaxTxOctets uint16
	SuggestedMaxTxTime   uint16
}

func (c *LEWriteSuggestedDefaultDataLength) String() string {
	return "LE Write Suggested Default Data Length (0x08|0x0024)"
}
func (c *LEWriteSuggestedDefaultDataLength) OpCode() int { return OpLEWriteDefDataLen }
func (c *LEWriteSuggestedDefaultDataLength) Len() int    { return 4 }
func (c *LEWriteSuggestedDefaultDataLength) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, c.SuggestedMaxTxOctets)
	binary.LittleEndian.PutUint16(b[2:], c.SuggestedMaxTxTime)
	return nil
}

// LESetDefaultPHY implements (0x08|0x0031) [Vol 2, Part E, 7.8.48]
type LESetDefaultPHY struct {
	AllPHYs uint8
	TxPHYs  uint8
	RxPHYs  uint8
}

func (c *LESetDefaultPHY) String() string { return "LE Set Default PHY (0x08|0x0031)" }
func (c *LESetDefaultPHY) OpCode() int    { return OpLESetDefaultPHY }
func (c *LESetDefaultPHY) Len() int       { return 3 }
func (c *LESetDefaultPHY) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	b[0] = c.AllPHYs
	b[1] = c.TxPHYs
	b[2] = c.RxPHYs
	return nil
}

// ReadBDADDR implements Read BD_ADDR (0x04|0x0009) [Vol 2, Part E, 7.4.6]
type ReadBDADDR struct{}

func (c *ReadBDADDR) String() string         { return "Read BD_ADDR (0x04|0x0009)" }
func (c *ReadBDADDR) OpCode() int            { return OpReadBDAddr }
func (c *ReadBDADDR) Len() int               { return 0 }
func (c *ReadBDADDR) Marshal(b []byte) error { return nil }

// ReadBDADDRRP returns the return parameter of Read BD_ADDR
type ReadBDADDRRP struct {
	Status uint8
	BDADDR [6]byte
}

func (c *ReadBDADDRRP) Unmarshal(b []byte) error {
	if len(b) < 7 {
		return errors.Errorf("read bdaddr: short return parameters (%d)", len(b))
	}
	c.Status = b[0]
	copy(c.BDADDR[:], b[1:7])
	return nil
}

// ReadLocalVersionInformation implements (0x04|0x0001) [Vol 2, Part E, 7.4.1]
type ReadLocalVersionInformation struct{}

func (c *ReadLocalVersionInformation) String() string {
	return "Read Local Version Information (0x04|0x0001)"
}
func (c *ReadLocalVersionInformation) OpCode() int            { return OpReadLocalVersion }
func (c *ReadLocalVersionInformation) Len() int               { return 0 }
func (c *ReadLocalVersionInformation) Marshal(b []byte) error { return nil }

// ReadLocalVersionInformationRP returns the return parameter of Read Local Version Information
type ReadLocalVersionInformationRP struct {
	Status           uint8
	HCIVersion       uint8
	HCIRevision      uint16
	LMPPALVersion    uint8
	ManufacturerName uint16
	LMPPALSubversion uint16
}

func (c *ReadLocalVersionInformationRP) Unmarshal(b []byte) error {
	if len(b) < 9 {
		return errors.Errorf("read local version: short return parameters (%d)", len(b))
	}
	c.Status = b[0]
	c.HCIVersion = b[1]
	c.HCIRevision = binary.LittleEndian.Uint16(b[2:])
	c.LMPPALVersion = b[4]
	c.ManufacturerName = binary.LittleEndian.Uint16(b[5:])
	c.LMPPALSubversion = binary.LittleEndian.Uint16(b[7:])
	return nil
}

// ReadLocalName implements Read Local Name (0x03|0x0014) [Vol 2, Part E, 7.3.12]
type ReadLocalName struct{}

func (c *ReadLocalName) String() string         { return "Read Local Name (0x03|0x0014)" }
func (c *ReadLocalName) OpCode() int            { return OpReadLocalName }
func (c *ReadLocalName) Len() int               { return 0 }
func (c *ReadLocalName) Marshal(b []byte) error { return nil }

// ReadLocalNameRP returns the return parameter of Read Local Name
type ReadLocalNameRP struct {
	Status    uint8
	LocalName string
}

func (c *ReadLocalNameRP) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return errors.New("read local name: empty return parameters")
	}
	c.Status = b[0]
	c.LocalName = CString(b[1:])
	return nil
}

// WriteLocalName implements Write Local Name (0x03|0x0013) [Vol 2, Part E, 7.3.11]
type WriteLocalName struct {
	LocalName string
}

func (c *WriteLocalName) String() string { return "Write Local Name (0x03|0x0013)" }
func (c *WriteLocalName) OpCode() int    { return OpWriteLocalName }
func (c *WriteLocalName) Len() int       { return 248 }
func (c *WriteLocalName) Marshal(b []byte) error {
	if err := checkLen(b, c.Len()); err != nil {
		return err
	}
	if len(c.LocalName) > 247 {
		return errors.Errorf("local name too long (%d)", len(c.LocalName))
	}
	n := copy(b, c.LocalName)
	for i := n; i < c.Len(); i++ {
		b[i] = 0
	}
	return nil
}

// CString returns b up to its first NUL.
func CString(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
