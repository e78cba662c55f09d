package evt

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

func (e CommandComplete) NumHCICommandPacketsWErr() (uint8, error) {
	return getByte(e, 0, 0)
}

func (e CommandComplete) CommandOpcodeWErr() (uint16, error) {
	return getUint16LE(e, 1, 0xffff)
}

// ReturnParametersWErr returns the return parameters. NOP completions carry none.
func (e CommandComplete) ReturnParametersWErr() ([]byte, error) {
	if len(e) == 3 {
		return []byte{}, nil
	}
	return getBytes(e, 3, -1)
}

func (e CommandStatus) StatusWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}

func (e CommandStatus) NumHCICommandPacketsWErr() (uint8, error) {
	return getByte(e, 1, 0)
}

func (e CommandStatus) CommandOpcodeWErr() (uint16, error) {
	return getUint16LE(e, 2, 0xffff)
}

func (e NumberOfCompletedPackets) NumberOfHandlesWErr() (uint8, error) {
	return getByte(e, 0, 0)
}
func (e NumberOfCompletedPackets) ConnectionHandleWErr(i int) (uint16, error) {
	si := 1 + (i * 4)
	return getUint16LE(e, si, 0xffff)
}
func (e NumberOfCompletedPackets) HCNumOfCompletedPacketsWErr(i int) (uint16, error) {
	si := 1 + (i * 4) + 2
	return getUint16LE(e, si, 0)
}

func (e NumberOfCompletedDataBlocks) TotalNumDataBlocksWErr() (uint16, error) {
	return getUint16LE(e, 0, 0)
}
func (e NumberOfCompletedDataBlocks) NumberOfHandlesWErr() (uint8, error) {
	return getByte(e, 2, 0)
}
func (e NumberOfCompletedDataBlocks) ConnectionHandleWErr(i int) (uint16, error) {
	return getUint16LE(e, 3+(i*6), 0xffff)
}
func (e NumberOfCompletedDataBlocks) NumCompletedPacketsWErr(i int) (uint16, error) {
	return getUint16LE(e, 3+(i*6)+2, 0)
}
func (e NumberOfCompletedDataBlocks) NumCompletedBlocksWErr(i int) (uint16, error) {
	return getUint16LE(e, 3+(i*6)+4, 0)
}

func (e ConnectionComplete) StatusWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}
func (e ConnectionComplete) ConnectionHandleWErr() (uint16, error) {
	return getUint16LE(e, 1, 0xffff)
}
func (e ConnectionComplete) BDADDRWErr() ([6]byte, error) {
	return getAddr(e, 3)
}
func (e ConnectionComplete) LinkTypeWErr() (uint8, error) {
	return getByte(e, 9, 0xff)
}

func (e SynchronousConnectionComplete) StatusWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}
func (e SynchronousConnectionComplete) ConnectionHandleWErr() (uint16, error) {
	return getUint16LE(e, 1, 0xffff)
}
func (e SynchronousConnectionComplete) BDADDRWErr() ([6]byte, error) {
	return getAddr(e, 3)
}
func (e SynchronousConnectionComplete) LinkTypeWErr() (uint8, error) {
	return getByte(e, 9, 0xff)
}

func (e DisconnectionComplete) Valid() bool {
	return len(e) >= 4
}

func (e RemoteNameRequestComplete) StatusWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}
func (e RemoteNameRequestComplete) BDADDRWErr() ([6]byte, error) {
	return getAddr(e, 1)
}

// RemoteNameWErr returns the NUL terminated name, empty if the request failed.
func (e RemoteNameRequestComplete) RemoteNameWErr() (string, error) {
	if len(e) == 7 {
		return "", nil
	}
	b, err := getBytes(e, 7, -1)
	if err != nil {
		return "", err
	}
	for i, v := range b {
		if v == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

func (e LinkKeyRequest) BDADDRWErr() ([6]byte, error) {
	return getAddr(e, 0)
}

func (e LinkKeyNotification) BDADDRWErr() ([6]byte, error) {
	return getAddr(e, 0)
}
func (e LinkKeyNotification) LinkKeyWErr() ([16]byte, error) {
	var k [16]byte
	b, err := getBytes(e, 6, 16)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}
func (e LinkKeyNotification) KeyTypeWErr() (uint8, error) {
	return getByte(e, 22, 0xff)
}

func (e ReturnLinkKeys) NumKeysWErr() (uint8, error) {
	return getByte(e, 0, 0)
}
func (e ReturnLinkKeys) BDADDRWErr(i int) ([6]byte, error) {
	return getAddr(e, 1+i*22)
}
func (e ReturnLinkKeys) LinkKeyWErr(i int) ([16]byte, error) {
	var k [16]byte
	b, err := getBytes(e, 7+i*22, 16)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

func (e LEConnectionComplete) StatusWErr() (uint8, error) {
	return getByte(e, 1, 0xff)
}
func (e LEConnectionComplete) ConnectionHandleWErr() (uint16, error) {
	return getUint16LE(e, 2, 0xffff)
}
func (e LEConnectionComplete) RoleWErr() (uint8, error) {
	return getByte(e, 4, 0xff)
}
func (e LEConnectionComplete) PeerAddressTypeWErr() (uint8, error) {
	return getByte(e, 5, 0xff)
}
func (e LEConnectionComplete) PeerAddressWErr() ([6]byte, error) {
	return getAddr(e, 6)
}

const (
	inquiryInfoSize         = 14
	inquiryInfoRSSISize     = 14
	inquiryInfoRSSIModeSize = 15
	extInquiryInfoSize      = 254
)

func (e InquiryResult) NumResponsesWErr() (uint8, error) {
	return getByte(e, 0, 0)
}

// ResponseWErr decodes the i-th response. Responses are packed one after
// another rather than as parallel arrays; this is what controllers emit.
func (e InquiryResult) ResponseWErr(i int) (InquiryResponse, error) {
	var r InquiryResponse
	b, err := getBytes(e, 1+i*inquiryInfoSize, inquiryInfoSize)
	if err != nil {
		return r, err
	}
	copy(r.BDADDR[:], b)
	r.PageScanRepetitionMode = b[6]
	r.PageScanPeriodMode = b[7]
	r.PageScanMode = b[8]
	copy(r.ClassOfDevice[:], b[9:12])
	r.ClockOffset = binary.LittleEndian.Uint16(b[12:])
	return r, nil
}

func (e InquiryResultWithRSSI) NumResponsesWErr() (uint8, error) {
	return getByte(e, 0, 0)
}

// ResponseWErr decodes the i-th response. Some controllers insert a page scan
// mode octet; the per-response size tells the two layouts apart.
func (e InquiryResultWithRSSI) ResponseWErr(i int) (InquiryResponse, error) {
	var r InquiryResponse
	n, err := e.NumResponsesWErr()
	if err != nil || n == 0 {
		return r, errors.New("no responses")
	}

	size := inquiryInfoRSSISize
	withMode := (len(e)-1)/int(n) == inquiryInfoRSSIModeSize
	if withMode {
		size = inquiryInfoRSSIModeSize
	}

	b, err := getBytes(e, 1+i*size, size)
	if err != nil {
		return r, err
	}
	copy(r.BDADDR[:], b)
	r.PageScanRepetitionMode = b[6]
	r.PageScanPeriodMode = b[7]
	off := 8
	if withMode {
		r.PageScanMode = b[8]
		off = 9
	}
	copy(r.ClassOfDevice[:], b[off:off+3])
	r.ClockOffset = binary.LittleEndian.Uint16(b[off+3:])
	r.RSSI = int8(b[off+5])
	return r, nil
}

func (e ExtendedInquiryResult) NumResponsesWErr() (uint8, error) {
	return getByte(e, 0, 0)
}

func (e ExtendedInquiryResult) ResponseWErr(i int) (InquiryResponse, error) {
	var r InquiryResponse
	b, err := getBytes(e, 1+i*extInquiryInfoSize, -1)
	if err != nil {
		return r, err
	}
	if len(b) < 14 {
		return r, fmt.Errorf("index error")
	}
	copy(r.BDADDR[:], b)
	r.PageScanRepetitionMode = b[6]
	r.PageScanPeriodMode = b[7]
	copy(r.ClassOfDevice[:], b[8:11])
	r.ClockOffset = binary.LittleEndian.Uint16(b[11:])
	r.RSSI = int8(b[13])
	end := extInquiryInfoSize
	if end > len(b) {
		end = len(b)
	}
	r.EIR = b[14:end]
	return r, nil
}

func getAddr(b []byte, i int) ([6]byte, error) {
	out := [6]byte{}
	bb, err := getBytes(b, i, 6)
	if err != nil {
		return out, err
	}
	copy(out[:], bb)
	return out, nil
}

//get or default
func getByte(b []byte, i int, def byte) (byte, error) {
	bb, err := getBytes(b, i, 1)
	if err != nil {
		return def, err
	}
	return bb[0], nil
}

//get or default
func getUint16LE(b []byte, i int, def uint16) (uint16, error) {
	bb, err := getBytes(b, i, 2)
	if err != nil {
		return def, err
	}
	return binary.LittleEndian.Uint16(bb), nil
}

func getBytes(bytes []byte, start int, count int) ([]byte, error) {
	if bytes == nil || start >= len(bytes) {
		return nil, fmt.Errorf("index error")
	}

	if count < 0 {
		return bytes[start:], nil
	}

	end := start + count
	//end is non-inclusive
	if end > len(bytes) {
		return nil, fmt.Errorf("index error")
	}

	return bytes[start:end], nil
}
