package hcicore

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore/sliceops"
)

// BDAddr is a Bluetooth device address in controller (little-endian) byte order.
type BDAddr [6]byte

// BDAddrAny is the all-zero wildcard address.
var BDAddrAny = BDAddr{}

// ParseBDAddr parses the human readable "AA:BB:CC:DD:EE:FF" form.
func ParseBDAddr(s string) (BDAddr, error) {
	var a BDAddr

	b, err := hex.DecodeString(strings.Replace(s, ":", "", -1))
	if err != nil {
		return a, errors.Wrapf(err, "invalid address %q", s)
	}
	if len(b) != len(a) {
		return a, errors.Errorf("invalid address length %d in %q", len(b), s)
	}

	copy(a[:], sliceops.SwapBuf(b))
	return a, nil
}

// MustParseBDAddr is ParseBDAddr that panics on malformed input.
func MustParseBDAddr(s string) BDAddr {
	a, err := ParseBDAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a BDAddr) IsZero() bool {
	return a == BDAddrAny
}

// Bytes returns the address in controller byte order.
func (a BDAddr) Bytes() []byte {
	b := make([]byte, len(a))
	copy(b, a[:])
	return b
}

func (a BDAddr) String() string {
	s := hex.EncodeToString(sliceops.SwapBuf(a[:]))
	var sb strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strings.ToUpper(s[i : i+2]))
	}
	return sb.String()
}
