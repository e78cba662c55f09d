package hci

import (
	"encoding/hex"

	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/sliceops"
)

// Link key types [Vol 2, Part E, 7.7.24].
const (
	LinkKeyCombination         = 0x00
	LinkKeyUnauthenticatedP192 = 0x04
	LinkKeyAuthenticatedP192   = 0x05
	LinkKeyChangedCombination  = 0x06
	LinkKeyUnauthenticatedP256 = 0x07
	LinkKeyAuthenticatedP256   = 0x08
)

type linkKey struct {
	key [16]byte
	typ uint8
}

// KeyStore is the lookup contract for persisted BR/EDR link keys. Addresses
// are 12 hex digits, most significant octet first.
type KeyStore interface {
	Find(addr string) (LinkKey, error)
	Save(string, LinkKey) error
	Exists(addr string) bool
	Delete(addr string) error
}

type LinkKey interface {
	Key() [16]byte
	KeyType() uint8
}

func NewLinkKey(key [16]byte, typ uint8) LinkKey {
	return &linkKey{
		key: key,
		typ: typ,
	}
}

func (k *linkKey) Key() [16]byte {
	return k.key
}

func (k *linkKey) KeyType() uint8 {
	return k.typ
}

// keyAddr formats a controller-order address the way KeyStore expects it.
func keyAddr(a hcicore.BDAddr) string {
	return hex.EncodeToString(sliceops.SwapBuf(a[:]))
}
