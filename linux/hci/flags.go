package hci

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Flag is one bit of device state.
type Flag uint32

const (
	FlagUp Flag = 1 << iota
	FlagInit
	FlagRunning
	FlagRaw
	FlagReset
	FlagInquiry
	FlagSetup
	FlagConfig
	FlagAutoOff
	FlagUnconfigured
	FlagRFKilled
	FlagUnregister
	FlagUserChannel
	FlagSuspended
	FlagLEEnabled
	FlagSSPEnabled
	FlagBREDREnabled
	FlagLinkSecurity
	FlagVendorDiag
)

// Flags that only mean something while the transport is open. Of these,
// close and failed opens keep FlagRaw alone.
const openFlags = FlagUp | FlagInit | FlagRunning | FlagRaw | FlagReset | FlagInquiry

const volatileFlags = FlagSuspended

var flagNames = []struct {
	f Flag
	s string
}{
	{FlagUp, "UP"},
	{FlagInit, "INIT"},
	{FlagRunning, "RUNNING"},
	{FlagRaw, "RAW"},
	{FlagReset, "RESET"},
	{FlagInquiry, "INQUIRY"},
	{FlagSetup, "SETUP"},
	{FlagConfig, "CONFIG"},
	{FlagAutoOff, "AUTO_OFF"},
	{FlagUnconfigured, "UNCONFIGURED"},
	{FlagRFKilled, "RFKILLED"},
	{FlagUnregister, "UNREGISTER"},
	{FlagUserChannel, "USER_CHANNEL"},
	{FlagSuspended, "SUSPENDED"},
	{FlagLEEnabled, "LE"},
	{FlagSSPEnabled, "SSP"},
	{FlagBREDREnabled, "BREDR"},
	{FlagLinkSecurity, "AUTH"},
	{FlagVendorDiag, "VENDOR_DIAG"},
}

func (f Flag) String() string {
	var ss []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			ss = append(ss, n.s)
		}
	}
	return strings.Join(ss, " ")
}

// flagSet is a lock-free bitset of Flags.
type flagSet struct {
	v atomic.Uint32
}

func (s *flagSet) get() Flag { return Flag(s.v.Load()) }

func (s *flagSet) test(f Flag) bool { return s.get()&f != 0 }

func (s *flagSet) set(f Flag) { s.update(func(o Flag) Flag { return o | f }) }

func (s *flagSet) clear(f Flag) { s.update(func(o Flag) Flag { return o &^ f }) }

// keep clears every flag not in f.
func (s *flagSet) keep(f Flag) { s.update(func(o Flag) Flag { return o & f }) }

// testAndSet sets f and reports whether it was already set.
func (s *flagSet) testAndSet(f Flag) bool {
	return s.update(func(o Flag) Flag { return o | f })&f != 0
}

// testAndClear clears f and reports whether it was set.
func (s *flagSet) testAndClear(f Flag) bool {
	return s.update(func(o Flag) Flag { return o &^ f })&f != 0
}

func (s *flagSet) update(fn func(Flag) Flag) (old Flag) {
	for {
		o := s.v.Load()
		if s.v.CompareAndSwap(o, uint32(fn(Flag(o)))) {
			return Flag(o)
		}
	}
}

// Quirks is the read-only table of controller workarounds supplied by the
// driver or the configuration.
type Quirks uint32

const (
	QuirkResetOnClose Quirks = 1 << iota
	QuirkRawDevice
	QuirkBrokenStoredLinkKey
	QuirkNonPersistentSetup
	QuirkNonPersistentDiag
	QuirkInvalidBDAddr
	QuirkExternalConfig
	QuirkFixupInquiryMode
	QuirkBrokenLocalCommands
	QuirkBrokenErrDataReporting
)

var quirkNames = map[string]Quirks{
	"reset_on_close":            QuirkResetOnClose,
	"raw_device":                QuirkRawDevice,
	"broken_stored_link_key":    QuirkBrokenStoredLinkKey,
	"non_persistent_setup":      QuirkNonPersistentSetup,
	"non_persistent_diag":       QuirkNonPersistentDiag,
	"invalid_bdaddr":            QuirkInvalidBDAddr,
	"external_config":           QuirkExternalConfig,
	"fixup_inquiry_mode":        QuirkFixupInquiryMode,
	"broken_local_commands":     QuirkBrokenLocalCommands,
	"broken_err_data_reporting": QuirkBrokenErrDataReporting,
}

// ParseQuirks converts quirk names, as used in configuration files, to a Quirks set.
func ParseQuirks(names []string) (Quirks, error) {
	var q Quirks
	for _, n := range names {
		v, ok := quirkNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, errors.Errorf("unknown quirk %q", n)
		}
		q |= v
	}
	return q, nil
}

func (q Quirks) Has(v Quirks) bool { return q&v != 0 }
