package hci

import (
	"fmt"

	"github.com/pkg/errors"
)

// Engine errors.
var (
	ErrDeviceDown     = errors.New("hci: device going down")
	ErrNotUp          = errors.New("hci: device is not up")
	ErrAlreadyUp      = errors.New("hci: device already up")
	ErrNoDevice       = errors.New("hci: no such device")
	ErrRFKilled       = errors.New("hci: device is rfkilled")
	ErrAddrNotAvail   = errors.New("hci: no valid device address")
	ErrNotSupported   = errors.New("hci: operation not supported")
	ErrBusy           = errors.New("hci: device busy")
	ErrCommandTimeout = errors.New("hci: command timed out")
	ErrDisconnected   = errors.New("hci: connection terminated")
	ErrInvalidFrame   = errors.New("hci: invalid frame")
	ErrNotRunning     = errors.New("hci: device not running")
)

// ErrCommand is a controller error code [Vol 2, Part D, 1.3].
type ErrCommand byte

const (
	ErrUnknownCommand       ErrCommand = 0x01
	ErrConnID               ErrCommand = 0x02
	ErrHardware             ErrCommand = 0x03
	ErrPageTimeout          ErrCommand = 0x04
	ErrAuth                 ErrCommand = 0x05
	ErrPINMissing           ErrCommand = 0x06
	ErrMemoryExceeded       ErrCommand = 0x07
	ErrConnTimeout          ErrCommand = 0x08
	ErrConnLimit            ErrCommand = 0x09
	ErrSyncConnLimit        ErrCommand = 0x0A
	ErrACLConnExists        ErrCommand = 0x0B
	ErrDisallowed           ErrCommand = 0x0C
	ErrLimitedResource      ErrCommand = 0x0D
	ErrSecurity             ErrCommand = 0x0E
	ErrBDADDR               ErrCommand = 0x0F
	ErrConnAcceptTimeout    ErrCommand = 0x10
	ErrUnsupportedParams    ErrCommand = 0x11
	ErrInvalidParams        ErrCommand = 0x12
	ErrRemoteUser           ErrCommand = 0x13
	ErrRemoteLowResources   ErrCommand = 0x14
	ErrRemotePowerOff       ErrCommand = 0x15
	ErrLocalHost            ErrCommand = 0x16
	ErrRepeatedAttempts     ErrCommand = 0x17
	ErrPairingNotAllowed    ErrCommand = 0x18
	ErrUnknownLMP           ErrCommand = 0x19
	ErrUnsupportedRemote    ErrCommand = 0x1A
	ErrSCOOffsetRejected    ErrCommand = 0x1B
	ErrSCOIntervalRejected  ErrCommand = 0x1C
	ErrSCOAirModeRejected   ErrCommand = 0x1D
	ErrInvalidLLParams      ErrCommand = 0x1E
	ErrUnspecified          ErrCommand = 0x1F
	ErrUnsupportedLLParam   ErrCommand = 0x20
	ErrRoleChangeNotAllowed ErrCommand = 0x21
	ErrLLResponseTimeout    ErrCommand = 0x22
	ErrLLProcCollision      ErrCommand = 0x23
	ErrLMPPDUNotAllowed     ErrCommand = 0x24
	ErrEncryptionMode       ErrCommand = 0x25
	ErrUnitKeyUsed          ErrCommand = 0x26
	ErrQoSNotSupported      ErrCommand = 0x27
	ErrInstantPassed        ErrCommand = 0x28
	ErrPairingWithUnitKey   ErrCommand = 0x29
	ErrDiffTransactionColl  ErrCommand = 0x2A
	ErrQoSParam             ErrCommand = 0x2C
	ErrQoSRejected          ErrCommand = 0x2D
	ErrChannelClass         ErrCommand = 0x2E
	ErrInsufficientSecurity ErrCommand = 0x2F
	ErrParamOutOfRange      ErrCommand = 0x30
	ErrRoleSwitchPending    ErrCommand = 0x32
	ErrReservedSlot         ErrCommand = 0x34
	ErrRoleSwitchFailed     ErrCommand = 0x35
	ErrEIRTooLarge          ErrCommand = 0x36
	ErrSSPNotSupported      ErrCommand = 0x37
	ErrHostBusyPairing      ErrCommand = 0x38
	ErrNoSuitableChannel    ErrCommand = 0x39
	ErrControllerBusy       ErrCommand = 0x3A
	ErrUnacceptableConnInt  ErrCommand = 0x3B
	ErrDirectedAdvTimeout   ErrCommand = 0x3C
	ErrMICFailure           ErrCommand = 0x3D
	ErrConnFailEstablish    ErrCommand = 0x3E
	ErrMACConnFailed        ErrCommand = 0x3F
	ErrCoarseClockAdjust    ErrCommand = 0x40
)

var errCmd = map[ErrCommand]string{
	ErrUnknownCommand:       "unknown HCI command",
	ErrConnID:               "unknown connection identifier",
	ErrHardware:             "hardware failure",
	ErrPageTimeout:          "page timeout",
	ErrAuth:                 "authentication failure",
	ErrPINMissing:           "PIN or key missing",
	ErrMemoryExceeded:       "memory capacity exceeded",
	ErrConnTimeout:          "connection timeout",
	ErrConnLimit:            "connection limit exceeded",
	ErrSyncConnLimit:        "synchronous connection limit to a device exceeded",
	ErrACLConnExists:        "ACL connection already exists",
	ErrDisallowed:           "command disallowed",
	ErrLimitedResource:      "connection rejected due to limited resources",
	ErrSecurity:             "connection rejected due to security reasons",
	ErrBDADDR:               "connection rejected due to unacceptable BD_ADDR",
	ErrConnAcceptTimeout:    "connection accept timeout exceeded",
	ErrUnsupportedParams:    "unsupported feature or parameter value",
	ErrInvalidParams:        "invalid HCI command parameters",
	ErrRemoteUser:           "remote user terminated connection",
	ErrRemoteLowResources:   "remote device terminated connection due to low resources",
	ErrRemotePowerOff:       "remote device terminated connection due to power off",
	ErrLocalHost:            "connection terminated by local host",
	ErrRepeatedAttempts:     "repeated attempts",
	ErrPairingNotAllowed:    "pairing not allowed",
	ErrUnknownLMP:           "unknown LMP PDU",
	ErrUnsupportedRemote:    "unsupported remote feature",
	ErrSCOOffsetRejected:    "SCO offset rejected",
	ErrSCOIntervalRejected:  "SCO interval rejected",
	ErrSCOAirModeRejected:   "SCO air mode rejected",
	ErrInvalidLLParams:      "invalid LMP or LL parameters",
	ErrUnspecified:          "unspecified error",
	ErrUnsupportedLLParam:   "unsupported LMP or LL parameter value",
	ErrRoleChangeNotAllowed: "role change not allowed",
	ErrLLResponseTimeout:    "LMP or LL response timeout",
	ErrLLProcCollision:      "LMP error transaction collision",
	ErrLMPPDUNotAllowed:     "LMP PDU not allowed",
	ErrEncryptionMode:       "encryption mode not acceptable",
	ErrUnitKeyUsed:          "link key cannot be changed",
	ErrQoSNotSupported:      "requested QoS not supported",
	ErrInstantPassed:        "instant passed",
	ErrPairingWithUnitKey:   "pairing with unit key not supported",
	ErrDiffTransactionColl:  "different transaction collision",
	ErrQoSParam:             "QoS unacceptable parameter",
	ErrQoSRejected:          "QoS rejected",
	ErrChannelClass:         "channel classification not supported",
	ErrInsufficientSecurity: "insufficient security",
	ErrParamOutOfRange:      "parameter out of mandatory range",
	ErrRoleSwitchPending:    "role switch pending",
	ErrReservedSlot:         "reserved slot violation",
	ErrRoleSwitchFailed:     "role switch failed",
	ErrEIRTooLarge:          "extended inquiry response too large",
	ErrSSPNotSupported:      "secure simple pairing not supported by host",
	ErrHostBusyPairing:      "host busy - pairing",
	ErrNoSuitableChannel:    "connection rejected due to no suitable channel found",
	ErrControllerBusy:       "controller busy",
	ErrUnacceptableConnInt:  "unacceptable connection parameters",
	ErrDirectedAdvTimeout:   "advertising timeout",
	ErrMICFailure:           "connection terminated due to MIC failure",
	ErrConnFailEstablish:    "connection failed to be established",
	ErrMACConnFailed:        "MAC connection failed",
	ErrCoarseClockAdjust:    "coarse clock adjustment rejected",
}

func (e ErrCommand) Error() string {
	if s, ok := errCmd[e]; ok {
		return fmt.Sprintf("hci: %s [0x%02X]", s, byte(e))
	}
	return fmt.Sprintf("hci: reserved error code [0x%02X]", byte(e))
}
