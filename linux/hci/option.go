package hci

import (
	"fmt"
	"time"

	"github.com/rigado/hcicore"
)

// SetConfig replaces the device configuration. It is validated by NewDevice.
func (d *Device) SetConfig(c hcicore.Config) error {
	d.cfg = c
	return nil
}

// SetErrorHandler ...
func (d *Device) SetErrorHandler(handler func(error)) error {
	d.h.err = handler
	return nil
}

// SetKeyStore sets the link key store.
func (d *Device) SetKeyStore(ks interface{}) error {
	k, ok := ks.(KeyStore)
	if !ok {
		return fmt.Errorf("unknown key store type %T", ks)
	}
	d.keys = k
	return nil
}

// SetTransportHCISocket sets HCI device for hci socket
func (d *Device) SetTransportHCISocket(id int) error {
	d.setTransport(transport{
		hci: &transportHci{id},
	})
	return nil
}

// SetTransportH4Socket sets h4 socket server
func (d *Device) SetTransportH4Socket(addr string, timeout time.Duration) error {
	d.setTransport(transport{
		h4socket: &transportH4Socket{addr, timeout},
	})
	return nil
}

// SetTransportH4Uart sets h4 uart path
func (d *Device) SetTransportH4Uart(path string, baud uint) error {
	d.setTransport(transport{
		h4uart: &transportH4Uart{path, baud},
	})
	return nil
}

func deviceOpt(fn func(d *Device)) hcicore.Option {
	return func(opt hcicore.DeviceOption) error {
		d, ok := opt.(*Device)
		if !ok {
			return fmt.Errorf("option needs a *hci.Device, got %T", opt)
		}
		fn(d)
		return nil
	}
}

// OptDriver uses drv instead of one of the built-in transports.
func OptDriver(drv Driver) hcicore.Option {
	return deviceOpt(func(d *Device) { d.drv = drv })
}

// OptAMP marks the controller as an AMP controller.
func OptAMP() hcicore.Option {
	return deviceOpt(func(d *Device) { d.typ = DevAMP })
}

// OptQuirks adds driver quirks on top of those named in the configuration.
func OptQuirks(q Quirks) hcicore.Option {
	return deviceOpt(func(d *Device) { d.quirks |= q })
}

// OptEventMasks overrides the event mask table.
func OptEventMasks(m *EventMasks) hcicore.Option {
	return deviceOpt(func(d *Device) { d.masks = m })
}

// OptConnHandler is called for every connection added to the registry.
func OptConnHandler(fn func(*Conn)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.conn = fn })
}

// OptDisconnHandler is called with the reason once a connection is removed.
func OptDisconnHandler(fn func(*Conn, uint8)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.disconn = fn })
}

// OptACLHandler receives ACL and LE data fragments, header stripped.
func OptACLHandler(fn func(*Conn, []byte)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.acl = fn })
}

func OptSCOHandler(fn func(*Conn, []byte)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.sco = fn })
}

func OptDiagHandler(fn func([]byte)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.diag = fn })
}

// OptNameHandler receives resolved remote names.
func OptNameHandler(fn func(hcicore.BDAddr, string)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.name = fn })
}

// OptFoundHandler is called for every inquiry result.
func OptFoundHandler(fn func(InquiryEntry, FoundFlags)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.found = fn })
}

// OptRawHandler sees every inbound frame before it is processed.
func OptRawHandler(fn func([]byte)) hcicore.Option {
	return deviceOpt(func(d *Device) { d.h.raw = fn })
}
