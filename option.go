package hcicore

import (
	"time"
)

// DeviceOption is an interface which the device should implement to allow using configuration options
type DeviceOption interface {
	SetConfig(Config) error
	SetErrorHandler(handler func(error)) error
	SetKeyStore(interface{}) error

	SetTransportHCISocket(id int) error
	SetTransportH4Socket(addr string, timeout time.Duration) error
	SetTransportH4Uart(path string, baud uint) error
}

// An Option is a configuration function, which configures the device.
type Option func(DeviceOption) error

// DEPRECATED: legacy stuff
func OptDeviceID(id int) Option {
	return OptTransportHCISocket(id)
}

// OptConfig replaces the device configuration.
func OptConfig(c Config) Option {
	return func(opt DeviceOption) error {
		return opt.SetConfig(c)
	}
}

// OptConfigFile loads the device configuration from a YAML file.
func OptConfigFile(path string) Option {
	return func(opt DeviceOption) error {
		c, err := LoadConfig(path)
		if err != nil {
			return err
		}
		return opt.SetConfig(c)
	}
}

// OptErrorHandler sets error handler
func OptErrorHandler(handler func(error)) Option {
	return func(opt DeviceOption) error {
		return opt.SetErrorHandler(handler)
	}
}

// OptKeyStore sets the link key store consulted on Link Key Request and
// filled from Link Key Notification.
func OptKeyStore(ks interface{}) Option {
	return func(opt DeviceOption) error {
		return opt.SetKeyStore(ks)
	}
}

// OptTransportHCISocket set hci socket transport
func OptTransportHCISocket(id int) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportHCISocket(id)
	}
}

// OptTransportH4Socket set h4 socket transport
func OptTransportH4Socket(addr string, timeout time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportH4Socket(addr, timeout)
	}
}

// OptTransportH4Uart set h4 uart transport. A zero baud rate keeps the
// transport default.
func OptTransportH4Uart(path string, baud uint) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportH4Uart(path, baud)
	}
}
